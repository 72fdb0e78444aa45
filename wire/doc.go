// Package wire implements the length-prefixed frame codec and the
// cancellation-aware socket plumbing underneath every transport.
//
// A frame on the wire is <4-byte big-endian length><payload>; the payload is
// opaque. All blocking operations take a *StopFlag and observe it within one
// second: instead of a platform-specific readiness multiplexer (stop pipe,
// select tick), waits run under sliced deadlines and re-check the flag on
// every slice. That single mechanism covers prompt shutdown for reads,
// writes, and batch scans alike.
package wire
