package wire

import "sync/atomic"

// StopFlag is a cancellation token shared between a blocking I/O loop and
// whoever shuts it down. It is single-writer in spirit (the owner sets it,
// the loop polls it) but safe for any number of concurrent readers.
//
// A nil *StopFlag is valid and never reports stopped, so callers without a
// cancellation requirement can pass nil.
type StopFlag struct {
	stopped atomic.Bool
}

// Set marks the flag. Blocking operations observing this flag return
// ErrAborted on their next deadline slice.
func (s *StopFlag) Set() {
	s.stopped.Store(true)
}

// Reset clears the flag so the owner can reuse it for a fresh loop.
func (s *StopFlag) Reset() {
	s.stopped.Store(false)
}

// Stopped reports whether the flag has been set.
func (s *StopFlag) Stopped() bool {
	return s != nil && s.stopped.Load()
}
