// Package pool provides the resource pools shared by the transports: a
// fixed-size buffer pool with validated release, and a single-goroutine
// object cache with adaptive sizing.
//
// The buffer pool is the safety-critical one. Payload buffers travel between
// goroutines and layers, so release is validated: a buffer that was never
// minted by the pool, or that is already on the free list, is refused with an
// error log and no side effect. Pool integrity survives caller bugs.
package pool
