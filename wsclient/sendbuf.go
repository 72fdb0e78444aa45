package wsclient

import (
	"sync"
	"unicode/utf8"
)

// Send buffer tiers. Small payloads reuse one resident buffer, mid-sized
// payloads borrow from a fixed pool, and anything larger gets a one-shot
// allocation that the garbage collector reclaims.
const (
	smallBufferSize = 3 * 1024
	poolBufferSize  = 4 * 1024
	poolBufferCount = 64
)

// sendBuffers stages outbound payloads, sanitizing them to valid UTF-8 on
// the way in. WebSocket text frames must be valid UTF-8; a payload that is
// not gets its offending bytes replaced with '?' rather than killing the
// connection.
type sendBuffers struct {
	smallMu sync.Mutex
	small   [smallBufferSize]byte

	pool chan []byte
}

func newSendBuffers() *sendBuffers {
	sb := &sendBuffers{
		pool: make(chan []byte, poolBufferCount),
	}
	for i := 0; i < poolBufferCount; i++ {
		sb.pool <- make([]byte, poolBufferSize)
	}
	return sb
}

// stage returns the payload ready for the wire and a release function. When
// the payload is already clean ASCII it is passed through untouched and
// release is a no-op; otherwise it is sanitized into a tier buffer.
func (sb *sendBuffers) stage(payload []byte) ([]byte, func()) {
	if asciiClean(payload) {
		return payload, func() {}
	}
	if utf8.Valid(payload) {
		return payload, func() {}
	}

	switch {
	case len(payload) <= smallBufferSize:
		sb.smallMu.Lock()
		out := sanitizeInto(sb.small[:0], payload)
		return out, sb.smallMu.Unlock
	case len(payload) <= poolBufferSize:
		select {
		case buf := <-sb.pool:
			out := sanitizeInto(buf[:0], payload)
			return out, func() { sb.pool <- buf[:poolBufferSize] }
		default:
			// Pool exhausted; fall through to a one-shot buffer.
		}
		fallthrough
	default:
		return sanitizeInto(make([]byte, 0, len(payload)), payload), func() {}
	}
}

// asciiClean reports whether payload is pure ASCII, scanning eight bytes at
// a time. Almost every JSON-RPC payload is, so this check keeps the full
// UTF-8 validation off the hot path.
func asciiClean(payload []byte) bool {
	i := 0
	for ; i+8 <= len(payload); i += 8 {
		if payload[i]|payload[i+1]|payload[i+2]|payload[i+3]|
			payload[i+4]|payload[i+5]|payload[i+6]|payload[i+7] >= 0x80 {
			return false
		}
	}
	for ; i < len(payload); i++ {
		if payload[i] >= 0x80 {
			return false
		}
	}
	return true
}

// sanitizeInto appends payload to dst with every invalid UTF-8 byte
// replaced by '?'.
func sanitizeInto(dst, payload []byte) []byte {
	for len(payload) > 0 {
		r, size := utf8.DecodeRune(payload)
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, '?')
		} else {
			dst = append(dst, payload[:size]...)
		}
		payload = payload[size:]
	}
	return dst
}
