package wsclient

import (
	"bytes"
	"testing"
	"time"
	"unicode/utf8"
)

func TestASCIIClean(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"empty", nil, true},
		{"short ascii", []byte("hi"), true},
		{"long ascii", bytes.Repeat([]byte("abcdefgh"), 100), true},
		{"utf8 multibyte", []byte("héllo"), false},
		{"high byte at tail", append(bytes.Repeat([]byte("x"), 17), 0xFF), false},
		{"high byte in chunk", append([]byte{0xC3}, bytes.Repeat([]byte("x"), 16)...), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := asciiClean(tt.payload); got != tt.want {
				t.Fatalf("asciiClean = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSanitizeInto(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    []byte
	}{
		{"clean", []byte(`{"k":"v"}`), []byte(`{"k":"v"}`)},
		{"valid multibyte kept", []byte("héllo"), []byte("héllo")},
		{"stray continuation", []byte{'a', 0x80, 'b'}, []byte("a?b")},
		{"truncated sequence", []byte{'a', 0xC3}, []byte("a?")},
		{"all invalid", []byte{0xFF, 0xFE}, []byte("??")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeInto(nil, tt.payload)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("sanitizeInto(%q) = %q, want %q", tt.payload, got, tt.want)
			}
			if !utf8.Valid(got) {
				t.Fatalf("sanitized output %q still invalid", got)
			}
			if len(got) != len(tt.payload) {
				t.Fatalf("sanitize changed length: %d -> %d", len(tt.payload), len(got))
			}
		})
	}
}

// Clean payloads must pass through stage without copying; dirty ones must
// come back sanitized from a tier buffer.
func TestStageTiers(t *testing.T) {
	sb := newSendBuffers()

	clean := []byte(`{"jsonrpc":"2.0","id":1}`)
	out, release := sb.stage(clean)
	if &out[0] != &clean[0] {
		t.Fatal("clean payload was copied")
	}
	release()

	// Small dirty payload lands in the resident buffer.
	dirty := append(bytes.Repeat([]byte("x"), 100), 0xFF)
	out, release = sb.stage(dirty)
	if !utf8.Valid(out) {
		t.Fatalf("staged payload invalid: %q", out)
	}
	if out[len(out)-1] != '?' {
		t.Fatalf("invalid byte not replaced: %q", out[len(out)-1])
	}
	release()

	// Mid-size dirty payload borrows from the pool.
	mid := append(bytes.Repeat([]byte("y"), smallBufferSize+10), 0x80)
	out, release = sb.stage(mid)
	if !utf8.Valid(out) || len(out) != len(mid) {
		t.Fatalf("mid-tier staging broken: len %d want %d", len(out), len(mid))
	}
	release()
	if len(sb.pool) != poolBufferCount {
		t.Fatalf("pool buffer not returned: %d of %d", len(sb.pool), poolBufferCount)
	}

	// Oversize dirty payload gets a one-shot allocation.
	huge := append(bytes.Repeat([]byte("z"), poolBufferSize+1), 0x80)
	out, release = sb.stage(huge)
	if !utf8.Valid(out) || len(out) != len(huge) {
		t.Fatalf("one-shot staging broken: len %d want %d", len(out), len(huge))
	}
	release()
}

// The resident small buffer serializes concurrent users rather than
// corrupting them.
func TestStageSmallBufferExclusive(t *testing.T) {
	sb := newSendBuffers()

	dirty1 := append([]byte("first"), 0xFF)
	out1, release1 := sb.stage(dirty1)

	done := make(chan []byte)
	go func() {
		dirty2 := append([]byte("second"), 0xFF)
		out2, release2 := sb.stage(dirty2)
		cp := make([]byte, len(out2))
		copy(cp, out2)
		release2()
		done <- cp
	}()

	// The second stage blocks until the first releases.
	select {
	case <-done:
		t.Fatal("second stage completed while first held the buffer")
	case <-time.After(100 * time.Millisecond):
	}

	snapshot := make([]byte, len(out1))
	copy(snapshot, out1)
	release1()

	got := <-done
	if !bytes.Equal(snapshot, []byte("first?")) {
		t.Fatalf("first staging corrupted: %q", snapshot)
	}
	if !bytes.Equal(got, []byte("second?")) {
		t.Fatalf("second staging corrupted: %q", got)
	}
}
