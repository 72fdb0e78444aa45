package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/mcpwire/mcpwire"
	"github.com/rs/zerolog"
)

// pollSlice bounds how long any blocking socket call can run before the stop
// flag is re-checked. Shutdown latency is therefore at most one slice.
const pollSlice = time.Second

// headerSize is the fixed length prefix preceding every payload.
const headerSize = 4

// Conn frames messages over a stream connection. It owns a buffered reader
// on top of the socket, so all reads must go through it; mixing direct reads
// on the underlying net.Conn would lose buffered bytes.
//
// Conn is safe for one concurrent reader and one concurrent writer, which is
// the discipline every transport in this module follows (receiver goroutine
// reads, callers send).
type Conn struct {
	nc  net.Conn
	br  *bufio.Reader
	log zerolog.Logger
}

// NewConn wraps an established connection for framed I/O.
func NewConn(nc net.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		nc:  nc,
		br:  bufio.NewReaderSize(nc, 16*1024),
		log: logger,
	}
}

// NetConn exposes the underlying connection for shutdown and tuning. Reads
// must still go through Conn.
func (c *Conn) NetConn() net.Conn {
	return c.nc
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// SendMessage frames payload and writes it with a single vectored write,
// retrying partial writes until the frame is fully on the wire. A zero-length
// payload is legal (the peer receives an empty message) but flagged as
// anomalous. Returns ErrAborted promptly once stop is set.
func (c *Conn) SendMessage(payload []byte, stop *StopFlag) error {
	if len(payload) > mcpwire.MaxMessageSize {
		return fmt.Errorf("%w: payload %d bytes", mcpwire.ErrOversizeFrame, len(payload))
	}
	if len(payload) == 0 {
		c.log.Warn().Msg("Sending zero-length message")
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	bufs := net.Buffers{hdr[:]}
	if len(payload) > 0 {
		bufs = append(bufs, payload)
	}
	return c.writeBuffers(&bufs, stop)
}

// SendBatch frames and writes every payload in order with one vectored write.
// The length prefixes live in a single slab so the iovec array stays valid
// for the whole call.
func (c *Conn) SendBatch(payloads [][]byte, stop *StopFlag) error {
	if len(payloads) == 0 {
		return nil
	}

	headers := make([]byte, headerSize*len(payloads))
	bufs := make(net.Buffers, 0, 2*len(payloads))
	for i, p := range payloads {
		if len(p) > mcpwire.MaxMessageSize {
			return fmt.Errorf("%w: batch payload %d is %d bytes", mcpwire.ErrOversizeFrame, i, len(p))
		}
		hdr := headers[i*headerSize : (i+1)*headerSize]
		binary.BigEndian.PutUint32(hdr, uint32(len(p)))
		bufs = append(bufs, hdr)
		if len(p) > 0 {
			bufs = append(bufs, p)
		}
	}
	return c.writeBuffers(&bufs, stop)
}

// writeBuffers drains bufs under sliced write deadlines. net.Buffers advances
// past fully written vectors and trims the first remaining one on partial
// writes, so a deadline expiry resumes exactly where the kernel stopped.
func (c *Conn) writeBuffers(bufs *net.Buffers, stop *StopFlag) error {
	defer c.nc.SetWriteDeadline(time.Time{})

	for len(*bufs) > 0 {
		if stop.Stopped() {
			return mcpwire.ErrAborted
		}
		if err := c.nc.SetWriteDeadline(time.Now().Add(pollSlice)); err != nil {
			return Classify(err)
		}
		if _, err := bufs.WriteTo(c.nc); err != nil {
			if isDeadline(err) {
				continue
			}
			return Classify(err)
		}
	}
	return nil
}

// WaitReadable blocks until at least one byte can be read, the timeout
// elapses, or stop is set. A negative timeout waits indefinitely; zero is an
// immediate probe (already-buffered data still reports readable, which is
// what batch scans rely on). Returns (true, nil) on readable, (false, nil)
// on timeout.
func (c *Conn) WaitReadable(timeout time.Duration, stop *StopFlag) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if c.br.Buffered() > 0 {
			return true, nil
		}
		if stop.Stopped() {
			return false, mcpwire.ErrAborted
		}

		slice := pollSlice
		switch {
		case timeout == 0:
			slice = 0
		case timeout > 0:
			remain := time.Until(deadline)
			if remain <= 0 {
				return false, nil
			}
			if remain < slice {
				slice = remain
			}
		}

		if err := c.nc.SetReadDeadline(time.Now().Add(slice)); err != nil {
			return false, Classify(err)
		}
		_, err := c.br.Peek(1)
		c.nc.SetReadDeadline(time.Time{})
		if err == nil {
			return true, nil
		}
		if !isDeadline(err) {
			return false, Classify(err)
		}
		if stop.Stopped() {
			return false, mcpwire.ErrAborted
		}
		if timeout == 0 {
			return false, nil
		}
	}
}

// RecvMessage reads one frame. The timeout bounds the wait for the frame to
// begin arriving (negative waits indefinitely); once the header shows up, the
// body read runs to completion regardless of timeout (only stop or a socket
// failure interrupts it).
//
// The returned slice has one spare byte of capacity holding a NUL sentinel
// just past the reported length, for the convenience of string-oriented
// layers above. Oversized frames fail with ErrOversizeFrame and the body is
// not drained: the connection is unusable afterwards by design.
func (c *Conn) RecvMessage(maxSize int, timeout time.Duration, stop *StopFlag) ([]byte, error) {
	readable, err := c.WaitReadable(timeout, stop)
	if err != nil {
		return nil, err
	}
	if !readable {
		return nil, fmt.Errorf("%w: no frame within %v", mcpwire.ErrTimeout, timeout)
	}

	var hdr [headerSize]byte
	if err := c.readFull(hdr[:], stop); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		c.log.Warn().Msg("Received zero-length message")
		return []byte{}, nil
	}
	if int(n) > maxSize {
		c.log.Error().
			Uint32("length", n).
			Int("max", maxSize).
			Msg("Frame length exceeds maximum, abandoning connection")
		return nil, fmt.Errorf("%w: frame length %d exceeds maximum %d", mcpwire.ErrOversizeFrame, n, maxSize)
	}

	buf := make([]byte, n+1)
	if err := c.readFull(buf[:n], stop); err != nil {
		return nil, err
	}
	buf[n] = 0
	return buf[:n], nil
}

// RecvMessageInto is RecvMessage with a caller-supplied buffer, typically one
// borrowed from a pool. When the frame and its NUL sentinel fit in buf the
// returned slice aliases it; larger frames spill to a fresh allocation. The
// caller releases buf either way once it is done with the message.
func (c *Conn) RecvMessageInto(buf []byte, maxSize int, timeout time.Duration, stop *StopFlag) ([]byte, error) {
	readable, err := c.WaitReadable(timeout, stop)
	if err != nil {
		return nil, err
	}
	if !readable {
		return nil, fmt.Errorf("%w: no frame within %v", mcpwire.ErrTimeout, timeout)
	}

	var hdr [headerSize]byte
	if err := c.readFull(hdr[:], stop); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		c.log.Warn().Msg("Received zero-length message")
		return []byte{}, nil
	}
	if int(n) > maxSize {
		c.log.Error().
			Uint32("length", n).
			Int("max", maxSize).
			Msg("Frame length exceeds maximum, abandoning connection")
		return nil, fmt.Errorf("%w: frame length %d exceeds maximum %d", mcpwire.ErrOversizeFrame, n, maxSize)
	}

	dst := buf
	if int(n)+1 > len(dst) {
		dst = make([]byte, n+1)
	}
	if err := c.readFull(dst[:n], stop); err != nil {
		return nil, err
	}
	dst[n] = 0
	return dst[:n:n+1], nil
}

// RecvBatch collects up to maxCount frames. The first frame honors timeout;
// subsequent frames are taken only while data is already available, so the
// call never blocks once the socket goes quiet. A failure after the first
// frame returns what was collected.
func (c *Conn) RecvBatch(maxSize, maxCount int, timeout time.Duration, stop *StopFlag) ([][]byte, error) {
	if maxCount <= 0 {
		return nil, fmt.Errorf("%w: maxCount %d", mcpwire.ErrInvalidArgument, maxCount)
	}

	msgs := make([][]byte, 0, maxCount)
	for len(msgs) < maxCount {
		if stop.Stopped() {
			c.log.Debug().Int("collected", len(msgs)).Msg("Batch receive stopped by flag")
			return msgs, nil
		}

		wait := timeout
		if len(msgs) > 0 {
			// Non-blocking probe after the first frame.
			readable, err := c.WaitReadable(0, stop)
			if err != nil || !readable {
				return msgs, nil
			}
			wait = pollSlice
		}

		msg, err := c.RecvMessage(maxSize, wait, stop)
		if err != nil {
			if len(msgs) == 0 {
				return nil, err
			}
			return msgs, nil
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// readFull reads exactly len(buf) bytes under sliced deadlines. A clean EOF
// before any byte and a truncated read both classify as peer-closed; a
// deadline expiry mid-frame just re-checks the stop flag and continues.
func (c *Conn) readFull(buf []byte, stop *StopFlag) error {
	defer c.nc.SetReadDeadline(time.Time{})

	n := 0
	for n < len(buf) {
		if stop.Stopped() {
			return mcpwire.ErrAborted
		}
		if err := c.nc.SetReadDeadline(time.Now().Add(pollSlice)); err != nil {
			return Classify(err)
		}
		m, err := c.br.Read(buf[n:])
		n += m
		if err != nil {
			if isDeadline(err) {
				continue
			}
			return Classify(err)
		}
	}
	return nil
}
