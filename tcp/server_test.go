package tcp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mcpwire/mcpwire"
	"github.com/rs/zerolog"
)

func testConfig() *mcpwire.Config {
	return &mcpwire.Config{
		Host:              "127.0.0.1",
		Port:              0,
		ConnectTimeout:    2 * time.Second,
		MaxClients:        16,
		WorkerPoolSize:    8,
		ServerBufferSize:  16 * 1024,
		ServerBufferCount: 8,
		ClientBufferSize:  8 * 1024,
		ClientBufferCount: 4,
		Reconnect: mcpwire.ReconnectConfig{
			Enabled:      true,
			MaxAttempts:  10,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Factor:       2.0,
		},
		MetricsInterval: time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

func echoHandler(payload []byte) ([]byte, error) {
	resp := make([]byte, len(payload))
	copy(resp, payload)
	return resp, nil
}

func startEchoServer(t *testing.T, cfg *mcpwire.Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg, echoHandler, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func serverPort(t *testing.T, srv *Server) uint16 {
	t.Helper()
	addr, ok := srv.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener addr %T", srv.Addr())
	}
	return uint16(addr.Port)
}

// rawDial connects a plain socket to the server for tests that speak the
// wire format by hand.
func rawDial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	return nc
}

func writeFrame(t *testing.T, nc net.Conn, payload []byte) {
	t.Helper()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := nc.Write(hdr[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := nc.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func readFrame(t *testing.T, nc net.Conn, timeout time.Duration) []byte {
	t.Helper()
	nc.SetReadDeadline(time.Now().Add(timeout))
	defer nc.SetReadDeadline(time.Time{})

	var hdr [4]byte
	if _, err := readFullRaw(nc, hdr[:]); err != nil {
		t.Fatalf("read header: %v", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := readFullRaw(nc, buf); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return buf
}

func readFullRaw(nc net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := nc.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func TestServerEcho(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	nc := rawDial(t, srv)

	msg := []byte("hello\r\n")
	writeFrame(t, nc, msg)

	got := readFrame(t, nc, 3*time.Second)
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo mismatch: got %q want %q", got, msg)
	}

	snap := srv.Stats()
	if snap.Accepted != 1 {
		t.Errorf("accepted = %d, want 1", snap.Accepted)
	}
	if snap.MessagesIn != 1 || snap.MessagesOut != 1 {
		t.Errorf("messages in/out = %d/%d, want 1/1", snap.MessagesIn, snap.MessagesOut)
	}
	if snap.BytesIn != int64(len(msg)) || snap.BytesOut != int64(len(msg)) {
		t.Errorf("bytes in/out = %d/%d, want %d/%d",
			snap.BytesIn, snap.BytesOut, len(msg), len(msg))
	}
}

func TestServerEchoManyMessages(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	nc := rawDial(t, srv)

	for i := 0; i < 50; i++ {
		msg := bytes.Repeat([]byte{byte('a' + i%26)}, 1+i*37)
		writeFrame(t, nc, msg)
		got := readFrame(t, nc, 3*time.Second)
		if !bytes.Equal(got, msg) {
			t.Fatalf("message %d mismatch: len got %d want %d", i, len(got), len(msg))
		}
	}
}

// A frame advertising more than the maximum payload must kill the
// connection without the server reading the body.
func TestServerOversizeFrameClosesConnection(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	nc := rawDial(t, srv)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(mcpwire.MaxMessageSize+1))
	if _, err := nc.Write(hdr[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}

	// The server must close on us; a read should hit EOF, not hang.
	nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := nc.Read(buf); err == nil {
		t.Fatal("expected connection close after oversize frame")
	}

	waitFor(t, 3*time.Second, func() bool {
		return srv.ActiveConnections() == 0
	}, "slot not released after oversize frame")

	if snap := srv.Stats(); snap.Errors == 0 {
		t.Error("oversize frame not counted as an error")
	}
}

func TestServerIdleReaping(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 500 * time.Millisecond
	srv := startEchoServer(t, cfg)
	nc := rawDial(t, srv)

	// Prove the connection works, then go quiet.
	writeFrame(t, nc, []byte("ping"))
	readFrame(t, nc, 3*time.Second)

	waitFor(t, 5*time.Second, func() bool {
		return srv.ActiveConnections() == 0
	}, "idle connection not reaped")

	// The peer observes the close.
	nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := nc.Read(buf); err == nil {
		t.Fatal("expected reaped connection to be closed")
	}
}

// Activity resets the idle clock: a connection exchanging traffic faster
// than the timeout must survive well past it.
func TestServerIdleReaperSparesActive(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 600 * time.Millisecond
	srv := startEchoServer(t, cfg)
	nc := rawDial(t, srv)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		writeFrame(t, nc, []byte("keepalive"))
		readFrame(t, nc, 3*time.Second)
		time.Sleep(200 * time.Millisecond)
	}

	if srv.ActiveConnections() != 1 {
		t.Fatal("active connection was reaped despite traffic")
	}
}

func TestServerStopClosesAllSlots(t *testing.T) {
	srv := startEchoServer(t, testConfig())

	conns := make([]net.Conn, 0, 5)
	for i := 0; i < 5; i++ {
		nc := rawDial(t, srv)
		writeFrame(t, nc, []byte("hi"))
		readFrame(t, nc, 3*time.Second)
		conns = append(conns, nc)
	}
	if got := srv.ActiveConnections(); got != 5 {
		t.Fatalf("active = %d, want 5", got)
	}

	srv.Stop()

	for _, slot := range srv.slots {
		if st := slot.state.Load(); st != slotInactive {
			t.Errorf("slot %d state %s after Stop, want inactive", slot.idx, slotStateName(st))
		}
	}
	for _, nc := range conns {
		nc.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 1)
		if _, err := nc.Read(buf); err == nil {
			t.Error("expected connection closed after Stop")
		}
	}

	// Stop again must be a no-op.
	srv.Stop()
}

// Stop must interrupt an acceptor parked in Accept and return promptly.
func TestServerStopReturnsPromptly(t *testing.T) {
	srv := startEchoServer(t, testConfig())

	// Let the acceptor park in Accept with no traffic pending.
	time.Sleep(300 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop hung while the acceptor was blocked in Accept")
	}
}

// A handler may return its input unchanged. The zero-copy response must hit
// the wire before the receive buffer is recycled, even with the pool down to
// one preallocated buffer shared across concurrent connections.
func TestServerZeroCopyEchoIsolation(t *testing.T) {
	cfg := testConfig()
	cfg.ServerBufferCount = 1
	handler := func(payload []byte) ([]byte, error) { return payload, nil }
	srv, err := NewServer(cfg, handler, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	const (
		conns    = 4
		frames   = 60
		pipeline = 4
		size     = 2048
	)

	errs := make(chan error, conns)
	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		nc := rawDial(t, srv)
		fill := byte('A' + i)
		wg.Add(1)
		go func(nc net.Conn, fill byte) {
			defer wg.Done()
			errs <- pipelineEcho(nc, fill, frames, pipeline, size)
		}(nc, fill)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

// pipelineEcho keeps several frames in flight on one connection and checks
// every echoed byte against the connection's fill pattern.
func pipelineEcho(nc net.Conn, fill byte, frames, pipeline, size int) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(size))
	frame := append(append([]byte{}, hdr[:]...), bytes.Repeat([]byte{fill}, size)...)

	for i := 0; i < pipeline; i++ {
		if _, err := nc.Write(frame); err != nil {
			return fmt.Errorf("conn %c write: %v", fill, err)
		}
	}

	nc.SetReadDeadline(time.Now().Add(15 * time.Second))
	got := make([]byte, size)
	for i := 0; i < frames; i++ {
		var h [4]byte
		if _, err := readFullRaw(nc, h[:]); err != nil {
			return fmt.Errorf("conn %c frame %d header: %v", fill, i, err)
		}
		if n := binary.BigEndian.Uint32(h[:]); n != uint32(size) {
			return fmt.Errorf("conn %c frame %d length %d, want %d", fill, i, n, size)
		}
		if _, err := readFullRaw(nc, got); err != nil {
			return fmt.Errorf("conn %c frame %d payload: %v", fill, i, err)
		}
		for j, b := range got {
			if b != fill {
				return fmt.Errorf("conn %c frame %d byte %d = %q, want %q", fill, i, j, b, fill)
			}
		}
		if i+pipeline < frames {
			if _, err := nc.Write(frame); err != nil {
				return fmt.Errorf("conn %c write: %v", fill, err)
			}
		}
	}
	return nil
}

func TestServerRejectsWhenTableFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 2
	srv := startEchoServer(t, cfg)

	// Fill the table with verified-live connections.
	for i := 0; i < 2; i++ {
		nc := rawDial(t, srv)
		writeFrame(t, nc, []byte("hold"))
		readFrame(t, nc, 3*time.Second)
	}

	// The third connection must be closed by the server.
	extra := rawDial(t, srv)
	extra.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := extra.Read(buf); err == nil {
		t.Fatal("expected rejection when slot table is full")
	}

	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Rejected >= 1
	}, "rejection not counted")
}

func TestServerHandlerErrorKeepsConnection(t *testing.T) {
	cfg := testConfig()
	calls := 0
	handler := func(payload []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, mcpwire.ErrInvalidArgument
		}
		return payload, nil
	}
	srv, err := NewServer(cfg, handler, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	nc := rawDial(t, srv)
	writeFrame(t, nc, []byte("first"))
	writeFrame(t, nc, []byte("second"))

	// First message errored with no response; second still round-trips on
	// the same connection.
	got := readFrame(t, nc, 3*time.Second)
	if !bytes.Equal(got, []byte("second")) {
		t.Fatalf("got %q, want %q", got, "second")
	}
}

func TestWorkerPoolSubmitAndDrop(t *testing.T) {
	wp := NewWorkerPool(2, 1, 8, 2, zerolog.Nop())

	block := make(chan struct{})
	done := make(chan struct{}, 16)
	task := func() {
		<-block
		done <- struct{}{}
	}

	// Before Start nothing drains, so 2 workers' worth plus the queue is
	// the most that can be accepted... but workers aren't running yet, so
	// only the queue (2) accepts.
	if !wp.Submit(task) || !wp.Submit(task) {
		t.Fatal("queue should accept up to its capacity")
	}
	if wp.Submit(task) {
		t.Fatal("expected drop when queue is full")
	}
	if wp.DroppedTasks() != 1 {
		t.Fatalf("dropped = %d, want 1", wp.DroppedTasks())
	}

	wp.Start()
	close(block)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("queued task did not run")
		}
	}

	if !wp.StopWithTimeout(2 * time.Second) {
		t.Fatal("pool did not drain")
	}
	if wp.Submit(task) {
		t.Fatal("stopped pool must refuse tasks")
	}
}

// Submit racing StopWithTimeout must refuse cleanly, never panic on the
// closed queue.
func TestWorkerPoolSubmitRacesStop(t *testing.T) {
	for round := 0; round < 25; round++ {
		wp := NewWorkerPool(2, 1, 4, 16, zerolog.Nop())
		wp.Start()

		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < 200; i++ {
					wp.Submit(func() {})
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			wp.StopWithTimeout(time.Second)
		}()
		close(start)
		wg.Wait()

		if wp.Submit(func() {}) {
			t.Fatal("stopped pool accepted a task")
		}
	}
}

func TestWorkerPoolSmartAdjust(t *testing.T) {
	wp := NewWorkerPool(4, 2, 16, 4, zerolog.Nop())
	wp.Start()
	defer wp.StopWithTimeout(2 * time.Second)

	// Empty queue shrinks toward min.
	wp.SmartAdjust(10)
	if got := wp.Workers(); got >= 4 {
		t.Fatalf("workers = %d, want < 4 after idle shrink", got)
	}

	// Backed-up queue grows, but a saturated CPU vetoes growth.
	block := make(chan struct{})
	defer close(block)
	for i := 0; i < 8; i++ {
		wp.Submit(func() { <-block })
	}
	before := wp.Workers()
	wp.SmartAdjust(95)
	if got := wp.Workers(); got != before {
		t.Fatalf("workers grew under CPU saturation: %d -> %d", before, got)
	}
	wp.SmartAdjust(20)
	if got := wp.Workers(); got <= before {
		t.Fatalf("workers = %d, want growth above %d with queue backed up", got, before)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}
