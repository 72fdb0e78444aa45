package tcp

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/mcpwire/mcpwire"
	"github.com/rs/zerolog"
)

// stateRecorder collects the client's state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) record(state ConnState, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) snapshot() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnState, len(r.states))
	copy(out, r.states)
	return out
}

func (r *stateRecorder) saw(state ConnState) bool {
	for _, s := range r.snapshot() {
		if s == state {
			return true
		}
	}
	return false
}

func startClient(t *testing.T, srv *Server) (*Client, *mcpwire.Config) {
	t.Helper()
	cfg := testConfig()
	cfg.Port = serverPort(t, srv)

	cli, err := NewClient(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := cli.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(cli.Stop)
	return cli, cfg
}

func TestClientSendReceive(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	cli, _ := startClient(t, srv)

	// Drain the echo of the verification ping first.
	if _, err := cli.Receive(3 * time.Second); err != nil {
		t.Fatalf("ping echo: %v", err)
	}

	msg := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if err := cli.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := cli.Receive(3 * time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo mismatch: got %q", got)
	}
}

func TestClientMessageCallback(t *testing.T) {
	srv := startEchoServer(t, testConfig())

	cfg := testConfig()
	cfg.Port = serverPort(t, srv)
	cli, err := NewClient(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	got := make(chan []byte, 8)
	cli.SetMessageCallback(func(payload []byte) {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		got <- cp
	})

	if err := cli.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(cli.Stop)

	// First callback is the echoed verification ping.
	select {
	case msg := <-got:
		if !bytes.Equal(msg, verifyPayload) {
			t.Fatalf("first message %q, want ping echo", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ping echo not delivered to callback")
	}

	if err := cli.Send([]byte("payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-got:
		if !bytes.Equal(msg, []byte("payload")) {
			t.Fatalf("callback got %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered to callback")
	}
}

func TestClientSendBatch(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	cli, _ := startClient(t, srv)
	cli.Receive(3 * time.Second) // ping echo

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	if err := cli.SendBatch(payloads); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	for i, want := range payloads {
		got, err := cli.Receive(3 * time.Second)
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("batch echo %d: got %q want %q", i, got, want)
		}
	}
}

// Send is safe for concurrent use: frames from racing senders must come out
// intact, never interleaved mid-frame.
func TestClientConcurrentSends(t *testing.T) {
	srv := startEchoServer(t, testConfig())

	cfg := testConfig()
	cfg.Port = serverPort(t, srv)
	cli, err := NewClient(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	got := make(chan []byte, 256)
	cli.SetMessageCallback(func(p []byte) {
		cp := make([]byte, len(p))
		copy(cp, p)
		got <- cp
	})
	if err := cli.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(cli.Stop)

	// First callback is the echoed verification ping.
	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("ping echo not delivered")
	}

	const (
		senders   = 4
		perSender = 25
		size      = 4096
	)
	var wg sync.WaitGroup
	sendErrs := make(chan error, senders)
	for g := 0; g < senders; g++ {
		fill := byte('a' + g)
		wg.Add(1)
		go func(fill byte) {
			defer wg.Done()
			msg := bytes.Repeat([]byte{fill}, size)
			for i := 0; i < perSender; i++ {
				if err := cli.Send(msg); err != nil {
					sendErrs <- err
					return
				}
			}
		}(fill)
	}
	wg.Wait()
	close(sendErrs)
	for err := range sendErrs {
		t.Fatalf("Send: %v", err)
	}

	counts := map[byte]int{}
	for n := 0; n < senders*perSender; n++ {
		select {
		case msg := <-got:
			if len(msg) != size {
				t.Fatalf("echo %d: %d bytes, want %d", n, len(msg), size)
			}
			fill := msg[0]
			for j, b := range msg {
				if b != fill {
					t.Fatalf("echo %d byte %d = %q inside a %q frame", n, j, b, fill)
				}
			}
			counts[fill]++
		case <-time.After(10 * time.Second):
			t.Fatalf("echoes stopped after %d of %d", n, senders*perSender)
		}
	}
	for g := 0; g < senders; g++ {
		fill := byte('a' + g)
		if counts[fill] != perSender {
			t.Fatalf("fill %q: %d echoes, want %d", fill, counts[fill], perSender)
		}
	}
}

func TestClientSendWhenDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 1 // nothing listens here
	cfg.Reconnect.Enabled = false

	cli, err := NewClient(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(cli.Stop)

	if err := cli.Start(); err == nil {
		t.Fatal("Start should fail with nothing listening")
	}
	if err := cli.Send([]byte("x")); err == nil {
		t.Fatal("Send on disconnected client should fail")
	}
}

// Killing the server mid-session must drive the client through
// Reconnecting and back to Connected once the server returns.
func TestClientReconnects(t *testing.T) {
	cfg := testConfig()
	srv := startEchoServer(t, cfg)
	port := serverPort(t, srv)

	ccfg := testConfig()
	ccfg.Port = port
	ccfg.Reconnect.InitialDelay = 50 * time.Millisecond
	ccfg.Reconnect.MaxDelay = 200 * time.Millisecond
	ccfg.Reconnect.Randomize = false

	cli, err := NewClient(ccfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	rec := &stateRecorder{}
	cli.SetStateCallback(rec.record)

	if err := cli.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(cli.Stop)

	waitFor(t, 3*time.Second, cli.IsConnected, "client never connected")

	// Take the server down; the receiver notices within a poll slice.
	srv.Stop()
	waitFor(t, 5*time.Second, func() bool {
		return rec.saw(StateReconnecting)
	}, "client never entered reconnecting")

	// Bring a server back on the same port.
	cfg2 := testConfig()
	cfg2.Port = port
	srv2, err := NewServer(cfg2, echoHandler, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv2.Start(); err != nil {
		t.Fatalf("restart server: %v", err)
	}
	t.Cleanup(srv2.Stop)

	waitFor(t, 10*time.Second, cli.IsConnected, "client never reconnected")

	states := rec.snapshot()
	sawReconnecting := false
	reconnectedAfter := false
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
		if sawReconnecting && s == StateConnected {
			reconnectedAfter = true
		}
	}
	if !reconnectedAfter {
		t.Fatalf("state trace %v missing reconnecting -> connected", states)
	}
	if cli.State() != StateConnected {
		t.Fatalf("final state %v, want connected", cli.State())
	}
}

func TestClientReconnectGivesUp(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	port := serverPort(t, srv)

	ccfg := testConfig()
	ccfg.Port = port
	ccfg.Reconnect.MaxAttempts = 2
	ccfg.Reconnect.InitialDelay = 20 * time.Millisecond
	ccfg.Reconnect.MaxDelay = 50 * time.Millisecond
	ccfg.Reconnect.Randomize = false

	cli, err := NewClient(ccfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	rec := &stateRecorder{}
	cli.SetStateCallback(rec.record)
	if err := cli.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(cli.Stop)
	waitFor(t, 3*time.Second, cli.IsConnected, "client never connected")

	// Server goes away for good.
	srv.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return cli.State() == StateFailed
	}, "client never gave up")
	if !rec.saw(StateReconnecting) {
		t.Fatal("client gave up without attempting reconnection")
	}
}

// The backoff schedule must grow geometrically, respect the cap, and with
// jitter enabled stay within [10% of nominal, nominal].
func TestBackoffDelayBounds(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect.InitialDelay = 100 * time.Millisecond
	cfg.Reconnect.MaxDelay = time.Second
	cfg.Reconnect.Factor = 2.0
	cfg.Reconnect.Randomize = false

	cli, err := NewClient(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(cli.Stop)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
		time.Second,
	}
	for i, w := range want {
		if got := cli.backoffDelay(i + 1); got != w {
			t.Errorf("attempt %d: delay %v, want %v", i+1, got, w)
		}
	}

	cfg.Reconnect.Randomize = true
	for attempt := 1; attempt <= 6; attempt++ {
		nominal := want[attempt-1]
		for trial := 0; trial < 100; trial++ {
			got := cli.backoffDelay(attempt)
			if got > nominal {
				t.Fatalf("attempt %d: jittered delay %v above nominal %v", attempt, got, nominal)
			}
			if got < nominal/10 {
				t.Fatalf("attempt %d: jittered delay %v below 10%% floor of %v", attempt, got, nominal)
			}
		}
	}
}

func TestClientStopIdempotent(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	cli, _ := startClient(t, srv)
	cli.Receive(3 * time.Second) // ping echo

	cli.Stop()
	cli.Stop()
	if cli.IsConnected() {
		t.Fatal("client still connected after Stop")
	}
	if _, err := cli.Receive(100 * time.Millisecond); err == nil {
		t.Fatal("Receive after Stop should fail")
	}
}
