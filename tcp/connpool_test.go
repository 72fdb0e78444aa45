package tcp

import (
	"testing"
	"time"

	"github.com/mcpwire/mcpwire"
	"github.com/mcpwire/mcpwire/wire"
	"github.com/rs/zerolog"
)

func startPool(t *testing.T, srv *Server, min, max int) *ConnPool {
	t.Helper()
	p, err := NewConnPool(ConnPoolConfig{
		Host:           "127.0.0.1",
		Port:           serverPort(t, srv),
		MinConnections: min,
		MaxConnections: max,
		ConnectTimeout: 2 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewConnPool: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestConnPoolPrefill(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	p := startPool(t, srv, 2, 4)

	stats := p.Stats()
	if stats.Idle != 2 || stats.Active != 0 || stats.Total != 2 {
		t.Fatalf("stats after prefill = %+v, want 2 idle / 0 active", stats)
	}
}

func TestConnPoolGetPut(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	p := startPool(t, srv, 1, 4)

	conn, err := p.Get(time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	stats := p.Stats()
	if stats.Active != 1 || stats.Idle != 0 {
		t.Fatalf("stats with one checked out = %+v", stats)
	}
	if stats.Total != stats.Idle+stats.Active {
		t.Fatalf("census broken: %+v", stats)
	}

	// The connection actually works.
	if err := conn.SendMessage([]byte("ping"), nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := conn.RecvMessage(mcpwire.MaxMessageSize, 3*time.Second, nil); err != nil {
		t.Fatalf("RecvMessage: %v", err)
	}

	p.Put(conn, true)
	stats = p.Stats()
	if stats.Idle != 1 || stats.Active != 0 {
		t.Fatalf("stats after Put = %+v", stats)
	}
}

func TestConnPoolGrowsToMax(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	p := startPool(t, srv, 1, 3)

	var out []*wire.Conn
	for i := 0; i < 3; i++ {
		c, err := p.Get(time.Second)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		out = append(out, c)
	}

	if stats := p.Stats(); stats.Total != 3 || stats.Active != 3 {
		t.Fatalf("stats at capacity = %+v", stats)
	}

	// A fourth Get must time out, not dial past the cap.
	if _, err := p.Get(200 * time.Millisecond); err == nil {
		t.Fatal("Get beyond capacity should time out")
	}

	// Releasing one slot unblocks the next Get.
	p.Put(out[0], true)
	if _, err := p.Get(time.Second); err != nil {
		t.Fatalf("Get after Put: %v", err)
	}
}

func TestConnPoolUnhealthyPutEvicts(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	p := startPool(t, srv, 1, 4)

	conn, err := p.Get(time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Put(conn, false)

	stats := p.Stats()
	if stats.Total != 0 {
		t.Fatalf("unhealthy connection not evicted: %+v", stats)
	}

	// The freed slot is reusable.
	if _, err := p.Get(time.Second); err != nil {
		t.Fatalf("Get after eviction: %v", err)
	}
}

func TestConnPoolIdleEviction(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	p, err := NewConnPool(ConnPoolConfig{
		Host:           "127.0.0.1",
		Port:           serverPort(t, srv),
		MinConnections: 1,
		MaxConnections: 4,
		ConnectTimeout: 2 * time.Second,
		IdleTimeout:    50 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewConnPool: %v", err)
	}
	t.Cleanup(p.Close)

	time.Sleep(100 * time.Millisecond)

	// The stale prefill connection is discarded on the way out and a fresh
	// one dialed in its place.
	conn, err := p.Get(time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := conn.SendMessage([]byte("fresh"), nil); err != nil {
		t.Fatalf("fresh connection unusable: %v", err)
	}
	if _, err := conn.RecvMessage(mcpwire.MaxMessageSize, 3*time.Second, nil); err != nil {
		t.Fatalf("fresh connection echo: %v", err)
	}
}

func TestConnPoolClose(t *testing.T) {
	srv := startEchoServer(t, testConfig())
	p := startPool(t, srv, 2, 4)

	p.Close()
	p.Close() // idempotent

	if _, err := p.Get(time.Second); err == nil {
		t.Fatal("Get on closed pool should fail")
	}
	if stats := p.Stats(); stats.Idle != 0 {
		t.Fatalf("idle connections remain after Close: %+v", stats)
	}
}
