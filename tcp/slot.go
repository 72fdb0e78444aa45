package tcp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpwire/mcpwire/wire"
)

// Slot lifecycle. A slot moves Inactive -> Initializing at accept,
// Initializing -> Active once its handler task is queued, and any state ->
// Inactive at teardown. Closing marks a connection condemned (idle reap or
// shutdown) whose handler has not yet observed the stop flag.
const (
	slotInactive int32 = iota
	slotInitializing
	slotActive
	slotClosing
)

func slotStateName(s int32) string {
	switch s {
	case slotInactive:
		return "inactive"
	case slotInitializing:
		return "initializing"
	case slotActive:
		return "active"
	case slotClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// clientSlot is one entry in the server's fixed connection table. The state
// word and activity timestamps are atomics so the reaper and monitor can walk
// the table without taking every slot's lock; conn itself is guarded by mu so
// teardown and the handler cannot race on the socket.
type clientSlot struct {
	idx int

	state atomic.Int32

	mu   sync.Mutex
	conn *wire.Conn

	id       string
	peerAddr string

	connectedAt  atomic.Int64 // unix nanos
	lastActivity atomic.Int64 // unix nanos

	messagesProcessed atomic.Int64

	shouldStop wire.StopFlag
}

// bind populates the slot for a new connection. Caller has already moved the
// state to Initializing.
func (s *clientSlot) bind(conn *wire.Conn, id, peerAddr string) {
	now := time.Now().UnixNano()
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.id = id
	s.peerAddr = peerAddr
	s.connectedAt.Store(now)
	s.lastActivity.Store(now)
	s.messagesProcessed.Store(0)
	s.shouldStop.Reset()
}

// getConn returns the bound connection, or nil after teardown started.
func (s *clientSlot) getConn() *wire.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// takeConn detaches the connection from the slot so exactly one goroutine
// closes it.
func (s *clientSlot) takeConn() *wire.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conn
	s.conn = nil
	return c
}

func (s *clientSlot) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *clientSlot) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}
