package tcp

import (
	"sync/atomic"
	"time"
)

// Stats holds the server's live counters. Every field is updated atomically
// from whatever goroutine observed the event; Snapshot reads them the same
// way, so a snapshot is internally consistent enough for operations but not
// a transactional view.
type Stats struct {
	startTime time.Time

	accepted atomic.Int64
	rejected atomic.Int64
	closed   atomic.Int64

	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64

	errors atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the server counters.
type StatsSnapshot struct {
	Uptime time.Duration

	Accepted int64
	Rejected int64
	Active   int64
	Closed   int64

	MessagesIn  int64
	MessagesOut int64
	BytesIn     int64
	BytesOut    int64

	Errors int64
}

func (s *Stats) start() {
	s.startTime = time.Now()
}

// Snapshot copies the counters. Active is derived: accepted minus closed,
// clamped at zero in case a close was double-counted during teardown.
func (s *Stats) Snapshot() StatsSnapshot {
	accepted := s.accepted.Load()
	closed := s.closed.Load()
	active := accepted - closed
	if active < 0 {
		active = 0
	}
	return StatsSnapshot{
		Uptime:      time.Since(s.startTime),
		Accepted:    accepted,
		Rejected:    s.rejected.Load(),
		Active:      active,
		Closed:      closed,
		MessagesIn:  s.messagesIn.Load(),
		MessagesOut: s.messagesOut.Load(),
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
		Errors:      s.errors.Load(),
	}
}
