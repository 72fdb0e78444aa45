// Package tcp implements the connection-oriented transports: a slot-table
// TCP server with a worker pool and idle reaper, a TCP client with a
// reconnection supervisor, and a health-scored connection pool.
package tcp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mcpwire/mcpwire"
	"github.com/mcpwire/mcpwire/internal/limits"
	"github.com/mcpwire/mcpwire/internal/monitoring"
	"github.com/mcpwire/mcpwire/pool"
	"github.com/mcpwire/mcpwire/wire"
	"github.com/rs/zerolog"
)

const (
	// listenBacklog raises the kernel accept queue so connection bursts
	// queue instead of getting reset.
	listenBacklog = 511

	// workerStopGrace bounds how long Stop waits for in-flight handler
	// tasks before abandoning them.
	workerStopGrace = 2 * time.Second

	// workerAdjustInterval is how often the monitor re-evaluates the
	// worker pool size.
	workerAdjustInterval = 30 * time.Second
)

// Server is the framed TCP server. Connections live in a fixed slot table;
// each active slot is serviced by exactly one handler task on the worker
// pool, so slot state never needs a per-message lock on the hot path.
type Server struct {
	cfg     *mcpwire.Config
	logger  zerolog.Logger
	handler mcpwire.MessageHandler
	onError mcpwire.ErrorHandler

	ln      net.Listener
	slots   []*clientSlot
	tableMu sync.Mutex // serializes slot claim and release

	workers *WorkerPool
	bufPool *pool.BufferPool

	rateLimiter *limits.ConnRateLimiter
	guard       *limits.ResourceGuard

	stats Stats

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup // acceptor, reaper, monitor
}

// NewServer creates a server for the given configuration. The handler is
// invoked once per received message from a worker goroutine; a nil handler
// is rejected at Start. The error callback, if set, fires on fatal
// per-connection transport errors.
func NewServer(cfg *mcpwire.Config, handler mcpwire.MessageHandler, onError mcpwire.ErrorHandler, logger zerolog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, mcpwire.ErrInvalidArgument
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slots := make([]*clientSlot, cfg.MaxClients)
	for i := range slots {
		slots[i] = &clientSlot{idx: i}
	}

	return &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "tcp_server").Logger(),
		handler: handler,
		onError: onError,
		slots:   slots,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start binds the listener and launches the acceptor, reaper, and monitor
// goroutines. It returns once the server is accepting; it does not block.
func (s *Server) Start() error {
	if s.handler == nil {
		return mcpwire.ErrInvalidArgument
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	bufPool, err := pool.NewBufferPool(s.cfg.ServerBufferSize, s.cfg.ServerBufferCount, s.logger)
	if err != nil {
		s.running.Store(false)
		return err
	}
	s.bufPool = bufPool

	s.workers = NewWorkerPool(
		s.cfg.WorkerPoolSize,
		s.cfg.WorkerPoolSize,
		mcpwire.MaxWorkerPoolSize,
		s.cfg.WorkerQueueCapacity(),
		s.logger,
	)
	s.workers.Start()

	if s.cfg.ConnRateLimitEnabled {
		s.rateLimiter = limits.NewConnRateLimiter(limits.ConnRateLimiterConfig{
			IPBurst:     s.cfg.ConnRateLimitIPBurst,
			IPRate:      s.cfg.ConnRateLimitIPRate,
			GlobalBurst: s.cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  s.cfg.ConnRateLimitGlobalRate,
			Logger:      s.logger,
		})
	}

	ln, err := wire.Listen(s.cfg.Addr(), listenBacklog, s.logger)
	if err != nil {
		s.workers.StopWithTimeout(workerStopGrace)
		s.shutdownAncillary()
		s.running.Store(false)
		return err
	}
	s.ln = ln
	s.stats.start()

	s.wg.Add(3)
	go s.acceptLoop()
	go s.reaperLoop()
	go s.monitorLoop()

	s.logger.Info().
		Str("addr", s.cfg.Addr()).
		Int("max_clients", s.cfg.MaxClients).
		Int("workers", s.cfg.WorkerPoolSize).
		Msg("TCP server started")
	return nil
}

// Addr returns the bound listen address, useful when the configured port
// was 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// ActiveConnections counts slots currently serving a client.
func (s *Server) ActiveConnections() int {
	n := 0
	for _, slot := range s.slots {
		if st := slot.state.Load(); st == slotActive || st == slotInitializing {
			n++
		}
	}
	return n
}

// Stop shuts the server down: the listener closes first so no new
// connections arrive, the background loops drain, every live slot is
// condemned and closed, and finally the worker pool gets a bounded grace
// period to finish in-flight handlers. Idempotent; safe from any goroutine.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		s.logger.Info().Msg("TCP server stopping")

		if s.ln != nil {
			s.ln.Close()
		}
		close(s.stopCh)
		s.wg.Wait()

		for _, slot := range s.slots {
			if slot.state.Load() != slotInactive {
				slot.state.CompareAndSwap(slotActive, slotClosing)
				slot.shouldStop.Set()
				// Close the socket too: a handler parked in a read wakes
				// within one poll slice either way, this just makes it now.
				if c := slot.getConn(); c != nil {
					c.Close()
				}
			}
		}

		if s.workers != nil {
			s.workers.StopWithTimeout(workerStopGrace)
		}
		s.shutdownAncillary()

		snap := s.stats.Snapshot()
		s.logger.Info().
			Int64("accepted", snap.Accepted).
			Int64("rejected", snap.Rejected).
			Int64("messages_in", snap.MessagesIn).
			Int64("messages_out", snap.MessagesOut).
			Int64("errors", snap.Errors).
			Dur("uptime", snap.Uptime).
			Msg("TCP server stopped")
	})
}

func (s *Server) shutdownAncillary() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.guard != nil {
		s.guard.Stop()
	}
	if s.bufPool != nil {
		s.bufPool.Destroy()
	}
}

// SetResourceGuard installs a CPU-based admission guard. Must be called
// before Start.
func (s *Server) SetResourceGuard(g *limits.ResourceGuard) {
	s.guard = g
}

// acceptLoop admits connections: rate limit, CPU guard, slot claim, worker
// submission. Any refusal closes the socket immediately; the client sees a
// clean close rather than a hung connection.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "acceptor", nil)

	for s.running.Load() {
		nc, err := s.ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}
		s.admit(nc)
	}
}

func (s *Server) admit(nc net.Conn) {
	peer := nc.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(peer)
	if err != nil {
		ip = peer
	}

	if s.rateLimiter != nil && !s.rateLimiter.Allow(ip) {
		s.reject(nc, "rate limited")
		return
	}
	if s.guard != nil && !s.guard.AllowConnection() {
		s.reject(nc, "cpu overload")
		return
	}

	slot := s.claimSlot()
	if slot == nil {
		s.logger.Warn().Str("peer", peer).Msg("Connection table full, rejecting")
		s.reject(nc, "table full")
		return
	}

	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}

	id := uuid.NewString()
	conn := wire.NewConn(nc, s.logger.With().Str("conn_id", id).Logger())
	slot.bind(conn, id, peer)

	// Activate before submitting: the handler task may start immediately
	// and must observe an Active slot.
	slot.state.Store(slotActive)
	if !s.workers.Submit(func() { s.handleConnection(slot) }) {
		// Queue full. Revert the claim so the slot is not orphaned.
		s.logger.Warn().Str("peer", peer).Msg("Worker queue full, rejecting connection")
		slot.takeConn()
		slot.state.Store(slotInactive)
		s.reject(nc, "worker queue full")
		return
	}

	s.stats.accepted.Add(1)
	monitoring.RecordAccept()
	s.logger.Debug().
		Str("peer", peer).
		Str("conn_id", id).
		Int("slot", slot.idx).
		Msg("Connection accepted")
}

func (s *Server) reject(nc net.Conn, reason string) {
	nc.Close()
	s.stats.rejected.Add(1)
	monitoring.RecordReject()
	s.logger.Debug().Str("reason", reason).Msg("Connection rejected")
}

// claimSlot finds the lowest-index inactive slot and moves it to
// Initializing. Returns nil when the table is full.
func (s *Server) claimSlot() *clientSlot {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	for _, slot := range s.slots {
		if slot.state.CompareAndSwap(slotInactive, slotInitializing) {
			return slot
		}
	}
	return nil
}
