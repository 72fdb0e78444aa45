package tcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/mcpwire/mcpwire"
	"github.com/mcpwire/mcpwire/internal/monitoring"
	"github.com/mcpwire/mcpwire/wire"
	"github.com/rs/zerolog"
)

// Health scoring for pooled connections. A connection starts at full health,
// loses points on failed probes, regains them on successes, and is evicted
// once it falls below the floor.
const (
	healthMax        = 100
	healthFloor      = 50
	healthProbeGain  = 10
	healthProbeLoss  = 30
	healthProbeReply = 2 * time.Second
)

// healthProbePayload is the JSON-RPC ping sent to idle pooled connections.
var healthProbePayload = []byte(`{"jsonrpc":"2.0","id":0,"method":"ping"}`)

// ConnPoolConfig configures a connection pool.
type ConnPoolConfig struct {
	Host string
	Port uint16

	// MinConnections are pre-established at pool creation; MaxConnections
	// caps idle plus checked-out.
	MinConnections int
	MaxConnections int

	ConnectTimeout time.Duration

	// IdleTimeout evicts idle connections not used for this long.
	// 0 disables idle eviction.
	IdleTimeout time.Duration

	// HealthCheckInterval is how often idle connections are probed.
	// 0 disables probing.
	HealthCheckInterval time.Duration
}

// pooledConn is one idle pool entry, linked into the pool's free list.
type pooledConn struct {
	conn        *wire.Conn
	lastUsed    time.Time
	lastChecked time.Time
	health      int
	next        *pooledConn
}

// ConnPool maintains a set of client connections to one server. Get hands
// out an idle connection or dials a new one up to the maximum; Put returns
// it. Idle connections are probed in the background and evicted when they
// go stale or unhealthy.
type ConnPool struct {
	cfg    ConnPoolConfig
	logger zerolog.Logger

	mu     sync.Mutex
	idle   *pooledConn // LIFO free list, entries hold no checkout tokens
	nIdle  int
	nOut   int
	closed bool

	// checkout holds one token per checked-out connection; acquiring a
	// token is the right to hold one. Because a dial only happens when the
	// idle list is empty, idle + checked-out never exceeds the maximum.
	checkout chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ConnPoolStats is a point-in-time pool census.
type ConnPoolStats struct {
	Idle   int
	Active int
	Total  int
}

// NewConnPool creates the pool and pre-establishes the minimum connections.
// A dial failure during prefill fails the whole pool: a server unreachable
// at creation time is a configuration error, not a transient to paper over.
func NewConnPool(cfg ConnPoolConfig, logger zerolog.Logger) (*ConnPool, error) {
	if cfg.MaxConnections < 1 {
		return nil, fmt.Errorf("%w: max connections %d", mcpwire.ErrInvalidArgument, cfg.MaxConnections)
	}
	if cfg.MinConnections < 0 || cfg.MinConnections > cfg.MaxConnections {
		return nil, fmt.Errorf("%w: min connections %d with max %d",
			mcpwire.ErrInvalidArgument, cfg.MinConnections, cfg.MaxConnections)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	p := &ConnPool{
		cfg:      cfg,
		logger:   logger.With().Str("component", "conn_pool").Logger(),
		checkout: make(chan struct{}, cfg.MaxConnections),
		stopCh:   make(chan struct{}),
	}

	for i := 0; i < cfg.MinConnections; i++ {
		conn, err := p.dial()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.mu.Lock()
		p.pushIdleLocked(conn)
		p.mu.Unlock()
	}

	if cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}

	p.logger.Info().
		Int("min", cfg.MinConnections).
		Int("max", cfg.MaxConnections).
		Msg("Connection pool created")
	return p, nil
}

func (p *ConnPool) dial() (*wire.Conn, error) {
	nc, err := wire.Dial(p.cfg.Host, p.cfg.Port, p.cfg.ConnectTimeout, p.logger)
	if err != nil {
		return nil, err
	}
	return wire.NewConn(nc, p.logger), nil
}

// Get returns a connection, waiting up to timeout for a checkout slot when
// the pool is saturated. Stale idle entries found on the way out are
// discarded and replaced with a fresh dial.
func (p *ConnPool) Get(timeout time.Duration) (*wire.Conn, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case p.checkout <- struct{}{}:
	case <-t.C:
		return nil, fmt.Errorf("%w: pool at capacity for %v", mcpwire.ErrTimeout, timeout)
	case <-p.stopCh:
		return nil, mcpwire.ErrConnectionClosed
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.checkout
		return nil, mcpwire.ErrConnectionClosed
	}
	now := time.Now()
	for p.idle != nil {
		entry := p.popIdleLocked()
		if p.cfg.IdleTimeout > 0 && now.Sub(entry.lastUsed) >= p.cfg.IdleTimeout {
			entry.conn.Close()
			p.logger.Debug().Msg("Evicting stale idle connection")
			continue
		}
		p.nOut++
		p.mu.Unlock()
		return entry.conn, nil
	}
	p.nOut++
	p.mu.Unlock()

	conn, err := p.dial()
	if err != nil {
		p.mu.Lock()
		p.nOut--
		p.mu.Unlock()
		<-p.checkout
		return nil, err
	}
	return conn, nil
}

// Put returns a connection to the pool. An unhealthy connection is closed
// instead of pooled; its checkout slot frees up either way.
func (p *ConnPool) Put(conn *wire.Conn, healthy bool) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	p.nOut--
	if !healthy || p.closed {
		p.mu.Unlock()
		conn.Close()
		<-p.checkout
		return
	}
	p.pushIdleLocked(conn)
	p.mu.Unlock()
	<-p.checkout
}

func (p *ConnPool) pushIdleLocked(conn *wire.Conn) {
	now := time.Now()
	p.idle = &pooledConn{
		conn:        conn,
		lastUsed:    now,
		lastChecked: now,
		health:      healthMax,
		next:        p.idle,
	}
	p.nIdle++
}

func (p *ConnPool) popIdleLocked() *pooledConn {
	entry := p.idle
	p.idle = entry.next
	entry.next = nil
	p.nIdle--
	return entry
}

// healthLoop probes idle connections that have not been checked within the
// interval. A probe is a round-trip ping; repeated failures drag the health
// score below the floor and the connection is evicted.
func (p *ConnPool) healthLoop() {
	defer p.wg.Done()
	defer monitoring.RecoverPanic(p.logger, "pool_health", nil)

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			p.checkIdle(now)
		}
	}
}

// checkIdle detaches the due entries, probes them off-lock, and relinks the
// survivors. Detached connections are invisible to Get, so the probe's read
// cannot collide with application traffic.
func (p *ConnPool) checkIdle(now time.Time) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var due *pooledConn
	var keep *pooledConn
	for p.idle != nil {
		entry := p.popIdleLocked()
		if now.Sub(entry.lastChecked) >= p.cfg.HealthCheckInterval {
			entry.next = due
			due = entry
		} else {
			entry.next = keep
			keep = entry
		}
	}
	for keep != nil {
		entry := keep
		keep = keep.next
		entry.next = p.idle
		p.idle = entry
		p.nIdle++
	}
	p.mu.Unlock()

	for due != nil {
		entry := due
		due = due.next
		entry.next = nil

		entry.lastChecked = now
		if p.probe(entry.conn) {
			entry.health += healthProbeGain
			if entry.health > healthMax {
				entry.health = healthMax
			}
		} else {
			entry.health -= healthProbeLoss
		}

		if entry.health < healthFloor {
			p.logger.Info().Int("health", entry.health).Msg("Evicting unhealthy connection")
			entry.conn.Close()
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			entry.conn.Close()
			continue
		}
		entry.next = p.idle
		p.idle = entry
		p.nIdle++
		p.mu.Unlock()
	}
}

// probe sends a ping and waits for any reply.
func (p *ConnPool) probe(conn *wire.Conn) bool {
	if err := conn.SendMessage(healthProbePayload, nil); err != nil {
		return false
	}
	_, err := conn.RecvMessage(mcpwire.MaxMessageSize, healthProbeReply, nil)
	return err == nil
}

// Stats returns the pool census. Total is always idle plus checked-out.
func (p *ConnPool) Stats() ConnPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ConnPoolStats{
		Idle:   p.nIdle,
		Active: p.nOut,
		Total:  p.nIdle + p.nOut,
	}
}

// Close shuts the pool down and closes every idle connection. Checked-out
// connections are closed when their holders Put them back. Idempotent.
func (p *ConnPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var idle *pooledConn
	idle, p.idle = p.idle, nil
	n := p.nIdle
	p.nIdle = 0
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for idle != nil {
		idle.conn.Close()
		idle = idle.next
	}
	p.logger.Info().Int("closed_idle", n).Msg("Connection pool closed")
}
