// Package limits guards the acceptor: token-bucket rate limiting of
// connection attempts and a resource guard that rejects new work when the
// host is already saturated.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnRateLimiter rate-limits connection attempts at two levels: per source
// IP (one misbehaving client cannot monopolize the slot table) and globally
// (a distributed flood cannot either). Both levels are token buckets.
type ConnRateLimiter struct {
	ipMu       sync.Mutex
	ipLimiters map[string]*ipEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnRateLimiterConfig holds the limiter knobs. Zero values take defaults:
// per-IP 10 burst / 1 conn/s with a 5 minute TTL, global 300 burst / 50 conn/s.
type ConnRateLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

// NewConnRateLimiter creates the limiter and starts its cleanup goroutine.
func NewConnRateLimiter(config ConnRateLimiterConfig) *ConnRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	l := &ConnRateLimiter{
		ipLimiters:  make(map[string]*ipEntry),
		ipBurst:     config.IPBurst,
		ipRate:      config.IPRate,
		ipTTL:       config.IPTTL,
		global:      rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:      config.Logger.With().Str("component", "conn_rate_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a connection attempt from ip may proceed. The global
// bucket is consulted first so a flood cannot even populate the IP map.
func (l *ConnRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Global connection rate exceeded")
		return false
	}

	l.ipMu.Lock()
	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	l.ipMu.Unlock()

	if !entry.limiter.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Per-IP connection rate exceeded")
		return false
	}
	return true
}

// cleanupLoop evicts IP entries idle longer than the TTL.
func (l *ConnRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			cutoff := time.Now().Add(-l.ipTTL)
			l.ipMu.Lock()
			for ip, entry := range l.ipLimiters {
				if entry.lastAccess.Before(cutoff) {
					delete(l.ipLimiters, ip)
				}
			}
			l.ipMu.Unlock()
		case <-l.stopCleanup:
			return
		}
	}
}

// Stop terminates the cleanup goroutine. Idempotent.
func (l *ConnRateLimiter) Stop() {
	l.stopOnce.Do(func() {
		l.cleanupTicker.Stop()
		close(l.stopCleanup)
	})
}
