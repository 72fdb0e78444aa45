package tcp

import (
	"time"

	"github.com/mcpwire/mcpwire/internal/monitoring"
)

// reaperTick is the base cadence of the idle sweep. The effective check
// interval stretches to half the idle timeout for long timeouts, so a 10
// minute cutoff is not re-walked 600 times for nothing.
const reaperTick = time.Second

// reaperLoop condemns connections idle past the configured cutoff. It only
// flips state and sets the stop flag; the handler owns the actual teardown,
// so socket close and slot release happen in exactly one place.
func (s *Server) reaperLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "idle_reaper", nil)

	ticker := time.NewTicker(reaperTick)
	defer ticker.Stop()

	checkInterval := s.cfg.IdleTimeout / 2
	if checkInterval < reaperTick {
		checkInterval = reaperTick
	}
	var lastCheck time.Time

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			if s.cfg.IdleTimeout <= 0 || now.Sub(lastCheck) < checkInterval {
				continue
			}
			lastCheck = now
			s.reapIdle(now)
		}
	}
}

func (s *Server) reapIdle(now time.Time) {
	for _, slot := range s.slots {
		if slot.state.Load() != slotActive {
			continue
		}
		idle := slot.idleFor(now)
		if idle < s.cfg.IdleTimeout {
			continue
		}
		if slot.state.CompareAndSwap(slotActive, slotClosing) {
			slot.shouldStop.Set()
			monitoring.RecordIdleReap()
			s.logger.Info().
				Str("conn_id", slot.id).
				Str("peer", slot.peerAddr).
				Dur("idle", idle).
				Msg("Reaping idle connection")
		}
	}
}

// monitorLoop publishes occupancy metrics every metrics interval and
// re-evaluates the worker pool size every adjustment interval.
func (s *Server) monitorLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "monitor", nil)

	interval := s.cfg.MetricsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastAdjust := time.Now()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			monitoring.UpdateWorkerPool(s.workers.Workers(), s.workers.QueueDepth())
			ps := s.bufPool.Stats()
			monitoring.UpdateBufferPool(ps.Total, ps.Allocated)

			if now.Sub(lastAdjust) >= workerAdjustInterval {
				lastAdjust = now
				var cpu float64
				if s.guard != nil {
					cpu = s.guard.CPUPercent()
				}
				s.workers.SmartAdjust(cpu)
			}
		}
	}
}
