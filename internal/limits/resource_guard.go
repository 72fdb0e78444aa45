package limits

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard samples host CPU and turns it into two signals: an admission
// check for the acceptor and a load figure for the worker pool's periodic
// adjustment. It enforces configured limits; it never derives them.
type ResourceGuard struct {
	rejectThreshold float64 // CPU % above which new connections are refused; 0 disables
	logger          zerolog.Logger

	currentCPU atomic.Value // float64

	cancel context.CancelFunc
}

// NewResourceGuard creates a guard. Call StartMonitoring to begin sampling;
// until then the CPU reading is zero and nothing is rejected.
func NewResourceGuard(rejectThreshold float64, logger zerolog.Logger) *ResourceGuard {
	g := &ResourceGuard{
		rejectThreshold: rejectThreshold,
		logger:          logger.With().Str("component", "resource_guard").Logger(),
	}
	g.currentCPU.Store(float64(0))
	return g
}

// StartMonitoring launches the sampling loop at the given interval.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ctx, g.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// sample reads instantaneous host CPU. Errors leave the previous reading in
// place; a transport should not fail because procfs hiccuped.
func (g *ResourceGuard) sample() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		g.logger.Debug().Err(err).Msg("CPU sample failed")
		return
	}
	g.currentCPU.Store(percents[0])
}

// CPUPercent returns the most recent CPU reading.
func (g *ResourceGuard) CPUPercent() float64 {
	return g.currentCPU.Load().(float64)
}

// AllowConnection reports whether a new connection may be admitted under the
// current CPU load.
func (g *ResourceGuard) AllowConnection() bool {
	if g.rejectThreshold <= 0 {
		return true
	}
	if cpuNow := g.CPUPercent(); cpuNow >= g.rejectThreshold {
		g.logger.Warn().
			Float64("cpu", cpuNow).
			Float64("threshold", g.rejectThreshold).
			Msg("Rejecting connection, CPU above threshold")
		return false
	}
	return true
}

// Stop terminates the sampling loop.
func (g *ResourceGuard) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
}
