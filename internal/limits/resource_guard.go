package limits

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard applies static admission limits with a CPU safety check.
// It gates the upgrade path only; established connections are never shed by
// the guard.
type ResourceGuard struct {
	maxConnections     int
	cpuRejectThreshold float64 // percent; 0 disables the CPU check

	current *int64 // owned by the server; read only here
	cpuPct  uint64 // atomic float64 bits, updated by the monitor loop

	logger zerolog.Logger
}

// NewResourceGuard creates a guard over the given live-connection counter.
func NewResourceGuard(maxConnections int, cpuRejectThreshold float64, current *int64, logger zerolog.Logger) *ResourceGuard {
	return &ResourceGuard{
		maxConnections:     maxConnections,
		cpuRejectThreshold: cpuRejectThreshold,
		current:            current,
		logger:             logger.With().Str("component", "resource_guard").Logger(),
	}
}

// StartMonitoring samples CPU usage on the given interval until ctx is
// cancelled. Without it the CPU check always passes.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Non-blocking sample since the last call.
				pcts, err := cpu.Percent(0, false)
				if err != nil || len(pcts) == 0 {
					continue
				}
				atomic.StoreUint64(&g.cpuPct, math.Float64bits(pcts[0]))
			}
		}
	}()
}

// CPUPercent returns the most recent CPU sample.
func (g *ResourceGuard) CPUPercent() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.cpuPct))
}

// ShouldAccept reports whether a new connection may be admitted, with a
// rejection reason when not.
func (g *ResourceGuard) ShouldAccept() (bool, string) {
	if atomic.LoadInt64(g.current) >= int64(g.maxConnections) {
		return false, "max_connections"
	}

	if g.cpuRejectThreshold > 0 {
		if pct := g.CPUPercent(); pct >= g.cpuRejectThreshold {
			g.logger.Warn().
				Float64("cpu_pct", pct).
				Float64("threshold", g.cpuRejectThreshold).
				Msg("Rejecting connection: CPU above threshold")
			return false, "cpu_overload"
		}
	}

	return true, ""
}
