package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/civicmap/civicmap/server/internal/health"
)

// BusHealthChecker monitors the cache/notification bus with periodic
// probes.
type BusHealthChecker struct {
	bus          Bus
	healthy      atomic.Int32
	log          zerolog.Logger
	probeTimeout time.Duration
}

func NewBusHealthChecker(b Bus, log zerolog.Logger, probeTimeout time.Duration) *BusHealthChecker {
	hc := &BusHealthChecker{bus: b, log: log, probeTimeout: probeTimeout}
	hc.healthy.Store(0) // unhealthy until the first successful probe
	return hc
}

func (hc *BusHealthChecker) Name() string { return "bus" }

// IsHealthy returns the cached health status (non-blocking).
func (hc *BusHealthChecker) IsHealthy() bool { return hc.healthy.Load() == 1 }

// Start begins periodic health checking.
func (hc *BusHealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		to := hc.probeTimeout
		if to <= 0 {
			to = 2 * time.Second
		}
		checkCtx, cancel := context.WithTimeout(ctx, to)
		defer cancel()

		if hc.probe(checkCtx) {
			hc.healthy.Store(1)
		} else {
			hc.healthy.Store(0)
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func (hc *BusHealthChecker) probe(ctx context.Context) bool {
	if p, ok := hc.bus.(health.HealthPinger); ok {
		if err := p.HealthPing(ctx); err != nil {
			hc.log.Error().Stack().Str("checker", hc.Name()).Err(err).Msg("bus health check failed")
			return false
		}
		return true
	}

	// Fallback: a read on a probe key; a miss still proves liveness.
	if _, err := hc.bus.Get(ctx, "__health_check__"); err != nil && !errors.Is(err, ErrCacheMiss) {
		hc.log.Error().Stack().Str("checker", hc.Name()).Err(err).Msg("bus health check failed")
		return false
	}
	return true
}
