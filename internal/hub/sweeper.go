package hub

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically evicts devices that have gone silent without a clean
// disconnect (power loss, network partition). Eviction force-closes the
// transport; record removal and the disconnect broadcast happen in the
// ordinary unregister path, so eviction and remote close share one cleanup
// code path.
type Sweeper struct {
	log      zerolog.Logger
	reg      *Registry
	interval time.Duration
	timeout  time.Duration
}

// NewSweeper creates a liveness sweeper over the given registry.
func NewSweeper(log zerolog.Logger, reg *Registry, interval, timeout time.Duration) *Sweeper {
	return &Sweeper{
		log:      log.With().Str("component", "sweeper").Logger(),
		reg:      reg,
		interval: interval,
		timeout:  timeout,
	}
}

// Run sweeps on a fixed period until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// sweep closes the transport of every device whose heartbeat has gone stale.
// Returns the number of evictions, for tests and logging.
func (s *Sweeper) sweep(now time.Time) int {
	stale := s.reg.Stale(s.timeout, now)
	for _, d := range stale {
		s.log.Info().
			Str("device", d.ID).
			Int64("hotel", d.HotelID).
			Time("last_heartbeat", d.LastHeartbeat()).
			Msg("evicting silent device")
		d.link.shutdown()
	}
	return len(stale)
}
