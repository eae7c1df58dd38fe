package discovery

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = 60 * time.Second

// Sweeper periodically evicts expired agents from a Registry.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	ticker   *time.Ticker
	done     chan struct{}
}

// NewSweeper builds a Sweeper over registry. interval<=0 selects the
// default 60s sweep cadence.
func NewSweeper(registry *Registry, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		logger:   logger,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop in a background goroutine until ctx is
// canceled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer s.ticker.Stop()
		for {
			select {
			case <-s.ticker.C:
				expired, err := s.registry.SweepExpired()
				if err != nil {
					s.logger.ErrorContext(ctx, "discovery sweep failed to persist", "error", err)
					continue
				}
				if len(expired) > 0 {
					s.logger.InfoContext(ctx, "swept expired agents", "count", len(expired), "agent_ids", expired)
				}
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	close(s.done)
}
