// Package cleaner removes finished action records once they fall outside
// the retention window.
package cleaner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/actiond/internal/bus"
	actelemetry "github.com/basket/actiond/internal/otel"
	"github.com/basket/actiond/internal/persistence"
)

const (
	// DefaultInterval is the cleanup cadence. Retention is measured in days,
	// so sweeping more often than this buys nothing.
	DefaultInterval = 1 * time.Hour

	// DefaultRetention is how long finished records are kept before deletion.
	DefaultRetention = 14 * 24 * time.Hour
)

// Config holds the dependencies for the cleaner.
type Config struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *actelemetry.Metrics
	Interval  time.Duration // sweep interval; defaults to 1 hour if zero
	Retention time.Duration // defaults to 14 days if zero
}

// Cleaner periodically purges finished records older than the retention window.
type Cleaner struct {
	store     *persistence.Store
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *actelemetry.Metrics
	interval  time.Duration
	retention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Cleaner with the given config.
func New(cfg Config) *Cleaner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Cleaner{
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    logger,
		metrics:   cfg.Metrics,
		interval:  interval,
		retention: retention,
	}
}

// Start begins the cleanup loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (c *Cleaner) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("cleaner started", "interval", c.interval, "retention", c.retention)
}

// Stop cancels the cleanup loop and waits for it to exit.
func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on each tick.
	c.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one retention pass. Failures are logged and retried on the next
// tick; a pass that deletes nothing is the normal steady state.
func (c *Cleaner) Tick(ctx context.Context) {
	cutoff := time.Now().Add(-c.retention)
	purged, err := c.store.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		c.logger.Error("retention cleanup failed", "error", err)
		return
	}
	if purged == 0 {
		return
	}

	c.logger.Info("purged finished actions", "count", purged, "cutoff", cutoff.UTC())
	if c.metrics != nil {
		c.metrics.ActionsPurged.Add(ctx, purged)
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicActionsPurged, bus.ActionsPurgedEvent{
			Purged: purged,
			Cutoff: cutoff.UTC(),
		})
	}
}
