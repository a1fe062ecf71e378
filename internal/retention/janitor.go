// Package retention deletes sessions that have gone quiet for longer than
// the configured retention period.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/antoniostano/storyweaver/internal/observability"
)

var ErrInvalidPeriod = errors.New("retention period must be positive")

// Pruner is the part of the message log a janitor needs.
type Pruner interface {
	PruneIdle(ctx context.Context, cutoff time.Time) ([]string, error)
}

type Config struct {
	Period time.Duration
	// Schedule is a robfig/cron spec such as "@every 168h" or "0 3 * * *".
	// Empty disables scheduled runs; RunOnce still works.
	Schedule string
}

type Janitor struct {
	store   Pruner
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewJanitor(store Pruner, cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Janitor, error) {
	if cfg.Period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			return nil, fmt.Errorf("parse retention schedule %q: %w", cfg.Schedule, err)
		}
	}
	return &Janitor{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// RunOnce deletes every session whose newest turn is older than the period.
func (j *Janitor) RunOnce(ctx context.Context) ([]string, error) {
	cutoff := j.now().Add(-j.cfg.Period)
	removed, err := j.store.PruneIdle(ctx, cutoff)
	if err != nil {
		j.logger.Error("retention run failed", "cutoff", cutoff, "err", err)
		return nil, fmt.Errorf("prune idle sessions: %w", err)
	}
	j.metrics.ObservePruned(len(removed))
	j.logger.Info("retention run complete", "cutoff", cutoff, "removed_sessions", len(removed))
	return removed, nil
}

// Start arms the schedule. Runs use ctx and stop when Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	if j.cfg.Schedule == "" {
		j.logger.Info("retention schedule disabled")
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(j.cfg.Schedule, func() {
		_, _ = j.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	c.Start()
	j.cron = c
	j.running = true
	j.logger.Info("retention scheduled", "schedule", j.cfg.Schedule, "period", j.cfg.Period)
	return nil
}

// Stop halts the schedule and waits for a run in progress to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.running = false
	j.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
