// Package scheduler runs the broker's housekeeping jobs. It wraps gocron;
// today the only job purges consumed-state rows whose flow tokens have
// expired, which keeps the database replay guard table small.
//
// Jobs run in singleton mode: if a previous run is still going when the
// next tick fires, the new run is rescheduled instead of overlapping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/arkeep-io/extauth/internal/metrics"
	"github.com/arkeep-io/extauth/internal/repositories"
)

// DefaultPurgeInterval is used when no interval is configured.
const DefaultPurgeInterval = 10 * time.Minute

const purgeTimeout = time.Minute

// Config holds the scheduler dependencies.
type Config struct {
	// ConsumedStates is required; there is nothing to schedule without it.
	ConsumedStates repositories.ConsumedStateRepository

	// PurgeInterval defaults to DefaultPurgeInterval. A cron expression in
	// PurgeSchedule takes precedence.
	PurgeInterval time.Duration
	PurgeSchedule string

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	now func() time.Time
}

// Scheduler wraps gocron. The zero value is not usable; create instances
// with New.
type Scheduler struct {
	cron    gocron.Scheduler
	states  repositories.ConsumedStateRepository
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates the scheduler and registers the purge job. Call Start to
// begin processing.
func New(cfg Config) (*Scheduler, error) {
	if cfg.ConsumedStates == nil {
		return nil, errors.New("scheduler: consumed state repository is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	s := &Scheduler{
		cron:    c,
		states:  cfg.ConsumedStates,
		logger:  logger.Named("scheduler"),
		metrics: cfg.Metrics,
		now:     cfg.now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	var def gocron.JobDefinition
	switch {
	case cfg.PurgeSchedule != "":
		def = gocron.CronJob(cfg.PurgeSchedule, false)
	case cfg.PurgeInterval > 0:
		def = gocron.DurationJob(cfg.PurgeInterval)
	default:
		def = gocron.DurationJob(DefaultPurgeInterval)
	}

	_, err = c.NewJob(
		def,
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
			defer cancel()
			if _, err := s.PurgeNow(ctx); err != nil {
				s.logger.Error("consumed state purge failed", zap.Error(err))
			}
		}),
		gocron.WithName("purge-consumed-states"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = c.Shutdown()
		return nil, fmt.Errorf("gocron.NewJob failed for purge (schedule: %q): %w", cfg.PurgeSchedule, err)
	}

	return s, nil
}

// Start starts the underlying gocron scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Jobs())))
	s.cron.Start()
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for any
// currently running job functions to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// PurgeNow deletes expired consumed-state rows and returns how many were
// removed.
func (s *Scheduler) PurgeNow(ctx context.Context) (int64, error) {
	n, err := s.states.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.metrics.Purged(n)
	if n > 0 {
		s.logger.Debug("purged consumed states", zap.Int64("rows", n))
	}
	return n, nil
}
