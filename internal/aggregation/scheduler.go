package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zombor/billify/internal/billing"
)

const (
	// DefaultSchedule fires at 11:00 on the first day of every month
	DefaultSchedule = "0 11 1 * *"
	// DefaultPurgeSchedule sweeps expired bills once a day
	DefaultPurgeSchedule = "@daily"
)

// SchedulerConfig configures the cron entries
type SchedulerConfig struct {
	Schedule      string
	PurgeSchedule string
	Location      *time.Location
	// PurgeEnabled adds the expiry sweep; it is only useful with a bill retention
	PurgeEnabled bool
}

// Scheduler runs the aggregation job, and optionally the expiry sweep, on cron schedules
type Scheduler struct {
	cron     *cron.Cron
	location *time.Location
}

// NewScheduler registers the jobs. The returned Scheduler is not started.
func NewScheduler(agg *Aggregator, bills billing.Store, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = DefaultPurgeSchedule
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(cfg.Schedule, func() {
		if _, err := agg.Run(context.Background()); err != nil {
			slog.Error("Scheduled aggregation failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("adding aggregation schedule %q: %w", cfg.Schedule, err)
	}

	if cfg.PurgeEnabled {
		if _, err := c.AddFunc(cfg.PurgeSchedule, func() {
			purged, err := bills.PurgeExpired(context.Background(), time.Now())
			if err != nil {
				slog.Error("Purging expired bills failed", "error", err)
				return
			}
			slog.Info("Purged expired bills", "count", purged)
		}); err != nil {
			return nil, fmt.Errorf("adding purge schedule %q: %w", cfg.PurgeSchedule, err)
		}
	}

	return &Scheduler{cron: c, location: cfg.Location}, nil
}

// Next returns when each registered job fires next
func (s *Scheduler) Next() []time.Time {
	now := time.Now().In(s.location)
	entries := s.cron.Entries()
	next := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		next = append(next, e.Schedule.Next(now))
	}
	return next
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	slog.Info("Scheduler started", "entries", len(s.cron.Entries()))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler stopped")
	return nil
}
