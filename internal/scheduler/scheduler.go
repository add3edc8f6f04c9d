// Package scheduler enqueues runs whose scheduled time has come due.
// Control surfaces create a run with a future scheduledAt instead of
// enqueueing it directly; the scheduler polls the store and hands due
// runs to the job queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parallaxlabs/relay/internal/queue"
	"github.com/parallaxlabs/relay/internal/runs"
	"github.com/parallaxlabs/relay/pkg/models"
)

// Config tunes the scheduler.
type Config struct {
	// PollSchedule is a cron expression (descriptors allowed) for the
	// due-run sweep. Defaults to every 15 seconds.
	PollSchedule string

	// BatchLimit caps the runs enqueued per sweep. Defaults to 50.
	BatchLimit int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PollSchedule == "" {
		c.PollSchedule = "@every 15s"
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "scheduler")
	}
	return c
}

// Scheduler sweeps the run store on a cron schedule and enqueues due
// runs. A sweep claims a run by atomically clearing its scheduledAt,
// so a run is handed to the queue once per schedule.
type Scheduler struct {
	store  runs.RunStore
	queue  queue.Queue
	config Config
	cron   *cron.Cron
	now    func() time.Time
}

// New creates a scheduler.
func New(store runs.RunStore, q queue.Queue, config Config) *Scheduler {
	return &Scheduler{
		store:  store,
		queue:  q,
		config: config.withDefaults(),
		now:    time.Now,
	}
}

// Start registers the sweep with the cron runner and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	_, err := s.cron.AddFunc(s.config.PollSchedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("registering poll schedule %q: %w", s.config.PollSchedule, err)
	}
	s.cron.Start()
	s.config.Logger.Info("scheduler started", "schedule", s.config.PollSchedule)
	return nil
}

// Stop halts the cron runner and waits for an in-progress sweep.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep enqueues every due run once. Exported so tests and the CLI can
// trigger a sweep without waiting for the cron tick.
func (s *Scheduler) Sweep(ctx context.Context) {
	due, err := s.store.ListScheduledBefore(ctx, s.now(), s.config.BatchLimit)
	if err != nil {
		s.config.Logger.Error("listing due runs failed", "error", err)
		return
	}

	for _, run := range due {
		// Claim the run by clearing its schedule first. The clear is
		// conditional in the store, so when two sweeps race only one
		// claim succeeds and the run is enqueued once. A run that then
		// fails to enqueue waits for an operator to re-set it.
		claimed, err := s.store.ClearSchedule(ctx, run.ID)
		if err != nil {
			s.config.Logger.Error("clearing schedule failed", "run_id", run.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		if err := s.queue.Enqueue(ctx, &models.Job{RunID: run.ID, Mode: run.Mode}); err != nil {
			s.config.Logger.Error("enqueueing due run failed", "run_id", run.ID, "error", err)
			continue
		}
		s.config.Logger.Info("enqueued scheduled run", "run_id", run.ID)
	}
}
