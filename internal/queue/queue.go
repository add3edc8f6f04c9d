// Package queue provides the durable job queue the processor consumes
// from. Two implementations ship: an in-memory queue for tests and
// single-process deployments, and a sqlite-backed queue that survives
// restarts. Redelivery policy lives here, not in the processor: a
// handler error nacks the job and the queue's own backoff decides when
// it runs again.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/parallaxlabs/relay/internal/observability"
	"github.com/parallaxlabs/relay/pkg/models"
)

// ErrClosed is returned by Enqueue after the queue has stopped.
var ErrClosed = errors.New("queue closed")

// Handler processes one job. A nil return acknowledges the job; an
// error nacks it for redelivery until the attempt budget is spent.
type Handler func(ctx context.Context, job *models.Job) error

// Queue is the job transport between the control surface and the
// processor. One worker slot owns one job at a time, so a given run
// has a single writer while its job is in flight.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error

	// Start launches the worker loops. Jobs are dispatched to handler
	// until ctx is cancelled or Stop is called.
	Start(ctx context.Context, handler Handler) error

	// Stop drains the workers. In-flight handlers finish; queued jobs
	// stay queued (durably, for the sqlite queue).
	Stop(ctx context.Context) error

	// Depth reports the number of jobs waiting for a worker slot.
	Depth(ctx context.Context) (int, error)
}

// Config tunes a queue instance.
type Config struct {
	// Workers is the number of concurrent worker slots. Defaults to 1.
	Workers int

	// MaxAttempts is the delivery budget per job, first delivery
	// included. Defaults to 3.
	MaxAttempts int

	// RetryBackoff is the base delay before a nacked job becomes
	// available again; the delay grows linearly with the attempt
	// count. Defaults to 5 seconds.
	RetryBackoff time.Duration

	// PollInterval is how often an idle sqlite worker checks for
	// available jobs. Ignored by the memory queue. Defaults to 250ms.
	PollInterval time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "queue")
	}
	if c.Metrics == nil {
		c.Metrics = observability.Nop()
	}
	return c
}
