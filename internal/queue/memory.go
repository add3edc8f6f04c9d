package queue

import (
	"context"
	"sync"
	"time"

	"github.com/parallaxlabs/relay/pkg/models"
)

type memoryDelivery struct {
	job        *models.Job
	attempts   int
	enqueuedAt time.Time
}

// Memory is an unbounded in-process queue. Jobs do not survive a
// restart; nacked jobs are redelivered after the configured backoff.
type Memory struct {
	config Config

	mu      sync.Mutex
	pending []*memoryDelivery
	wake    chan struct{}
	closed  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewMemory creates a memory queue.
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config.withDefaults(),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends a job. Safe from any goroutine.
func (q *Memory) Enqueue(ctx context.Context, job *models.Job) error {
	return q.push(&memoryDelivery{job: job, attempts: 0, enqueuedAt: time.Now()})
}

func (q *Memory) push(d *memoryDelivery) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, d)
	depth := len(q.pending)
	q.mu.Unlock()

	q.config.Metrics.QueueDepth.Set(float64(depth))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Memory) pop() *memoryDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	q.config.Metrics.QueueDepth.Set(float64(len(q.pending)))
	return d
}

// Start launches the worker loops.
func (q *Memory) Start(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx, handler)
	}
	return nil
}

func (q *Memory) workerLoop(ctx context.Context, handler Handler) {
	defer q.wg.Done()

	for {
		d := q.pop()
		if d == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		d.attempts++
		q.config.Metrics.JobWait.Observe(time.Since(d.enqueuedAt).Seconds())
		if err := handler(ctx, d.job); err != nil {
			q.retry(ctx, d, err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (q *Memory) retry(ctx context.Context, d *memoryDelivery, cause error) {
	if d.attempts >= q.config.MaxAttempts {
		q.config.Logger.Error("job exhausted its attempts",
			"run_id", d.job.RunID,
			"attempts", d.attempts,
			"error", cause)
		return
	}
	q.config.Logger.Warn("job nacked, scheduling redelivery",
		"run_id", d.job.RunID,
		"attempt", d.attempts,
		"error", cause)

	delay := q.config.RetryBackoff * time.Duration(d.attempts)
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		d.enqueuedAt = time.Now()
		_ = q.push(d)
	})
}

// Stop cancels the workers and waits for in-flight handlers.
func (q *Memory) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports the number of waiting jobs.
func (q *Memory) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}
