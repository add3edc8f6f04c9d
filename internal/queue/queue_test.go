package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/parallaxlabs/relay/pkg/models"
)

func testConfig() Config {
	return Config{
		Workers:      1,
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// collector records handler deliveries and can fail the first n.
type collector struct {
	mu       sync.Mutex
	failures int
	got      []*models.Job
	done     chan struct{}
	want     int
}

func newCollector(want, failures int) *collector {
	return &collector{failures: failures, want: want, done: make(chan struct{})}
}

func (c *collector) handle(ctx context.Context, job *models.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("transient")
	}
	c.got = append(c.got, job)
	if len(c.got) == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []*models.Job {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.got
}

func TestMemoryQueueDelivers(t *testing.T) {
	q := NewMemory(testConfig())
	c := newCollector(2, 0)
	if err := q.Start(context.Background(), c.handle); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop(context.Background())

	if err := q.Enqueue(context.Background(), &models.Job{RunID: "r1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(context.Background(), &models.Job{RunID: "r2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := c.wait(t)
	if got[0].RunID != "r1" || got[1].RunID != "r2" {
		t.Fatalf("delivery order: %v, %v", got[0].RunID, got[1].RunID)
	}
}

func TestMemoryQueueRedeliversAfterNack(t *testing.T) {
	q := NewMemory(testConfig())
	c := newCollector(1, 2)
	if err := q.Start(context.Background(), c.handle); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop(context.Background())

	if err := q.Enqueue(context.Background(), &models.Job{RunID: "r1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := c.wait(t)
	if got[0].RunID != "r1" {
		t.Fatalf("redelivered job = %q", got[0].RunID)
	}
}

func TestMemoryQueueRejectsAfterStop(t *testing.T) {
	q := NewMemory(testConfig())
	if err := q.Start(context.Background(), func(ctx context.Context, job *models.Job) error { return nil }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := q.Enqueue(context.Background(), &models.Job{RunID: "r1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("enqueue after stop: %v", err)
	}
}

func TestSqliteQueueDelivers(t *testing.T) {
	q, err := OpenSqlite(filepath.Join(t.TempDir(), "queue.db"), testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	c := newCollector(1, 0)
	if err := q.Start(context.Background(), c.handle); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop(context.Background())

	if err := q.Enqueue(context.Background(), &models.Job{RunID: "r1", Input: "hello"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := c.wait(t)
	if got[0].RunID != "r1" || got[0].Input != "hello" {
		t.Fatalf("payload lost in transit: %+v", got[0])
	}

	depth, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("acked job still queued, depth = %d", depth)
	}
}

func TestSqliteQueueRedeliversAfterNack(t *testing.T) {
	q, err := OpenSqlite(filepath.Join(t.TempDir(), "queue.db"), testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	c := newCollector(1, 1)
	if err := q.Start(context.Background(), c.handle); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop(context.Background())

	if err := q.Enqueue(context.Background(), &models.Job{RunID: "r1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := c.wait(t)
	if got[0].RunID != "r1" {
		t.Fatalf("redelivered job = %q", got[0].RunID)
	}
}

func TestSqliteQueueParksExhaustedJobs(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	q, err := OpenSqlite(filepath.Join(t.TempDir(), "queue.db"), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Stop(context.Background())

	if err := q.Enqueue(context.Background(), &models.Job{RunID: "r1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	boom := errors.New("permanent")
	if err := q.Start(context.Background(), func(ctx context.Context, job *models.Job) error {
		return boom
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var dead int
		if err := q.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, jobDead).Scan(&dead); err != nil {
			t.Fatalf("count: %v", err)
		}
		if dead == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("exhausted job never parked dead")
}

func TestSqliteQueueRequeuesOrphansOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := OpenSqlite(path, testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := q.Enqueue(context.Background(), &models.Job{RunID: "r1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Simulate a crash mid-flight.
	if _, err := q.db.Exec(`UPDATE jobs SET status = ?`, jobInFlight); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}
	if err := q.db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSqlite(path, testConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Stop(context.Background())

	depth, err := reopened.Depth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("orphaned job not requeued, depth = %d", depth)
	}
}
