package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/parallaxlabs/relay/pkg/models"
)

// Job row states inside the sqlite queue.
const (
	jobQueued   = "queued"
	jobInFlight = "in_flight"
	jobDead     = "dead"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	payload     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	attempts    INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NOT NULL,
	enqueued_at  INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (status, available_at);
`

// Sqlite is a durable job queue backed by a local sqlite file. Jobs
// survive restarts: anything left in_flight by a crashed process is
// requeued on Open. Claiming is serialized through a single writer
// lock, which sqlite would impose anyway.
type Sqlite struct {
	db     *sql.DB
	config Config

	claimMu sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// OpenSqlite opens (and migrates) the queue database at path. Use
// ":memory:" for an ephemeral queue in tests.
func OpenSqlite(path string, config Config) (*Sqlite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening queue db: %w", err)
	}
	// sqlite allows one writer; funnel everything through one conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating queue db: %w", err)
	}

	q := &Sqlite{db: db, config: config.withDefaults()}
	if err := q.requeueOrphans(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// requeueOrphans returns jobs a previous process left in flight to the
// queued state so they are redelivered.
func (q *Sqlite) requeueOrphans(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, available_at = ?, updated_at = ? WHERE status = ?`,
		jobQueued, now, now, jobInFlight)
	if err != nil {
		return fmt.Errorf("requeueing orphaned jobs: %w", err)
	}
	return nil
}

// Enqueue persists a job for pickup.
func (q *Sqlite) Enqueue(ctx context.Context, job *models.Job) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, run_id, payload, status, attempts, available_at, enqueued_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		uuid.NewString(), job.RunID, string(payload), jobQueued, now, now, now)
	if err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}

	if depth, derr := q.Depth(ctx); derr == nil {
		q.config.Metrics.QueueDepth.Set(float64(depth))
	}
	return nil
}

type sqliteDelivery struct {
	id         string
	job        *models.Job
	attempts   int
	enqueuedAt time.Time
}

// claim atomically moves the oldest available job to in_flight.
func (q *Sqlite) claim(ctx context.Context) (*sqliteDelivery, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	now := time.Now().UnixMilli()
	row := q.db.QueryRowContext(ctx,
		`SELECT id, payload, attempts, enqueued_at FROM jobs
		 WHERE status = ? AND available_at <= ?
		 ORDER BY enqueued_at ASC LIMIT 1`,
		jobQueued, now)

	var (
		id         string
		payload    string
		attempts   int
		enqueuedAt int64
	)
	if err := row.Scan(&id, &payload, &attempts, &enqueuedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if _, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		jobInFlight, now, id); err != nil {
		return nil, err
	}

	job := &models.Job{}
	if err := json.Unmarshal([]byte(payload), job); err != nil {
		// Poison payload: park it dead rather than loop on it.
		q.config.Logger.Error("dropping undecodable job", "job_id", id, "error", err)
		_, _ = q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, jobDead, now, id)
		return nil, nil
	}
	return &sqliteDelivery{
		id:         id,
		job:        job,
		attempts:   attempts + 1,
		enqueuedAt: time.UnixMilli(enqueuedAt),
	}, nil
}

func (q *Sqlite) ack(ctx context.Context, d *sqliteDelivery) {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, d.id); err != nil {
		q.config.Logger.Error("acking job failed", "job_id", d.id, "error", err)
	}
}

func (q *Sqlite) nack(ctx context.Context, d *sqliteDelivery, cause error) {
	now := time.Now()
	if d.attempts >= q.config.MaxAttempts {
		q.config.Logger.Error("job exhausted its attempts",
			"run_id", d.job.RunID,
			"attempts", d.attempts,
			"error", cause)
		_, err := q.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
			jobDead, now.UnixMilli(), d.id)
		if err != nil {
			q.config.Logger.Error("parking dead job failed", "job_id", d.id, "error", err)
		}
		return
	}

	availableAt := now.Add(q.config.RetryBackoff * time.Duration(d.attempts)).UnixMilli()
	q.config.Logger.Warn("job nacked, scheduling redelivery",
		"run_id", d.job.RunID,
		"attempt", d.attempts,
		"error", cause)
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, available_at = ?, updated_at = ? WHERE id = ?`,
		jobQueued, availableAt, now.UnixMilli(), d.id)
	if err != nil {
		q.config.Logger.Error("requeueing job failed", "job_id", d.id, "error", err)
	}
}

// Start launches the worker poll loops.
func (q *Sqlite) Start(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx, handler)
	}
	return nil
}

func (q *Sqlite) workerLoop(ctx context.Context, handler Handler) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		d, err := q.claim(ctx)
		if err != nil {
			q.config.Logger.Error("claiming job failed", "error", err)
		}
		if d != nil {
			q.config.Metrics.JobWait.Observe(time.Since(d.enqueuedAt).Seconds())
			if herr := handler(ctx, d.job); herr != nil {
				q.nack(ctx, d, herr)
			} else {
				q.ack(ctx, d)
			}
			// Claim again immediately while work is available.
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop drains the workers; queued rows stay on disk.
func (q *Sqlite) Stop(ctx context.Context) error {
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
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.db.Close()
}

// Depth counts jobs waiting for a worker slot.
func (q *Sqlite) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, jobQueued).Scan(&n)
	return n, err
}
