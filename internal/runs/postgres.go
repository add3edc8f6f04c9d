package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/parallaxlabs/relay/internal/observability"
	"github.com/parallaxlabs/relay/pkg/models"
)

// OpenPostgresURL opens and pings a PostgreSQL handle from a lib/pq
// connection string (URL or DSN form).
func OpenPostgresURL(url string, maxOpenConns int, connMaxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// PostgresStores builds the store set over one database handle. Query
// latency is observed on metrics; nil disables collection.
func PostgresStores(db *sql.DB, metrics *observability.Metrics) *Stores {
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Stores{
		Runs:    &postgresRunStore{db: db, metrics: metrics},
		Steps:   &postgresStepStore{db: db, metrics: metrics},
		Effects: &postgresEffectStore{db: db, metrics: metrics},
		closer:  db.Close,
	}
}

// observeQuery times one store call into the query-latency histogram.
func observeQuery(m *observability.Metrics, operation, entity string) func() {
	started := time.Now()
	return func() {
		m.StoreQueryDuration.WithLabelValues(operation, entity).Observe(time.Since(started).Seconds())
	}
}

// Schema returns the DDL for run, step, and effect tables.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT 'AUTO',
	user_id TEXT NOT NULL DEFAULT '',
	team_id TEXT NOT NULL DEFAULT '',
	config JSONB,
	output JSONB,
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	scheduled_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_runs_user ON runs (user_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_scheduled ON runs (scheduled_at) WHERE status = 'queued';

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs (id),
	tool TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	app_id TEXT NOT NULL DEFAULT '',
	credential_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	request JSONB,
	response JSONB,
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_steps_run ON steps (run_id, started_at);

CREATE TABLE IF NOT EXISTS effects (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs (id),
	app_id TEXT NOT NULL,
	credential_id TEXT NOT NULL DEFAULT '',
	external_ref TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	undo_strategy TEXT NOT NULL DEFAULT 'none',
	can_undo BOOLEAN NOT NULL DEFAULT FALSE,
	undone_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, app_id, idempotency_key)
);
`
}

// Migrate applies the schema for runs and credentials tables.
func Migrate(ctx context.Context, db *sql.DB, extra ...string) error {
	statements := append([]string{Schema()}, extra...)
	for _, ddl := range statements {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

type postgresRunStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

const runColumns = `id, status, prompt, mode, user_id, team_id, config, output,
	error_code, error_message, scheduled_at, created_at, updated_at`

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *postgresRunStore) Create(ctx context.Context, run *models.Run) error {
	defer observeQuery(s.metrics, "create", "run")()
	config, err := marshalJSON(run.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	output, err := marshalJSON(run.Output)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	var errorCode, errorMessage string
	if run.Error != nil {
		errorCode, errorMessage = run.Error.Code, run.Error.Message
	}
	now := time.Now()
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, run.ID, run.Status, run.Prompt, run.Mode, run.UserID, run.TeamID,
		config, output, errorCode, errorMessage, run.ScheduledAt, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *postgresRunStore) Get(ctx context.Context, id string) (*models.Run, error) {
	defer observeQuery(s.metrics, "get", "run")()
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *postgresRunStore) Update(ctx context.Context, run *models.Run) error {
	defer observeQuery(s.metrics, "update", "run")()
	config, err := marshalJSON(run.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	output, err := marshalJSON(run.Output)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	var errorCode, errorMessage string
	if run.Error != nil {
		errorCode, errorMessage = run.Error.Code, run.Error.Message
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $2, config = $3, output = $4,
		    error_code = $5, error_message = $6, scheduled_at = $7, updated_at = now()
		WHERE id = $1
	`, run.ID, run.Status, config, output, errorCode, errorMessage, run.ScheduledAt)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresRunStore) List(ctx context.Context, opts ListOptions) ([]*models.Run, error) {
	defer observeQuery(s.metrics, "list", "run")()
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.UserID != "" {
		query += ` AND user_id = ` + arg(opts.UserID)
	}
	if opts.TeamID != "" {
		query += ` AND team_id = ` + arg(opts.TeamID)
	}
	if opts.Status != "" {
		query += ` AND status = ` + arg(opts.Status)
	}
	query += ` ORDER BY updated_at DESC`
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query += ` LIMIT ` + arg(limit)
	if opts.Offset > 0 {
		query += ` OFFSET ` + arg(opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *postgresRunStore) ListScheduledBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Run, error) {
	defer observeQuery(s.metrics, "list_scheduled", "run")()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = 'queued' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *postgresRunStore) ClearSchedule(ctx context.Context, id string) (bool, error) {
	defer observeQuery(s.metrics, "clear_schedule", "run")()
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET scheduled_at = NULL, updated_at = now()
		WHERE id = $1 AND scheduled_at IS NOT NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to clear schedule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanRuns(rows *sql.Rows) ([]*models.Run, error) {
	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var config, output []byte
	var errorCode, errorMessage string
	var scheduledAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.Status, &run.Prompt, &run.Mode, &run.UserID, &run.TeamID,
		&config, &output, &errorCode, &errorMessage,
		&scheduledAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if len(config) > 0 {
		run.Config = &models.RunConfig{}
		if err := json.Unmarshal(config, run.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &run.Output); err != nil {
			return nil, fmt.Errorf("failed to decode output: %w", err)
		}
	}
	if errorCode != "" || errorMessage != "" {
		run.Error = &models.RunError{Code: errorCode, Message: errorMessage}
	}
	if scheduledAt.Valid {
		run.ScheduledAt = &scheduledAt.Time
	}
	return &run, nil
}

type postgresStepStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func (s *postgresStepStore) Upsert(ctx context.Context, step *models.Step) error {
	defer observeQuery(s.metrics, "upsert", "step")()
	request, err := marshalJSON(step.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	response, err := marshalJSON(step.Response)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	var completedAt any
	if !step.CompletedAt.IsZero() {
		completedAt = step.CompletedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, tool, action, app_id, credential_id, status,
			request, response, error_code, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			response = EXCLUDED.response,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			completed_at = EXCLUDED.completed_at
	`, step.ID, step.RunID, step.Tool, step.Action, step.AppID, step.CredentialID,
		step.Status, request, response, step.ErrorCode, step.ErrorMessage,
		step.StartedAt, completedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert step: %w", err)
	}
	return nil
}

func (s *postgresStepStore) ListByRun(ctx context.Context, runID string) ([]*models.Step, error) {
	defer observeQuery(s.metrics, "list_by_run", "step")()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, tool, action, app_id, credential_id, status,
			request, response, error_code, error_message, started_at, completed_at
		FROM steps WHERE run_id = $1
		ORDER BY started_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []*models.Step
	for rows.Next() {
		var step models.Step
		var request, response []byte
		var completedAt sql.NullTime
		err := rows.Scan(
			&step.ID, &step.RunID, &step.Tool, &step.Action, &step.AppID,
			&step.CredentialID, &step.Status, &request, &response,
			&step.ErrorCode, &step.ErrorMessage, &step.StartedAt, &completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if len(request) > 0 {
			if err := json.Unmarshal(request, &step.Request); err != nil {
				return nil, fmt.Errorf("failed to decode request: %w", err)
			}
		}
		if len(response) > 0 {
			if err := json.Unmarshal(response, &step.Response); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		if completedAt.Valid {
			step.CompletedAt = completedAt.Time
		}
		out = append(out, &step)
	}
	return out, rows.Err()
}

func (s *postgresStepStore) CountByRun(ctx context.Context, runID string) (int, error) {
	defer observeQuery(s.metrics, "count_by_run", "step")()
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE run_id = $1`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count steps: %w", err)
	}
	return count, nil
}

type postgresEffectStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func (s *postgresEffectStore) Create(ctx context.Context, effect *models.Effect) error {
	defer observeQuery(s.metrics, "create", "effect")()
	createdAt := effect.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO effects (id, run_id, app_id, credential_id, external_ref,
			idempotency_key, undo_strategy, can_undo, undone_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, app_id, idempotency_key) DO NOTHING
	`, effect.ID, effect.RunID, effect.AppID, effect.CredentialID, effect.ExternalRef,
		effect.IdempotencyKey, effect.UndoStrategy, effect.CanUndo, effect.UndoneAt, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert effect: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicateIdempotencyKey
	}
	return nil
}

func (s *postgresEffectStore) ListByRun(ctx context.Context, runID string) ([]*models.Effect, error) {
	defer observeQuery(s.metrics, "list_by_run", "effect")()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, app_id, credential_id, external_ref, idempotency_key,
			undo_strategy, can_undo, undone_at, created_at
		FROM effects WHERE run_id = $1
		ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list effects: %w", err)
	}
	defer rows.Close()

	var out []*models.Effect
	for rows.Next() {
		var effect models.Effect
		var undoneAt sql.NullTime
		err := rows.Scan(
			&effect.ID, &effect.RunID, &effect.AppID, &effect.CredentialID,
			&effect.ExternalRef, &effect.IdempotencyKey, &effect.UndoStrategy,
			&effect.CanUndo, &undoneAt, &effect.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan effect: %w", err)
		}
		if undoneAt.Valid {
			effect.UndoneAt = &undoneAt.Time
		}
		out = append(out, &effect)
	}
	return out, rows.Err()
}

func (s *postgresEffectStore) MarkUndone(ctx context.Context, id string, at time.Time) error {
	defer observeQuery(s.metrics, "mark_undone", "effect")()
	result, err := s.db.ExecContext(ctx, `
		UPDATE effects SET undone_at = $2 WHERE id = $1 AND undone_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark effect undone: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either missing or already undone; distinguish for callers.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM effects WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}
