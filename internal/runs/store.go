// Package runs persists Run, Step, and Effect rows and exposes the
// snapshot read path used by polling clients and list projections.
package runs

import (
	"context"
	"errors"
	"time"

	"github.com/parallaxlabs/relay/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrDuplicateIdempotencyKey reports an effect insert whose
	// idempotency key was already recorded for the run and app.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// ListOptions filters run listings.
type ListOptions struct {
	UserID string
	TeamID string
	Status models.RunStatus
	Limit  int
	Offset int
}

// RunStore persists run rows.
type RunStore interface {
	Create(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)

	// Update writes status, output, error and timestamps. Only the
	// processor holding the queue job for the run may call this while
	// the run is in flight.
	Update(ctx context.Context, run *models.Run) error

	List(ctx context.Context, opts ListOptions) ([]*models.Run, error)

	// ListScheduledBefore returns queued runs whose scheduled time has
	// passed, for the scheduler to enqueue.
	ListScheduledBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Run, error)

	// ClearSchedule atomically clears a run's scheduled time. It
	// reports false when nothing was left to clear, so racing sweeps
	// claim a run at most once.
	ClearSchedule(ctx context.Context, id string) (bool, error)
}

// StepStore persists the append-only step log.
type StepStore interface {
	// Upsert inserts a step row or, for a known id, applies its
	// started → {succeeded, failed} transition. Rows are never deleted.
	Upsert(ctx context.Context, step *models.Step) error

	ListByRun(ctx context.Context, runID string) ([]*models.Step, error)
	CountByRun(ctx context.Context, runID string) (int, error)
}

// EffectStore persists effect records for effectful tool calls.
type EffectStore interface {
	// Create inserts an effect exactly once per idempotency key;
	// replays return ErrDuplicateIdempotencyKey.
	Create(ctx context.Context, effect *models.Effect) error

	ListByRun(ctx context.Context, runID string) ([]*models.Effect, error)

	// MarkUndone sets UndoneAt; the only mutation an effect row admits.
	MarkUndone(ctx context.Context, id string, at time.Time) error
}

// Stores groups the run-side storage dependencies.
type Stores struct {
	Runs    RunStore
	Steps   StepStore
	Effects EffectStore

	closer func() error
}

// Close releases underlying resources, if any.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Snapshot is the polling read-path view of one run: enough for a
// client to derive the run_status/run_completed/step_* event taxonomy
// from consecutive snapshots without a socket.
type Snapshot struct {
	Run       *models.Run    `json:"run"`
	StepCount int            `json:"step_count"`
	Steps     []*models.Step `json:"steps,omitempty"`
}

// LoadSnapshot reads a run with its step count (and optionally the rows).
func LoadSnapshot(ctx context.Context, s *Stores, runID string, includeSteps bool) (*Snapshot, error) {
	run, err := s.Runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Run: run}
	if includeSteps {
		steps, err := s.Steps.ListByRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		snap.Steps = steps
		snap.StepCount = len(steps)
		return snap, nil
	}
	count, err := s.Steps.CountByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	snap.StepCount = count
	return snap, nil
}

// Projection builds the aggregate-stream list row for a run.
func Projection(run *models.Run, stepCount int) models.RunProjection {
	proj := models.RunProjection{
		RunID:     run.ID,
		Status:    run.Status,
		Prompt:    run.Prompt,
		Mode:      run.Mode,
		StepCount: stepCount,
		UpdatedAt: run.UpdatedAt,
	}
	if summary, ok := run.Output[models.OutputKeySummary].(string); ok {
		proj.Summary = summary
	}
	if run.Error != nil {
		proj.ErrorCode = run.Error.Code
	}
	return proj
}
