package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/parallaxlabs/relay/internal/observability"
	"github.com/parallaxlabs/relay/pkg/models"
)

func runRow(id string, status models.RunStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "status", "prompt", "mode", "user_id", "team_id", "config", "output",
		"error_code", "error_message", "scheduled_at", "created_at", "updated_at",
	}).AddRow(id, status, "draft an email", "AUTO", "u1", "", nil,
		[]byte(`{"summary":"sent"}`), "", "", nil, now, now)
}

func TestPostgresRunStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := PostgresStores(db, nil)

	mock.ExpectQuery(`(?s)SELECT .+ FROM runs WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(runRow("r1", models.RunDone))

	run, err := stores.Runs.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Status != models.RunDone {
		t.Errorf("unexpected status %s", run.Status)
	}
	if run.Output["summary"] != "sent" {
		t.Errorf("output not decoded: %v", run.Output)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresRunStore_UpdateMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := PostgresStores(db, nil)

	mock.ExpectExec(`UPDATE runs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = stores.Runs.Update(context.Background(), &models.Run{ID: "gone", Status: models.RunDone})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresRunStore_ClearScheduleClaimsOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := PostgresStores(db, nil)

	mock.ExpectExec(`(?s)UPDATE runs SET scheduled_at = NULL.+scheduled_at IS NOT NULL`).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE runs SET scheduled_at = NULL.+scheduled_at IS NOT NULL`).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := stores.Runs.ClearSchedule(context.Background(), "r1")
	if err != nil {
		t.Fatalf("clear schedule: %v", err)
	}
	if !claimed {
		t.Error("first clear should claim the run")
	}

	claimed, err = stores.Runs.ClearSchedule(context.Background(), "r1")
	if err != nil {
		t.Fatalf("clear schedule: %v", err)
	}
	if claimed {
		t.Error("second clear must not claim the run again")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStores_ObserveQueryLatency(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	stores := PostgresStores(db, metrics)

	mock.ExpectQuery(`(?s)SELECT .+ FROM runs WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(runRow("r1", models.RunDone))

	if _, err := stores.Runs.Get(context.Background(), "r1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := testutil.CollectAndCount(metrics.StoreQueryDuration); got != 1 {
		t.Errorf("expected 1 observed query series, got %d", got)
	}
}

func TestPostgresStepStore_UpsertUsesConflictClause(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := PostgresStores(db, nil)

	mock.ExpectExec(`(?s)INSERT INTO steps .+ ON CONFLICT \(id\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	step := &models.Step{
		ID: "s1", RunID: "r1", Tool: "email.send",
		Status: models.StepStarted, StartedAt: time.Now(),
	}
	if err := stores.Steps.Upsert(context.Background(), step); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresEffectStore_DuplicateKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := PostgresStores(db, nil)

	mock.ExpectExec(`(?s)INSERT INTO effects .+ ON CONFLICT .+ DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	effect := &models.Effect{ID: "e1", RunID: "r1", AppID: "gmail", IdempotencyKey: "k"}
	err = stores.Effects.Create(context.Background(), effect)
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Errorf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}
