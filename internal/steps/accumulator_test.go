package steps

import (
	"testing"

	"github.com/parallaxlabs/relay/pkg/models"
)

func TestAccumulator_StartAndSucceed(t *testing.T) {
	acc := New("run-1", nil)

	id := acc.Start("calendar.create", "create", "gcal", "cred-1", map[string]any{"title": "standup"})
	if id == "" {
		t.Fatal("expected step id")
	}

	closed := acc.Succeed("calendar.create", map[string]any{"event_id": "evt-1"})
	if closed == nil {
		t.Fatal("expected a closed step")
	}
	if closed.ID != id {
		t.Errorf("closed wrong step: got %s, want %s", closed.ID, id)
	}
	if closed.Status != models.StepSucceeded {
		t.Errorf("expected succeeded, got %s", closed.Status)
	}
	if closed.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be set")
	}
}

func TestAccumulator_LIFOMatchingForConcurrentStarts(t *testing.T) {
	acc := New("run-1", nil)

	first := acc.Start("email.send", "", "gmail", "", nil)
	second := acc.Start("email.send", "", "gmail", "", nil)

	closed := acc.Succeed("email.send", nil)
	if closed == nil {
		t.Fatal("expected a closed step")
	}
	if closed.ID != second {
		t.Errorf("success must close the most recently started entry: got %s, want %s", closed.ID, second)
	}

	closed = acc.Fail("email.send", "send_failed", "smtp timeout")
	if closed == nil {
		t.Fatal("expected a closed step")
	}
	if closed.ID != first {
		t.Errorf("second close must match the remaining entry: got %s, want %s", closed.ID, first)
	}
	if closed.ErrorCode != "send_failed" {
		t.Errorf("unexpected error code %q", closed.ErrorCode)
	}
}

func TestAccumulator_CloseWithoutStart(t *testing.T) {
	acc := New("run-1", nil)

	if closed := acc.Succeed("unknown.tool", nil); closed != nil {
		t.Errorf("expected nil for unmatched close, got %+v", closed)
	}
}

func TestAccumulator_ClosedEntriesAreNotRematched(t *testing.T) {
	acc := New("run-1", nil)

	acc.Start("post.publish", "", "x", "", nil)
	acc.Succeed("post.publish", nil)

	if closed := acc.Succeed("post.publish", nil); closed != nil {
		t.Error("a closed entry must not be matched again")
	}
}

func TestAccumulator_SeededWithExistingSteps(t *testing.T) {
	existing := []*models.Step{
		{ID: "s1", RunID: "run-1", Tool: "calendar.create", Status: models.StepSucceeded},
		{ID: "s2", RunID: "run-1", Tool: "email.send", Status: models.StepStarted},
	}
	acc := New("run-1", existing)

	closed := acc.Succeed("email.send", nil)
	if closed == nil || closed.ID != "s2" {
		t.Fatalf("expected the persisted started entry to close, got %+v", closed)
	}

	snap := acc.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(snap))
	}
	// Seeding copies rows; mutating the snapshot must not touch the input.
	snap[0].Tool = "mutated"
	if existing[0].Tool != "calendar.create" {
		t.Error("accumulator aliased caller-owned step rows")
	}
}

func TestAccumulator_Open(t *testing.T) {
	acc := New("run-1", nil)

	acc.Start("a", "", "", "", nil)
	acc.Start("b", "", "", "", nil)
	acc.Succeed("a", nil)

	if open := acc.Open(); open != 1 {
		t.Errorf("expected 1 open step, got %d", open)
	}
}
