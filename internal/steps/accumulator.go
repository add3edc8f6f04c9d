// Package steps tracks per-run tool invocations while a run is in
// flight. The accumulator holds the append-only step log in memory
// during a processing pass; the processor flushes it to the store
// whenever run state is persisted.
package steps

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parallaxlabs/relay/pkg/models"
)

// Accumulator collects step log entries for one run. Entries transition
// started → {succeeded, failed} and are never removed.
type Accumulator struct {
	mu    sync.Mutex
	runID string
	steps []*models.Step
}

// New creates an accumulator seeded with any steps already persisted
// for the run, so a resumed run keeps its history intact.
func New(runID string, existing []*models.Step) *Accumulator {
	acc := &Accumulator{runID: runID}
	for _, s := range existing {
		clone := *s
		acc.steps = append(acc.steps, &clone)
	}
	return acc
}

// Start appends a started entry for a tool invocation and returns its id.
func (a *Accumulator) Start(tool, action, appID, credentialID string, request map[string]any) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	step := &models.Step{
		ID:           uuid.NewString(),
		RunID:        a.runID,
		Tool:         tool,
		Action:       action,
		AppID:        appID,
		CredentialID: credentialID,
		Status:       models.StepStarted,
		Request:      request,
		StartedAt:    time.Now(),
	}
	a.steps = append(a.steps, step)
	return step.ID
}

// Succeed closes the most recently started unmatched entry for the tool.
// Matching is last-in-first-out by tool name: with two concurrent
// started entries for the same tool, the newer one is the one a
// success signal refers to. Returns the closed step, or nil when no
// unmatched entry exists.
func (a *Accumulator) Succeed(tool string, response map[string]any) *models.Step {
	return a.close(tool, models.StepSucceeded, response, "", "")
}

// Fail closes the most recently started unmatched entry for the tool
// with an error code and message.
func (a *Accumulator) Fail(tool, errorCode, errorMessage string) *models.Step {
	return a.close(tool, models.StepFailed, nil, errorCode, errorMessage)
}

func (a *Accumulator) close(tool string, status models.StepStatus, response map[string]any, errorCode, errorMessage string) *models.Step {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := len(a.steps) - 1; i >= 0; i-- {
		step := a.steps[i]
		if step.Tool != tool || step.Closed() {
			continue
		}
		step.Status = status
		step.Response = response
		step.ErrorCode = errorCode
		step.ErrorMessage = errorMessage
		step.CompletedAt = time.Now()
		clone := *step
		return &clone
	}
	return nil
}

// Snapshot returns a copy of the accumulated steps in append order.
func (a *Accumulator) Snapshot() []*models.Step {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*models.Step, 0, len(a.steps))
	for _, s := range a.steps {
		clone := *s
		out = append(out, &clone)
	}
	return out
}

// Open returns the number of entries still awaiting a close signal.
func (a *Accumulator) Open() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	open := 0
	for _, s := range a.steps {
		if !s.Closed() {
			open++
		}
	}
	return open
}
