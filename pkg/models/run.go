// Package models provides domain types for the Relay run orchestration system.
package models

import (
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunQueued           RunStatus = "queued"
	RunRunning          RunStatus = "running"
	RunDone             RunStatus = "done"
	RunFailed           RunStatus = "failed"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunAwaitingInput    RunStatus = "awaiting_input"
	RunPendingInstall   RunStatus = "pending_apps_install"
	RunCancelled        RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunDone || s == RunFailed || s == RunCancelled
}

// Suspended reports whether the run is halted pending external input.
// Suspended runs return to running only via an explicit re-enqueue.
func (s RunStatus) Suspended() bool {
	return s == RunAwaitingApproval || s == RunAwaitingInput || s == RunPendingInstall
}

// RunMode controls whether a run executes autonomously or plans first.
type RunMode string

const (
	ModePlan RunMode = "PLAN"
	ModeAuto RunMode = "AUTO"
)

// RunConfig carries per-run configuration persisted alongside the run.
type RunConfig struct {
	// Input overrides the prompt as the initial user input when set.
	Input string `json:"input,omitempty"`

	// Channels lists target channels for outbound effects (e.g. email, slack).
	Channels []string `json:"channels,omitempty"`

	// ApprovedSteps holds step identifiers the user already approved.
	ApprovedSteps []string `json:"approved_steps,omitempty"`

	// Scopes are credential scopes granted to this run.
	Scopes []string `json:"scopes,omitempty"`

	// ScopedKeys maps scope names to pre-resolved credential ids.
	ScopedKeys map[string]string `json:"scoped_keys,omitempty"`

	// Meta is arbitrary configuration passed through to the agent context.
	Meta map[string]any `json:"meta,omitempty"`
}

// RunError is a structured error persisted on a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is one execution instance of an agent workflow against a user prompt.
//
// Status transitions are monotonic per the processor state machine. Only
// the processor instance currently holding the queue job for a run may
// write its status and output while the run is in flight.
type Run struct {
	ID     string    `json:"id"`
	Status RunStatus `json:"status"`
	Prompt string    `json:"prompt"`
	Mode   RunMode   `json:"mode"`

	UserID string `json:"user_id"`
	TeamID string `json:"team_id,omitempty"`

	Config *RunConfig `json:"config,omitempty"`

	// Output is the structured result of the run: commits, diff, an
	// awaiting marker while suspended, and a human-readable summary.
	Output map[string]any `json:"output,omitempty"`

	Error *RunError `json:"error,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Output keys the processor reads and writes.
const (
	OutputKeyScratch  = "scratch"
	OutputKeyAwaiting = "awaiting"
	OutputKeySummary  = "summary"
	OutputKeyCommits  = "commits"
	OutputKeyDiff     = "diff"
)

// AwaitingReason identifies why a run output carries an awaiting marker.
type AwaitingReason string

const (
	AwaitingMissingInfo AwaitingReason = "missing_info"
	AwaitingApproval    AwaitingReason = "approval"
)

// RunProjection is the list-row shape served to aggregate stream clients.
// It decouples the list view from the detail-event shape: the gateway
// rebuilds it from the store whenever a run-level event arrives.
type RunProjection struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Prompt    string    `json:"prompt"`
	Mode      RunMode   `json:"mode"`
	StepCount int       `json:"step_count"`
	Summary   string    `json:"summary,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
