package models

import (
	"time"
)

// StepStatus tracks the started → {succeeded, failed} transition of a step.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Step is one tool invocation recorded for audit and replay within a run.
// Steps are append-only: rows transition started → {succeeded, failed}
// exactly once and are never deleted.
type Step struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	Tool         string     `json:"tool"`
	Action       string     `json:"action,omitempty"`
	AppID        string     `json:"app_id,omitempty"`
	CredentialID string     `json:"credential_id,omitempty"`
	Status       StepStatus `json:"status"`

	Request  map[string]any `json:"request,omitempty"`
	Response map[string]any `json:"response,omitempty"`

	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

// Closed reports whether the step has reached its terminal status.
func (s *Step) Closed() bool {
	return s.Status == StepSucceeded || s.Status == StepFailed
}
