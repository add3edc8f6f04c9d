package models

import (
	"time"
)

// UndoStrategy names how an effect can be reversed, if at all.
type UndoStrategy string

const (
	UndoNone   UndoStrategy = "none"
	UndoDelete UndoStrategy = "delete"
	UndoRevert UndoStrategy = "revert"
)

// Effect records one external side effect made by an effectful tool call.
// An effect row is created exactly once per attempt; the only later
// mutation is setting UndoneAt when the effect is reversed.
type Effect struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	AppID        string `json:"app_id"`
	CredentialID string `json:"credential_id,omitempty"`

	// ExternalRef is the vendor-side identifier of the created resource.
	ExternalRef string `json:"external_ref,omitempty"`

	// IdempotencyKey is caller-generated and unique per attempt. Replays
	// of the same attempt reuse the key so the vendor call is recorded once.
	IdempotencyKey string `json:"idempotency_key"`

	UndoStrategy UndoStrategy `json:"undo_strategy"`
	CanUndo      bool         `json:"can_undo"`
	UndoneAt     *time.Time   `json:"undone_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Undone reports whether the effect has already been reversed.
func (e *Effect) Undone() bool {
	return e.UndoneAt != nil
}
