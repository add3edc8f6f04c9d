package models

// Job is the queue payload that triggers one processing pass of a run.
// Authentication and authorization are assumed already attached by the
// enqueuing layer; the processor trusts the payload as-is.
type Job struct {
	RunID string  `json:"run_id"`
	Mode  RunMode `json:"mode,omitempty"`

	// Input overrides both the run-config input and the run prompt
	// as the initial user input for this pass.
	Input string `json:"input,omitempty"`

	// Scopes are merged with run-configured scopes into a deduplicated set.
	Scopes []string `json:"scopes,omitempty"`

	// Token is an opaque continuation token (e.g. an approval receipt).
	Token string `json:"token,omitempty"`

	Meta   map[string]any `json:"meta,omitempty"`
	Policy string         `json:"policy,omitempty"`

	// Scratch replaces the persisted scratch working memory for this pass.
	Scratch map[string]any `json:"scratch,omitempty"`
}
