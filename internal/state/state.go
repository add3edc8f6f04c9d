package state

import (
	"github.com/parallaxlabs/relay/pkg/models"
)

// DefaultTimezone is used when neither the job nor the run config
// carries a timezone.
const DefaultTimezone = "UTC"

// Input is the user-facing input handed to the agent graph.
type Input struct {
	Prompt string `json:"prompt"`
}

// Context carries run identity and authorization scope into the graph.
type Context struct {
	RunID    string         `json:"run_id"`
	UserID   string         `json:"user_id"`
	TeamID   string         `json:"team_id,omitempty"`
	Scopes   []string       `json:"scopes,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	Timezone string         `json:"timezone"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// State is the live agent state a processing pass drives through the
// graph. Scratch is internal working memory; Output is everything the
// run exposes to readers.
type State struct {
	Input   Input          `json:"input"`
	Context Context        `json:"context"`
	Scratch map[string]any `json:"scratch,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// Delta is the node-exit payload the graph engine yields. Each field is
// merged onto the corresponding slice of live state with Merge.
type Delta struct {
	Scratch map[string]any `json:"scratch,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// Apply merges a delta onto the state, returning a new state. The
// receiver is never mutated.
func (s State) Apply(d Delta) State {
	next := s
	if len(d.Scratch) > 0 {
		next.Scratch = Merge(s.Scratch, d.Scratch)
	}
	if len(d.Output) > 0 {
		next.Output = Merge(s.Output, d.Output)
	}
	return next
}

// Build constructs the initial agent state for one processing pass.
//
// The input prompt prefers, in order: job-level input, persisted run
// config input, then the run's own prompt. Job scopes are merged with
// run-configured scopes and per-run scoped keys into a deduplicated
// set. The persisted output splits into scratch (job-level scratch
// wins) and output (everything else).
func Build(run *models.Run, job *models.Job, traceID string) State {
	prompt := job.Input
	cfg := run.Config
	if prompt == "" && cfg != nil {
		prompt = cfg.Input
	}
	if prompt == "" {
		prompt = run.Prompt
	}

	var scopes []string
	seen := make(map[string]bool)
	addScope := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		scopes = append(scopes, s)
	}
	for _, s := range job.Scopes {
		addScope(s)
	}
	if cfg != nil {
		for _, s := range cfg.Scopes {
			addScope(s)
		}
		for s := range cfg.ScopedKeys {
			addScope(s)
		}
	}

	meta := make(map[string]any)
	if cfg != nil {
		for k, v := range cfg.Meta {
			meta[k] = Clone(v)
		}
	}
	for k, v := range job.Meta {
		meta[k] = Clone(v)
	}
	if len(meta) == 0 {
		meta = nil
	}

	scratch, output := splitOutput(run.Output)
	if len(job.Scratch) > 0 {
		scratch = CloneMap(job.Scratch)
	}

	return State{
		Input: Input{Prompt: prompt},
		Context: Context{
			RunID:    run.ID,
			UserID:   run.UserID,
			TeamID:   run.TeamID,
			Scopes:   scopes,
			TraceID:  traceID,
			Timezone: DefaultTimezone,
			Meta:     meta,
		},
		Scratch: scratch,
		Output:  output,
	}
}

// splitOutput separates the persisted scratch working memory from the
// externally visible output keys.
func splitOutput(persisted map[string]any) (scratch, output map[string]any) {
	if len(persisted) == 0 {
		return nil, nil
	}
	for k, v := range persisted {
		if k == models.OutputKeyScratch {
			if m, ok := v.(map[string]any); ok {
				scratch = CloneMap(m)
			}
			continue
		}
		if output == nil {
			output = make(map[string]any)
		}
		output[k] = Clone(v)
	}
	return scratch, output
}

// PersistedOutput recombines output and scratch into the shape stored
// on the run row.
func PersistedOutput(s State) map[string]any {
	if len(s.Output) == 0 && len(s.Scratch) == 0 {
		return nil
	}
	out := CloneMap(s.Output)
	if out == nil {
		out = make(map[string]any)
	}
	if len(s.Scratch) > 0 {
		out[models.OutputKeyScratch] = CloneMap(s.Scratch)
	}
	return out
}
