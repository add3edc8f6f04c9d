package state

import (
	"reflect"
	"testing"

	"github.com/parallaxlabs/relay/pkg/models"
)

func TestBuild_PromptPrefersJobInput(t *testing.T) {
	run := &models.Run{
		ID:     "r1",
		Prompt: "run prompt",
		Config: &models.RunConfig{Input: "config input"},
	}

	s := Build(run, &models.Job{RunID: "r1", Input: "job input"}, "")
	if s.Input.Prompt != "job input" {
		t.Errorf("expected job input, got %q", s.Input.Prompt)
	}

	s = Build(run, &models.Job{RunID: "r1"}, "")
	if s.Input.Prompt != "config input" {
		t.Errorf("expected config input, got %q", s.Input.Prompt)
	}
}

func TestBuild_PromptFallsBackToRunPrompt(t *testing.T) {
	// A job carrying only the run id must fall back to the run's own
	// prompt field, not an empty string.
	run := &models.Run{ID: "r1", Mode: models.ModeAuto, Prompt: "book a table for two"}

	s := Build(run, &models.Job{RunID: "r1"}, "")
	if s.Input.Prompt != "book a table for two" {
		t.Errorf("expected run prompt, got %q", s.Input.Prompt)
	}
}

func TestBuild_ScopesMergedAndDeduplicated(t *testing.T) {
	run := &models.Run{
		ID: "r1",
		Config: &models.RunConfig{
			Scopes:     []string{"calendar.write", "email.send"},
			ScopedKeys: map[string]string{"email.send": "cred-9", "drive.read": "cred-3"},
		},
	}
	job := &models.Job{RunID: "r1", Scopes: []string{"calendar.write", "social.post"}}

	s := Build(run, job, "")

	seen := make(map[string]int)
	for _, scope := range s.Context.Scopes {
		seen[scope]++
	}
	for scope, n := range seen {
		if n != 1 {
			t.Errorf("scope %q appears %d times", scope, n)
		}
	}
	for _, want := range []string{"calendar.write", "social.post", "email.send", "drive.read"} {
		if seen[want] != 1 {
			t.Errorf("missing scope %q in %v", want, s.Context.Scopes)
		}
	}
}

func TestBuild_ContextFields(t *testing.T) {
	run := &models.Run{
		ID:     "r1",
		UserID: "u1",
		TeamID: "t1",
		Config: &models.RunConfig{Meta: map[string]any{"source": "web"}},
	}
	job := &models.Job{RunID: "r1", Meta: map[string]any{"attempt": 2}}

	s := Build(run, job, "trace-abc")

	if s.Context.RunID != "r1" || s.Context.UserID != "u1" || s.Context.TeamID != "t1" {
		t.Errorf("identity fields wrong: %+v", s.Context)
	}
	if s.Context.TraceID != "trace-abc" {
		t.Errorf("trace id not propagated: %q", s.Context.TraceID)
	}
	if s.Context.Timezone != DefaultTimezone {
		t.Errorf("expected default timezone, got %q", s.Context.Timezone)
	}
	if s.Context.Meta["source"] != "web" || s.Context.Meta["attempt"] != 2 {
		t.Errorf("meta passthrough wrong: %v", s.Context.Meta)
	}
}

func TestBuild_OutputSplitsScratch(t *testing.T) {
	run := &models.Run{
		ID: "r1",
		Output: map[string]any{
			"scratch": map[string]any{"cursor": 3},
			"summary": "half done",
			"commits": []any{"c1"},
		},
	}

	s := Build(run, &models.Job{RunID: "r1"}, "")

	if s.Scratch["cursor"] != 3 {
		t.Errorf("scratch not split out: %v", s.Scratch)
	}
	if _, ok := s.Output["scratch"]; ok {
		t.Error("scratch key must not leak into output")
	}
	if s.Output["summary"] != "half done" {
		t.Errorf("output missing summary: %v", s.Output)
	}
}

func TestBuild_JobScratchWins(t *testing.T) {
	run := &models.Run{
		ID:     "r1",
		Output: map[string]any{"scratch": map[string]any{"cursor": 3}},
	}
	job := &models.Job{RunID: "r1", Scratch: map[string]any{"cursor": 7}}

	s := Build(run, job, "")
	if s.Scratch["cursor"] != 7 {
		t.Errorf("job scratch must win over persisted scratch: %v", s.Scratch)
	}
}

func TestApply_ReturnsNewState(t *testing.T) {
	s := State{Output: map[string]any{"summary": "v1"}}
	next := s.Apply(Delta{Output: map[string]any{"summary": "v2"}})

	if s.Output["summary"] != "v1" {
		t.Error("Apply mutated the receiver")
	}
	if next.Output["summary"] != "v2" {
		t.Errorf("delta not applied: %v", next.Output)
	}
}

func TestPersistedOutput_RoundTrip(t *testing.T) {
	s := State{
		Scratch: map[string]any{"cursor": 5},
		Output:  map[string]any{"summary": "done"},
	}

	persisted := PersistedOutput(s)
	run := &models.Run{ID: "r1", Output: persisted}
	rebuilt := Build(run, &models.Job{RunID: "r1"}, "")

	if !reflect.DeepEqual(rebuilt.Scratch, s.Scratch) {
		t.Errorf("scratch round trip failed: %v", rebuilt.Scratch)
	}
	if !reflect.DeepEqual(rebuilt.Output, s.Output) {
		t.Errorf("output round trip failed: %v", rebuilt.Output)
	}
}
