package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/parallaxlabs/relay/internal/state"
	"github.com/parallaxlabs/relay/pkg/models"
)

type capturePublisher struct {
	events []models.Event
}

func (p *capturePublisher) Publish(runID string, channel models.Channel, event models.Event) {
	event.RunID = runID
	p.events = append(p.events, event)
}

func TestGraphFoldsDeltasBetweenNodes(t *testing.T) {
	var seen map[string]any
	g := NewGraph(nil,
		NodeFunc{ID: "plan", Fn: func(ctx context.Context, st state.State) (state.Delta, *Suspension, error) {
			return state.Delta{Scratch: map[string]any{"plan": "fetch"}}, nil, nil
		}},
		NodeFunc{ID: "act", Fn: func(ctx context.Context, st state.State) (state.Delta, *Suspension, error) {
			seen = st.Scratch
			return state.Delta{Output: map[string]any{"summary": "done"}}, nil, nil
		}},
	)

	initial := state.State{Context: state.Context{RunID: "r1"}}
	pub := &capturePublisher{}
	res, err := g.Run(context.Background(), initial, pub)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Suspension != nil {
		t.Fatalf("unexpected suspension: %+v", res.Suspension)
	}
	if seen["plan"] != "fetch" {
		t.Fatalf("second node did not see first node's delta: %v", seen)
	}
	if len(pub.events) != 2 {
		t.Fatalf("expected 2 node-exit events, got %d", len(pub.events))
	}
	for _, ev := range pub.events {
		if ev.Type != models.EventNodeExit {
			t.Fatalf("unexpected event type %q", ev.Type)
		}
		if ev.RunID != "r1" {
			t.Fatalf("event published for run %q", ev.RunID)
		}
	}
}

func TestGraphHaltsOnSuspension(t *testing.T) {
	ran := false
	g := NewGraph(nil,
		NodeFunc{ID: "gate", Fn: func(ctx context.Context, st state.State) (state.Delta, *Suspension, error) {
			return state.Delta{}, &Suspension{Reason: SuspendApproval, ApprovalID: "appr-1"}, nil
		}},
		NodeFunc{ID: "after", Fn: func(ctx context.Context, st state.State) (state.Delta, *Suspension, error) {
			ran = true
			return state.Delta{}, nil, nil
		}},
	)

	res, err := g.Run(context.Background(), state.State{Context: state.Context{RunID: "r1"}}, &capturePublisher{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Suspension == nil || res.Suspension.Reason != SuspendApproval {
		t.Fatalf("expected approval suspension, got %+v", res.Suspension)
	}
	if res.Suspension.ApprovalID != "appr-1" {
		t.Fatalf("approval id = %q", res.Suspension.ApprovalID)
	}
	if ran {
		t.Fatal("node after suspension should not run")
	}
}

func TestGraphWrapsNodeError(t *testing.T) {
	boom := errors.New("boom")
	g := NewGraph(nil, NodeFunc{ID: "fail", Fn: func(ctx context.Context, st state.State) (state.Delta, *Suspension, error) {
		return state.Delta{}, nil, boom
	}})

	_, err := g.Run(context.Background(), state.State{}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped node error, got %v", err)
	}
}

func TestGraphStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := NewGraph(nil, NodeFunc{ID: "never", Fn: func(ctx context.Context, st state.State) (state.Delta, *Suspension, error) {
		t.Fatal("node ran after cancellation")
		return state.Delta{}, nil, nil
	}})

	if _, err := g.Run(ctx, state.State{}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDeltaFromPayloadRoundTrip(t *testing.T) {
	delta := state.Delta{
		Scratch: map[string]any{"k": "v"},
		Output:  map[string]any{"summary": "s"},
	}
	ev := NodeExitEvent("plan", delta)
	got := DeltaFromPayload(ev.Payload)
	if got.Scratch["k"] != "v" || got.Output["summary"] != "s" {
		t.Fatalf("payload round trip lost delta: %+v", got)
	}
	if DeltaFromPayload(map[string]any{}).Scratch != nil {
		t.Fatal("missing delta should decode as zero value")
	}
}
