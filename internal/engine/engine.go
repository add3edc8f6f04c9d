// Package engine defines the contract between the run processor and
// the agent-graph execution engine, and ships a minimal sequential
// graph runner for local deployments and tests. Production graph
// engines live outside this repository and only need to satisfy the
// Engine interface.
package engine

import (
	"context"

	"github.com/parallaxlabs/relay/internal/state"
	"github.com/parallaxlabs/relay/pkg/models"
)

// SuspendReason identifies why a graph halted without completing.
// A halt is control flow, not a fault: the processor converts it into
// a non-terminal run status.
type SuspendReason string

const (
	SuspendApproval    SuspendReason = "approval"
	SuspendMissingInfo SuspendReason = "missing_info"
	SuspendAppsInstall SuspendReason = "apps_install"
)

// Suspension is the halt signal a graph returns when execution cannot
// proceed without external input.
type Suspension struct {
	Reason SuspendReason

	// ApprovalID identifies the pending approval for reason approval.
	ApprovalID string

	// Questions are the open questions for reason missing_info.
	Questions []string
}

// Result is the tagged outcome of one graph invocation. A nil
// Suspension means the graph ran to completion; errors are returned
// separately so real faults are never conflated with expected halts.
type Result struct {
	Suspension *Suspension

	// CompletionEmitted is set when the graph already published its
	// own terminal completion event; the processor must not emit a
	// second one.
	CompletionEmitted bool
}

// Publisher is the slice of the event bus the engine emits into.
// Node-exit deltas and step signals go out on the worker channel and
// are observed by the processor through its own bus subscription.
type Publisher interface {
	Publish(runID string, channel models.Channel, event models.Event)
}

// Engine drives an agent graph over an initial state. Implementations
// publish per-node deltas and step signals on the worker channel as
// they execute and return the tagged outcome when the graph stops.
type Engine interface {
	Run(ctx context.Context, initial state.State, pub Publisher) (Result, error)
}

// Worker-channel payload keys for node-exit and step events.
const (
	PayloadKeyNode     = "node"
	PayloadKeyDelta    = "delta"
	PayloadKeyTool     = "tool"
	PayloadKeyAction   = "action"
	PayloadKeyAppID    = "app_id"
	PayloadKeyRequest  = "request"
	PayloadKeyResponse = "response"
	PayloadKeyError    = "error_code"
	PayloadKeyMessage  = "error_message"
)

// NodeExitEvent builds the worker-channel event for a node exit.
func NodeExitEvent(node string, delta state.Delta) models.Event {
	return models.Event{
		Type: models.EventNodeExit,
		Payload: map[string]any{
			PayloadKeyNode: node,
			PayloadKeyDelta: map[string]any{
				"scratch": delta.Scratch,
				"output":  delta.Output,
			},
		},
	}
}

// DeltaFromPayload extracts the state delta from a node-exit payload.
func DeltaFromPayload(payload map[string]any) state.Delta {
	var delta state.Delta
	raw, ok := payload[PayloadKeyDelta].(map[string]any)
	if !ok {
		return delta
	}
	if scratch, ok := raw["scratch"].(map[string]any); ok {
		delta.Scratch = scratch
	}
	if output, ok := raw["output"].(map[string]any); ok {
		delta.Output = output
	}
	return delta
}
