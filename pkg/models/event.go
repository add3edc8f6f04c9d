package models

import (
	"time"
)

// Channel is a named partition of the event bus separating worker-internal
// traffic from UI-facing traffic.
type Channel string

const (
	// ChannelWorker carries raw graph-node events consumed by the processor.
	ChannelWorker Channel = "worker"

	// ChannelWebsocket carries UI-facing events only.
	ChannelWebsocket Channel = "websocket"
)

// WildcardRunID subscribes to all run traffic on a channel.
const WildcardRunID = "*"

// EventType identifies the kind of run event.
//
// The taxonomy is the transport contract: a polling client must be able
// to derive the same event types from status and step-count deltas, so
// WebSocket delivery is one of two valid mechanisms, not the contract.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventRunStatus             EventType = "run_status"
	EventRunCompleted          EventType = "run_completed"
	EventStepStarted           EventType = "step_started"
	EventStepSucceeded         EventType = "step_succeeded"
	EventStepFailed            EventType = "step_failed"
	EventRunsUpsert            EventType = "runs.upsert"

	// EventNodeExit is worker-channel only: a raw graph-node delta.
	EventNodeExit EventType = "node_exit"
)

// UIEventTypes are the types forwarded to per-run stream clients.
// Worker-channel noise is filtered out before it reaches a socket.
var UIEventTypes = map[EventType]bool{
	EventConnectionEstablished: true,
	EventRunStatus:             true,
	EventRunCompleted:          true,
	EventStepStarted:           true,
	EventStepSucceeded:         true,
	EventStepFailed:            true,
}

// Event is the unified event model published on the bus and streamed to
// clients. ID, Timestamp and Origin are volatile: the gateway strips them
// before fingerprinting so duplicate emissions collapse.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// RunStatusPayload builds the payload of a run_status event.
func RunStatusPayload(status RunStatus, runErr *RunError) map[string]any {
	payload := map[string]any{"status": string(status)}
	if runErr != nil {
		payload["error"] = map[string]any{
			"code":    runErr.Code,
			"message": runErr.Message,
		}
	}
	return payload
}
