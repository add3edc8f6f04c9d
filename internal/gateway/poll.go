package gateway

import (
	"github.com/parallaxlabs/relay/internal/runs"
	"github.com/parallaxlabs/relay/pkg/models"
)

// DeriveEvents reconstructs the streaming event taxonomy from two
// consecutive run snapshots. The taxonomy is the transport contract: a
// client polling the read path must observe the same run_status,
// run_completed, step_succeeded and step_failed sequence a socket
// subscriber sees, so socket delivery stays an optimization rather
// than the source of truth.
func DeriveEvents(prev, cur *runs.Snapshot) []models.Event {
	if cur == nil || cur.Run == nil {
		return nil
	}

	var events []models.Event
	runID := cur.Run.ID

	closed := func(snap *runs.Snapshot) map[string]models.StepStatus {
		out := make(map[string]models.StepStatus)
		if snap == nil {
			return out
		}
		for _, step := range snap.Steps {
			if step.Closed() {
				out[step.ID] = step.Status
			}
		}
		return out
	}
	prevClosed := closed(prev)

	for _, step := range cur.Steps {
		if !step.Closed() {
			continue
		}
		if _, seen := prevClosed[step.ID]; seen {
			continue
		}
		switch step.Status {
		case models.StepSucceeded:
			events = append(events, models.Event{
				Type:  models.EventStepSucceeded,
				RunID: runID,
				Payload: map[string]any{
					"tool":     step.Tool,
					"response": step.Response,
				},
			})
		case models.StepFailed:
			events = append(events, models.Event{
				Type:  models.EventStepFailed,
				RunID: runID,
				Payload: map[string]any{
					"tool":         step.Tool,
					"errorCode":    step.ErrorCode,
					"errorMessage": step.ErrorMessage,
				},
			})
		}
	}

	var prevStatus models.RunStatus
	if prev != nil && prev.Run != nil {
		prevStatus = prev.Run.Status
	}
	if cur.Run.Status != prevStatus {
		events = append(events, models.Event{
			Type:    models.EventRunStatus,
			RunID:   runID,
			Payload: models.RunStatusPayload(cur.Run.Status, cur.Run.Error),
		})
		if cur.Run.Status == models.RunDone {
			payload := map[string]any{
				"status": string(models.RunDone),
				"output": cur.Run.Output,
			}
			if summary, ok := cur.Run.Output[models.OutputKeySummary].(string); ok {
				payload["lastAssistant"] = summary
			}
			events = append(events, models.Event{
				Type:    models.EventRunCompleted,
				RunID:   runID,
				Payload: payload,
			})
		}
	}
	return events
}
