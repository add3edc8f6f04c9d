// Package processor implements the run state machine. It consumes
// queue jobs, drives the agent-graph engine over the run's state,
// folds node deltas and step signals back in through the event bus,
// and persists the outcome.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parallaxlabs/relay/internal/bus"
	"github.com/parallaxlabs/relay/internal/engine"
	"github.com/parallaxlabs/relay/internal/observability"
	"github.com/parallaxlabs/relay/internal/runs"
	"github.com/parallaxlabs/relay/internal/state"
	"github.com/parallaxlabs/relay/internal/steps"
	"github.com/parallaxlabs/relay/pkg/models"
)

// ErrCodePlanFailure is the generic run-level error code used when a
// failure carries no code of its own.
const ErrCodePlanFailure = "plan_failed"

// ErrCodeStepFailure is the generic tool execution error code.
const ErrCodeStepFailure = "step_failed"

const eventOrigin = "processor"

// coded is satisfied by domain errors that carry their own run-level
// error code (credential errors, tool errors).
type coded interface {
	Code() string
}

// Processor owns the running phase of a run: while a queue job for a
// run is in flight, this instance is the sole writer of the run's
// status and output. Control operations (approve, cancel, continue)
// mutate the row out of band and re-enqueue; they never reach into a
// live pass.
type Processor struct {
	stores  *runs.Stores
	bus     *bus.Bus
	engine  engine.Engine
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a processor. A nil logger falls back to slog.Default();
// nil metrics disable collection.
func New(stores *runs.Stores, b *bus.Bus, eng engine.Engine, metrics *observability.Metrics, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Processor{
		stores:  stores,
		bus:     b,
		engine:  eng,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Process executes one pass of a run. It returns nil for every outcome
// the queue should not retry (success, suspension, missing run, empty
// job) and a non-nil error only for real failures, where the queue's
// own retry policy governs redelivery.
func (p *Processor) Process(ctx context.Context, job *models.Job) error {
	if job == nil || job.RunID == "" {
		p.logger.Warn("dropping job without run id")
		return nil
	}

	run, err := p.stores.Runs.Get(ctx, job.RunID)
	if err != nil {
		// A vanished run is fatal for this job but must not bounce
		// through the queue forever.
		if errors.Is(err, runs.ErrNotFound) {
			p.logger.Error("run not found for job", "run_id", job.RunID)
			return nil
		}
		// Anything else is transient until proven otherwise: hand the
		// job back so the queue's retry policy governs redelivery.
		p.logger.Error("loading run failed", "run_id", job.RunID, "error", err)
		return fmt.Errorf("loading run %s: %w", job.RunID, err)
	}

	ctx, span := observability.StartRunSpan(ctx, run.ID, string(run.Mode))
	started := p.now()

	outcome, err := p.run(ctx, run, job)

	p.metrics.RunsProcessed.WithLabelValues(outcome).Inc()
	p.metrics.RunDuration.WithLabelValues(outcome).Observe(p.now().Sub(started).Seconds())
	observability.EndRunSpan(span, outcome, err)
	return err
}

// pass holds the live state of one in-flight processing pass. Bus
// handlers mutate it from whatever goroutine the graph publishes on.
type pass struct {
	mu             sync.Mutex
	state          state.State
	acc            *steps.Accumulator
	completionSeen bool
}

func (p *Processor) run(ctx context.Context, run *models.Run, job *models.Job) (string, error) {
	run.Status = models.RunRunning
	run.UpdatedAt = p.now()
	if err := p.stores.Runs.Update(ctx, run); err != nil {
		return "failed", fmt.Errorf("marking run running: %w", err)
	}
	p.publish(run.ID, models.EventRunStatus, models.RunStatusPayload(models.RunRunning, nil))

	existing, err := p.stores.Steps.ListByRun(ctx, run.ID)
	if err != nil {
		p.logger.Error("loading step log failed", "run_id", run.ID, "error", err)
	}

	ps := &pass{
		state: state.Build(run, job, observability.TraceID(ctx)),
		acc:   steps.New(run.ID, existing),
	}

	// Observe the graph's own events through the same bus the UI uses.
	unsubscribe := p.bus.On(run.ID, models.ChannelWorker, func(event models.Event) {
		p.handleWorkerEvent(ps, event)
	}, nil)
	defer unsubscribe()

	result, runErr := p.engine.Run(ctx, ps.state, p.bus)

	ps.mu.Lock()
	final := ps.state
	completionSeen := ps.completionSeen
	ps.mu.Unlock()

	if runErr != nil {
		return p.fail(ctx, run, ps, final, runErr)
	}
	if result.Suspension != nil {
		return p.suspend(ctx, run, ps, final, result.Suspension)
	}
	if questions := missingInfoQuestions(final.Output); len(questions) > 0 {
		return p.awaitInput(ctx, run, ps, final, questions)
	}
	return p.complete(ctx, run, ps, final, completionSeen || result.CompletionEmitted)
}

// handleWorkerEvent folds one worker-channel event into the pass:
// node deltas merge into live state, step signals drive the step log
// and are re-published in UI form.
func (p *Processor) handleWorkerEvent(ps *pass, event models.Event) {
	switch event.Type {
	case models.EventNodeExit:
		delta := engine.DeltaFromPayload(event.Payload)
		ps.mu.Lock()
		ps.state = ps.state.Apply(delta)
		ps.mu.Unlock()

	case models.EventStepStarted:
		tool, _ := event.Payload[engine.PayloadKeyTool].(string)
		action, _ := event.Payload[engine.PayloadKeyAction].(string)
		appID, _ := event.Payload[engine.PayloadKeyAppID].(string)
		request, _ := event.Payload[engine.PayloadKeyRequest].(map[string]any)
		ps.acc.Start(tool, action, appID, "", request)
		p.metrics.StepsByStatus.WithLabelValues(string(models.StepStarted)).Inc()
		p.publish(event.RunID, models.EventStepStarted, map[string]any{
			"tool":    tool,
			"request": request,
		})

	case models.EventStepSucceeded:
		tool, _ := event.Payload[engine.PayloadKeyTool].(string)
		response, _ := event.Payload[engine.PayloadKeyResponse].(map[string]any)
		ps.acc.Succeed(tool, response)
		p.metrics.StepsByStatus.WithLabelValues(string(models.StepSucceeded)).Inc()
		p.publish(event.RunID, models.EventStepSucceeded, map[string]any{
			"tool":     tool,
			"response": response,
		})

	case models.EventStepFailed:
		tool, _ := event.Payload[engine.PayloadKeyTool].(string)
		code, _ := event.Payload[engine.PayloadKeyError].(string)
		message, _ := event.Payload[engine.PayloadKeyMessage].(string)
		if code == "" {
			code = ErrCodeStepFailure
		}
		ps.acc.Fail(tool, code, message)
		p.metrics.StepsByStatus.WithLabelValues(string(models.StepFailed)).Inc()
		p.publish(event.RunID, models.EventStepFailed, map[string]any{
			"tool":         tool,
			"errorCode":    code,
			"errorMessage": message,
		})

	case models.EventRunCompleted:
		// The graph emitted its own terminal event. Forward it and
		// remember, so the processor does not add a second one.
		ps.mu.Lock()
		ps.completionSeen = true
		ps.mu.Unlock()
		p.publish(event.RunID, models.EventRunCompleted, event.Payload)
	}
}

func (p *Processor) suspend(ctx context.Context, run *models.Run, ps *pass, final state.State, susp *engine.Suspension) (string, error) {
	switch susp.Reason {
	case engine.SuspendMissingInfo:
		questions := susp.Questions
		if len(questions) == 0 {
			questions = missingInfoQuestions(final.Output)
		}
		return p.awaitInput(ctx, run, ps, final, questions)

	case engine.SuspendAppsInstall:
		run.Status = models.RunPendingInstall
		if err := p.persist(ctx, run, ps, final); err != nil {
			return p.fail(ctx, run, ps, final, fmt.Errorf("persisting suspended run: %w", err))
		}
		p.publish(run.ID, models.EventRunStatus, models.RunStatusPayload(run.Status, nil))
		return string(run.Status), nil

	default: // approval
		run.Status = models.RunAwaitingApproval
		if err := p.persist(ctx, run, ps, final); err != nil {
			return p.fail(ctx, run, ps, final, fmt.Errorf("persisting suspended run: %w", err))
		}
		payload := models.RunStatusPayload(run.Status, nil)
		if susp.ApprovalID != "" {
			payload["approvalId"] = susp.ApprovalID
		}
		p.publish(run.ID, models.EventRunStatus, payload)
		return string(run.Status), nil
	}
}

func (p *Processor) awaitInput(ctx context.Context, run *models.Run, ps *pass, final state.State, questions []string) (string, error) {
	if final.Output == nil {
		final.Output = make(map[string]any)
	}
	final.Output[models.OutputKeyAwaiting] = map[string]any{
		"reason":    string(models.AwaitingMissingInfo),
		"questions": questions,
	}
	if _, ok := final.Output[models.OutputKeySummary].(string); !ok {
		summary := "More information is needed before this run can continue."
		if len(questions) > 0 {
			summary = questions[0]
		}
		final.Output[models.OutputKeySummary] = summary
	}

	run.Status = models.RunAwaitingInput
	if err := p.persist(ctx, run, ps, final); err != nil {
		// An unwritten awaiting marker means the run could never be
		// resumed; let the queue redeliver instead.
		return p.fail(ctx, run, ps, final, fmt.Errorf("persisting awaiting run: %w", err))
	}
	// No terminal event: the run is suspended, not finished.
	p.publish(run.ID, models.EventRunStatus, models.RunStatusPayload(run.Status, nil))
	return string(run.Status), nil
}

func (p *Processor) complete(ctx context.Context, run *models.Run, ps *pass, final state.State, completionEmitted bool) (string, error) {
	run.Status = models.RunDone
	run.Error = nil
	if err := p.persist(ctx, run, ps, final); err != nil {
		// The done status and output never landed; publishing
		// run_completed here would announce a result the store does
		// not have.
		return p.fail(ctx, run, ps, final, fmt.Errorf("persisting completed run: %w", err))
	}

	if !completionEmitted {
		p.publish(run.ID, models.EventRunCompleted, map[string]any{
			"status":        string(models.RunDone),
			"output":        run.Output,
			"lastAssistant": p.lastAssistantMessage(ps, final),
		})
	}
	p.publish(run.ID, models.EventRunStatus, models.RunStatusPayload(models.RunDone, nil))
	return string(run.Status), nil
}

func (p *Processor) fail(ctx context.Context, run *models.Run, ps *pass, final state.State, cause error) (string, error) {
	code := ErrCodePlanFailure
	var c coded
	if errors.As(cause, &c) {
		code = c.Code()
	}

	run.Status = models.RunFailed
	run.Error = &models.RunError{Code: code, Message: cause.Error()}
	if err := p.persist(ctx, run, ps, final); err != nil {
		p.logger.Error("persisting failed run failed", "run_id", run.ID, "error", err)
	}
	p.publish(run.ID, models.EventRunStatus, models.RunStatusPayload(models.RunFailed, run.Error))

	// Redelivery is the queue's call, not ours.
	return string(run.Status), cause
}

// persist writes the run row and flushes the step log. Step rows that
// already exist upsert to their closed state.
func (p *Processor) persist(ctx context.Context, run *models.Run, ps *pass, final state.State) error {
	run.Output = state.PersistedOutput(final)
	run.UpdatedAt = p.now()
	if err := p.stores.Runs.Update(ctx, run); err != nil {
		return err
	}
	for _, step := range ps.acc.Snapshot() {
		if err := p.stores.Steps.Upsert(ctx, step); err != nil {
			return fmt.Errorf("flushing step %s: %w", step.ID, err)
		}
	}
	return nil
}

// lastAssistantMessage prefers the most recent succeeded tool response
// carrying a message field, falling back to the run-level summary.
func (p *Processor) lastAssistantMessage(ps *pass, final state.State) string {
	snapshot := ps.acc.Snapshot()
	for i := len(snapshot) - 1; i >= 0; i-- {
		step := snapshot[i]
		if step.Status != models.StepSucceeded {
			continue
		}
		if msg, ok := step.Response["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if summary, ok := final.Output[models.OutputKeySummary].(string); ok {
		return summary
	}
	return ""
}

// publish sends a UI-facing event on the websocket channel. Publish
// failures cannot fail a run; the bus swallows handler panics itself.
func (p *Processor) publish(runID string, eventType models.EventType, payload map[string]any) {
	p.metrics.EventsPublished.WithLabelValues(string(models.ChannelWebsocket), string(eventType)).Inc()
	p.bus.Publish(runID, models.ChannelWebsocket, models.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: p.now(),
		Origin:    eventOrigin,
		Payload:   payload,
	})
}

// missingInfoQuestions extracts the questions from an awaiting marker
// of reason missing_info, or nil when the output carries none.
func missingInfoQuestions(output map[string]any) []string {
	marker, ok := output[models.OutputKeyAwaiting].(map[string]any)
	if !ok {
		return nil
	}
	reason, _ := marker["reason"].(string)
	if reason != string(models.AwaitingMissingInfo) {
		return nil
	}
	switch qs := marker["questions"].(type) {
	case []string:
		if len(qs) == 0 {
			return nil
		}
		return qs
	case []any:
		var out []string
		for _, q := range qs {
			if s, ok := q.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
