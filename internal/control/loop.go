// Package control implements the iteration engine: the sequential control
// loop that loads state, dequeues a task, dispatches it to a provider,
// validates the result, and persists the updated state. Exactly one
// iteration is ever in flight; the only intra-iteration parallelism is the
// Command Executor's optional parallel verification fan-out, which this
// package does not itself perform (that choice lives in the validation
// stages that use internal/cmdexec).
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/example/foundry/internal/audit"
	"github.com/example/foundry/internal/eventbus"
	"github.com/example/foundry/internal/halt"
	"github.com/example/foundry/internal/prompt"
	"github.com/example/foundry/internal/promptlog"
	"github.com/example/foundry/internal/retry"
	"github.com/example/foundry/internal/session"
	"github.com/example/foundry/internal/store"
	"github.com/example/foundry/internal/types"
	"github.com/example/foundry/internal/validation"
)

// ErrStateMissing means the state document has never been initialized (no
// init-state has run yet). The caller is expected to halt and exit rather
// than retry, since there is no document to mutate.
var ErrStateMissing = errors.New("control: state missing, run init-state first")

// ErrStateCorrupt means the state document exists but is missing one of its
// required fields (status, goal, queue), so the control loop cannot safely
// reason about it.
var ErrStateCorrupt = errors.New("control: state corrupt, missing a required field")

// Dispatcher is the subset of *provider.Dispatcher the loop needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, projectID, prompt string) (types.ProviderResult, error)
}

// Loop wires every component the iteration engine depends on.
type Loop struct {
	Store      store.Store
	Dispatcher Dispatcher
	Pipeline   *validation.Pipeline
	Retry      *retry.Orchestrator
	Bus        *eventbus.Bus

	// SessionErrorThreshold is how many consecutive dispatch failures a
	// feature's session tolerates before it is discarded. Zero
	// disables eviction.
	SessionErrorThreshold int

	// SandboxRoot maps a project id to its sandbox directory, used to quote
	// failing-file snippets into fix prompts. Nil skips the snippets.
	SandboxRoot func(projectID string) string
}

// Run calls RunIteration repeatedly until ctx is canceled or the supervisor
// state reaches a terminal status (HALTED or COMPLETED).
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		done, err := l.RunIteration(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// RunIteration performs exactly one state load -> dequeue -> dispatch ->
// validate -> persist cycle. It returns done=true once the supervisor
// reaches a terminal status.
func (l *Loop) RunIteration(ctx context.Context) (done bool, err error) {
	state, err := l.loadState(ctx)
	if err != nil {
		return false, err
	}
	if state.Status == types.StatusHalted || state.Status == types.StatusCompleted {
		return true, nil
	}

	// If a resource-exhaustion back-off is still pending, sleep
	// cooperatively until it elapses rather than burning an iteration
	// dequeuing nothing.
	if wait := sleepUntil(state); wait > 0 {
		l.Bus.Publish(eventbus.Event{Kind: "resource_backoff_wait", Payload: wait.String()})
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	state.Iteration++
	l.Bus.Publish(eventbus.Event{Kind: "iteration_start", Payload: state.Iteration})

	// Reuse state.current_task if one is already bound; only dequeue a
	// fresh task when none is pending from a prior iteration.
	var task types.Task
	if state.CurrentTask != nil {
		task = *state.CurrentTask
	} else {
		taskData, derr := l.Store.Dequeue(ctx)
		if derr != nil {
			if derr == store.ErrNotFound {
				return true, l.runGoalCompletionCheck(ctx, state)
			}
			return false, fmt.Errorf("control: dequeue: %w", derr)
		}
		if err := json.Unmarshal(taskData, &task); err != nil {
			return false, fmt.Errorf("control: decode task: %w", err)
		}
	}
	state.CurrentTask = &task
	state.Status = types.StatusRunning

	resolver := session.NewResolver(state.ActiveSessions)
	sess := resolver.Resolve(task.FeatureID, task.Tool)
	log.Debug().Str("task", task.ID).Str("session", sess.SessionID).Msg("resolved session")

	promptText := l.buildPromptFor(task, state)
	l.Bus.Publish(eventbus.Event{Kind: "dispatch", TaskID: task.ID, ProjectID: task.ProjectID, Payload: promptText})

	result, derr := l.Dispatcher.Dispatch(ctx, task.ProjectID, promptText)
	if derr != nil {
		resolver.RecordError(task.FeatureID, l.SessionErrorThreshold)
		state.ActiveSessions = resolver.Snapshot()
		task.Status = types.TaskBlocked
		task.LastErrors = append(task.LastErrors, derr.Error())
		task.UpdatedAt = time.Now()
		state.CurrentTask = &task
		return false, l.saveState(ctx, state)
	}
	// Session error-count eviction keys on the dispatch result itself: a
	// failed or timed-out execution bumps the feature's error count toward
	// the eviction threshold, a clean one rotates in whatever session id
	// the provider reported and resets the count.
	if result.ExitCode != 0 || result.TimedOut || result.Status == "FAILED" {
		resolver.RecordError(task.FeatureID, l.SessionErrorThreshold)
	} else {
		resolver.RecordSuccess(task.FeatureID, result.SessionID)
	}
	state.ActiveSessions = resolver.Snapshot()
	l.Bus.Publish(eventbus.Event{
		Kind:      "prompt_dispatched",
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		Payload: promptlog.PromptEvent{
			Type:      promptTypeFor(task),
			Provider:  result.Provider,
			Prompt:    promptText,
			Response:  result.Stdout,
			Iteration: state.Iteration,
		},
	})

	haltKind := halt.Classify(result)

	l.Pipeline.BeforeStage = func(ctx context.Context, t types.Task) error {
		state.CurrentTask = &t
		return l.saveState(ctx, state)
	}
	report, verr := l.Pipeline.Run(ctx, &task, result)
	if verr != nil {
		return false, fmt.Errorf("control: validation: %w", verr)
	}
	l.Bus.Publish(eventbus.Event{Kind: "validation_result", TaskID: task.ID, ProjectID: task.ProjectID, Payload: report})

	if report.Valid {
		before := task.Status
		task.Status = types.TaskCompleted
		task.PendingAction = ""
		task.RepeatedErrorCount = 0
		task.UpdatedAt = time.Now()
		state.ActiveSessions = resolver.Snapshot()
		state.CurrentTask = nil
		state.ResourceExhaustedRetry = nil
		state.CompletedTasks = append(state.CompletedTasks, types.CompletedTask{
			Task: task, Reason: "validation passed", Iteration: state.Iteration, At: task.UpdatedAt,
		})
		if err := l.saveState(ctx, state); err != nil {
			return false, err
		}
		// Audit follows the state write: a transition visible in the store
		// always has its journal line behind it, never ahead of it.
		l.Bus.Publish(eventbus.Event{Kind: "TASK_COMPLETED", TaskID: task.ID, ProjectID: task.ProjectID, Payload: audit.StateDiff{Before: string(before), After: string(task.Status)}})
		log.Info().Str("task", task.ID).Msg("task completed")
		return false, nil
	}

	failureReason := report.Reason
	if failureReason == "" {
		failureReason = "validation failed"
	}
	if task.LastError != "" && task.LastError == failureReason {
		task.RepeatedErrorCount++
	} else {
		task.RepeatedErrorCount = 0
	}
	task.LastError = failureReason
	task.LastReport = &report
	task.LastHaltKind = haltKind

	decision, rerr := l.Retry.Decide(ctx, task, report, haltKind)
	if rerr != nil {
		return false, fmt.Errorf("control: retry decision: %w", rerr)
	}
	l.Bus.Publish(eventbus.Event{Kind: "retry_decision", TaskID: task.ID, ProjectID: task.ProjectID, Payload: string(decision.Kind)})

	switch decision.Kind {
	case types.RetryHalt:
		// Critical hard halt: stops the whole supervisor, not
		// just this task.
		task.Status = types.TaskFailed
		state.Status = types.StatusHalted
		state.HaltReason = decision.Reason
		state.CurrentTask = nil
		state.ActiveSessions = resolver.Snapshot()
		state.BlockedTasks = append(state.BlockedTasks, types.BlockedTask{
			Task: task, Reason: decision.Reason, Iteration: state.Iteration, At: time.Now(),
		})
		if err := l.saveState(ctx, state); err != nil {
			return true, err
		}
		l.Bus.Publish(eventbus.Event{Kind: "HALT", TaskID: task.ID, ProjectID: task.ProjectID, Payload: decision.Reason})
		log.Warn().Str("task", task.ID).Str("reason", decision.Reason).Msg("supervisor halted")
		return true, nil
	case types.RetryBlock:
		// Terminal failure for this task only: moves to blocked_tasks, run continues if the queue is not
		// also exhausted.
		before := task.Status
		task.Status = types.TaskFailed
		task.PendingAction = ""
		state.ActiveSessions = resolver.Snapshot()
		state.CurrentTask = nil
		state.ResourceExhaustedRetry = nil
		state.BlockedTasks = append(state.BlockedTasks, types.BlockedTask{
			Task: task, Reason: decision.Reason, Iteration: state.Iteration, At: time.Now(),
		})
		if err := l.saveState(ctx, state); err != nil {
			return false, err
		}
		l.Bus.Publish(eventbus.Event{Kind: "TASK_BLOCKED", TaskID: task.ID, ProjectID: task.ProjectID, Payload: audit.StateDiff{Before: string(before), After: string(task.Status)}})
		log.Warn().Str("task", task.ID).Str("reason", decision.Reason).Msg("task blocked")
		return false, nil
	case types.RetryComplete:
		before := task.Status
		task.Status = types.TaskCompleted
		task.PendingAction = ""
		state.ActiveSessions = resolver.Snapshot()
		state.CurrentTask = nil
		state.ResourceExhaustedRetry = nil
		state.CompletedTasks = append(state.CompletedTasks, types.CompletedTask{
			Task: task, Reason: decision.Reason, Iteration: state.Iteration, At: time.Now(),
		})
		if err := l.saveState(ctx, state); err != nil {
			return false, err
		}
		l.Bus.Publish(eventbus.Event{Kind: "TASK_COMPLETED", TaskID: task.ID, ProjectID: task.ProjectID, Payload: audit.StateDiff{Before: string(before), After: string(task.Status)}})
		log.Info().Str("task", task.ID).Str("reason", decision.Reason).Msg("final interrogation confirmed completion")
		return false, nil
	case types.RetryClarify:
		// Clarification does not increment retry_count (Open Question 1).
		task.Status = types.TaskInProgress
		task.PendingAction = types.RetryClarify
	case types.RetryResourceBackoff:
		attempt := 1
		if state.ResourceExhaustedRetry != nil {
			attempt = state.ResourceExhaustedRetry.Attempt + 1
		}
		backoff, ok := retry.BackoffFor(attempt)
		if !ok {
			task.Status = types.TaskFailed
			state.Status = types.StatusHalted
			state.HaltReason = "resource exhausted after 5 retry attempts"
			state.ActiveSessions = resolver.Snapshot()
			log.Warn().Str("task", task.ID).Msg("resource exhaustion retries exhausted, halting")
			return true, l.saveState(ctx, state)
		}
		now := time.Now()
		state.ResourceExhaustedRetry = &types.ResourceExhaustedRetry{
			Attempt:     attempt,
			LastAttempt: now,
			NextRetryAt: now.Add(backoff),
		}
		task.Status = types.TaskBlocked
		task.PendingAction = types.RetryFix
	default: // RetryFix
		task.RetryCount++
		task.Status = types.TaskInProgress
		task.PendingAction = types.RetryFix
	}
	task.UpdatedAt = time.Now()
	state.ActiveSessions = resolver.Snapshot()
	state.CurrentTask = &task
	return false, l.saveState(ctx, state)
}

// runGoalCompletionCheck performs a final validation pass over goal state,
// invoked once the queue is observed empty. A goal is considered complete
// when every dequeued task eventually passed validation and none were
// blocked; any blocked task means the goal was not actually achieved, even
// though there is no more work left to try.
func (l *Loop) runGoalCompletionCheck(ctx context.Context, state types.SupervisorState) error {
	state.Queue.Exhausted = true
	if len(state.BlockedTasks) == 0 {
		state.Status = types.StatusCompleted
		state.Goal.Completed = true
		if err := l.saveState(ctx, state); err != nil {
			return err
		}
		l.Bus.Publish(eventbus.Event{Kind: "GOAL_COMPLETED", Payload: state.Iteration})
		log.Info().Int64("iteration", state.Iteration).Msg("goal completed: queue exhausted, no blocked tasks")
		return nil
	}
	state.Status = types.StatusHalted
	state.HaltReason = types.HaltTaskListExhaustedGoalIncomplete
	if err := l.saveState(ctx, state); err != nil {
		return err
	}
	l.Bus.Publish(eventbus.Event{Kind: "HALT", TaskID: "", Payload: state.HaltReason})
	log.Warn().Int64("iteration", state.Iteration).Int("blocked", len(state.BlockedTasks)).Msg("task list exhausted with goal incomplete")
	return nil
}

// sleepUntil returns how long the loop should wait before dequeuing again,
// given a pending resource-exhaustion back-off. Zero means proceed now.
func sleepUntil(state types.SupervisorState) time.Duration {
	if state.ResourceExhaustedRetry == nil {
		return 0
	}
	wait := time.Until(state.ResourceExhaustedRetry.NextRetryAt)
	if wait < 0 {
		return 0
	}
	return wait
}

// buildPromptFor selects the prompt variant matching what the previous
// iteration decided for this task: a fix prompt carrying
// forward the last failure evidence, a clarification prompt after the
// provider asked a question or was ambiguous, or the original task prompt
// on a task's first attempt.
func (l *Loop) buildPromptFor(task types.Task, state types.SupervisorState) string {
	switch task.PendingAction {
	case types.RetryClarify:
		return prompt.BuildClarificationPrompt(task, task.LastHaltKind)
	case types.RetryFix:
		if task.LastReport == nil {
			return prompt.BuildPrompt(task, state)
		}
		root := ""
		if l.SandboxRoot != nil {
			root = l.SandboxRoot(task.ProjectID)
		}
		return prompt.BuildFixPrompt(task, *task.LastReport, task.LastErrors, task.RepeatedErrorCount >= 1, root)
	default:
		return prompt.BuildPrompt(task, state)
	}
}

// promptTypeFor labels a dispatch with the prompt-log type names,
// matching whichever prompt variant buildPromptFor just built for this task.
func promptTypeFor(task types.Task) string {
	switch task.PendingAction {
	case types.RetryClarify:
		return "CLARIFICATION_PROMPT"
	case types.RetryFix:
		if task.LastReport == nil {
			return "PROMPT"
		}
		return "FIX_PROMPT"
	default:
		return "PROMPT"
	}
}

// loadState reads the supervisor state document: a missing document is the
// fatal ErrStateMissing, and a document that decodes but lacks
// status/goal/queue is the fatal ErrStateCorrupt. Both are meant to halt the
// process rather than be retried.
func (l *Loop) loadState(ctx context.Context) (types.SupervisorState, error) {
	data, err := l.Store.GetState(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.SupervisorState{}, ErrStateMissing
		}
		return types.SupervisorState{}, fmt.Errorf("control: load state: %w", err)
	}
	state, err := types.DecodeSupervisorState(data)
	if err != nil {
		return types.SupervisorState{}, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if err := validateRequiredFields(data, state); err != nil {
		return types.SupervisorState{}, err
	}
	return state, nil
}

// requiredFieldsShape is used only to detect whether the top-level keys
// ("status", "goal", "queue") were present in the raw document at all,
// since unmarshaling into SupervisorState silently zero-fills an absent
// field.
type requiredFieldsShape struct {
	Status json.RawMessage `json:"status"`
	Goal   json.RawMessage `json:"goal"`
	Queue  json.RawMessage `json:"queue"`
}

func validateRequiredFields(data []byte, state types.SupervisorState) error {
	var shape requiredFieldsShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if len(shape.Status) == 0 || len(shape.Goal) == 0 || len(shape.Queue) == 0 {
		return fmt.Errorf("%w: status/goal/queue must all be present", ErrStateCorrupt)
	}
	switch state.Status {
	case types.StatusRunning, types.StatusBlocked, types.StatusHalted, types.StatusCompleted:
	default:
		return fmt.Errorf("%w: unrecognized status %q", ErrStateCorrupt, state.Status)
	}
	return nil
}

func (l *Loop) saveState(ctx context.Context, state types.SupervisorState) error {
	state.UpdatedAt = time.Now()
	data, err := state.EncodeState()
	if err != nil {
		return err
	}
	return l.Store.SetState(ctx, data)
}
