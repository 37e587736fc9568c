// Package retry implements the retry/halt policy machine: an ordered chain
// of strategies, each given a chance to decide a blocked task's next step.
// The first strategy to produce a decision wins; none downstream are
// consulted.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/example/foundry/internal/types"
)

// backoffTable is the resource-exhaustion retry schedule, indexed by
// (attempt - 1).
var backoffTable = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	20 * time.Minute,
	1 * time.Hour,
	2 * time.Hour,
}

// FinalCheck asks whichever validator can render a holistic judgment (the
// Interrogation stage, in practice) whether a task that has exhausted its
// retries is actually complete. It is a final interrogation with zero
// allowed clarifying questions per criterion — an evidentiary sweep, not a
// new round of clarifying questions.
type FinalCheck func(ctx context.Context, task types.Task, report types.ValidationReport) (complete bool, err error)

// Strategy inspects a blocked task and its latest validation report and
// either returns a decision (handled=true) or defers to the next strategy.
type Strategy interface {
	Decide(ctx context.Context, task types.Task, report types.ValidationReport, halt types.HaltKind) (decision types.RetryDecision, handled bool, err error)
}

// Orchestrator runs strategies in order until one handles the task.
type Orchestrator struct {
	Strategies []Strategy
}

// New builds the standard strategy chain: RepeatedError, MaxRetries,
// ResourceExhausted, then the default fix/clarify path.
// finalCheck may be nil, in which case MaxRetriesStrategy always blocks
// (the conservative choice when no holistic judgment is available).
func New(maxRetries, repeatedErrorThreshold int, finalCheck FinalCheck) *Orchestrator {
	return &Orchestrator{
		Strategies: []Strategy{
			RepeatedErrorStrategy{Threshold: repeatedErrorThreshold},
			MaxRetriesStrategy{Max: maxRetries, FinalCheck: finalCheck},
			ResourceExhaustedStrategy{},
			DefaultStrategy{},
		},
	}
}

// Decide runs the chain and returns the first strategy's decision.
func (o *Orchestrator) Decide(ctx context.Context, task types.Task, report types.ValidationReport, halt types.HaltKind) (types.RetryDecision, error) {
	for _, s := range o.Strategies {
		d, ok, err := s.Decide(ctx, task, report, halt)
		if err != nil {
			return types.RetryDecision{}, err
		}
		if ok {
			return d, nil
		}
	}
	// Unreachable as long as DefaultStrategy is last in the chain.
	return types.RetryDecision{Kind: types.RetryHalt, Reason: "no strategy produced a decision"}, nil
}

// RepeatedErrorStrategy blocks a task whose validation-failure reason is
// identical to the previous iteration's Threshold times in a row — retrying
// an unchanged error is assumed not to help. Task.RepeatedErrorCount and
// Task.LastError are the counters the control loop maintains across
// iterations.
type RepeatedErrorStrategy struct {
	Threshold int
}

func (s RepeatedErrorStrategy) Decide(ctx context.Context, task types.Task, report types.ValidationReport, halt types.HaltKind) (types.RetryDecision, bool, error) {
	if task.RepeatedErrorCount+1 < s.Threshold {
		return types.RetryDecision{}, false, nil
	}
	return types.RetryDecision{
		Kind:   types.RetryBlock,
		Reason: fmt.Sprintf("identical validation error %d times in a row", s.Threshold),
	}, true, nil
}

// MaxRetriesStrategy is a hard safety-net abandon: once retry_count reaches
// Max, a final interrogation decides complete vs. block rather than
// attempting another fix. This check is independent of and takes priority
// over the default fix/clarify path, the same way a replan counter
// overrides any upstream judgment once it is exhausted.
type MaxRetriesStrategy struct {
	Max        int
	FinalCheck FinalCheck
}

func (s MaxRetriesStrategy) Decide(ctx context.Context, task types.Task, report types.ValidationReport, halt types.HaltKind) (types.RetryDecision, bool, error) {
	max := s.Max
	if task.RetryPolicy != nil && task.RetryPolicy.MaxRetries > 0 {
		max = task.RetryPolicy.MaxRetries
	}
	if task.RetryCount < max {
		return types.RetryDecision{}, false, nil
	}
	if s.FinalCheck != nil {
		complete, err := s.FinalCheck(ctx, task, report)
		if err != nil {
			return types.RetryDecision{}, true, err
		}
		if complete {
			return types.RetryDecision{Kind: types.RetryComplete, Reason: "final interrogation confirmed the task is complete"}, true, nil
		}
	}
	return types.RetryDecision{
		Kind:   types.RetryBlock,
		Reason: fmt.Sprintf("retry_count reached max_retries (%d)", max),
	}, true, nil
}

// ResourceExhaustedStrategy recognizes a RESOURCE_EXHAUSTED halt and hands
// off to the back-off schedule. The attempt counter itself lives on
// SupervisorState.ResourceExhaustedRetry, not on the task, since it
// survives across whichever task happens to be current when the exhaustion
// recurs; the control loop is responsible for incrementing it and calling
// BackoffFor to resolve the duration before persisting the decision. After 5
// attempts BackoffFor reports ok=false and the loop falls through to hard
// halt handling.
type ResourceExhaustedStrategy struct{}

func (s ResourceExhaustedStrategy) Decide(ctx context.Context, task types.Task, report types.ValidationReport, halt types.HaltKind) (types.RetryDecision, bool, error) {
	if halt != types.HaltResourceExhausted {
		return types.RetryDecision{}, false, nil
	}
	return types.RetryDecision{
		Kind:   types.RetryResourceBackoff,
		Reason: "provider(s) reported resource exhaustion",
	}, true, nil
}

// BackoffFor returns the scheduled back-off duration for the given 1-based
// attempt number, and ok=false once attempts are exhausted (after 5
// attempts, there is no further backoff).
func BackoffFor(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > len(backoffTable) {
		return 0, false
	}
	return backoffTable[attempt-1], true
}

// DefaultStrategy is the fallback path: ask the provider a clarifying
// question if the halt classifier flagged ambiguity or a direct question,
// otherwise send a fix prompt. Clarification does not increment retry_count;
// a fix prompt does — that accounting happens in the control loop, not here.
//
// Critical hard halts: BLOCKED, OUTPUT_FORMAT_INVALID, and PROVIDER_CIRCUIT_BROKEN
// halt the supervisor immediately rather than attempting another fix round.
type DefaultStrategy struct{}

func (s DefaultStrategy) Decide(ctx context.Context, task types.Task, report types.ValidationReport, halt types.HaltKind) (types.RetryDecision, bool, error) {
	switch halt {
	case types.HaltBlocked, types.HaltOutputFormatInvalid, types.HaltCircuitBroken:
		return types.RetryDecision{Kind: types.RetryHalt, Reason: "critical hard halt: " + string(halt)}, true, nil
	case types.HaltAskedQuestion, types.HaltAmbiguity:
		return types.RetryDecision{Kind: types.RetryClarify, Reason: "halt classification: " + string(halt)}, true, nil
	}
	return types.RetryDecision{Kind: types.RetryFix, Reason: "validation failed, requesting a fix"}, true, nil
}
