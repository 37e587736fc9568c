// Package validation implements the validation pipeline stages: Standard,
// Deterministic, ASTPredicate, HelperAgent, and Interrogation, run in that
// order as cmd/foundry wires them. Each stage may only upgrade
// a ValidationReport's Valid flag from false to true; none may downgrade a
// verdict a prior stage already set to true. This hard gate is enforced by
// the pipeline runner itself, never by a stage's own judgment, the same way
// a failed subtask forces a replan regardless of what an LLM verdict says.
package validation

import (
	"context"

	"github.com/example/foundry/internal/types"
)

// Stage evaluates a task's provider result and returns its own verdict. A
// stage only ever adds CriterionVerdicts and states whether it judged the
// overall result valid; the pipeline runner is responsible for the
// upgrade-only merge into the running ValidationReport.
type Stage interface {
	Name() string
	Evaluate(ctx context.Context, task types.Task, result types.ProviderResult) (valid bool, verdicts []types.CriterionVerdict, detail string, err error)
}

// GatedStage is implemented by a stage that only runs under a condition
// beyond "every earlier stage left the report invalid" — currently just
// Interrogation, which also requires the report be non-behavioral and at
// low or uncertain confidence.
type GatedStage interface {
	Stage
	ShouldRun(task types.Task, report types.ValidationReport) bool
}

// PreCommitStage is implemented by a stage whose dispatch must be preceded
// by a durable state write, so a crash between the write and the dispatch
// can never cause a restart to duplicate the stage's side effect. PreCommit
// mutates task (normally setting a performed flag); the pipeline persists
// that mutation via BeforeStage before calling Evaluate.
type PreCommitStage interface {
	Stage
	PreCommit(task *types.Task)
}

// Pipeline runs an ordered sequence of stages, stopping early once Valid
// becomes true (later stages would have nothing left to upgrade).
type Pipeline struct {
	Stages []Stage

	// BeforeStage, if set, is called with the task as mutated by a
	// PreCommitStage's PreCommit, before that stage's Evaluate runs. The
	// control loop wires this to persist supervisor state so the
	// precommit mutation survives a crash before the stage's dispatch.
	BeforeStage func(ctx context.Context, task types.Task) error
}

// New builds a pipeline over stages, evaluated in the order given.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{Stages: stages}
}

// Run evaluates task's result through every stage in order, merging each
// stage's verdict into the report without ever flipping Valid from true back
// to false. task is mutated in place by any PreCommitStage.
func (p *Pipeline) Run(ctx context.Context, task *types.Task, result types.ProviderResult) (types.ValidationReport, error) {
	var report types.ValidationReport
	for _, stage := range p.Stages {
		if report.Valid {
			break
		}
		if gated, ok := stage.(GatedStage); ok {
			// The gate judges the report so far, with confidence and
			// uncertain criteria computed from the verdicts gathered up to now.
			sofar := report
			summarize(&sofar)
			if !gated.ShouldRun(*task, sofar) {
				report.StageResults = append(report.StageResults, types.StageResult{
					Stage:  stage.Name(),
					Valid:  false,
					Detail: "skipped: gate conditions not met",
				})
				continue
			}
		}
		if pc, ok := stage.(PreCommitStage); ok {
			pc.PreCommit(task)
			if p.BeforeStage != nil {
				if err := p.BeforeStage(ctx, *task); err != nil {
					return report, err
				}
			}
		}
		valid, verdicts, detail, err := stage.Evaluate(ctx, *task, result)
		if err != nil {
			return report, err
		}
		report.StageResults = append(report.StageResults, types.StageResult{
			Stage:  stage.Name(),
			Valid:  valid,
			Detail: detail,
		})
		report.Criteria = append(report.Criteria, verdicts...)
		if valid {
			report.Valid = true
		}
	}
	summarize(&report)
	return report, nil
}

// summarize recomputes the report's aggregate confidence/rules bookkeeping
// from the accumulated per-criterion verdicts. Run applies it after the last
// stage that ran, and to a copy of the report before each gated stage's
// gate check. Confidence is the weakest tier among criteria that were
// actually evaluated with a tier attached; a failing report with no tiered
// criteria at all (e.g. a pure Standard pass) is marked UNCERTAIN, and a
// passing one is left at the zero ConfidenceLevel.
func summarize(report *types.ValidationReport) {
	report.RulesPassed = nil
	report.RulesFailed = nil
	report.FailedCriteria = nil
	report.UncertainCriteria = nil

	worst := types.ConfidenceHigh
	sawConfidence := false
	for _, cv := range report.Criteria {
		name := string(cv.Criterion.Kind) + ":" + cv.Criterion.Spec
		if cv.Met {
			report.RulesPassed = append(report.RulesPassed, name)
		} else {
			report.RulesFailed = append(report.RulesFailed, name)
			report.FailedCriteria = append(report.FailedCriteria, cv.Criterion.Spec)
		}
		if cv.Confidence == "" {
			continue
		}
		sawConfidence = true
		if confidenceRank(cv.Confidence) > confidenceRank(worst) {
			worst = cv.Confidence
		}
		if cv.Confidence == types.ConfidenceUncertain || (cv.Confidence == types.ConfidenceLow && !cv.Met) {
			report.UncertainCriteria = append(report.UncertainCriteria, cv.Criterion.Spec)
		}
	}
	if sawConfidence {
		report.Confidence = worst
	} else if !report.Valid {
		report.Confidence = types.ConfidenceUncertain
	}

	if !report.Valid {
		for _, sr := range report.StageResults {
			if !sr.Valid {
				report.Reason = sr.Stage + ": " + sr.Detail
				break
			}
		}
	}
}

// confidenceRank orders confidence tiers from strongest to weakest so
// summarize can find the weakest tier among a report's criteria.
func confidenceRank(c types.ConfidenceLevel) int {
	switch c {
	case types.ConfidenceHigh:
		return 0
	case types.ConfidenceMedium:
		return 1
	case types.ConfidenceLow:
		return 2
	case types.ConfidenceUncertain:
		return 3
	default:
		return 3
	}
}
