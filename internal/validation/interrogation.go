package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/foundry/internal/halt"
	"github.com/example/foundry/internal/types"
)

// Interrogation is the fifth and final pipeline stage: a single holistic
// pass-fail judgment over the complete task, used only when every other
// stage left the report invalid. It asks a provider to weigh everything
// together rather than criterion by criterion, the last resort before a
// task is handed to the retry/halt policy machine.
type Interrogation struct {
	Invoke    Invoker
	ProjectID func(task types.Task) string
}

type interrogationVerdict struct {
	Valid    bool   `json:"valid"`
	Evidence string `json:"evidence"`
}

func (Interrogation) Name() string { return "interrogation" }

// ShouldRun gates this stage: a behavioral task already received a
// semantic judgment from the HelperAgent stage, so it is exempt; otherwise
// this stage only fires when the report so far is genuinely uncertain —
// UNCERTAIN confidence outright, or LOW confidence with at least one
// criterion the earlier stages could not resolve either way.
func (Interrogation) ShouldRun(task types.Task, report types.ValidationReport) bool {
	if task.IsBehavioral() {
		return false
	}
	if task.InterrogationPerformed[task.RetryCount] {
		return false
	}
	switch report.Confidence {
	case types.ConfidenceUncertain:
		return true
	case types.ConfidenceLow:
		return len(report.UncertainCriteria) > 0
	default:
		return false
	}
}

// PreCommit marks this (task, retry_count) pair as having had its
// interrogation dispatched, before Evaluate's Invoke.Dispatch call runs. The
// pipeline persists this mutation before calling Evaluate, so a crash
// between the write and the dispatch cannot cause a restart to duplicate it.
func (Interrogation) PreCommit(task *types.Task) {
	if task.InterrogationPerformed == nil {
		task.InterrogationPerformed = make(map[int]bool)
	}
	task.InterrogationPerformed[task.RetryCount] = true
}

// EvidenceSummary flattens a report's accumulated per-criterion and
// per-stage evidence into the output text a final interrogation judges, so
// that judgment weighs what validation actually observed across the task's
// attempts rather than a restatement of the task itself.
func EvidenceSummary(report types.ValidationReport) string {
	var b strings.Builder
	for _, cv := range report.Criteria {
		status := "not met"
		if cv.Met {
			status = "met"
		}
		fmt.Fprintf(&b, "criterion %q: %s", cv.Criterion.Spec, status)
		if cv.Evidence != "" {
			fmt.Fprintf(&b, " (%s)", cv.Evidence)
		}
		b.WriteString("\n")
	}
	for _, sr := range report.StageResults {
		fmt.Fprintf(&b, "stage %s: valid=%v %s\n", sr.Stage, sr.Valid, sr.Detail)
	}
	if report.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", report.Reason)
	}
	return b.String()
}

func (i Interrogation) Evaluate(ctx context.Context, task types.Task, result types.ProviderResult) (bool, []types.CriterionVerdict, string, error) {
	prompt := fmt.Sprintf(
		"You are the final validator for this task. All automated checks were inconclusive. Review holistically and decide.\n\nTask: %s\n\nOutput:\n%s\n\nRespond with exactly one fenced JSON object: {\"valid\": true|false, \"evidence\": \"<one or two sentences>\"}",
		task.Prompt, result.Stdout)
	pr, err := i.Invoke.Dispatch(ctx, i.ProjectID(task), prompt)
	if err != nil {
		return false, nil, "", err
	}
	raw := halt.StripFences(pr.Stdout)
	var v interrogationVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return false, nil, "unparseable interrogation verdict", nil
	}
	return v.Valid, nil, v.Evidence, nil
}
