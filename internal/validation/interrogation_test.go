package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/foundry/internal/types"
)

func TestInterrogation_ConfirmsValid(t *testing.T) {
	i := Interrogation{
		Invoke:    fakeInvoker{stdout: "```\n{\"valid\": true, \"evidence\": \"all criteria satisfied\"}\n```"},
		ProjectID: func(types.Task) string { return "p" },
	}
	valid, verdicts, evidence, err := i.Evaluate(context.Background(), types.Task{Prompt: "do the thing"}, types.ProviderResult{Stdout: "done"})
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Nil(t, verdicts)
	assert.Equal(t, "all criteria satisfied", evidence)
}

func TestInterrogation_ConfirmsStillIncomplete(t *testing.T) {
	i := Interrogation{
		Invoke:    fakeInvoker{stdout: "```\n{\"valid\": false, \"evidence\": \"file still missing\"}\n```"},
		ProjectID: func(types.Task) string { return "p" },
	}
	valid, _, evidence, err := i.Evaluate(context.Background(), types.Task{Prompt: "do the thing"}, types.ProviderResult{Stdout: "done"})
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, "file still missing", evidence)
}

func TestInterrogation_UnparseableVerdictIsInvalid(t *testing.T) {
	i := Interrogation{
		Invoke:    fakeInvoker{stdout: "not json"},
		ProjectID: func(types.Task) string { return "p" },
	}
	valid, _, detail, err := i.Evaluate(context.Background(), types.Task{}, types.ProviderResult{})
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Contains(t, detail, "unparseable")
}

func TestInterrogation_DispatchErrorPropagates(t *testing.T) {
	i := Interrogation{
		Invoke:    fakeInvoker{err: assert.AnError},
		ProjectID: func(types.Task) string { return "p" },
	}
	_, _, _, err := i.Evaluate(context.Background(), types.Task{}, types.ProviderResult{})
	assert.Error(t, err)
}

func TestEvidenceSummary_CarriesCriterionAndStageEvidence(t *testing.T) {
	report := types.ValidationReport{
		Criteria: []types.CriterionVerdict{
			{Criterion: types.Criterion{Spec: "file src/a.go exists"}, Met: true, Evidence: "src/a.go exists"},
			{Criterion: types.Criterion{Spec: "contains FOO"}, Met: false, Evidence: "pattern not found"},
		},
		StageResults: []types.StageResult{{Stage: "deterministic", Valid: false, Detail: "deterministic criteria evaluated"}},
		Reason:       "deterministic: deterministic criteria evaluated",
	}
	out := EvidenceSummary(report)
	assert.Contains(t, out, `"file src/a.go exists": met`)
	assert.Contains(t, out, `"contains FOO": not met (pattern not found)`)
	assert.Contains(t, out, "stage deterministic")
	assert.Contains(t, out, "reason: deterministic")
}

func TestInterrogation_ShouldRunGatesOnBehavioralAndConfidence(t *testing.T) {
	i := Interrogation{}

	assert.False(t, i.ShouldRun(types.Task{Type: types.TaskTypeBehavioral}, types.ValidationReport{Confidence: types.ConfidenceUncertain}),
		"a behavioral task is exempt regardless of confidence")

	assert.True(t, i.ShouldRun(types.Task{}, types.ValidationReport{Confidence: types.ConfidenceUncertain}))

	assert.False(t, i.ShouldRun(types.Task{}, types.ValidationReport{Confidence: types.ConfidenceLow}),
		"LOW confidence with no uncertain criteria does not trigger interrogation")

	assert.True(t, i.ShouldRun(types.Task{}, types.ValidationReport{Confidence: types.ConfidenceLow, UncertainCriteria: []string{"x"}}))

	assert.False(t, i.ShouldRun(types.Task{}, types.ValidationReport{Confidence: types.ConfidenceMedium}))
}

func TestInterrogation_ShouldRunIsOncePerRetryAttempt(t *testing.T) {
	i := Interrogation{}
	task := types.Task{RetryCount: 2, InterrogationPerformed: map[int]bool{2: true}}
	assert.False(t, i.ShouldRun(task, types.ValidationReport{Confidence: types.ConfidenceUncertain}),
		"already performed for this retry_count must not run again")
}

func TestInterrogation_PreCommitMarksPerformed(t *testing.T) {
	i := Interrogation{}
	task := types.Task{RetryCount: 1}
	i.PreCommit(&task)
	assert.True(t, task.InterrogationPerformed[1])
}
