package halt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/foundry/internal/types"
)

// ── Classify ─────────────────────────────────────────────────────────────

func TestClassify_SyntheticFailedResultIsCircuitBroken(t *testing.T) {
	// Dispatcher's all-providers-unavailable sentinel classifies first,
	// ahead of every other rule.
	got := Classify(types.ProviderResult{Status: "FAILED", ExitCode: 0})
	assert.Equal(t, types.HaltCircuitBroken, got)
}

func TestClassify_ResourceExhaustedKeywordPreemptsExitCode(t *testing.T) {
	// A nonzero exit code would normally mean PROVIDER_EXEC_FAILURE, but the
	// resource-exhaustion keyword check runs first.
	got := Classify(types.ProviderResult{ExitCode: 1, Stdout: "error: RESOURCE_EXHAUSTED"})
	assert.Equal(t, types.HaltResourceExhausted, got)
}

func TestClassify_ConnectErrorKeyword(t *testing.T) {
	got := Classify(types.ProviderResult{Stdout: "ConnectError: upstream unavailable"})
	assert.Equal(t, types.HaltResourceExhausted, got)
}

func TestClassify_ConnectAndExhaustedBothPresent(t *testing.T) {
	got := Classify(types.ProviderResult{Stdout: "connect timed out, quota exhausted"})
	assert.Equal(t, types.HaltResourceExhausted, got)
}

func TestClassify_NonzeroExitCode(t *testing.T) {
	got := Classify(types.ProviderResult{ExitCode: 1, Stdout: "panic: nil pointer"})
	assert.Equal(t, types.HaltProviderExecFailure, got)
}

func TestClassify_BlockedStatus(t *testing.T) {
	got := Classify(types.ProviderResult{Status: "BLOCKED", Stdout: "cannot proceed"})
	assert.Equal(t, types.HaltBlocked, got)
}

func TestClassify_QuestionMarkInStdout(t *testing.T) {
	got := Classify(types.ProviderResult{Stdout: "Should I use postgres or sqlite?"})
	assert.Equal(t, types.HaltAskedQuestion, got)
}

func TestClassify_AmbiguityMarkerWins_WhenNoQuestionMark(t *testing.T) {
	got := Classify(types.ProviderResult{Stdout: "I could go either way on this, maybe the first option is better"})
	assert.Equal(t, types.HaltAmbiguity, got)
}

func TestClassify_AmbiguityMarkerRequiresWordBoundary(t *testing.T) {
	// "recommendation" contains "recommend" as a substring but not as a word.
	got := Classify(types.ProviderResult{Stdout: `{"status":"ok","files_created":[],"files_updated":[],"changes":"recommendation applied","neededChanges":"","summary":"done"}`})
	assert.Equal(t, types.HaltComplete, got)
}

func TestClassify_MissingTerminatingJSONIsOutputFormatInvalid(t *testing.T) {
	got := Classify(types.ProviderResult{Stdout: "all done, no json here"})
	assert.Equal(t, types.HaltOutputFormatInvalid, got)
}

func TestClassify_MissingRequiredKeyIsOutputFormatInvalid(t *testing.T) {
	got := Classify(types.ProviderResult{Stdout: `{"status":"ok","files_created":[],"files_updated":[]}`})
	assert.Equal(t, types.HaltOutputFormatInvalid, got)
}

func TestClassify_CompleteOnWellFormedOutput(t *testing.T) {
	stdout := `{"status":"ok","files_created":["a.go"],"files_updated":[],"changes":"added a.go","neededChanges":"","summary":"implemented the feature"}`
	got := Classify(types.ProviderResult{Stdout: stdout})
	assert.Equal(t, types.HaltComplete, got)
}

// ── ExtractAgentOutput ───────────────────────────────────────────────────

func TestExtractAgentOutput_PlainObject(t *testing.T) {
	stdout := `{"status":"ok","files_created":["a.go"],"files_updated":["b.go"],"changes":"x","neededChanges":"","summary":"y"}`
	out, ok := ExtractAgentOutput(stdout)
	require.True(t, ok)
	assert.Equal(t, []string{"a.go"}, out.FilesCreated)
	assert.Equal(t, []string{"b.go"}, out.FilesUpdated)
}

func TestExtractAgentOutput_FencedObjectWithPrecedingProse(t *testing.T) {
	stdout := "Here is my summary.\n```json\n" +
		`{"status":"ok","files_created":[],"files_updated":[],"changes":"x","neededChanges":"","summary":"y"}` +
		"\n```"
	_, ok := ExtractAgentOutput(stdout)
	assert.True(t, ok)
}

func TestExtractAgentOutput_BraceInsideStringDoesNotConfuseScan(t *testing.T) {
	stdout := `{"status":"ok","files_created":[],"files_updated":[],"changes":"uses a { in a string }","neededChanges":"","summary":"y"}`
	out, ok := ExtractAgentOutput(stdout)
	require.True(t, ok)
	assert.Equal(t, "uses a { in a string }", out.Changes)
}

func TestExtractAgentOutput_MissingKeyFails(t *testing.T) {
	stdout := `{"status":"ok","files_created":[],"files_updated":[],"changes":"x"}`
	_, ok := ExtractAgentOutput(stdout)
	assert.False(t, ok)
}

func TestExtractAgentOutput_NoObjectFails(t *testing.T) {
	_, ok := ExtractAgentOutput("no json at all")
	assert.False(t, ok)
}

// ── StripFences ──────────────────────────────────────────────────────────

func TestStripFences_RemovesLeadingAndTrailingFence(t *testing.T) {
	got := StripFences("```json\n{\"a\":1}\n```")
	assert.Equal(t, `{"a":1}`, got)
}

func TestStripFences_LeavesUnfencedInputAlone(t *testing.T) {
	got := StripFences(`{"a":1}`)
	assert.Equal(t, `{"a":1}`, got)
}
