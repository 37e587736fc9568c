package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/foundry/internal/types"
)

// ── BackoffFor ───────────────────────────────────────────────────────────

func TestBackoffFor_FollowsFixedSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 20 * time.Minute},
		{4, time.Hour},
		{5, 2 * time.Hour},
	}
	for _, c := range cases {
		got, ok := BackoffFor(c.attempt)
		require.True(t, ok, "attempt %d", c.attempt)
		assert.Equal(t, c.want, got)
	}
}

func TestBackoffFor_ExhaustedAfterFiveAttempts(t *testing.T) {
	_, ok := BackoffFor(6)
	assert.False(t, ok)
}

func TestBackoffFor_ZeroAttemptIsInvalid(t *testing.T) {
	_, ok := BackoffFor(0)
	assert.False(t, ok)
}

// ── RepeatedErrorStrategy ────────────────────────────────────────────────

func TestRepeatedErrorStrategy_DefersBelowThreshold(t *testing.T) {
	s := RepeatedErrorStrategy{Threshold: 3}
	task := types.Task{RepeatedErrorCount: 1}
	_, handled, err := s.Decide(context.Background(), task, types.ValidationReport{}, types.HaltComplete)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestRepeatedErrorStrategy_BlocksAtThreshold(t *testing.T) {
	s := RepeatedErrorStrategy{Threshold: 3}
	task := types.Task{RepeatedErrorCount: 2}
	d, handled, err := s.Decide(context.Background(), task, types.ValidationReport{}, types.HaltComplete)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, types.RetryBlock, d.Kind)
}

// ── MaxRetriesStrategy ───────────────────────────────────────────────────

func TestMaxRetriesStrategy_DefersBelowMax(t *testing.T) {
	s := MaxRetriesStrategy{Max: 5}
	task := types.Task{RetryCount: 4}
	_, handled, err := s.Decide(context.Background(), task, types.ValidationReport{}, types.HaltComplete)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestMaxRetriesStrategy_BlocksAtMaxWithNoFinalCheck(t *testing.T) {
	s := MaxRetriesStrategy{Max: 5}
	task := types.Task{RetryCount: 5}
	d, handled, err := s.Decide(context.Background(), task, types.ValidationReport{}, types.HaltComplete)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, types.RetryBlock, d.Kind)
}

func TestMaxRetriesStrategy_TaskRetryPolicyOverridesDefault(t *testing.T) {
	s := MaxRetriesStrategy{Max: 5}
	task := types.Task{RetryCount: 1, RetryPolicy: &types.RetryPolicy{MaxRetries: 1}}
	d, handled, err := s.Decide(context.Background(), task, types.ValidationReport{}, types.HaltComplete)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, types.RetryBlock, d.Kind)
}

func TestMaxRetriesStrategy_CompletesWhenFinalCheckConfirms(t *testing.T) {
	s := MaxRetriesStrategy{Max: 5, FinalCheck: func(ctx context.Context, task types.Task, report types.ValidationReport) (bool, error) {
		return true, nil
	}}
	task := types.Task{RetryCount: 5}
	d, handled, err := s.Decide(context.Background(), task, types.ValidationReport{}, types.HaltComplete)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, types.RetryComplete, d.Kind)
}

func TestMaxRetriesStrategy_PropagatesFinalCheckError(t *testing.T) {
	wantErr := errors.New("interrogation unreachable")
	s := MaxRetriesStrategy{Max: 5, FinalCheck: func(ctx context.Context, task types.Task, report types.ValidationReport) (bool, error) {
		return false, wantErr
	}}
	task := types.Task{RetryCount: 5}
	_, handled, err := s.Decide(context.Background(), task, types.ValidationReport{}, types.HaltComplete)
	assert.True(t, handled)
	assert.ErrorIs(t, err, wantErr)
}

// ── ResourceExhaustedStrategy ────────────────────────────────────────────

func TestResourceExhaustedStrategy_DefersOnOtherHalts(t *testing.T) {
	s := ResourceExhaustedStrategy{}
	_, handled, err := s.Decide(context.Background(), types.Task{}, types.ValidationReport{}, types.HaltBlocked)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestResourceExhaustedStrategy_HandlesResourceExhausted(t *testing.T) {
	s := ResourceExhaustedStrategy{}
	d, handled, err := s.Decide(context.Background(), types.Task{}, types.ValidationReport{}, types.HaltResourceExhausted)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, types.RetryResourceBackoff, d.Kind)
}

// ── DefaultStrategy ──────────────────────────────────────────────────────

func TestDefaultStrategy_CriticalHardHaltsHalt(t *testing.T) {
	for _, halt := range []types.HaltKind{types.HaltBlocked, types.HaltOutputFormatInvalid, types.HaltCircuitBroken} {
		s := DefaultStrategy{}
		d, handled, err := s.Decide(context.Background(), types.Task{}, types.ValidationReport{}, halt)
		require.NoError(t, err)
		require.True(t, handled)
		assert.Equal(t, types.RetryHalt, d.Kind, "halt kind %s", halt)
	}
}

func TestDefaultStrategy_AskedQuestionClarifies(t *testing.T) {
	s := DefaultStrategy{}
	d, handled, err := s.Decide(context.Background(), types.Task{}, types.ValidationReport{}, types.HaltAskedQuestion)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, types.RetryClarify, d.Kind)
}

func TestDefaultStrategy_AmbiguityClarifies(t *testing.T) {
	s := DefaultStrategy{}
	d, handled, err := s.Decide(context.Background(), types.Task{}, types.ValidationReport{}, types.HaltAmbiguity)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, types.RetryClarify, d.Kind)
}

func TestDefaultStrategy_OtherwiseFixes(t *testing.T) {
	s := DefaultStrategy{}
	d, handled, err := s.Decide(context.Background(), types.Task{}, types.ValidationReport{}, types.HaltProviderExecFailure)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, types.RetryFix, d.Kind)
}

// ── Orchestrator ─────────────────────────────────────────────────────────

func TestOrchestrator_RepeatedErrorTakesPriorityOverDefault(t *testing.T) {
	o := New(5, 2, nil)
	task := types.Task{RepeatedErrorCount: 1}
	d, err := o.Decide(context.Background(), task, types.ValidationReport{}, types.HaltProviderExecFailure)
	require.NoError(t, err)
	assert.Equal(t, types.RetryBlock, d.Kind)
}

func TestOrchestrator_FallsThroughToDefaultFix(t *testing.T) {
	o := New(5, 3, nil)
	task := types.Task{RetryCount: 0, RepeatedErrorCount: 0}
	d, err := o.Decide(context.Background(), task, types.ValidationReport{}, types.HaltProviderExecFailure)
	require.NoError(t, err)
	assert.Equal(t, types.RetryFix, d.Kind)
}
