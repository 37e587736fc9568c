// Package provider spawns LLM provider CLIs as child processes and
// dispatches a prompt to the first healthy provider in priority order,
// consulting a circuit breaker before each attempt.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/example/foundry/internal/breaker"
	"github.com/example/foundry/internal/types"
)

// killGrace is how long a provider process gets to exit after SIGTERM
// before it is escalated to SIGKILL.
const killGrace = 5 * time.Second

// errorKindOrder is the per-provider substring table shouldTrip checks: the
// first matching kind in this fixed order is the one recorded against the
// breaker. A failure whose raw output matches none of these does not trip
// the circuit: a failing result is returned to the caller as-is, and a
// thrown invocation error moves on to the next provider.
var errorKindOrder = []string{
	"resource_exhausted",
	"rate_limit",
	"quota_exceeded",
	"api_error",
	"unauthorized",
	"expired_token",
}

// classifyErrorKind returns the first errorKindOrder substring present in
// raw (case-insensitive), or "" if none match.
func classifyErrorKind(raw string) string {
	lower := strings.ToLower(raw)
	for _, kind := range errorKindOrder {
		if strings.Contains(lower, kind) {
			return kind
		}
	}
	return ""
}

// Adapter spawns one provider's CLI binary as a child process.
type Adapter struct {
	Name    string
	Binary  string
	Args    []string
	WorkDir func(projectID string) string
}

// Run invokes the adapter's binary with prompt on stdin, enforcing deadline
// with a SIGTERM-then-SIGKILL escalation.
func (a Adapter) Run(ctx context.Context, projectID, prompt string, deadline time.Duration) types.ProviderResult {
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.Binary, a.Args...)
	cmd.Dir = a.WorkDir(projectID)
	cmd.Stdin = bytes.NewBufferString(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	start := time.Now()
	err := cmd.Run()
	result := types.ProviderResult{
		Provider: a.Name,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
	}
	var exitErr *exec.ExitError
	if err != nil {
		if ok := asExitError(err, &exitErr); ok {
			result.ExitCode = exitErr.ExitCode()
		} else if !result.TimedOut {
			result.ExitCode = -1
		}
	}
	return result
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// Dispatcher tries providers in priority order, skipping any whose circuit
// is open, and recording the outcome against the breaker.
type Dispatcher struct {
	Providers []Adapter
	Breaker   *breaker.Breaker
	Deadline  time.Duration
}

// Dispatch tries each provider in priority order until one is allowed by the
// breaker, invokes it with a low-level transient-retry wrapper, and records
// the outcome against the breaker. Fallback to the next provider happens
// only when the attempt tripped the breaker (a classified error kind in the
// result, or a thrown error whose message classifies); a failure with no
// recognized trip kind is returned to the caller as-is, for the halt
// detector to classify. If every provider is unavailable (circuit open or
// tripping), Dispatch returns a synthetic failed result with Status="FAILED"
// and a nil error; the caller treats that as a halt (internal/halt.Classify
// maps it to PROVIDER_CIRCUIT_BROKEN) rather than a Go error.
func (d *Dispatcher) Dispatch(ctx context.Context, projectID, prompt string) (types.ProviderResult, error) {
	for _, p := range d.Providers {
		allowed, state, err := d.Breaker.Allow(ctx, p.Name)
		if err != nil {
			return types.ProviderResult{}, fmt.Errorf("provider: breaker check for %s: %w", p.Name, err)
		}
		if !allowed {
			log.Info().Str("provider", p.Name).Str("circuit", string(state)).Msg("skipping provider: circuit open")
			continue
		}

		result, err := d.invokeWithRetry(ctx, p, projectID, prompt)
		if err != nil {
			// Only trip on a thrown exception whose message indicates
			// rate/quota/exhaustion; otherwise move on without tripping
			// the breaker.
			if kind := classifyErrorKind(err.Error()); kind != "" {
				_ = d.Breaker.RecordFailure(ctx, p.Name)
				log.Warn().Str("provider", p.Name).Str("error_kind", kind).Err(err).Msg("provider invocation failed, tripping breaker")
			} else {
				log.Warn().Str("provider", p.Name).Err(err).Msg("provider invocation failed, not tripping breaker")
			}
			continue
		}
		if kind := classifyErrorKind(result.Stdout + result.Stderr); kind != "" {
			// shouldTrip matched a known error kind.
			_ = d.Breaker.RecordFailure(ctx, p.Name)
			log.Warn().Str("provider", p.Name).Str("error_kind", kind).Msg("provider result matched error kind, tripping breaker")
			continue
		}
		if result.ExitCode != 0 || result.TimedOut {
			// A failure with no recognized trip kind belongs to the caller:
			// the halt detector classifies it. Skipping ahead to the next
			// provider here would mask the failure behind a fallback.
			log.Warn().Str("provider", p.Name).Int("exit_code", result.ExitCode).Bool("timed_out", result.TimedOut).Msg("provider failed without a trip-classified error, returning result")
			return result, nil
		}
		_ = d.Breaker.RecordSuccess(ctx, p.Name)
		return result, nil
	}
	return types.ProviderResult{Status: "FAILED"}, nil
}

// invokeWithRetry wraps a single adapter invocation with a short exponential
// backoff for transient launch failures (binary momentarily missing, fork
// pressure), distinct from the task-level retry/halt policy machine which
// operates above the provider boundary entirely.
func (d *Dispatcher) invokeWithRetry(ctx context.Context, p Adapter, projectID, prompt string) (types.ProviderResult, error) {
	var result types.ProviderResult
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	op := func() error {
		result = p.Run(ctx, projectID, prompt, d.Deadline)
		if result.ExitCode == -1 && !result.TimedOut {
			return fmt.Errorf("provider %s: launch failed", p.Name)
		}
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return types.ProviderResult{}, err
	}
	return result, nil
}
