package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/example/foundry/internal/cmdexec"
	"github.com/example/foundry/internal/eventbus"
	"github.com/example/foundry/internal/halt"
	"github.com/example/foundry/internal/promptlog"
	"github.com/example/foundry/internal/types"
)

// Invoker is the minimal provider-dispatch surface HelperAgent needs: send a
// prompt to some provider and get a raw textual response back. This is
// satisfied by *provider.Dispatcher without importing it directly, avoiding
// an import cycle between validation and provider.
type Invoker interface {
	Dispatch(ctx context.Context, projectID, prompt string) (types.ProviderResult, error)
}

// HelperAgent is the fourth pipeline stage as cmd/foundry wires it. It asks a
// helper LLM, through the same Invoker as any other dispatch, to judge any
// HELPER_AGENT criteria that deterministic checks cannot express; no
// separate helper session or feature id is kept for it. The
// helper may answer directly with isValid plus reasoning, or propose
// read-only shell commands to run; when it proposes commands, VerifyExec (the
// Command Executor Port) runs each one against an allow-list and the
// criterion is met only if every command exits zero with empty stderr.
//
// Mode mirrors HELPER_AGENT_MODE: "strict" tightens the judging
// prompt to resolve ambiguity toward not-met; any other value (default
// "balanced") leaves the prompt as a plain yes/no judgment call.
type HelperAgent struct {
	Invoke      Invoker
	ProjectID   func(task types.Task) string
	SandboxRoot func(projectID string) string
	VerifyExec  cmdexec.Executor
	Mode        string

	// Bus, when set, receives one HELPER_AGENT_RESPONSE prompt-log event per
	// criterion judged. Nil is fine; the stage works identically without it,
	// just unlogged.
	Bus *eventbus.Bus
}

// helperVerdict is the helper's fenced JSON reply: either a direct judgment
// (IsValid set, Commands empty) or a request to run verification commands
// (Commands set, IsValid ignored until the commands come back).
type helperVerdict struct {
	IsValid   bool     `json:"isValid"`
	Reasoning string   `json:"reasoning"`
	Commands  []string `json:"commands"`
}

func (HelperAgent) Name() string { return "helper_agent" }

func (h HelperAgent) Evaluate(ctx context.Context, task types.Task, result types.ProviderResult) (bool, []types.CriterionVerdict, string, error) {
	var verdicts []types.CriterionVerdict
	any := false
	allMet := true

	for _, c := range task.AcceptCriteria {
		if c.Kind != types.CriterionHelperAgent {
			continue
		}
		any = true
		met, evidence, confidence, err := h.judge(ctx, task, result, c)
		if err != nil {
			return false, verdicts, "", err
		}
		verdicts = append(verdicts, types.CriterionVerdict{Criterion: c, Met: met, Evidence: evidence, Confidence: confidence})
		if !met {
			allMet = false
		}
	}
	if !any {
		return false, nil, "no HELPER_AGENT criteria", nil
	}
	return allMet, verdicts, "helper agent criteria evaluated", nil
}

func (h HelperAgent) judge(ctx context.Context, task types.Task, result types.ProviderResult, c types.Criterion) (bool, string, types.ConfidenceLevel, error) {
	instruction := "You are a validator. Given the following tool output, either answer that this criterion is met directly, or propose read-only shell commands (ls, find, grep, cat, head, tail, wc, file, stat, test, readlink, pwd, basename, dirname, or read-only git subcommands) that would let you verify it."
	if h.Mode == "strict" {
		instruction += " If the output is ambiguous or inconclusive, answer isValid=false rather than propose a command you are not confident in."
	}
	prompt := fmt.Sprintf(
		"%s\n\nCriterion: %s\n\nOutput:\n%s\n\nRespond with exactly one fenced JSON object: either {\"isValid\": true|false, \"reasoning\": \"<one sentence>\"} or {\"commands\": [\"<cmd>\", ...]}.",
		instruction, c.Spec, result.Stdout)
	pr, err := h.Invoke.Dispatch(ctx, h.ProjectID(task), prompt)
	if err != nil {
		return false, "", "", err
	}
	h.logResponse(task, pr, prompt)

	raw := halt.StripFences(pr.Stdout)
	var v helperVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return false, "unparseable helper verdict", types.ConfidenceUncertain, nil
	}
	if len(v.Commands) == 0 {
		return v.IsValid, v.Reasoning, types.ConfidenceMedium, nil
	}
	met, evidence, err := h.runVerification(ctx, task, v.Commands)
	return met, evidence, types.ConfidenceHigh, err
}

// runVerification executes each proposed command through the allow-listed
// Command Executor Port, all in parallel, and upgrades to met=true only if every command
// exits 0 with empty stderr.
func (h HelperAgent) runVerification(ctx context.Context, task types.Task, cmds []string) (bool, string, error) {
	root := ""
	if h.SandboxRoot != nil {
		root = h.SandboxRoot(task.ProjectID)
	}
	results := make([]cmdexec.Result, len(cmds))
	var wg sync.WaitGroup
	for i, cmd := range cmds {
		wg.Add(1)
		go func(i int, cmd string) {
			defer wg.Done()
			results[i] = h.VerifyExec.Run(ctx, root, cmd)
		}(i, cmd)
	}
	wg.Wait()

	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", r.Command, r.Err))
			continue
		}
		if strings.TrimSpace(r.Stderr) != "" {
			failed = append(failed, fmt.Sprintf("%s: non-empty stderr", r.Command))
		}
	}
	if len(failed) > 0 {
		return false, "verification command(s) failed: " + strings.Join(failed, "; "), nil
	}
	return true, fmt.Sprintf("%d verification command(s) passed", len(results)), nil
}

func (h HelperAgent) logResponse(task types.Task, pr types.ProviderResult, prompt string) {
	if h.Bus == nil {
		return
	}
	h.Bus.Publish(eventbus.Event{
		Kind:   "prompt_dispatched",
		TaskID: task.ID,
		Payload: promptlog.PromptEvent{
			Type:     "HELPER_AGENT_RESPONSE",
			Provider: pr.Provider,
			Prompt:   prompt,
			Response: pr.Stdout,
		},
	})
}
