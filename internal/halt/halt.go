// Package halt classifies a dispatched provider's raw result into the
// control loop's decision points. Classification is pure and total: every
// ProviderResult maps to exactly one HaltKind, in the fixed order below.
// HaltComplete (the empty string) means no halt condition applies.
package halt

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/example/foundry/internal/types"
)

// ambiguityRe matches any of the word-boundary ambiguity markers, case
// insensitively.
var ambiguityRe = regexp.MustCompile(`(?i)\b(maybe|could|suggest|recommend|alternative|option)\b`)

// requiredKeys are the exact keys the prompt builder's Rules Block demands
// of every terminating JSON object.
var requiredKeys = []string{"status", "files_created", "files_updated", "changes", "neededChanges", "summary"}

// Classify applies a fixed, total rule order:
//
//  0. result.Status == "FAILED" (the dispatcher's all-providers-unavailable
//     result) -> PROVIDER_CIRCUIT_BROKEN.
//  1. rawOutput case-insensitively contains "resource_exhausted",
//     "connecterror", or both "connect" and "exhausted" -> RESOURCE_EXHAUSTED
//     (checked ahead of the exit code so it preempts exit-code
//     classification).
//  2. exitCode != 0 -> PROVIDER_EXEC_FAILURE.
//  3. result.Status == "BLOCKED" -> BLOCKED.
//  4. stdout contains "?" -> ASKED_QUESTION.
//  5. stdout matches a word-boundary ambiguity marker -> AMBIGUITY.
//  6. the terminating JSON object is missing or missing a required key ->
//     OUTPUT_FORMAT_INVALID.
//  7. otherwise -> COMPLETE (the empty HaltKind).
func Classify(r types.ProviderResult) types.HaltKind {
	if r.Status == "FAILED" {
		return types.HaltCircuitBroken
	}
	raw := strings.ToLower(r.Stdout + r.Stderr)
	if strings.Contains(raw, "resource_exhausted") || strings.Contains(raw, "connecterror") ||
		(strings.Contains(raw, "connect") && strings.Contains(raw, "exhausted")) {
		return types.HaltResourceExhausted
	}
	if r.ExitCode != 0 {
		return types.HaltProviderExecFailure
	}
	if r.Status == "BLOCKED" {
		return types.HaltBlocked
	}
	if strings.Contains(r.Stdout, "?") {
		return types.HaltAskedQuestion
	}
	if ambiguityRe.MatchString(r.Stdout) {
		return types.HaltAmbiguity
	}
	if _, ok := ExtractAgentOutput(r.Stdout); !ok {
		return types.HaltOutputFormatInvalid
	}
	return types.HaltComplete
}

// ExtractAgentOutput finds the outermost JSON object in stdout (tolerating
// one surrounding markdown code fence) and decodes it into an AgentOutput.
// ok is false when no balanced JSON object is present or a required key is
// missing.
func ExtractAgentOutput(stdout string) (types.AgentOutput, bool) {
	raw := extractOutermostObject(StripFences(stdout))
	if raw == "" {
		return types.AgentOutput{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return types.AgentOutput{}, false
	}
	for _, k := range requiredKeys {
		if _, ok := fields[k]; !ok {
			return types.AgentOutput{}, false
		}
	}
	var out types.AgentOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return types.AgentOutput{}, false
	}
	return out, true
}

// extractOutermostObject returns the substring spanning the first '{' and
// its matching '}', tracking brace depth and string/escape state so braces
// inside string literals don't confuse the match. Returns "" if s contains
// no balanced top-level object.
func extractOutermostObject(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// StripFences removes a single leading/trailing markdown code fence from s,
// if present, so downstream JSON parsing doesn't trip over ```json wrapping.
// Providers occasionally wrap a terminating JSON object in fences even when
// not asked to.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
