// Package prompt builds the three prompt variants the control loop sends to
// a provider: the initial task prompt, a fix prompt after a failed
// validation, and a clarification prompt after a provider asks a question.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/foundry/internal/types"
)

const rulesBlock = `Rules:
- Work only inside the current project sandbox.
- Make the smallest change that satisfies the task.
- Do not ask the operator for anything you can determine yourself from the repository.
- End your response with exactly one JSON object and nothing after it, containing these keys:
  status, files_created, files_updated, changes, neededChanges, summary.
  files_created and files_updated are lists of paths relative to the sandbox root.`

// strictAdherence is appended to a fix prompt that follows a repeated,
// unchanged validation failure, an escalation for a provider that is not
// incorporating prior feedback.
const strictAdherence = "\nThe previous fix attempt did not change the outcome. Re-read the failure evidence above carefully and address it exactly; do not repeat the same change."

// continuationKeywords trigger including the last five completed tasks (on
// top of the one always included) when the task's own text references prior
// work.
var continuationKeywords = []string{"extend", "previous", "build on", "based on"}

// temporalKeywords trigger including queue state when the task's text
// refers to ordering or timing relative to other work.
var temporalKeywords = []string{"after", "before", "next", "later", "once", "when"}

// unblockKeywords trigger including blocked-task state when the task's
// instructions are themselves about unblocking earlier work.
var unblockKeywords = []string{"unblock"}

func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// BuildPrompt constructs the initial prompt sent to a provider for a task.
// state supplies the minimal slice of supervisor state worth spending
// context on: goal only if the task text references it, the last completed
// task always plus five more on continuation language, queue status only on
// temporal language, and blocked tasks only when the instructions are about
// unblocking.
func BuildPrompt(t types.Task, state types.SupervisorState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", t.Prompt)

	if state.Goal.Description != "" && strings.Contains(strings.ToLower(t.Prompt), "goal") {
		fmt.Fprintf(&b, "Goal: %s\n\n", state.Goal.Description)
	}

	if len(state.CompletedTasks) > 0 {
		n := 1
		if containsAny(t.Prompt, continuationKeywords) {
			n = 6
		}
		if n > len(state.CompletedTasks) {
			n = len(state.CompletedTasks)
		}
		recent := state.CompletedTasks[len(state.CompletedTasks)-n:]
		b.WriteString("Recently completed:\n")
		for _, c := range recent {
			fmt.Fprintf(&b, "- %s: %s\n", c.Task.ID, c.Task.Prompt)
		}
		b.WriteString("\n")
	}

	if containsAny(t.Prompt, temporalKeywords) {
		fmt.Fprintf(&b, "Queue status: exhausted=%v\n\n", state.Queue.Exhausted)
	}

	if containsAny(t.Prompt, unblockKeywords) && len(state.BlockedTasks) > 0 {
		b.WriteString("Previously blocked tasks:\n")
		for _, bt := range state.BlockedTasks {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", bt.Task.ID, bt.Task.Prompt, bt.Reason)
		}
		b.WriteString("\n")
	}

	if len(t.AcceptCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range t.AcceptCriteria {
			fmt.Fprintf(&b, "- (%s) %s\n", c.Kind, c.Spec)
		}
		b.WriteString("\n")
	}
	b.WriteString(rulesBlock)
	return b.String()
}

// fixSnippetLines bounds how much of a failing file is quoted back into a
// fix prompt.
const fixSnippetLines = 50

// BuildFixPrompt constructs the correction prompt sent after a task failed
// validation. errs holds the failure evidence accumulated so far. repeated
// marks that this is at least the second consecutive fix attempt against
// the same unchanged error, appending a stricter-adherence clause. root is
// the task's sandbox directory; each file a failing check names gets its
// opening lines quoted from there, so the provider sees what it actually
// wrote rather than re-deriving it. Empty root skips the snippets.
func BuildFixPrompt(t types.Task, report types.ValidationReport, errs []string, repeated bool, root string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The previous attempt at this task did not pass validation:\n\nTask: %s\n\n", t.Prompt)
	b.WriteString("What was wrong:\n")
	for _, cv := range report.Criteria {
		if !cv.Met {
			fmt.Fprintf(&b, "- criterion %q not met: %s\n", cv.Criterion.Spec, cv.Evidence)
		}
	}
	for _, e := range errs {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	for _, cv := range report.Criteria {
		if cv.Met {
			continue
		}
		rel := failingFile(cv.Criterion)
		if rel == "" {
			continue
		}
		if s := snippet(root, rel); s != "" {
			fmt.Fprintf(&b, "\nCurrent contents of %s (truncated):\n%s\n", rel, s)
		}
	}
	b.WriteString("\nFix the issue above and nothing else.")
	if repeated {
		b.WriteString(strictAdherence)
	}
	b.WriteString("\n\n")
	b.WriteString(rulesBlock)
	return b.String()
}

// failingFile extracts the sandbox-relative path a criterion names, if any:
// a FILE_EXISTS spec is the path itself, and the glob half of a REGEX_MATCH
// or JSON_CONTAINS spec is used when it is a plain path rather than a
// pattern.
func failingFile(c types.Criterion) string {
	switch c.Kind {
	case types.CriterionFileExists:
		return c.Spec
	case types.CriterionRegexMatch, types.CriterionJSONContains:
		if i := strings.Index(c.Spec, "::"); i >= 0 {
			return c.Spec[:i]
		}
	}
	return ""
}

// snippet returns the first fixSnippetLines lines of root/rel, or "" when
// the file is unreadable or no root is configured.
func snippet(root, rel string) string {
	if root == "" || strings.ContainsAny(rel, "*?[") {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > fixSnippetLines {
		lines = lines[:fixSnippetLines]
	}
	return strings.Join(lines, "\n")
}

// BuildClarificationPrompt constructs the prompt sent back to a provider
// that asked a clarifying question or gave an ambiguous answer. There is no
// operator in the loop to supply a human answer: the provider is instructed
// to resolve its own question using only what is already in the repository
// and the task prompt, and to commit to one definitive interpretation.
func BuildClarificationPrompt(t types.Task, haltKind types.HaltKind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", t.Prompt)
	switch haltKind {
	case types.HaltAskedQuestion:
		b.WriteString("Your previous response asked a question instead of completing the task. No operator is available to answer it.\n")
	default:
		b.WriteString("Your previous response was ambiguous about what it actually did or still needs to do.\n")
	}
	b.WriteString("Answer your own question definitively, using only the task description and what you can observe in the repository. Do not ask anything further. ")
	b.WriteString(rulesBlock)
	return b.String()
}
