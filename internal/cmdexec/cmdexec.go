// Package cmdexec is the Command Executor Port: an allow-listed, read-only
// shell command runner used by the Deterministic and HelperAgent validation
// stages to run verification commands (build, lint, test) against a task's
// sandbox. Built on a context-scoped exec.CommandContext with a fixed
// timeout, generalized with an allow-list, a deny-pattern rejection, and an
// output cap.
package cmdexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// HelperReadOnlyAllowList is the fixed allow-list for the
// HelperAgentValidator's verification commands: read-only inspection plus
// read-only git subcommands. A base command outside this list is rejected
// immediately, regardless of what the helper LLM proposed.
var HelperReadOnlyAllowList = []string{
	"ls", "find", "grep", "cat", "head", "tail", "wc", "file", "stat",
	"test", "[", "readlink", "pwd", "basename", "dirname",
	"git log", "git diff", "git show", "git status", "git branch", "git blame",
}

// denyPatterns rejects commands that could mutate state or exfiltrate data
// even if an operator's allow-list entry is written loosely.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-rf\b`),
	regexp.MustCompile(`>\s*/dev/`),
	regexp.MustCompile(`\bcurl\b.*\|\s*sh\b`),
	regexp.MustCompile(`\bsudo\b`),
}

// Executor runs allow-listed shell commands with a bounded timeout and
// output size.
type Executor struct {
	Allowed   []string
	Timeout   time.Duration
	OutputCap int64
}

// Result is the outcome of running one command.
type Result struct {
	Command string
	Stdout  string
	Stderr  string
	Err     error
}

// Run executes cmd in dir if it is allow-listed and does not match a deny
// pattern, capturing up to OutputCap bytes each of stdout and stderr.
func (e Executor) Run(ctx context.Context, dir, cmd string) Result {
	if !e.isAllowed(cmd) {
		return Result{Command: cmd, Err: fmt.Errorf("cmdexec: command not allow-listed: %s", cmd)}
	}
	for _, p := range denyPatterns {
		if p.MatchString(cmd) {
			return Result{Command: cmd, Err: fmt.Errorf("cmdexec: command matches deny pattern: %s", cmd)}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, "bash", "-c", cmd)
	c.Dir = dir
	var stdout, stderr bytes.Buffer
	c.Stdout = &capWriter{w: &stdout, remaining: e.OutputCap}
	c.Stderr = &capWriter{w: &stderr, remaining: e.OutputCap}

	err := c.Run()
	return Result{Command: cmd, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
}

// RunAll runs the commands one after another, in order, each regardless of
// the others' outcome, and returns all results.
func (e Executor) RunAll(ctx context.Context, dir string, cmds []string) []Result {
	results := make([]Result, len(cmds))
	for i, cmd := range cmds {
		results[i] = e.Run(ctx, dir, cmd)
	}
	return results
}

// isAllowed requires an exact word-boundary match of an allow-list entry
// against the start of cmd, not a bare string prefix — "ls" must not let
// "lsblk" or "lso-whatever" through just because they share a prefix.
func (e Executor) isAllowed(cmd string) bool {
	trimmed := strings.TrimSpace(cmd)
	for _, a := range e.Allowed {
		if trimmed == a {
			return true
		}
		if strings.HasPrefix(trimmed, a) {
			rest := trimmed[len(a):]
			if len(rest) > 0 && (rest[0] == ' ' || rest[0] == '\t') {
				return true
			}
		}
	}
	return false
}

// capWriter truncates writes once remaining reaches zero, rather than
// buffering unbounded provider/command output in memory.
type capWriter struct {
	w         io.Writer
	remaining int64
}

func (c *capWriter) Write(p []byte) (int, error) {
	total := len(p)
	if c.remaining <= 0 {
		return total, nil
	}
	truncated := p
	if int64(len(truncated)) > c.remaining {
		truncated = truncated[:c.remaining]
	}
	n, err := c.w.Write(truncated)
	c.remaining -= int64(n)
	if err != nil {
		return n, err
	}
	return total, nil
}
