// Package audit is an append-only JSONL sink fed by internal/eventbus: one
// Event struct with per-kind omitempty field groups, nil-safe methods, and a
// registry that owns file lifetime so callers never open files themselves.
// Beyond plain logging, Logger also flags an iteration number that goes
// backwards for a project. It does not check task-id partitioning or the
// ordering of audit lines against state writes.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/example/foundry/internal/eventbus"
	"github.com/example/foundry/internal/promptlog"
	"github.com/example/foundry/internal/types"
)

// previewLen bounds how much of a prompt/response body is copied into an
// audit entry: enough to recognize what happened, not a second prompt log.
const previewLen = 200

// StateDiff records a task's status transition across one control-loop
// decision, named `state_diff: {before, after}` in the log schema.
type StateDiff struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// Entry is one JSONL line in the audit log.
type Entry struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"ts"`
	TaskID    string    `json:"task_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	Iteration int64     `json:"iteration,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Violation string    `json:"violation,omitempty"`

	ToolInvoked       string     `json:"tool_invoked,omitempty"`
	StateDiff         *StateDiff `json:"state_diff,omitempty"`
	ValidationSummary string     `json:"validation_summary,omitempty"`
	HaltReason        string     `json:"halt_reason,omitempty"`
	PromptPreview     string     `json:"prompt_preview,omitempty"`
	ResponsePreview   string     `json:"response_preview,omitempty"`
	PromptLength      int        `json:"prompt_length,omitempty"`
	ResponseLength    int        `json:"response_length,omitempty"`
}

// Logger writes every eventbus Event to an append-only JSONL file per
// project and flags any that violate a control-plane invariant. A single
// Logger can serve every project a control-loop process touches: files are
// opened lazily, one per project_id, the first time an event for that
// project arrives.
type Logger struct {
	mu            sync.Mutex
	sandboxRoot   string
	files         map[string]*os.File
	lastIteration map[string]int64
}

// Open creates a Logger rooted at sandboxRoot. Each project's log is
// created at <sandboxRoot>/<project_id>/audit.log.jsonl the first time that
// project produces an event.
func Open(sandboxRoot string) (*Logger, error) {
	return &Logger{
		sandboxRoot:   sandboxRoot,
		files:         make(map[string]*os.File),
		lastIteration: make(map[string]int64),
	}, nil
}

// Run consumes events from ch until it closes, writing one Entry per event.
func (l *Logger) Run(ch <-chan eventbus.Event) {
	for e := range ch {
		l.handle(e)
	}
}

func (l *Logger) handle(e eventbus.Event) {
	entry := Entry{Kind: e.Kind, Timestamp: time.Now().UTC(), TaskID: e.TaskID, ProjectID: e.ProjectID}

	switch payload := e.Payload.(type) {
	case int64:
		entry.Iteration = payload
		l.mu.Lock()
		if last, ok := l.lastIteration[e.ProjectID]; ok && payload < last {
			entry.Violation = "iteration went backwards"
		}
		l.lastIteration[e.ProjectID] = payload
		l.mu.Unlock()
	case types.ValidationReport:
		entry.ValidationSummary = fmt.Sprintf("valid=%v confidence=%s reason=%s", payload.Valid, payload.Confidence, payload.Reason)
	case StateDiff:
		entry.StateDiff = &payload
	case promptlog.PromptEvent:
		entry.ToolInvoked = payload.Provider
		entry.PromptPreview = preview(payload.Prompt)
		entry.ResponsePreview = preview(payload.Response)
		entry.PromptLength = len(payload.Prompt)
		entry.ResponseLength = len(payload.Response)
	case string:
		if e.Kind == "HALT" {
			entry.HaltReason = payload
		} else {
			entry.Detail = payload
		}
	}
	l.write(e.ProjectID, entry)
}

// preview truncates s to previewLen runes for an audit entry, leaving the
// full body to the prompt log.
func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen])
}

func (l *Logger) write(projectID string, e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	f, err := l.fileFor(projectID)
	if err != nil || f == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(f, "%s\n", data)
}

// fileFor returns the open audit log file for projectID, opening it on
// first use.
func (l *Logger) fileFor(projectID string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[projectID]; ok {
		return f, nil
	}
	dir := filepath.Join(l.sandboxRoot, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "audit.log.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	l.files[projectID] = f
	return f, nil
}

// Close flushes and closes every open project log. Safe to call on nil.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for id, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.files, id)
	}
	return firstErr
}
