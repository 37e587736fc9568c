// Package promptlog is the second append-only JSONL sink fed by
// internal/eventbus: one line per prompt sent to a provider and the raw
// response received, kept separate from internal/audit so prompt bodies
// (which can be large and may contain sensitive repository content) can be
// rotated, redacted, or disabled independently of the control-plane audit
// trail.
package promptlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/example/foundry/internal/eventbus"
)

// Entry is one JSONL line in the prompt log, matching the
// `{task_id, iteration, type, content, metadata}` prompt log schema: one
// line for the dispatched prompt, type one of PROMPT/FIX_PROMPT/
// CLARIFICATION_PROMPT/RESPONSE/HELPER_AGENT_RESPONSE.
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	TaskID    string         `json:"task_id,omitempty"`
	Iteration int64          `json:"iteration,omitempty"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PromptEvent is the payload carried on an eventbus.Event whose Kind is
// "prompt_dispatched". A primary-agent dispatch is written as two Entry
// lines: one of Type (PROMPT/FIX_PROMPT/CLARIFICATION_PROMPT), one of Type
// RESPONSE. A HELPER_AGENT_RESPONSE event is written as a single line.
type PromptEvent struct {
	Type      string
	Provider  string
	Prompt    string
	Response  string
	Iteration int64
}

// Logger writes one Entry per prompt-dispatch lifecycle event, into a file
// per project opened lazily at <sandboxRoot>/<project_id>/prompts.log.jsonl.
type Logger struct {
	mu          sync.Mutex
	sandboxRoot string
	files       map[string]*os.File
}

// Open creates a Logger rooted at sandboxRoot.
func Open(sandboxRoot string) (*Logger, error) {
	return &Logger{sandboxRoot: sandboxRoot, files: make(map[string]*os.File)}, nil
}

// Run consumes events from ch until it closes, writing one or two Entry
// lines per "prompt_dispatched" event and ignoring every other kind. A
// primary-agent dispatch (PROMPT/FIX_PROMPT/CLARIFICATION_PROMPT) writes a
// paired RESPONSE line; a HelperAgent dispatch writes a single
// HELPER_AGENT_RESPONSE line carrying the verdict, since the type enum
// names no separate helper-prompt type.
func (l *Logger) Run(ch <-chan eventbus.Event) {
	for e := range ch {
		if e.Kind != "prompt_dispatched" {
			continue
		}
		pe, ok := e.Payload.(PromptEvent)
		if !ok {
			continue
		}
		now := time.Now().UTC()
		if pe.Type == "HELPER_AGENT_RESPONSE" {
			l.write(e.ProjectID, Entry{
				Timestamp: now,
				TaskID:    e.TaskID,
				Iteration: pe.Iteration,
				Type:      "HELPER_AGENT_RESPONSE",
				Content:   pe.Response,
				Metadata:  map[string]any{"provider": pe.Provider, "prompt": pe.Prompt},
			})
			continue
		}
		l.write(e.ProjectID, Entry{
			Timestamp: now,
			TaskID:    e.TaskID,
			Iteration: pe.Iteration,
			Type:      pe.Type,
			Content:   pe.Prompt,
			Metadata:  map[string]any{"provider": pe.Provider},
		})
		l.write(e.ProjectID, Entry{
			Timestamp: now,
			TaskID:    e.TaskID,
			Iteration: pe.Iteration,
			Type:      "RESPONSE",
			Content:   pe.Response,
			Metadata:  map[string]any{"provider": pe.Provider},
		})
	}
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

// fileFor returns the open prompt log file for projectID, opening it on
// first use.
func (l *Logger) fileFor(projectID string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[projectID]; ok {
		return f, nil
	}
	dir := filepath.Join(l.sandboxRoot, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("promptlog: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "prompts.log.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("promptlog: open %s: %w", path, err)
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
