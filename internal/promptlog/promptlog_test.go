package promptlog

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/foundry/internal/eventbus"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestRun_PrimaryDispatchWritesPromptAndResponsePair(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root)
	require.NoError(t, err)

	bus := eventbus.New()
	tap := bus.Tap()
	done := make(chan struct{})
	go func() { l.Run(tap); close(done) }()

	bus.Publish(eventbus.Event{
		Kind:      "prompt_dispatched",
		TaskID:    "t1",
		ProjectID: "p1",
		Payload: PromptEvent{
			Type:     "PROMPT",
			Provider: "gemini",
			Prompt:   "do the thing",
			Response: "done",
		},
	})
	bus.Publish(eventbus.Event{Kind: "other_event"})

	bus.Close()
	<-done
	require.NoError(t, l.Close())

	lines := readLines(t, filepath.Join(root, "p1", "prompts.log.jsonl"))
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "PROMPT")
	assert.Contains(t, lines[0], "do the thing")
	assert.Contains(t, lines[1], "RESPONSE")
	assert.Contains(t, lines[1], "done")
}

func TestRun_HelperAgentResponseWritesSingleLine(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root)
	require.NoError(t, err)

	bus := eventbus.New()
	tap := bus.Tap()
	done := make(chan struct{})
	go func() { l.Run(tap); close(done) }()

	bus.Publish(eventbus.Event{
		Kind:      "prompt_dispatched",
		TaskID:    "t1",
		ProjectID: "p1",
		Payload: PromptEvent{
			Type:     "HELPER_AGENT_RESPONSE",
			Provider: "codex",
			Response: `{"met":true}`,
		},
	})

	bus.Close()
	<-done
	require.NoError(t, l.Close())

	lines := readLines(t, filepath.Join(root, "p1", "prompts.log.jsonl"))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "HELPER_AGENT_RESPONSE")
}
