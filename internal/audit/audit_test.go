package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/foundry/internal/eventbus"
)

// openLogger roots a Logger at a fresh sandbox dir and returns the path the
// "p1" project's audit log will appear at.
func openLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	root := t.TempDir()
	l, err := Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, filepath.Join(root, "p1", "audit.log.jsonl")
}

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

func TestHandle_WritesOneLinePerEvent(t *testing.T) {
	l, path := openLogger(t)
	l.handle(eventbus.Event{Kind: "TASK_COMPLETED", TaskID: "t1", ProjectID: "p1"})
	l.handle(eventbus.Event{Kind: "TASK_BLOCKED", TaskID: "t2", ProjectID: "p1", Payload: "gave up"})

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "TASK_COMPLETED")
	assert.Contains(t, lines[1], "gave up")
}

func TestHandle_FlagsNonMonotoneIteration(t *testing.T) {
	l, path := openLogger(t)
	l.handle(eventbus.Event{Kind: "iteration_start", ProjectID: "p1", Payload: int64(5)})
	l.handle(eventbus.Event{Kind: "iteration_start", ProjectID: "p1", Payload: int64(3)})

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "iteration went backwards")
	assert.Contains(t, lines[1], "iteration went backwards")
}

func TestClose_IsSafeOnNilAndTwiceCalled(t *testing.T) {
	var l *Logger
	assert.NoError(t, l.Close())

	l2, _ := openLogger(t)
	assert.NoError(t, l2.Close())
	assert.NoError(t, l2.Close())
}
