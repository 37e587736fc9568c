package validation

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/foundry/internal/halt"
	"github.com/example/foundry/internal/types"
)

// Standard is the first pipeline stage. It defers entirely to the halt
// classifier: any non-COMPLETE classification (a question, ambiguity, a
// malformed terminating JSON object, a nonzero exit, ...) is itself the
// reason validation fails here. On a clean COMPLETE it parses the
// terminating JSON object, sanitizes every path it names (must be
// non-absolute, free of "..", and exist under the sandbox root), and
// otherwise defers acceptance-criteria judgment to the later stages.
type Standard struct {
	SandboxRoot func(projectID string) string
}

func (Standard) Name() string { return "standard" }

func (s Standard) Evaluate(ctx context.Context, task types.Task, result types.ProviderResult) (bool, []types.CriterionVerdict, string, error) {
	kind := halt.Classify(result)
	if kind != types.HaltComplete {
		return false, nil, "halt classification: " + string(kind), nil
	}

	out, ok := halt.ExtractAgentOutput(result.Stdout)
	if !ok {
		// Classify already would have returned OUTPUT_FORMAT_INVALID in this
		// case, so this branch is defensive only.
		return false, nil, "terminating JSON object missing or malformed", nil
	}

	root := ""
	if s.SandboxRoot != nil {
		root = s.SandboxRoot(task.ProjectID)
	}
	var verdicts []types.CriterionVerdict
	allSane := true
	paths := append(append([]string{}, out.FilesCreated...), out.FilesUpdated...)
	for _, p := range paths {
		met, evidence := sanitizePath(root, p)
		verdicts = append(verdicts, types.CriterionVerdict{
			Criterion: types.Criterion{Kind: types.CriterionFileExists, Spec: p},
			Met:       met,
			Evidence:  evidence,
		})
		if !met {
			allSane = false
		}
	}
	if !allSane {
		return false, verdicts, "agent reported a path outside the sandbox or that does not exist", nil
	}
	return false, verdicts, "passed standard sanity check, deferring acceptance criteria to later stages", nil
}

// sanitizePath rejects an absolute path, a path containing "..", or a path
// that does not exist under root (when root is known).
func sanitizePath(root, rel string) (bool, string) {
	if filepath.IsAbs(rel) {
		return false, rel + " is an absolute path"
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return false, rel + " escapes the sandbox root"
		}
	}
	if root == "" {
		return true, rel + " accepted (no sandbox root configured)"
	}
	full := filepath.Join(root, rel)
	if _, err := os.Stat(full); err != nil {
		return false, rel + " does not exist under the sandbox root"
	}
	return true, rel + " exists under the sandbox root"
}
