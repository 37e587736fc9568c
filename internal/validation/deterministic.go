package validation

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/gjson"

	"github.com/example/foundry/internal/cmdexec"
	"github.com/example/foundry/internal/types"
)

// maxScanFiles bounds the Deterministic stage's glob walk so a pathological
// pattern against a huge sandbox cannot turn validation into a denial of
// service against the control loop itself.
const maxScanFiles = 5000

// nestedQuantifierRe rejects regex criteria whose shape is a known
// catastrophic-backtracking trigger (a quantified group itself quantified).
var nestedQuantifierRe = regexp.MustCompile(`\([^)]*[+*]\)[+*]`)

// Deterministic is the second pipeline stage. It evaluates FILE_EXISTS,
// GLOB_MATCH, REGEX_MATCH, JSON_CONTAINS, and COMMAND criteria against the
// sandbox filesystem with no LLM involvement.
//
// Enabled/Percent implement the HELPER_DETERMINISTIC_ENABLED /
// HELPER_DETERMINISTIC_PERCENT probabilistic gate: this stage fires only if
// the previous stage's valid is still false and the feature flag is
// enabled. MaxFiles, MaxBytesPerFile, and TotalByteBudget bound the
// REGEX_MATCH file scan per HELPER_DETERMINISTIC_MAX_FILES/_MAX_BYTES/
// _MAX_BYTES_PER_FILE.
type Deterministic struct {
	SandboxRoot func(projectID string) string
	Exec        cmdexec.Executor

	Enabled         bool
	Percent         int
	MaxFiles        int
	MaxBytesPerFile int64
	TotalByteBudget int64
}

func (Deterministic) Name() string { return "deterministic" }

func (d Deterministic) Evaluate(ctx context.Context, task types.Task, result types.ProviderResult) (bool, []types.CriterionVerdict, string, error) {
	if !d.gateOpen() {
		return false, nil, "deterministic validation skipped: feature-flag gate closed this iteration", nil
	}
	root := d.SandboxRoot(task.ProjectID)
	var verdicts []types.CriterionVerdict
	relevant := 0
	coveredByHighConfidence := true

	for _, c := range task.AcceptCriteria {
		var met bool
		var evidence string
		var err error
		confidence := types.ConfidenceHigh
		switch c.Kind {
		case types.CriterionFileExists:
			met, evidence, err = d.checkFileExists(root, c.Spec)
		case types.CriterionGlobMatch:
			met, evidence, err = d.checkGlobMatch(root, c.Spec)
			confidence = types.ConfidenceMedium
		case types.CriterionRegexMatch:
			met, evidence, err = d.checkRegexMatch(root, c.Spec)
			confidence = types.ConfidenceMedium
		case types.CriterionJSONContains:
			met, evidence, confidence, err = d.checkJSONContains(root, c.Spec)
		case types.CriterionCommand:
			met, evidence, err = d.checkCommand(ctx, root, c.Spec)
			confidence = types.ConfidenceMedium
		default:
			continue // not this stage's concern
		}
		if err != nil {
			return false, verdicts, "", err
		}
		relevant++
		verdicts = append(verdicts, types.CriterionVerdict{Criterion: c, Met: met, Evidence: evidence, Confidence: confidence})
		if !met || confidence != types.ConfidenceHigh {
			coveredByHighConfidence = false
		}
	}
	allMet := relevant > 0 && coveredByHighConfidence
	return allMet, verdicts, "deterministic criteria evaluated", nil
}

func (d Deterministic) checkFileExists(root, relPath string) (bool, string, error) {
	full := filepath.Join(root, relPath)
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Sprintf("%s does not exist", relPath), nil
		}
		return false, "", err
	}
	return true, fmt.Sprintf("%s exists", relPath), nil
}

// gateOpen implements HELPER_DETERMINISTIC_ENABLED/_PERCENT
// probabilistic feature flag: disabled outright if Enabled is false, and a
// Percent<100 rolls the dice once per Evaluate call.
func (d Deterministic) gateOpen() bool {
	if !d.Enabled {
		return false
	}
	if d.Percent >= 100 {
		return true
	}
	if d.Percent <= 0 {
		return false
	}
	return rand.Intn(100) < d.Percent
}

// scanLimit returns the effective max-files bound for a glob walk, falling
// back to the package constant when MaxFiles is unset.
func (d Deterministic) scanLimit() int {
	if d.MaxFiles > 0 {
		return d.MaxFiles
	}
	return maxScanFiles
}

func (d Deterministic) checkGlobMatch(root, pattern string) (bool, string, error) {
	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return false, "", err
	}
	limit := d.scanLimit()
	if len(matches) > limit {
		matches = matches[:limit]
	}
	if len(matches) == 0 {
		return false, fmt.Sprintf("no files matched %s", pattern), nil
	}
	return true, fmt.Sprintf("%d file(s) matched %s", len(matches), pattern), nil
}

func (d Deterministic) checkRegexMatch(root, spec string) (bool, string, error) {
	// spec is "<glob>::<pattern>" — scan files matching glob for pattern.
	globPat, pattern, ok := splitSpec(spec)
	if !ok {
		return false, "malformed REGEX_MATCH spec, expected glob::pattern", nil
	}
	if nestedQuantifierRe.MatchString(pattern) {
		return false, "rejected regex: nested quantifier risks catastrophic backtracking", nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, "", err
	}
	matches, err := doublestar.Glob(os.DirFS(root), globPat)
	if err != nil {
		return false, "", err
	}
	limit := d.scanLimit()
	if len(matches) > limit {
		matches = matches[:limit]
	}
	var totalBytes int64
	for _, m := range matches {
		info, err := os.Stat(filepath.Join(root, m))
		if err != nil {
			continue
		}
		if d.MaxBytesPerFile > 0 && info.Size() > d.MaxBytesPerFile {
			continue
		}
		if d.TotalByteBudget > 0 && totalBytes+info.Size() > d.TotalByteBudget {
			break
		}
		data, err := os.ReadFile(filepath.Join(root, m))
		if err != nil {
			continue
		}
		totalBytes += int64(len(data))
		if re.Match(data) {
			return true, fmt.Sprintf("pattern matched in %s", m), nil
		}
	}
	return false, fmt.Sprintf("pattern not found in any file matching %s", globPat), nil
}

// checkJSONContains evaluates a JSON_CONTAINS criterion of the form
// "<glob>::<json-path>::<expected>". expected is matched against the value
// gjson extracts at json-path in the first matching file that has it,
// either literally or, when expected starts with "semver:", as a
// Masterminds/semver constraint against the extracted value (treated as a
// version string). Literal matches are high confidence; semver-constraint
// matches are medium, since a satisfied range is weaker evidence than an
// exact value.
func (d Deterministic) checkJSONContains(root, spec string) (bool, string, types.ConfidenceLevel, error) {
	globPat, rest, ok := splitSpec(spec)
	if !ok {
		return false, "malformed JSON_CONTAINS spec, expected glob::path::expected", types.ConfidenceHigh, nil
	}
	path, expected, ok := splitSpec(rest)
	if !ok {
		return false, "malformed JSON_CONTAINS spec, expected glob::path::expected", types.ConfidenceHigh, nil
	}

	matches, err := doublestar.Glob(os.DirFS(root), globPat)
	if err != nil {
		return false, "", types.ConfidenceHigh, err
	}
	limit := d.scanLimit()
	if len(matches) > limit {
		matches = matches[:limit]
	}

	semverMode := strings.HasPrefix(expected, "semver:")
	confidence := types.ConfidenceHigh
	if semverMode {
		confidence = types.ConfidenceMedium
	}

	for _, m := range matches {
		full := filepath.Join(root, m)
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		result := gjson.GetBytes(data, path)
		if !result.Exists() {
			continue
		}
		if semverMode {
			constraint, err := semver.NewConstraint(strings.TrimPrefix(expected, "semver:"))
			if err != nil {
				return false, fmt.Sprintf("invalid semver constraint %q", expected), confidence, nil
			}
			version, err := semver.NewVersion(result.String())
			if err != nil {
				continue
			}
			if constraint.Check(version) {
				return true, fmt.Sprintf("%s at %s in %s satisfies %s", result.String(), path, m, expected), confidence, nil
			}
			continue
		}
		if result.String() == expected {
			return true, fmt.Sprintf("%s == %q in %s", path, expected, m), confidence, nil
		}
	}
	return false, fmt.Sprintf("no file matching %s had %s == %q", globPat, path, expected), confidence, nil
}

func (d Deterministic) checkCommand(ctx context.Context, root, cmd string) (bool, string, error) {
	res := d.Exec.Run(ctx, root, cmd)
	if res.Err != nil {
		return false, fmt.Sprintf("command failed: %v", res.Err), nil
	}
	return true, fmt.Sprintf("command succeeded: %s", cmd), nil
}

func splitSpec(spec string) (glob, pattern string, ok bool) {
	for i := 0; i+1 < len(spec); i++ {
		if spec[i] == ':' && spec[i+1] == ':' {
			return spec[:i], spec[i+2:], true
		}
	}
	return "", "", false
}
