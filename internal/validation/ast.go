package validation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"

	"github.com/example/foundry/internal/types"
)

// ASTPredicate evaluates AST_PREDICATE criteria: a spec of the shape
// "<glob>::declares:<name>" (a function, method, type, class, or JavaScript
// variable declaration named <name> exists, at any nesting depth, in some
// file under glob). Go and JavaScript
// sources are parsed with their respective grammars, selected per file
// extension; other file kinds matched by the glob are skipped. It is kept
// as its own Stage, grouped alongside Deterministic in the pipeline, so a
// predicate needing a real parse tree never shares a stage with bare
// text/glob checks.
type ASTPredicate struct {
	SandboxRoot func(projectID string) string
}

// languageFor selects the grammar for a source file, nil when the file kind
// is not parsed.
func languageFor(path string) *sitter.Language {
	switch filepath.Ext(path) {
	case ".go":
		return golang.GetLanguage()
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascript.GetLanguage()
	}
	return nil
}

func (ASTPredicate) Name() string { return "ast_predicate" }

func (a ASTPredicate) Evaluate(ctx context.Context, task types.Task, result types.ProviderResult) (bool, []types.CriterionVerdict, string, error) {
	root := a.SandboxRoot(task.ProjectID)
	var verdicts []types.CriterionVerdict
	any := false
	allMet := true

	for _, c := range task.AcceptCriteria {
		if c.Kind != types.CriterionASTPredicate {
			continue
		}
		any = true
		met, evidence, err := a.checkDeclares(ctx, root, c.Spec)
		if err != nil {
			return false, verdicts, "", err
		}
		verdicts = append(verdicts, types.CriterionVerdict{Criterion: c, Met: met, Evidence: evidence, Confidence: types.ConfidenceHigh})
		if !met {
			allMet = false
		}
	}
	if !any {
		return false, nil, "no AST_PREDICATE criteria", nil
	}
	return allMet, verdicts, "AST predicates evaluated", nil
}

func (a ASTPredicate) checkDeclares(ctx context.Context, root, spec string) (bool, string, error) {
	globPat, rule, ok := splitSpec(spec)
	if !ok || !strings.HasPrefix(rule, "declares:") {
		return false, "malformed AST_PREDICATE spec, expected glob::declares:<name>", nil
	}
	name := strings.TrimPrefix(rule, "declares:")

	matches, err := globSourceFiles(root, globPat)
	if err != nil {
		return false, "", err
	}

	parser := sitter.NewParser()
	for _, m := range matches {
		parser.SetLanguage(languageFor(m))
		path := filepath.Join(root, m)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		tree, err := parser.ParseCtx(ctx, nil, data)
		if err != nil {
			continue
		}
		if declHasName(tree.RootNode(), data, name) {
			return true, fmt.Sprintf("%s declares %s", m, name), nil
		}
	}
	return false, fmt.Sprintf("no file matching %s declares %s", globPat, name), nil
}

// declHasName walks the parse tree looking for a declaration node whose
// name child matches name: Go function/method declarations and type specs,
// JavaScript function/class declarations, method definitions, and variable
// declarators.
func declHasName(n *sitter.Node, src []byte, name string) bool {
	if n == nil {
		return false
	}
	switch n.Type() {
	case "function_declaration", "method_declaration", "type_spec",
		"class_declaration", "method_definition", "variable_declarator":
		if id := n.ChildByFieldName("name"); id != nil && id.Content(src) == name {
			return true
		}
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if declHasName(n.Child(i), src, name) {
			return true
		}
	}
	return false
}

// globSourceFiles resolves a glob against root, keeping only files whose
// extension maps to a wired grammar.
func globSourceFiles(root, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if languageFor(m) != nil {
			out = append(out, m)
		}
	}
	return out, nil
}
