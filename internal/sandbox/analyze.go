package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/syntax"

	"github.com/kyralabs/toolgate/internal/kernel"
)

// fileOptions is the dialect accepted by the sandbox: loops and reassignment
// at the top level, sets, no recursion.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// forbiddenCalls are builtins a script may never invoke: file and process
// access, reflection, and dynamic evaluation.
var forbiddenCalls = map[string]bool{
	"open": true, "eval": true, "exec": true, "compile": true,
	"__import__": true, "getattr": true, "setattr": true, "delattr": true,
	"dir": true, "vars": true, "locals": true, "globals": true,
	"exit": true, "quit": true, "help": true,
	"license": true, "copyright": true, "credits": true,
	"input": true, "breakpoint": true,
}

// forbiddenAttrs are reflective attribute names that would form an escape
// hatch. Starlark values carry none of them, but hostile scripts probing for
// them fail closed before execution instead of at runtime.
var forbiddenAttrs = map[string]bool{
	"__class__": true, "__bases__": true, "__subclasses__": true,
	"__mro__": true, "__globals__": true, "__code__": true,
	"__closure__": true, "__dict__": true, "__builtins__": true,
	"__import__": true, "__getattribute__": true, "__init__": true,
	"__new__": true, "__reduce__": true, "__reduce_ex__": true,
}

// forbiddenStatements maps statement-introducing keywords to the violation
// reason. These are scanned textually before parsing: most of them are not
// part of the script dialect at all, and the scan turns the resulting parse
// failure into a precise security verdict.
var forbiddenStatements = []struct {
	keyword string
	reason  string
}{
	{"import", "Import statements are forbidden"},
	{"from", "Import statements are forbidden"},
	{"class", "Class definitions are forbidden"},
	{"global", "Scope declarations are forbidden"},
	{"nonlocal", "Scope declarations are forbidden"},
	{"async", "Async functions are forbidden"},
}

// Analyze runs the security pipeline on a script source: statement keyword
// scan, parse, and AST walk. It returns the parsed file on success, or a
// [*kernel.Error] of kind syntax_error or security_violation listing every
// violation found. Nothing is ever executed here.
func Analyze(src string) (*syntax.File, error) {
	var violations []string

	for i, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, fs := range forbiddenStatements {
			if trimmed == fs.keyword || strings.HasPrefix(trimmed, fs.keyword+" ") {
				violations = append(violations, fmt.Sprintf("Line %d: %s", i+1, fs.reason))
				break
			}
		}
	}
	if len(violations) > 0 {
		return nil, securityError(violations)
	}

	file, err := fileOptions.Parse("script", src, 0)
	if err != nil {
		return nil, syntaxError(err)
	}

	syntax.Walk(file, func(n syntax.Node) bool {
		switch node := n.(type) {
		case *syntax.LoadStmt:
			violations = append(violations, violationAt(n, "Import statements are forbidden"))
		case *syntax.DefStmt:
			violations = append(violations, violationAt(n, "Function definitions are forbidden"))
		case *syntax.LambdaExpr:
			violations = append(violations, violationAt(n, "Lambda expressions are forbidden"))
		case *syntax.CallExpr:
			if ident, ok := node.Fn.(*syntax.Ident); ok && forbiddenCalls[ident.Name] {
				violations = append(violations, violationAt(n, fmt.Sprintf("Call to forbidden builtin %q", ident.Name)))
			}
		case *syntax.DotExpr:
			if forbiddenAttrs[node.Name.Name] {
				violations = append(violations, violationAt(n, fmt.Sprintf("Access to forbidden attribute %q", node.Name.Name)))
			}
		}
		return true
	})
	if len(violations) > 0 {
		return nil, securityError(violations)
	}

	return file, nil
}

func violationAt(n syntax.Node, reason string) string {
	start, _ := n.Span()
	return fmt.Sprintf("Line %d: %s", start.Line, reason)
}

func securityError(violations []string) *kernel.Error {
	return &kernel.Error{
		Kind:    kernel.KindSecurityViolation,
		Message: "script rejected: " + strings.Join(violations, "; "),
		Fields:  map[string]any{"violations": violations},
	}
}

func syntaxError(err error) *kernel.Error {
	ke := &kernel.Error{
		Kind:    kernel.KindSyntaxError,
		Message: err.Error(),
		Err:     err,
		Fields:  map[string]any{},
	}
	var syn syntax.Error
	if errors.As(err, &syn) {
		ke.Fields["line"] = syn.Pos.Line
		ke.Fields["column"] = syn.Pos.Col
	}
	return ke
}
