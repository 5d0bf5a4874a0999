package sandbox

import (
	"errors"
	"strings"
	"testing"

	"github.com/kyralabs/toolgate/internal/kernel"
)

func analyzeKind(t *testing.T, src string) *kernel.Error {
	t.Helper()
	_, err := Analyze(src)
	if err == nil {
		t.Fatalf("Analyze(%q): expected error", src)
	}
	var ke *kernel.Error
	if !errors.As(err, &ke) {
		t.Fatalf("Analyze(%q): error %v is not a kernel error", src, err)
	}
	return ke
}

func TestAnalyzeAcceptsPlainScript(t *testing.T) {
	t.Parallel()

	if _, err := Analyze("x = 2\ny = 3\nresult = x + y\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAnalyzeRejectsImport(t *testing.T) {
	t.Parallel()

	ke := analyzeKind(t, "import os\nresult = 1\n")
	if ke.Kind != kernel.KindSecurityViolation {
		t.Fatalf("Kind = %s, want security_violation", ke.Kind)
	}
	if !strings.Contains(ke.Message, "Line 1") {
		t.Errorf("message lacks line number: %q", ke.Message)
	}
	if !strings.Contains(ke.Message, "Import statements are forbidden") {
		t.Errorf("message lacks reason: %q", ke.Message)
	}
}

func TestAnalyzeRejectsForbiddenConstructs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		src    string
		reason string
	}{
		{"from import", "from os import path\n", "Import statements are forbidden"},
		{"load", `load("module.star", "x")` + "\n", "Import statements are forbidden"},
		{"def", "def f():\n    pass\n", "Function definitions are forbidden"},
		{"lambda", "f = lambda x: x\n", "Lambda expressions are forbidden"},
		{"class", "class A:\n    pass\n", "Class definitions are forbidden"},
		{"global", "global x\n", "Scope declarations are forbidden"},
		{"open", `f = open("/etc/passwd")` + "\n", `forbidden builtin "open"`},
		{"eval", `x = eval("1+1")` + "\n", `forbidden builtin "eval"`},
		{"getattr", `x = getattr([], "append")` + "\n", `forbidden builtin "getattr"`},
		{"dunder class", "x = ().__class__\n", `forbidden attribute "__class__"`},
		{"dunder dict", "x = json.__dict__\n", `forbidden attribute "__dict__"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ke := analyzeKind(t, tc.src)
			if ke.Kind != kernel.KindSecurityViolation {
				t.Fatalf("Kind = %s, want security_violation", ke.Kind)
			}
			if !strings.Contains(ke.Message, tc.reason) {
				t.Errorf("message %q lacks %q", ke.Message, tc.reason)
			}
		})
	}
}

func TestAnalyzeCollectsAllViolations(t *testing.T) {
	t.Parallel()

	src := "x = eval(\"1\")\ny = ().__class__\nz = open(\"f\")\n"
	ke := analyzeKind(t, src)
	violations, ok := ke.Fields["violations"].([]string)
	if !ok {
		t.Fatalf("violations field missing: %v", ke.Fields)
	}
	if len(violations) != 3 {
		t.Errorf("violations = %d, want 3: %v", len(violations), violations)
	}
}

func TestAnalyzeSyntaxError(t *testing.T) {
	t.Parallel()

	ke := analyzeKind(t, "x = (\n")
	if ke.Kind != kernel.KindSyntaxError {
		t.Fatalf("Kind = %s, want syntax_error", ke.Kind)
	}
	if _, ok := ke.Fields["line"]; !ok {
		t.Errorf("syntax error lacks line field: %v", ke.Fields)
	}
}

func TestAnalyzeAllowsControlFlow(t *testing.T) {
	t.Parallel()

	src := "total = 0\nfor i in range(10):\n    if i % 2 == 0:\n        total += i\nresult = total\n"
	if _, err := Analyze(src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
