package ops

import (
	"reflect"
	"strings"
	"testing"

	"github.com/untoldecay/CodeLoom/internal/types"
)

func TestDeterministicFixerMissingModules(t *testing.T) {
	issues := []types.Issue{
		{FilePath: "src/a.ts", Line: 1, Code: "TS2307", Message: "Cannot find module 'zod' or its corresponding type declarations."},
		{FilePath: "src/b.ts", Line: 2, Code: "TS2307", Message: "Cannot find module '@tanstack/react-query/core' or its corresponding type declarations."},
		{FilePath: "src/c.ts", Line: 3, Code: "TS2307", Message: "Cannot find module './local' or its corresponding type declarations."},
	}
	result := DeterministicFixer(nil, issues)

	want := []string{"bun install @tanstack/react-query", "bun install zod"}
	if !reflect.DeepEqual(result.InstallCommands, want) {
		t.Errorf("install commands = %v, want %v", result.InstallCommands, want)
	}
	// The relative import cannot be installed; it must surface as
	// unfixable.
	if len(result.UnfixableIssues) != 1 || result.UnfixableIssues[0].FilePath != "src/c.ts" {
		t.Errorf("unfixable = %+v", result.UnfixableIssues)
	}
}

func TestDeterministicFixerUnusedImports(t *testing.T) {
	file := types.TemplateFile{
		Path: "src/a.ts",
		Contents: `import { useState, useEffect } from "react"
import lodash from "lodash"

export function A() { return useState(0) }
`,
	}
	issues := []types.Issue{
		{FilePath: "src/a.ts", Line: 1, Code: "TS6133", Message: "'useEffect' is declared but its value is never read."},
		{FilePath: "src/a.ts", Line: 2, Code: "TS6133", Message: "'lodash' is declared but its value is never read."},
	}
	result := DeterministicFixer([]types.TemplateFile{file}, issues)

	if len(result.ModifiedFiles) != 1 {
		t.Fatalf("expected 1 modified file, got %d", len(result.ModifiedFiles))
	}
	out := result.ModifiedFiles[0].Contents
	if strings.Contains(out, "useEffect") {
		t.Error("unused named import survived")
	}
	if !strings.Contains(out, "useState") {
		t.Error("used import removed")
	}
	if strings.Contains(out, "lodash") {
		t.Error("unused default import line survived")
	}
	if len(result.UnfixableIssues) != 0 {
		t.Errorf("unexpected unfixable issues: %+v", result.UnfixableIssues)
	}
}

func TestDeterministicFixerPure(t *testing.T) {
	files := []types.TemplateFile{{Path: "a.ts", Contents: "import { x } from \"y\"\n"}}
	issues := []types.Issue{
		{FilePath: "a.ts", Line: 1, Code: "TS6133", Message: "'x' is declared but its value is never read."},
		{FilePath: "a.ts", Line: 9, Code: "TS9999", Message: "something else"},
	}
	first := DeterministicFixer(files, issues)
	second := DeterministicFixer(files, issues)
	if !reflect.DeepEqual(first, second) {
		t.Error("identical inputs produced different outputs")
	}
	if len(first.UnfixableIssues) != 1 || first.UnfixableIssues[0].Code != "TS9999" {
		t.Errorf("unfixable = %+v", first.UnfixableIssues)
	}
}

func TestPackageFromSpecifier(t *testing.T) {
	tests := []struct {
		spec string
		want string
	}{
		{"zod", "zod"},
		{"zod/v4", "zod"},
		{"@scope/pkg", "@scope/pkg"},
		{"@scope/pkg/deep", "@scope/pkg"},
		{"./relative", ""},
		{"node:fs", ""},
		{"@broken", ""},
	}
	for _, tt := range tests {
		if got := packageFromSpecifier(tt.spec); got != tt.want {
			t.Errorf("packageFromSpecifier(%q) = %q, want %q", tt.spec, got, tt.want)
		}
	}
}
