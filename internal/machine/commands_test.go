package machine

import (
	"reflect"
	"strings"
	"testing"
)

func TestNormalizeCommands(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "bullets stripped",
			in:   []string{"- bun install zod", "* bun run build", "1. bun test"},
			want: []string{"bun install zod", "bun run build", "bun test"},
		},
		{
			name: "npm rewritten to bun",
			in:   []string{"npm install react", "npm run dev", "npx tsc", "npm uninstall lodash"},
			want: []string{"bun install react", "bun run dev", "bunx tsc", "bun remove lodash"},
		},
		{
			name: "dedup preserves order",
			in:   []string{"bun install zod", "bun install zod", "bun test"},
			want: []string{"bun install zod", "bun test"},
		},
		{
			name: "empty and backticks",
			in:   []string{"", "  ", "`bun install zod`"},
			want: []string{"bun install zod"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeCommands(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeCommands(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLooksLikeCommand(t *testing.T) {
	tests := []struct {
		cmd  string
		want bool
	}{
		{"bun install zod", true},
		{"./scripts/setup.sh", true},
		{"bunx tsc --noEmit", true},
		{"", false},
		{"# install dependencies", false},
		{"Next, run the following:", false},
		{"This installs the package", false},
		{strings.Repeat("x", 301), false},
	}
	for _, tt := range tests {
		if got := LooksLikeCommand(tt.cmd); got != tt.want {
			t.Errorf("LooksLikeCommand(%q) = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}

func TestValidateAndCleanIdempotent(t *testing.T) {
	in := []string{
		"- npm install react",
		"This is not a command.",
		"bun install react",
		"bun test",
		"",
	}
	once := ValidateAndClean(in)
	twice := ValidateAndClean(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("ValidateAndClean not idempotent: %v vs %v", once, twice)
	}
	want := []string{"bun install react", "bun test"}
	if !reflect.DeepEqual(once, want) {
		t.Errorf("ValidateAndClean = %v, want %v", once, want)
	}
}

func TestChunkCommands(t *testing.T) {
	cmds := []string{"a", "b", "c", "d", "e", "f", "g"}
	chunks := ChunkCommands(cmds, 5)
	if len(chunks) != 2 || len(chunks[0]) != 5 || len(chunks[1]) != 2 {
		t.Errorf("unexpected chunking: %v", chunks)
	}
}

func TestIsInstallCommand(t *testing.T) {
	tests := []struct {
		cmd  string
		want bool
	}{
		{"bun install zod", true},
		{"bun add react", true},
		{"bun remove lodash", true},
		{"npm uninstall x", true},
		{"bun run build", false},
		{"echo install docs", false},
	}
	for _, tt := range tests {
		if got := IsInstallCommand(tt.cmd); got != tt.want {
			t.Errorf("IsInstallCommand(%q) = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}

func TestGenerateBootstrapScript(t *testing.T) {
	script := GenerateBootstrapScript([]string{"bun install zod", "bun run build"})
	if !strings.Contains(script, `"bun install zod"`) || !strings.Contains(script, `"bun run build"`) {
		t.Errorf("history missing from script:\n%s", script)
	}
	if !strings.HasPrefix(script, "#!/usr/bin/env bun") {
		t.Error("missing shebang")
	}
}
