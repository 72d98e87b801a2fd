package agent

import (
	"strings"
	"testing"

	"github.com/untoldecay/CodeLoom/internal/types"
)

func TestReplaceJSONField(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "plain json",
			doc:  `{"name": "template-app", "version": "1.0.0"}`,
			want: `{"name": "my-app_1", "version": "1.0.0"}`,
		},
		{
			name: "jsonc with comment",
			doc:  "{\n  // worker name\n  \"name\": \"template-app\"\n}",
			want: "{\n  // worker name\n  \"name\": \"my-app_1\"\n}",
		},
		{
			name: "field missing",
			doc:  `{"version": "1.0.0"}`,
			want: `{"version": "1.0.0"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := replaceJSONField(tt.doc, "name", "my-app_1"); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCustomizeTemplateFiles(t *testing.T) {
	details := &types.TemplateDetails{
		Name: "react-vite-cf",
		AllFiles: []types.TemplateFile{
			{Path: "package.json", Contents: `{"name": "template-app"}`},
			{Path: "wrangler.jsonc", Contents: `{"name": "template-app"}`},
			{Path: "src/App.tsx", Contents: "app"},
		},
	}
	out := customizeTemplateFiles(details, "todo-app")

	byPath := map[string]string{}
	for _, f := range out {
		byPath[f.Path] = f.Contents
	}
	if !strings.Contains(byPath["package.json"], `"todo-app"`) {
		t.Errorf("package.json not renamed: %s", byPath["package.json"])
	}
	if !strings.Contains(byPath["wrangler.jsonc"], `"todo-app"`) {
		t.Errorf("wrangler.jsonc not renamed: %s", byPath["wrangler.jsonc"])
	}
	if _, ok := byPath[".bootstrap.js"]; !ok {
		t.Error("bootstrap script missing")
	}
	if _, ok := byPath[".gitignore"]; !ok {
		t.Error("gitignore missing")
	}
	if _, touched := byPath["src/App.tsx"]; touched {
		t.Error("customization touched a file it does not author")
	}
}

func TestMergeBlueprint(t *testing.T) {
	bp := &types.Blueprint{
		Title:       "Old title",
		Description: "Old description",
		Frameworks:  []string{"react"},
	}
	err := mergeBlueprint(bp, map[string]interface{}{
		"title":      "New title",
		"frameworks": []interface{}{"react", "hono"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if bp.Title != "New title" {
		t.Errorf("title = %q", bp.Title)
	}
	if bp.Description != "Old description" {
		t.Errorf("untouched field changed: %q", bp.Description)
	}
	if len(bp.Frameworks) != 2 || bp.Frameworks[1] != "hono" {
		t.Errorf("frameworks = %v", bp.Frameworks)
	}
}

func TestProjectNamePattern(t *testing.T) {
	valid := []string{"my-app_1", "abc", strings.Repeat("a", 50)}
	invalid := []string{"My App", "ab", strings.Repeat("a", 51), "has space", "UPPER", ""}
	for _, name := range valid {
		if !types.ProjectNamePattern.MatchString(name) {
			t.Errorf("%q rejected", name)
		}
	}
	for _, name := range invalid {
		if types.ProjectNamePattern.MatchString(name) {
			t.Errorf("%q accepted", name)
		}
	}
}
