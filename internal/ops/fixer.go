package ops

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/untoldecay/CodeLoom/internal/inference"
	"github.com/untoldecay/CodeLoom/internal/types"
)

var fastFixerTmpl = template.Must(template.New("fastFixer").Parse(fastFixerPromptTemplate))

// FastCodeFixer asks the model to patch the given issues across the
// project in one pass. Only files that actually changed are returned.
func FastCodeFixer(ctx context.Context, octx *Context, query string, issues []types.Issue, allFiles []types.TemplateFile) ([]GenFile, error) {
	if len(issues) == 0 {
		return nil, nil
	}

	// Only ship files the issues point at, plus a path listing for
	// context; whole-project dumps drown the model.
	implicated := make(map[string]bool)
	for _, i := range issues {
		implicated[i.FilePath] = true
	}
	var shipped []types.TemplateFile
	var listing []string
	for _, f := range allFiles {
		listing = append(listing, f.Path)
		if implicated[f.Path] {
			shipped = append(shipped, f)
		}
	}

	var prompt strings.Builder
	err := fastFixerTmpl.Execute(&prompt, map[string]interface{}{
		"Query":   query,
		"Issues":  issuesBlock(issues),
		"Files":   filesBlock(shipped),
		"Listing": strings.Join(listing, "\n"),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering fast-fixer prompt: %w", err)
	}

	resp, err := octx.Inference.Complete(ctx, inference.Request{
		Messages: []anthropic.MessageParam{inference.TextMessage(types.RoleUser, prompt.String())},
	})
	if err != nil {
		return nil, err
	}

	files, _ := parseFileBlocks(resp.Text)
	prior := make(map[string]string, len(allFiles))
	for _, f := range allFiles {
		prior[f.Path] = f.Contents
	}
	out := files[:0]
	for _, f := range files {
		if prior[f.Path] == f.Contents {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// DeterministicFixResult is the outcome of a pure fixing pass.
type DeterministicFixResult struct {
	ModifiedFiles   []GenFile
	UnfixableIssues []types.Issue
	InstallCommands []string
}

// missingModuleRe pulls the module specifier out of a TS2307 message.
var missingModuleRe = regexp.MustCompile(`Cannot find module '([^']+)'`)

// unusedSymbolRe pulls the symbol out of a TS6133 message.
var unusedSymbolRe = regexp.MustCompile(`'([^']+)' is declared but its value is never read`)

// DeterministicFixer resolves typed issues without model inference.
// Missing-module errors (TS2307) become install commands; unused
// imports (TS6133) are stripped; everything else is reported
// unfixable. Pure: identical inputs yield identical outputs.
func DeterministicFixer(allFiles []types.TemplateFile, typeIssues []types.Issue) *DeterministicFixResult {
	result := &DeterministicFixResult{}
	contents := make(map[string]string, len(allFiles))
	for _, f := range allFiles {
		contents[f.Path] = f.Contents
	}
	modified := make(map[string]bool)
	installs := make(map[string]bool)

	for _, issue := range typeIssues {
		switch issue.Code {
		case "TS2307":
			m := missingModuleRe.FindStringSubmatch(issue.Message)
			if m == nil {
				result.UnfixableIssues = append(result.UnfixableIssues, issue)
				continue
			}
			pkg := packageFromSpecifier(m[1])
			if pkg == "" {
				result.UnfixableIssues = append(result.UnfixableIssues, issue)
				continue
			}
			installs["bun install "+pkg] = true

		case "TS6133":
			m := unusedSymbolRe.FindStringSubmatch(issue.Message)
			body, ok := contents[issue.FilePath]
			if m == nil || !ok {
				result.UnfixableIssues = append(result.UnfixableIssues, issue)
				continue
			}
			stripped, changed := stripUnusedImport(body, issue.Line, m[1])
			if !changed {
				result.UnfixableIssues = append(result.UnfixableIssues, issue)
				continue
			}
			contents[issue.FilePath] = stripped
			modified[issue.FilePath] = true

		default:
			result.UnfixableIssues = append(result.UnfixableIssues, issue)
		}
	}

	for path := range modified {
		result.ModifiedFiles = append(result.ModifiedFiles, GenFile{Path: path, Contents: contents[path]})
	}
	sort.Slice(result.ModifiedFiles, func(i, j int) bool {
		return result.ModifiedFiles[i].Path < result.ModifiedFiles[j].Path
	})
	for cmd := range installs {
		result.InstallCommands = append(result.InstallCommands, cmd)
	}
	sort.Strings(result.InstallCommands)
	return result
}

// packageFromSpecifier maps an import specifier to an installable
// package name. Relative and builtin-prefixed specifiers yield "".
func packageFromSpecifier(spec string) string {
	if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") || strings.HasPrefix(spec, "node:") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// stripUnusedImport removes symbol from the import statement on the
// given 1-indexed line, dropping the whole line when it was the only
// binding.
func stripUnusedImport(body string, line int, symbol string) (string, bool) {
	lines := strings.Split(body, "\n")
	if line < 1 || line > len(lines) {
		return body, false
	}
	src := lines[line-1]
	if !strings.Contains(src, "import") || !strings.Contains(src, symbol) {
		return body, false
	}

	// Sole default or namespace import: drop the line.
	trimmed := strings.TrimSpace(src)
	if strings.HasPrefix(trimmed, "import "+symbol+" from") ||
		strings.HasPrefix(trimmed, "import * as "+symbol+" from") {
		lines = append(lines[:line-1], lines[line:]...)
		return strings.Join(lines, "\n"), true
	}

	// Named import list: remove just the binding.
	open := strings.Index(src, "{")
	closing := strings.Index(src, "}")
	if open < 0 || closing < open {
		return body, false
	}
	names := strings.Split(src[open+1:closing], ",")
	kept := names[:0]
	removed := false
	for _, n := range names {
		if strings.TrimSpace(n) == symbol {
			removed = true
			continue
		}
		if strings.TrimSpace(n) != "" {
			kept = append(kept, strings.TrimSpace(n))
		}
	}
	if !removed {
		return body, false
	}
	if len(kept) == 0 {
		lines = append(lines[:line-1], lines[line:]...)
		return strings.Join(lines, "\n"), true
	}
	lines[line-1] = src[:open+1] + " " + strings.Join(kept, ", ") + " " + src[closing:]
	return strings.Join(lines, "\n"), true
}

const fastFixerPromptTemplate = `Fix the reported issues in this project with minimal changes.

Project goal:
{{.Query}}

Issues:
{{.Issues}}

Affected files:
{{.Files}}

All project paths:
{{.Listing}}

Respond only with the corrected files, each framed exactly like:

<<<FILE path="...">>>
...complete contents...
<<<END_FILE>>>

Only include files you changed.`
