package ops

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/untoldecay/CodeLoom/internal/inference"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// regenMaxPasses bounds the internal retry loop of one regeneration.
const regenMaxPasses = 3

var regenTmpl = template.Must(template.New("regen").Parse(regenPromptTemplate))

// RegenerateFile rewrites one broken file against its reported
// issues. Up to three internal passes run before giving up; each pass
// sends the original file again with its attempt number, and output
// from a failed pass is not carried into the next.
func RegenerateFile(ctx context.Context, octx *Context, file GenFile, issues []types.Issue, retryIndex int) (*GenFile, error) {
	attempt := file
	var lastErr error

	for pass := 0; pass < regenMaxPasses; pass++ {
		var prompt strings.Builder
		err := regenTmpl.Execute(&prompt, map[string]interface{}{
			"Path":     attempt.Path,
			"Purpose":  attempt.Purpose,
			"Contents": attempt.Contents,
			"Issues":   issuesBlock(issues),
			"Pass":     pass + retryIndex,
		})
		if err != nil {
			return nil, fmt.Errorf("rendering regenerate prompt: %w", err)
		}

		resp, err := octx.Inference.Complete(ctx, inference.Request{
			Messages: []anthropic.MessageParam{inference.TextMessage(types.RoleUser, prompt.String())},
		})
		if err != nil {
			return nil, err
		}

		files, _ := parseFileBlocks(resp.Text)
		if len(files) == 0 {
			// Some responses return bare code without markers.
			code := extractCodeBlock(resp.Text)
			if code == "" {
				lastErr = fmt.Errorf("regeneration pass %d produced no file", pass+1)
				continue
			}
			files = []GenFile{{Path: attempt.Path, Contents: code, Purpose: attempt.Purpose}}
		}
		out := files[0]
		out.Path = attempt.Path
		if out.Purpose == "" {
			out.Purpose = attempt.Purpose
		}
		if strings.TrimSpace(out.Contents) == "" {
			lastErr = fmt.Errorf("regeneration pass %d produced an empty file", pass+1)
			continue
		}
		return &out, nil
	}
	return nil, fmt.Errorf("regenerating %s: %w", file.Path, lastErr)
}

// fixSingleFile is the realtime fixer run against each file as the
// implementation stream emits it. A nil result means no fix needed.
func fixSingleFile(ctx context.Context, octx *Context, file GenFile) (*GenFile, error) {
	var prompt strings.Builder
	err := fixFileTmpl.Execute(&prompt, map[string]interface{}{
		"Path":     file.Path,
		"Contents": file.Contents,
	})
	if err != nil {
		return nil, err
	}

	resp, err := octx.Inference.Complete(ctx, inference.Request{
		Messages: []anthropic.MessageParam{inference.TextMessage(types.RoleUser, prompt.String())},
	})
	if err != nil {
		return nil, err
	}
	if strings.Contains(resp.Text, "NO_CHANGES") {
		return nil, nil
	}
	code := extractCodeBlock(resp.Text)
	if code == "" || code == file.Contents {
		return nil, nil
	}
	return &GenFile{Path: file.Path, Contents: code, Purpose: file.Purpose}, nil
}

var fixFileTmpl = template.Must(template.New("fixFile").Parse(`Review this freshly generated file for obvious defects: syntax errors, unbalanced braces, missing imports, references to undefined symbols.

File: {{.Path}}

` + "```" + `
{{.Contents}}
` + "```" + `

If the file is fine, respond with exactly NO_CHANGES. Otherwise
respond with the corrected complete file in a single fenced code
block and nothing else.`))

// extractCodeBlock returns the contents of the first fenced code
// block, or "" when none exists.
func extractCodeBlock(text string) string {
	idx := strings.Index(text, "```")
	if idx < 0 {
		return ""
	}
	rest := text[idx+3:]
	// Skip the info string.
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSuffix(rest[:end], "\n")
}

const regenPromptTemplate = `Regenerate one project file to resolve the issues below.

File: {{.Path}}
Purpose: {{.Purpose}}

Current contents:
` + "```" + `
{{.Contents}}
` + "```" + `

Issues to fix:
{{.Issues}}

This is attempt {{.Pass}}. Respond with the complete corrected file,
framed exactly like:

<<<FILE path="{{.Path}}">>>
...contents...
<<<END_FILE>>>`
