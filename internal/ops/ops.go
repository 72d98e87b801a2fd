// Package ops implements the model-backed and deterministic
// operations invoked by the state machine: blueprint and phase
// planning, phase implementation, file regeneration, code fixing,
// conversation, and deep debugging.
package ops

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/untoldecay/CodeLoom/internal/inference"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// Context carries everything an operation may read: a state snapshot,
// the template details, and the inference client. Cancellation rides
// on the context.Context passed to each call.
type Context struct {
	State     *types.ProjectState
	Template  *types.TemplateDetails
	Inference *inference.Client
}

// GenFile is a file produced by an operation, before it is persisted
// through the file manager.
type GenFile struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
	Purpose  string `json:"purpose,omitempty"`
}

// UserContext carries user-provided steering for planning and
// implementation.
type UserContext struct {
	Suggestions []string
	Images      []string
}

// extractJSON pulls the first JSON object out of model output,
// preferring a fenced ```json block.
func extractJSON(text string) (string, error) {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end]), nil
		}
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if strings.HasPrefix(candidate, "{") {
				return candidate, nil
			}
		}
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return "", fmt.Errorf("no JSON object in model output")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("unterminated JSON object in model output")
}

// decodeJSON extracts and unmarshals a JSON object from model output.
func decodeJSON(text string, out interface{}) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decoding model JSON: %w", err)
	}
	return nil
}

// issuesBlock renders issue lists for prompts.
func issuesBlock(issues []types.Issue) string {
	if len(issues) == 0 {
		return "none"
	}
	var b strings.Builder
	for _, i := range issues {
		fmt.Fprintf(&b, "- %s:%d", i.FilePath, i.Line)
		if i.Code != "" {
			fmt.Fprintf(&b, " [%s]", i.Code)
		}
		fmt.Fprintf(&b, " %s\n", i.Message)
	}
	return b.String()
}

// filesBlock renders a file listing for prompts, contents included.
func filesBlock(files []types.TemplateFile) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "=== %s ===\n%s\n", f.Path, f.Contents)
	}
	return b.String()
}

// runtimeErrorsBlock renders captured runtime errors for prompts.
func runtimeErrorsBlock(errs []types.RuntimeError) string {
	if len(errs) == 0 {
		return "none"
	}
	var b strings.Builder
	for _, e := range errs {
		fmt.Fprintf(&b, "- %s\n", e.Message)
		if e.Stack != "" {
			fmt.Fprintf(&b, "  %s\n", firstLines(e.Stack, 5))
		}
	}
	return b.String()
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n  ")
}
