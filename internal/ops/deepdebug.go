package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/untoldecay/CodeLoom/internal/types"
)

// DeepDebugRequest configures one debugging session.
type DeepDebugRequest struct {
	Issue              string
	PreviousTranscript string
	FocusPaths         []string
	RuntimeErrors      []types.RuntimeError
}

var deepDebugSystemTmpl = template.Must(template.New("deepDebugSystem").Parse(deepDebugSystemTemplate))

// DeepDebug runs a multi-turn debugging session with file and shell
// tools. The returned transcript is persisted and handed to the next
// session as prior context. Repeated identical tool calls are caught
// by a guard and turned into a warning instead of executing.
func DeepDebug(ctx context.Context, octx *Context, req DeepDebugRequest, tools []Tool, onChunk func(string)) (string, error) {
	var system strings.Builder
	err := deepDebugSystemTmpl.Execute(&system, map[string]interface{}{
		"Blueprint": blueprintSummary(octx.State.Blueprint),
		"Focus":     strings.Join(req.FocusPaths, "\n"),
		"Errors":    runtimeErrorsBlock(req.RuntimeErrors),
	})
	if err != nil {
		return "", fmt.Errorf("rendering deep-debug system prompt: %w", err)
	}

	var user strings.Builder
	if req.PreviousTranscript != "" {
		fmt.Fprintf(&user, "Transcript of the previous debugging session:\n%s\n\n---\n\n", req.PreviousTranscript)
	}
	fmt.Fprintf(&user, "Issue to debug:\n%s", req.Issue)

	guarded := guardRepeatedCalls(tools)
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(user.String())),
	}

	loop, err := runToolLoop(ctx, octx.Inference, system.String(), messages, guarded, onChunk, nil)
	if err != nil {
		return "", err
	}
	return strings.Join(loop.Transcript, "\n\n"), nil
}

// guardRepeatedCalls wraps every tool so an exact repeat of an
// earlier call in the same session raises ErrLoopDetected, which the
// loop renders as a warning to the model without executing.
func guardRepeatedCalls(tools []Tool) []Tool {
	seen := make(map[string]bool)
	out := make([]Tool, len(tools))
	for i, t := range tools {
		tool := t
		run := tool.Run
		tool.Run = func(ctx context.Context, args json.RawMessage) (string, error) {
			sig := tool.Name + "\x00" + canonicalJSON(args)
			if seen[sig] {
				return "", types.ErrLoopDetected
			}
			seen[sig] = true
			return run(ctx, args)
		}
		out[i] = tool
	}
	return out
}

// canonicalJSON normalizes argument bytes so semantically identical
// calls compare equal regardless of key order.
func canonicalJSON(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

const deepDebugSystemTemplate = `You are a debugging agent with direct access to a project's files and sandbox. Find the root cause of the reported issue and fix it.

Project blueprint:
{{.Blueprint}}

{{if .Focus}}Focus on these paths first:
{{.Focus}}
{{end}}

Captured runtime errors:
{{.Errors}}

Work methodically: read before you write, run commands to confirm
hypotheses, and make the smallest fix that resolves the issue. Finish
with a summary of what was wrong and what you changed.`
