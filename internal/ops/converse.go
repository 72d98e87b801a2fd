package ops

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/untoldecay/CodeLoom/internal/inference"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// ConverseRequest is one user turn.
type ConverseRequest struct {
	Message        string
	History        []types.Message
	RuntimeErrors  []types.RuntimeError
	ProjectUpdates []string
	Images         []string
}

// ConverseResult is the assistant's reply plus the new conversation
// entries to persist.
type ConverseResult struct {
	UserResponse string
	NewMessages  []types.Message
}

var converseSystemTmpl = template.Must(template.New("converseSystem").Parse(converseSystemTemplate))

// UserConverse handles one conversational turn, streaming the
// response through onChunk and invoking tools the model requests.
func UserConverse(ctx context.Context, octx *Context, req ConverseRequest, onChunk func(string), tools []Tool) (*ConverseResult, error) {
	var system strings.Builder
	err := converseSystemTmpl.Execute(&system, map[string]interface{}{
		"Query":     octx.State.Query,
		"Blueprint": blueprintSummary(octx.State.Blueprint),
		"Phases":    phaseSummary(octx.State.GeneratedPhases),
		"Errors":    runtimeErrorsBlock(req.RuntimeErrors),
		"Updates":   strings.Join(req.ProjectUpdates, "\n"),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering converse system prompt: %w", err)
	}

	userContent := req.Message
	if len(req.Images) > 0 {
		userContent += fmt.Sprintf("\n\n[%d image(s) attached]", len(req.Images))
	}

	messages := inference.HistoryToParams(req.History)
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(userContent)))

	loop, err := runToolLoop(ctx, octx.Inference, system.String(), messages, tools, onChunk, nil)
	if err != nil {
		return nil, err
	}

	result := &ConverseResult{
		UserResponse: loop.FinalText,
		NewMessages: []types.Message{
			{
				Role:           types.RoleUser,
				ConversationID: "conv-" + uuid.NewString(),
				Content:        req.Message,
			},
			{
				Role:           types.RoleAssistant,
				ConversationID: "conv-" + uuid.NewString(),
				Content:        loop.FinalText,
			},
		},
	}
	return result, nil
}

const converseSystemTemplate = `You are the assistant for a project being built by an AI code generator. Answer questions, take suggestions, and use your tools to inspect or change the project when asked.

Original request:
{{.Query}}

Blueprint:
{{.Blueprint}}

Phases:
{{.Phases}}

Recent runtime errors:
{{.Errors}}

{{if .Updates}}Recent project updates:
{{.Updates}}
{{end}}

Keep answers short and concrete. When the user asks for a change that
needs code generation, queue it as a suggestion rather than writing
code inline.`
