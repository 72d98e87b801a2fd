package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/untoldecay/CodeLoom/internal/inference"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// Tool is one callable exposed to the model during a conversation
// turn. The registry is rebuilt per turn so per-turn counters (deep
// debug's once-per-turn guard) reset at construction.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]interface{}
	Run         func(ctx context.Context, args json.RawMessage) (string, error)

	// Destructive marks tools whose effects cannot be undone; the
	// result rendering surfaces an explicit warning flag.
	Destructive bool
}

// toolParams converts the registry into API params.
func toolParams(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		props := t.Schema
		if props == nil {
			props = map[string]interface{}{}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: props},
			},
		})
	}
	return out
}

// toolByName finds a registered tool.
func toolByName(tools []Tool, name string) *Tool {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i]
		}
	}
	return nil
}

// toolLoopResult is the outcome of a full tool-use loop.
type toolLoopResult struct {
	FinalText  string
	Transcript []string
	Messages   []anthropic.MessageParam
}

// maxToolTurns bounds a single tool loop so a confused model cannot
// spin forever.
const maxToolTurns = 16

// runToolLoop drives the model until it stops requesting tools. Text
// deltas stream through onChunk. Each tool result is rendered into
// the transcript; tool errors are fed back to the model rather than
// aborting the loop, except for typed guard errors which surface in
// the result body.
func runToolLoop(
	ctx context.Context,
	inf *inference.Client,
	system string,
	messages []anthropic.MessageParam,
	tools []Tool,
	onChunk func(string),
	onToolUse func(name string, args json.RawMessage),
) (*toolLoopResult, error) {
	result := &toolLoopResult{}

	for turn := 0; turn < maxToolTurns; turn++ {
		resp, err := inf.Complete(ctx, inference.Request{
			System:   system,
			Messages: messages,
			Tools:    toolParams(tools),
			OnChunk:  onChunk,
		})
		if err != nil {
			return nil, err
		}
		if resp.Text != "" {
			result.FinalText = resp.Text
			result.Transcript = append(result.Transcript, resp.Text)
		}

		if resp.StopReason != "tool_use" {
			messages = append(messages, resp.Message.ToParam())
			result.Messages = messages
			return result, nil
		}

		messages = append(messages, resp.Message.ToParam())

		var toolResults []anthropic.ContentBlockParamUnion
		for _, block := range resp.Message.Content {
			toolUse, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			if onToolUse != nil {
				onToolUse(toolUse.Name, json.RawMessage(toolUse.JSON.Input.Raw()))
			}
			tool := toolByName(tools, toolUse.Name)
			var (
				output  string
				toolErr error
			)
			if tool == nil {
				toolErr = fmt.Errorf("unknown tool %q", toolUse.Name)
			} else {
				output, toolErr = tool.Run(ctx, json.RawMessage(toolUse.JSON.Input.Raw()))
			}
			if toolErr != nil {
				output = renderToolError(toolErr)
				result.Transcript = append(result.Transcript,
					fmt.Sprintf("[tool %s failed: %v]", toolUse.Name, toolErr))
			} else {
				result.Transcript = append(result.Transcript,
					fmt.Sprintf("[tool %s]\n%s", toolUse.Name, output))
			}
			toolResults = append(toolResults,
				anthropic.NewToolResultBlock(toolUse.ID, output, toolErr != nil))
		}
		messages = append(messages, anthropic.NewUserMessage(toolResults...))
	}

	result.Messages = messages
	return result, fmt.Errorf("tool loop exceeded %d turns", maxToolTurns)
}

// renderToolError converts typed guard errors into the structured
// payloads clients and models both understand.
func renderToolError(err error) string {
	switch {
	case errors.Is(err, types.ErrGenerationInProgress):
		return `{"error":"GENERATION_IN_PROGRESS"}`
	case errors.Is(err, types.ErrDebugInProgress):
		return `{"error":"DEBUG_IN_PROGRESS"}`
	case errors.Is(err, types.ErrCallLimitExceeded):
		return `{"error":"CALL_LIMIT_EXCEEDED"}`
	case errors.Is(err, types.ErrLoopDetected):
		return `{"error":"LOOP_DETECTED","warning":"You already made this exact call. Change your approach instead of repeating it."}`
	case errors.Is(err, types.ErrInvalidArgument):
		return fmt.Sprintf(`{"error":"INVALID_ARGUMENT","message":%q}`, err.Error())
	default:
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
}
