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

// BlueprintRequest describes the product to plan.
type BlueprintRequest struct {
	Query      string
	Language   string
	Frameworks []string
}

var blueprintTmpl = template.Must(template.New("blueprint").Parse(blueprintPromptTemplate))

// PlanBlueprint produces the structured project plan, including the
// initial phase, streaming raw model output through onChunk.
func PlanBlueprint(ctx context.Context, octx *Context, req BlueprintRequest, onChunk func(string)) (*types.Blueprint, error) {
	var prompt strings.Builder
	err := blueprintTmpl.Execute(&prompt, map[string]interface{}{
		"Query":      req.Query,
		"Language":   req.Language,
		"Frameworks": strings.Join(req.Frameworks, ", "),
		"Template":   octx.Template.Name,
		"Important":  strings.Join(octx.Template.ImportantFiles, "\n"),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering blueprint prompt: %w", err)
	}

	resp, err := octx.Inference.Complete(ctx, inference.Request{
		Messages: []anthropic.MessageParam{inference.TextMessage(types.RoleUser, prompt.String())},
		OnChunk:  onChunk,
	})
	if err != nil {
		return nil, err
	}

	var bp types.Blueprint
	if err := decodeJSON(resp.Text, &bp); err != nil {
		return nil, fmt.Errorf("blueprint: %w", err)
	}
	if bp.InitialPhase != nil && bp.InitialPhase.ID == "" {
		bp.InitialPhase.ID = uuid.NewString()
	}
	return &bp, nil
}

const blueprintPromptTemplate = `You are planning a web application project.

User request:
{{.Query}}

Target language: {{.Language}}
Preferred frameworks: {{.Frameworks}}
Project template: {{.Template}}
Key template files:
{{.Important}}

Produce a single JSON object with this shape:

{
  "title": "...",
  "projectName": "lowercase-slug",
  "description": "...",
  "frameworks": ["..."],
  "views": [{"name": "...", "description": "..."}],
  "userFlow": "...",
  "architecture": "...",
  "pitfalls": ["..."],
  "implementationRoadmap": ["..."],
  "colorPalette": ["#rrggbb"],
  "initialPhase": {
    "name": "...",
    "description": "...",
    "files": [{"path": "...", "purpose": "..."}],
    "lastPhase": false
  }
}

The initial phase must be small enough to implement in one pass and
must leave the template in a working, deployable state. Respond with
the JSON object only.`
