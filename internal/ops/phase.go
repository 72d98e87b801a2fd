package ops

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/untoldecay/CodeLoom/internal/inference"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// NextPhaseRequest carries the inputs for planning one more phase.
type NextPhaseRequest struct {
	Issues          []types.Issue
	User            UserContext
	IsUserSuggested bool
}

// NextPhaseResult is the planned phase plus its side requirements.
// A nil result (with nil error) means no further phase is needed.
type NextPhaseResult struct {
	Phase           *types.Phase
	InstallCommands []string
	FilesToDelete   []string
}

var nextPhaseTmpl = template.Must(template.New("nextPhase").Parse(nextPhasePromptTemplate))

// PlanNextPhase asks the model for the next phase of work, or for
// confirmation that the project is complete.
func PlanNextPhase(ctx context.Context, octx *Context, req NextPhaseRequest) (*NextPhaseResult, error) {
	var prompt strings.Builder
	err := nextPhaseTmpl.Execute(&prompt, map[string]interface{}{
		"Query":           octx.State.Query,
		"Blueprint":       blueprintSummary(octx.State.Blueprint),
		"Phases":          phaseSummary(octx.State.GeneratedPhases),
		"Files":           generatedPathList(octx.State),
		"Issues":          issuesBlock(req.Issues),
		"Suggestions":     strings.Join(req.User.Suggestions, "\n"),
		"IsUserSuggested": req.IsUserSuggested,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering next-phase prompt: %w", err)
	}

	resp, err := octx.Inference.Complete(ctx, inference.Request{
		Messages: []anthropic.MessageParam{inference.TextMessage(types.RoleUser, prompt.String())},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Done            bool          `json:"done"`
		Phase           *types.Phase  `json:"phase"`
		InstallCommands []string      `json:"installCommands"`
		FilesToDelete   []string      `json:"filesToDelete"`
	}
	if err := decodeJSON(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("next phase: %w", err)
	}
	if parsed.Done || parsed.Phase == nil {
		return nil, nil
	}
	if parsed.Phase.ID == "" {
		parsed.Phase.ID = uuid.NewString()
	}
	return &NextPhaseResult{
		Phase:           parsed.Phase,
		InstallCommands: parsed.InstallCommands,
		FilesToDelete:   parsed.FilesToDelete,
	}, nil
}

// ImplementCallbacks stream file-level progress out of an
// implementation call. All callbacks are optional.
type ImplementCallbacks struct {
	OnFileStart func(path, purpose string)
	OnFileChunk func(path, chunk string)
	OnFileDone  func(file GenFile)
}

// ImplementRequest carries the inputs for implementing one phase.
type ImplementRequest struct {
	Phase        *types.Phase
	Issues       []types.Issue
	IsFirstPhase bool
	User         UserContext

	// RealtimeFix runs a per-file fixing pass concurrently with the
	// rest of the stream; results are awaited via FixedFiles.
	RealtimeFix bool
}

// ImplementResult is the outcome of one phase implementation.
type ImplementResult struct {
	Files            []GenFile
	Commands         []string
	DeploymentNeeded bool

	fixWG    sync.WaitGroup
	fixMu    sync.Mutex
	fixFiles []GenFile
}

// FixedFiles blocks until all realtime fix passes finish and returns
// their outputs. Empty when RealtimeFix was off or nothing changed.
func (r *ImplementResult) FixedFiles() []GenFile {
	r.fixWG.Wait()
	r.fixMu.Lock()
	defer r.fixMu.Unlock()
	out := make([]GenFile, len(r.fixFiles))
	copy(out, r.fixFiles)
	return out
}

var implementTmpl = template.Must(template.New("implement").Parse(implementPromptTemplate))

// ImplementPhase generates the files of one phase, streaming
// file_generating / chunk / file_generated events through the
// callbacks as the model emits marker-delimited files.
func ImplementPhase(ctx context.Context, octx *Context, req ImplementRequest, cb ImplementCallbacks) (*ImplementResult, error) {
	relevant := relevantFilesBlock(octx)

	var manifest strings.Builder
	for _, f := range req.Phase.Files {
		fmt.Fprintf(&manifest, "- %s: %s", f.Path, f.Purpose)
		if f.Changes != "" {
			fmt.Fprintf(&manifest, " (changes: %s)", f.Changes)
		}
		manifest.WriteByte('\n')
	}

	var prompt strings.Builder
	err := implementTmpl.Execute(&prompt, map[string]interface{}{
		"PhaseName":        req.Phase.Name,
		"PhaseDescription": req.Phase.Description,
		"Manifest":         manifest.String(),
		"Issues":           issuesBlock(req.Issues),
		"Suggestions":      strings.Join(req.User.Suggestions, "\n"),
		"IsFirstPhase":     req.IsFirstPhase,
		"Files":            relevant,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering implement prompt: %w", err)
	}

	result := &ImplementResult{}
	parser := newFileStreamParser(fileStreamCallbacks{
		onFileStart: cb.OnFileStart,
		onFileChunk: cb.OnFileChunk,
		onFileDone: func(f GenFile) {
			result.Files = append(result.Files, f)
			if cb.OnFileDone != nil {
				cb.OnFileDone(f)
			}
			if req.RealtimeFix {
				result.fixWG.Add(1)
				go func(file GenFile) {
					defer result.fixWG.Done()
					fixed, err := fixSingleFile(ctx, octx, file)
					if err != nil || fixed == nil {
						return
					}
					result.fixMu.Lock()
					result.fixFiles = append(result.fixFiles, *fixed)
					result.fixMu.Unlock()
				}(f)
			}
		},
	})

	resp, err := octx.Inference.Complete(ctx, inference.Request{
		Messages: []anthropic.MessageParam{inference.TextMessage(types.RoleUser, prompt.String())},
		OnChunk:  parser.Feed,
	})
	if err != nil {
		return nil, err
	}
	parser.Finish()

	// Fall back to a whole-output parse when streaming saw no
	// markers, e.g. when the model ignored the delimiters.
	if len(result.Files) == 0 {
		files, cmds := parseFileBlocks(resp.Text)
		for _, f := range files {
			result.Files = append(result.Files, f)
			if cb.OnFileDone != nil {
				cb.OnFileDone(f)
			}
		}
		result.Commands = append(result.Commands, cmds...)
	}
	result.Commands = append(result.Commands, parser.Commands()...)
	result.DeploymentNeeded = len(result.Files) > 0
	return result, nil
}

func blueprintSummary(bp *types.Blueprint) string {
	if bp == nil {
		return "(no blueprint)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s — %s\n", bp.Title, bp.Description)
	fmt.Fprintf(&b, "Architecture: %s\n", bp.Architecture)
	if len(bp.ImplementationRoadmap) > 0 {
		b.WriteString("Roadmap:\n")
		for _, step := range bp.ImplementationRoadmap {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	return b.String()
}

func phaseSummary(phases []*types.Phase) string {
	if len(phases) == 0 {
		return "none yet"
	}
	var b strings.Builder
	for _, p := range phases {
		status := "pending"
		if p.Completed {
			status = "completed"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", p.Name, status, p.Description)
	}
	return b.String()
}

func generatedPathList(state *types.ProjectState) string {
	if len(state.GeneratedFilesMap) == 0 {
		return "none yet"
	}
	var b strings.Builder
	for path, f := range state.GeneratedFilesMap {
		fmt.Fprintf(&b, "- %s: %s\n", path, f.Purpose)
	}
	return b.String()
}

func relevantFilesBlock(octx *Context) string {
	var files []types.TemplateFile
	important := make(map[string]bool, len(octx.Template.ImportantFiles))
	for _, p := range octx.Template.ImportantFiles {
		important[p] = true
	}
	seen := make(map[string]bool)
	for path, f := range octx.State.GeneratedFilesMap {
		files = append(files, types.TemplateFile{Path: path, Contents: f.Contents})
		seen[path] = true
	}
	for _, f := range octx.Template.AllFiles {
		if important[f.Path] && !seen[f.Path] {
			files = append(files, f)
		}
	}
	return filesBlock(files)
}

const nextPhasePromptTemplate = `You are planning the next implementation phase of a project.

Original request:
{{.Query}}

Blueprint:
{{.Blueprint}}

Phases so far:
{{.Phases}}

Generated files:
{{.Files}}

Outstanding issues:
{{.Issues}}

{{if .Suggestions}}User suggestions (treat as requirements):
{{.Suggestions}}
{{end}}

Decide whether more work is needed. Respond with a single JSON object:

{"done": true}

or

{
  "done": false,
  "phase": {
    "name": "...",
    "description": "...",
    "files": [{"path": "...", "purpose": "...", "changes": null}],
    "lastPhase": false
  },
  "installCommands": ["bun install ..."],
  "filesToDelete": []
}

Use "changes": "delete" for files the phase removes. Mark lastPhase
true only when this phase finishes the product. Respond with the JSON
object only.`

const implementPromptTemplate = `You are implementing one phase of a project.

Phase: {{.PhaseName}}
{{.PhaseDescription}}

Files to produce:
{{.Manifest}}

Outstanding issues to address while writing:
{{.Issues}}

{{if .Suggestions}}User suggestions:
{{.Suggestions}}
{{end}}

Current project files:
{{.Files}}

Emit every file using exactly this framing:

<<<FILE path="src/App.tsx" purpose="main app component">>>
...complete file contents...
<<<END_FILE>>>

After all files, optionally emit shell commands to run:

<<<COMMANDS>>>
bun install some-package
<<<END_COMMANDS>>>

Write complete files, never fragments. Do not emit files outside the
manifest unless strictly required to keep the project compiling.`
