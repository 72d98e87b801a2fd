package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/CodeLoom/internal/files"
	"github.com/untoldecay/CodeLoom/internal/gitstore"
	"github.com/untoldecay/CodeLoom/internal/ops"
	"github.com/untoldecay/CodeLoom/internal/protocol"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// waitForGenerationTimeout bounds the wait_for_generation tool.
const waitForGenerationTimeout = 10 * time.Minute

// conversationTools builds the per-turn tool registry for
// UserConverse. Per-turn counters (the deep-debug guard) live in the
// closures, so each turn gets a fresh budget.
func (o *Orchestrator) conversationTools() []ops.Tool {
	deepDebugCalls := 0

	return []ops.Tool{
		{
			Name:        "queue_request",
			Description: "Queue a feature request or change for the next generation phase.",
			Schema: map[string]interface{}{
				"text": map[string]interface{}{"type": "string", "description": "The request to queue"},
			},
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(raw, &args); err != nil || args.Text == "" {
					return "", fmt.Errorf("text required: %w", types.ErrInvalidArgument)
				}
				if err := o.QueueUserRequest(args.Text, nil); err != nil {
					return "", err
				}
				return `{"queued":true}`, nil
			},
		},
		{
			Name:        "read_files",
			Description: "Read project files by path.",
			Schema: map[string]interface{}{
				"paths": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Paths []string `json:"paths"`
				}
				if err := json.Unmarshal(raw, &args); err != nil || len(args.Paths) == 0 {
					return "", fmt.Errorf("paths required: %w", types.ErrInvalidArgument)
				}
				read, err := o.ReadFiles(ctx, args.Paths)
				if err != nil {
					return "", err
				}
				var b strings.Builder
				for _, f := range read {
					fmt.Fprintf(&b, "=== %s ===\n%s\n", f.Path, f.Contents)
				}
				if b.Len() == 0 {
					return "no files found", nil
				}
				return b.String(), nil
			},
		},
		{
			Name:        "get_runtime_errors",
			Description: "Fetch runtime errors captured by the sandbox.",
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				errs, err := o.FetchRuntimeErrors(ctx, false)
				if err != nil {
					return "", err
				}
				data, _ := json.Marshal(errs)
				return string(data), nil
			},
		},
		{
			Name:        "git_log",
			Description: "List recent commits of the generated project.",
			Schema: map[string]interface{}{
				"limit": map[string]interface{}{"type": "integer"},
			},
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Limit int `json:"limit"`
				}
				_ = json.Unmarshal(raw, &args)
				if args.Limit <= 0 {
					args.Limit = 10
				}
				log, err := o.GitLog(args.Limit)
				if err != nil {
					return "", err
				}
				var b strings.Builder
				for _, c := range log {
					b.WriteString(gitstore.Describe(c))
					b.WriteByte('\n')
				}
				return b.String(), nil
			},
		},
		{
			Name:        "git_reset",
			Description: "Reset the project to an earlier commit. DESTRUCTIVE: commits after it are discarded and generated files are rewritten.",
			Destructive: true,
			Schema: map[string]interface{}{
				"oid": map[string]interface{}{"type": "string"},
			},
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					OID string `json:"oid"`
				}
				if err := json.Unmarshal(raw, &args); err != nil || args.OID == "" {
					return "", fmt.Errorf("oid required: %w", types.ErrInvalidArgument)
				}
				if err := o.GitReset(args.OID, true); err != nil {
					return "", err
				}
				return `{"reset":true,"warning":"destructive operation applied"}`, nil
			},
		},
		{
			Name:        "rename_project",
			Description: "Rename the project (lowercase slug, 3-50 chars).",
			Schema: map[string]interface{}{
				"name": map[string]interface{}{"type": "string"},
			},
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("name required: %w", types.ErrInvalidArgument)
				}
				ok, err := o.UpdateProjectName(ctx, args.Name)
				if err != nil {
					return "", err
				}
				if !ok {
					return "", fmt.Errorf("name must match %s: %w", types.ProjectNamePattern, types.ErrInvalidArgument)
				}
				return `{"renamed":true}`, nil
			},
		},
		{
			Name:        "wait_for_generation",
			Description: "Block until the current generation run finishes.",
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				deadline := time.Now().Add(waitForGenerationTimeout)
				for o.machine.IsGenerating() {
					if time.Now().After(deadline) {
						return "", fmt.Errorf("generation still running after %s", waitForGenerationTimeout)
					}
					select {
					case <-ctx.Done():
						return "", ctx.Err()
					case <-time.After(500 * time.Millisecond):
					}
				}
				return `{"generating":false}`, nil
			},
		},
		{
			Name:        "deep_debug",
			Description: "Run an autonomous debugging session against the sandbox. At most one call per conversation turn; not available while generation is running.",
			Schema: map[string]interface{}{
				"issue":       map[string]interface{}{"type": "string"},
				"focus_paths": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				if deepDebugCalls >= 1 {
					return "", types.ErrCallLimitExceeded
				}
				deepDebugCalls++

				var args struct {
					Issue      string   `json:"issue"`
					FocusPaths []string `json:"focus_paths"`
				}
				if err := json.Unmarshal(raw, &args); err != nil || args.Issue == "" {
					return "", fmt.Errorf("issue required: %w", types.ErrInvalidArgument)
				}
				transcript, err := o.RunDeepDebug(ctx, args.Issue, args.FocusPaths)
				if err != nil {
					return "", err
				}
				return transcript, nil
			},
		},
	}
}

// RunDeepDebug executes a deep-debug session. At most one per
// project; it must not overlap a state-machine run (either direction
// yields a typed conflict).
func (o *Orchestrator) RunDeepDebug(ctx context.Context, issue string, focusPaths []string) (string, error) {
	if o.machine.IsGenerating() {
		return "", types.ErrGenerationInProgress
	}

	o.debugMu.Lock()
	if o.debugActive {
		o.debugMu.Unlock()
		return "", types.ErrDebugInProgress
	}
	o.debugActive = true
	o.debugMu.Unlock()
	defer func() {
		o.debugMu.Lock()
		o.debugActive = false
		o.debugMu.Unlock()
	}()

	octx, err := o.opsContext()
	if err != nil {
		return "", err
	}
	runtimeErrors, err := o.FetchRuntimeErrors(ctx, false)
	if err != nil {
		runtimeErrors = nil
	}

	transcript, err := ops.DeepDebug(ctx, octx, ops.DeepDebugRequest{
		Issue:              issue,
		PreviousTranscript: octx.State.LastDeepDebugTranscript,
		FocusPaths:         focusPaths,
		RuntimeErrors:      runtimeErrors,
	}, o.debugTools(), func(chunk string) {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvConversationResponse, protocol.ConversationPayload{
			Message: chunk,
			IsChunk: true,
		}))
	})
	if err != nil {
		return "", err
	}

	if err := o.store.Mutate(func(s *types.ProjectState) error {
		s.LastDeepDebugTranscript = transcript
		return nil
	}); err != nil {
		return "", err
	}
	return transcript, nil
}

// debugTools is the registry for deep-debug sessions: file IO and
// shell access against the sandbox.
func (o *Orchestrator) debugTools() []ops.Tool {
	return []ops.Tool{
		{
			Name:        "read_files",
			Description: "Read project files by path.",
			Schema: map[string]interface{}{
				"paths": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Paths []string `json:"paths"`
				}
				if err := json.Unmarshal(raw, &args); err != nil || len(args.Paths) == 0 {
					return "", fmt.Errorf("paths required: %w", types.ErrInvalidArgument)
				}
				read, err := o.ReadFiles(ctx, args.Paths)
				if err != nil {
					return "", err
				}
				var b strings.Builder
				for _, f := range read {
					fmt.Fprintf(&b, "=== %s ===\n%s\n", f.Path, f.Contents)
				}
				return b.String(), nil
			},
		},
		{
			Name:        "write_file",
			Description: "Write one project file and deploy it to the sandbox.",
			Schema: map[string]interface{}{
				"path":     map[string]interface{}{"type": "string"},
				"contents": map[string]interface{}{"type": "string"},
			},
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Path     string `json:"path"`
					Contents string `json:"contents"`
				}
				if err := json.Unmarshal(raw, &args); err != nil || args.Path == "" {
					return "", fmt.Errorf("path required: %w", types.ErrInvalidArgument)
				}
				if _, err := o.files.SaveGeneratedFiles([]files.SavedFile{{
					Path: args.Path, Contents: args.Contents,
				}}, "Debug fix: "+args.Path); err != nil {
					return "", err
				}
				if err := o.DeployToSandbox(ctx, false, "Debug fix", false); err != nil {
					return "", err
				}
				return `{"written":true}`, nil
			},
		},
		{
			Name:        "exec_command",
			Description: "Run a shell command in the sandbox.",
			Schema: map[string]interface{}{
				"command": map[string]interface{}{"type": "string"},
			},
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Command string `json:"command"`
				}
				if err := json.Unmarshal(raw, &args); err != nil || args.Command == "" {
					return "", fmt.Errorf("command required: %w", types.ErrInvalidArgument)
				}
				results, err := o.ExecCommands(ctx, []string{args.Command}, false, 0)
				if err != nil {
					return "", err
				}
				data, _ := json.Marshal(results)
				return string(data), nil
			},
		},
		{
			Name:        "get_logs",
			Description: "Read sandbox process logs.",
			Schema: map[string]interface{}{
				"reset": map[string]interface{}{"type": "boolean"},
			},
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Reset bool `json:"reset"`
				}
				_ = json.Unmarshal(raw, &args)
				logs, err := o.GetLogs(ctx, args.Reset, 0)
				if err != nil {
					return "", err
				}
				return logs.Stdout + "\n" + logs.Stderr, nil
			},
		},
		{
			Name:        "run_analysis",
			Description: "Run lint and typecheck over the project.",
			Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
				analysis, err := o.RunStaticAnalysisCode(ctx, nil)
				if err != nil {
					return "", err
				}
				data, _ := json.Marshal(analysis)
				return string(data), nil
			},
		},
	}
}
