package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/CodeLoom/internal/conversation"
	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/files"
	"github.com/untoldecay/CodeLoom/internal/ghexport"
	"github.com/untoldecay/CodeLoom/internal/gitstore"
	"github.com/untoldecay/CodeLoom/internal/machine"
	"github.com/untoldecay/CodeLoom/internal/ops"
	"github.com/untoldecay/CodeLoom/internal/protocol"
	"github.com/untoldecay/CodeLoom/internal/registry"
	"github.com/untoldecay/CodeLoom/internal/sandbox"
	"github.com/untoldecay/CodeLoom/internal/types"
)

const (
	fileReadTimeout = 30 * time.Second
)

// withTimeout bounds an external call and labels its failure.
func withTimeout[T any](ctx context.Context, d time.Duration, errMsg string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	out, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", errMsg, err)
	}
	return out, nil
}

// IsCodeGenerating reports whether the state machine is running.
func (o *Orchestrator) IsCodeGenerating() bool { return o.machine.IsGenerating() }

// GenerateAllFiles enters the state machine. Single-flight; a no-op
// once the MVP is generated with no pending inputs. Conflicts with an
// active deep-debug session.
func (o *Orchestrator) GenerateAllFiles(ctx context.Context, reviewCycles int) error {
	o.debugMu.Lock()
	if o.debugActive {
		o.debugMu.Unlock()
		return types.ErrDebugInProgress
	}
	o.debugMu.Unlock()

	err := o.machine.GenerateAllFiles(ctx, reviewCycles)
	o.broadcastState()
	return err
}

// StopGeneration cancels the current inference, returns the machine
// to IDLE, and broadcasts generation_stopped. Persisted state is
// untouched.
func (o *Orchestrator) StopGeneration() {
	o.machine.Stop()
	o.broadcastState()
}

// ResumeGeneration restarts a stopped run.
func (o *Orchestrator) ResumeGeneration(ctx context.Context) {
	_ = o.store.Mutate(func(s *types.ProjectState) error {
		s.ShouldBeGenerating = true
		return nil
	})
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvGenerationResumed, nil))
	if !o.machine.IsGenerating() {
		go func() {
			if err := o.GenerateAllFiles(context.Background(), 0); err != nil {
				debug.Logf("resumed generation failed: %v", err)
			}
		}()
	}
}

// QueueUserRequest enqueues a user request for the next planning
// step, recharging the phase counter. Images stay in memory only.
func (o *Orchestrator) QueueUserRequest(text string, images []string) error {
	if len(images) > 0 {
		o.storeImages("queued", images)
	}
	if err := o.machine.QueueUserRequest(text); err != nil {
		return err
	}
	o.broadcastState()
	return nil
}

// HandleUserInput processes one conversational user message. When the
// machine is idle afterwards, a generation run is started.
func (o *Orchestrator) HandleUserInput(ctx context.Context, text string, images []string) error {
	octx, err := o.opsContext()
	if err != nil {
		return err
	}

	runtimeErrors, rteErr := o.FetchRuntimeErrors(ctx, true)
	if rteErr != nil {
		debug.Logf("runtime error fetch failed: %v", rteErr)
	}

	var updates []string
	_ = o.store.Mutate(func(s *types.ProjectState) error {
		updates = s.ProjectUpdatesAccumulator
		s.ProjectUpdatesAccumulator = nil
		return nil
	})

	_, running, err := o.log.Get()
	if err != nil {
		return err
	}

	result, err := ops.UserConverse(ctx, octx, ops.ConverseRequest{
		Message:        text,
		History:        running,
		RuntimeErrors:  runtimeErrors,
		ProjectUpdates: updates,
		Images:         images,
	}, func(chunk string) {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvConversationResponse, protocol.ConversationPayload{
			Message: chunk,
			IsChunk: true,
		}))
	}, o.conversationTools())
	if err != nil {
		return err
	}

	for _, msg := range result.NewMessages {
		if err := o.log.Append(msg); err != nil {
			debug.Logf("conversation append failed: %v", err)
		}
	}
	_ = o.store.Mutate(func(s *types.ProjectState) error {
		s.ConversationMessages = append(s.ConversationMessages, result.NewMessages...)
		return nil
	})

	o.bcast.Broadcast(protocol.NewEvent(protocol.EvConversationResponse, protocol.ConversationPayload{
		Message: result.UserResponse,
	}))
	if ui, err := o.ConversationForUI(); err == nil {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvConversationState, protocol.ConversationPayload{Messages: ui}))
	}
	o.broadcastState()

	state := o.store.Get()
	if !o.machine.IsGenerating() && len(state.PendingUserInputs) > 0 {
		go func() {
			if err := o.GenerateAllFiles(context.Background(), 0); err != nil {
				debug.Logf("generation after user input failed: %v", err)
			}
		}()
	}
	return nil
}

// ClearConversation empties the running conversation view. The
// persisted full history survives.
func (o *Orchestrator) ClearConversation() error {
	if err := o.log.Clear(); err != nil {
		return err
	}
	if err := o.store.Mutate(func(s *types.ProjectState) error {
		s.ConversationMessages = nil
		return nil
	}); err != nil {
		return err
	}
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvConversationCleared, nil))
	o.broadcastState()
	return nil
}

// UpdateProjectName validates and propagates a rename. Returns false
// (with no state change) for names failing the slug pattern.
func (o *Orchestrator) UpdateProjectName(ctx context.Context, name string) (bool, error) {
	if !types.ProjectNamePattern.MatchString(name) {
		return false, nil
	}
	state := o.store.Get()
	if state == nil {
		return false, types.ErrNotFound
	}

	if err := o.store.Mutate(func(s *types.ProjectState) error {
		s.ProjectName = name
		if s.Blueprint != nil {
			s.Blueprint.ProjectName = name
		}
		return nil
	}); err != nil {
		return false, err
	}

	if sessionID := o.deploy.SessionID(); sessionID != "" {
		if err := o.sandbox.UpdateProjectName(ctx, sessionID, name); err != nil {
			debug.Logf("sandbox rename failed: %v", err)
		}
	}
	if o.registry.Enabled() {
		if err := o.registry.UpdateApp(ctx, state.ID, registry.AppPatch{Title: registry.StringPtr(name)}); err != nil {
			debug.Logf("registry rename failed: %v", err)
		}
	}

	o.bcast.Broadcast(protocol.NewEvent(protocol.EvProjectNameUpdated, protocol.ProjectNamePayload{ProjectName: name}))
	o.broadcastState()
	return true, nil
}

// blueprintPatchKeys is the whitelist for UpdateBlueprint.
var blueprintPatchKeys = map[string]bool{
	"title": true, "description": true, "frameworks": true,
	"views": true, "userFlow": true, "architecture": true,
	"pitfalls": true, "implementationRoadmap": true, "colorPalette": true,
}

// UpdateBlueprint applies a whitelisted patch to the blueprint. A
// projectName key delegates to UpdateProjectName.
func (o *Orchestrator) UpdateBlueprint(ctx context.Context, patch map[string]interface{}) error {
	if name, ok := patch["projectName"].(string); ok {
		delete(patch, "projectName")
		if ok, err := o.UpdateProjectName(ctx, name); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("project name %q: %w", name, types.ErrInvalidArgument)
		}
	}
	filtered := make(map[string]interface{})
	for k, v := range patch {
		if blueprintPatchKeys[k] {
			filtered[k] = v
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	if err := o.store.Mutate(func(s *types.ProjectState) error {
		if s.Blueprint == nil {
			return fmt.Errorf("no blueprint: %w", types.ErrNotFound)
		}
		return mergeBlueprint(s.Blueprint, filtered)
	}); err != nil {
		return err
	}

	o.bcast.Broadcast(protocol.NewEvent(protocol.EvBlueprintUpdated, protocol.BlueprintPayload{
		Blueprint: o.store.Get().Blueprint,
	}))
	o.broadcastState()
	return nil
}

// DeployToSandbox pushes the full file union to the sandbox with
// start/complete/error events, then syncs package.json back.
func (o *Orchestrator) DeployToSandbox(ctx context.Context, redeploy bool, commitMessage string, clearLogs bool) error {
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvDeploymentStarted, nil))

	payload, err := o.deployPayload()
	if err != nil {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvDeploymentFailed, protocol.DeploymentPayload{Error: err.Error()}))
		return err
	}

	result, err := o.deploy.Deploy(ctx, payload, redeploy, clearLogs, commitMessage)
	if err != nil {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvDeploymentFailed, protocol.DeploymentPayload{Error: err.Error()}))
		return err
	}

	o.bcast.Broadcast(protocol.NewEvent(protocol.EvDeploymentCompleted, protocol.DeploymentPayload{
		PreviewURL: result.PreviewURL,
		TunnelURL:  result.TunnelURL,
	}))
	if redeploy {
		// The old preview URL is dead; clients must reload.
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvPreviewForceRefresh, nil))
	}

	if err := o.SyncPackageJSON(ctx); err != nil {
		debug.Logf("post-deploy package.json sync failed: %v", err)
	}
	o.broadcastState()
	return nil
}

// DeployToCloudflare promotes the sandbox build to the cloud with its
// own event set and records the deployment id in the registry.
func (o *Orchestrator) DeployToCloudflare(ctx context.Context) error {
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvCloudflareDeploymentStarted, nil))

	payload, err := o.deployPayload()
	if err == nil {
		var result *sandbox.CloudDeployResult
		result, err = o.deploy.DeployToCloud(ctx, payload)
		if err == nil {
			o.bcast.Broadcast(protocol.NewEvent(protocol.EvCloudflareDeploymentCompleted, protocol.DeploymentPayload{
				PreviewURL: result.URL,
			}))
			if state := o.store.Get(); state != nil && o.registry.Enabled() {
				if regErr := o.registry.UpdateApp(ctx, state.ID, registry.AppPatch{
					DeploymentID: registry.StringPtr(result.DeploymentID),
				}); regErr != nil {
					debug.Logf("registry deployment update failed: %v", regErr)
				}
			}
			return nil
		}
	}

	o.bcast.Broadcast(protocol.NewEvent(protocol.EvCloudflareDeploymentError, protocol.DeploymentPayload{Error: err.Error()}))
	return err
}

func (o *Orchestrator) deployPayload() ([]sandbox.FilePayload, error) {
	all, err := o.files.GetAllFiles()
	if err != nil {
		return nil, err
	}
	payload := make([]sandbox.FilePayload, 0, len(all))
	for _, f := range all {
		payload = append(payload, sandbox.FilePayload{Path: f.Path, Contents: f.Contents})
	}
	return payload, nil
}

// ReadFiles returns the requested files from the generated/template
// union, falling back to the sandbox fs for paths outside it.
func (o *Orchestrator) ReadFiles(ctx context.Context, paths []string) ([]sandbox.FilePayload, error) {
	all, err := o.files.GetAllFiles()
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]string, len(all))
	for _, f := range all {
		byPath[f.Path] = f.Contents
	}

	var out []sandbox.FilePayload
	var missing []string
	for _, p := range paths {
		if contents, ok := byPath[p]; ok {
			out = append(out, sandbox.FilePayload{Path: p, Contents: contents})
		} else {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 && o.deploy.SessionID() != "" {
		result, err := withTimeout(ctx, fileReadTimeout, "reading sandbox files",
			func(ctx context.Context) (*sandbox.GetFilesResult, error) {
				return o.sandbox.GetFiles(ctx, o.deploy.SessionID(), missing)
			})
		if err != nil {
			debug.Logf("sandbox file read failed: %v", err)
		} else {
			out = append(out, result.Files...)
		}
	}
	return out, nil
}

// ExecCommands runs commands in the sandbox, optionally recording
// them into the commands history, streaming terminal output.
func (o *Orchestrator) ExecCommands(ctx context.Context, cmds []string, shouldSave bool, timeoutMs int) ([]types.CommandResult, error) {
	cleaned := machine.ValidateAndClean(cmds)
	if len(cleaned) == 0 {
		return nil, nil
	}
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}
	result, err := o.sandbox.ExecuteCommands(ctx, o.deploy.SessionID(), cleaned, timeoutMs)
	if err != nil {
		return nil, err
	}
	for _, r := range result.Results {
		if r.Stdout != "" {
			o.bcast.Broadcast(protocol.NewEvent(protocol.EvTerminalOutput, protocol.TerminalPayload{Output: r.Stdout, Stream: "stdout"}))
		}
		if r.Stderr != "" {
			o.bcast.Broadcast(protocol.NewEvent(protocol.EvTerminalOutput, protocol.TerminalPayload{Output: r.Stderr, Stream: "stderr"}))
		}
	}
	if shouldSave {
		var ok []string
		for _, r := range result.Results {
			if r.Success {
				ok = append(ok, r.Command)
			}
		}
		if len(ok) > 0 {
			_ = o.store.Mutate(func(s *types.ProjectState) error {
				s.CommandsHistory = machine.ValidateAndClean(append(s.CommandsHistory, ok...))
				return nil
			})
		}
	}
	return result.Results, nil
}

// RunStaticAnalysisCode lints and typechecks through the sandbox.
func (o *Orchestrator) RunStaticAnalysisCode(ctx context.Context, paths []string) (*types.StaticAnalysis, error) {
	analysis, err := o.sandbox.RunStaticAnalysis(ctx, o.deploy.SessionID(), paths)
	if err != nil {
		return nil, err
	}
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvStaticAnalysisResults, protocol.AnalysisPayload{Analysis: analysis}))
	return analysis, nil
}

// FetchRuntimeErrors drains (or peeks at) captured runtime errors.
func (o *Orchestrator) FetchRuntimeErrors(ctx context.Context, clear bool) ([]types.RuntimeError, error) {
	if o.deploy.SessionID() == "" {
		return nil, nil
	}
	errs, err := o.sandbox.FetchRuntimeErrors(ctx, o.deploy.SessionID(), clear)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvRuntimeErrorFound, protocol.RuntimeErrorPayload{Errors: errs}))
	}
	return errs, nil
}

// GetLogs reads sandbox logs; cumulative unless reset.
func (o *Orchestrator) GetLogs(ctx context.Context, reset bool, durationSeconds int) (*sandbox.LogsResult, error) {
	logs, err := o.sandbox.GetLogs(ctx, o.deploy.SessionID(), reset, durationSeconds)
	if err != nil {
		return nil, err
	}
	if logs.Stdout != "" {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvServerLog, protocol.TerminalPayload{Output: logs.Stdout, Stream: "stdout"}))
	}
	if logs.Stderr != "" {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvServerLog, protocol.TerminalPayload{Output: logs.Stderr, Stream: "stderr"}))
	}
	return logs, nil
}

// RegenerateFileByPath rewrites one broken generated file.
func (o *Orchestrator) RegenerateFileByPath(ctx context.Context, path string, issues []types.Issue) (*types.GeneratedFile, error) {
	current, err := o.files.GeneratedFile(path)
	if err != nil {
		return nil, err
	}
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvFileRegenerating, protocol.FilePayload{Path: path}))

	octx, err := o.opsContext()
	if err != nil {
		return nil, err
	}
	fixed, err := ops.RegenerateFile(ctx, octx, ops.GenFile{
		Path: current.Path, Contents: current.Contents, Purpose: current.Purpose,
	}, issues, 0)
	if err != nil {
		return nil, err
	}
	saved, err := o.files.SaveGeneratedFiles([]files.SavedFile{{
		Path: fixed.Path, Contents: fixed.Contents, Purpose: fixed.Purpose,
	}}, fmt.Sprintf("Regenerate %s", path))
	if err != nil {
		return nil, err
	}
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvFileRegenerated, protocol.FilePayload{Path: path}))
	o.broadcastState()
	if len(saved) == 0 {
		return current, nil
	}
	return &saved[0], nil
}

// GenerateFiles implements an ad-hoc phase outside the main loop:
// used by tools that need targeted file generation.
func (o *Orchestrator) GenerateFiles(ctx context.Context, phaseName, description, requirements string, fileConcepts []types.FileConcept) error {
	octx, err := o.opsContext()
	if err != nil {
		return err
	}
	phase := &types.Phase{
		ID:          uuid.NewString(),
		Name:        phaseName,
		Description: description + "\n\n" + requirements,
		Files:       fileConcepts,
	}
	result, err := ops.ImplementPhase(ctx, octx, ops.ImplementRequest{Phase: phase}, ops.ImplementCallbacks{
		OnFileStart: func(path, purpose string) {
			o.bcast.Broadcast(protocol.NewEvent(protocol.EvFileGenerating, protocol.FilePayload{Path: path, Purpose: purpose}))
		},
		OnFileChunk: func(path, chunk string) {
			o.bcast.Broadcast(protocol.NewEvent(protocol.EvFileChunkGenerated, protocol.FilePayload{Path: path, Chunk: chunk}))
		},
		OnFileDone: func(f ops.GenFile) {
			o.bcast.Broadcast(protocol.NewEvent(protocol.EvFileGenerated, protocol.FilePayload{Path: f.Path}))
		},
	})
	if err != nil {
		return err
	}
	saved := make([]files.SavedFile, 0, len(result.Files))
	for _, f := range result.Files {
		saved = append(saved, files.SavedFile{Path: f.Path, Contents: f.Contents, Purpose: f.Purpose})
	}
	if _, err := o.files.SaveGeneratedFiles(saved, phaseName); err != nil {
		return err
	}
	o.broadcastState()
	return nil
}

// CaptureScreenshot records a preview screenshot on the registry row.
// The render itself is delegated to the sandbox service's browser.
func (o *Orchestrator) CaptureScreenshot(ctx context.Context, pageURL string, viewportWidth, viewportHeight int) error {
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvScreenshotCaptureStarted, protocol.ScreenshotPayload{URL: pageURL}))

	var result struct {
		ScreenshotURL string `json:"screenshot_url"`
	}
	args := struct {
		URL    string `json:"url"`
		Width  int    `json:"width,omitempty"`
		Height int    `json:"height,omitempty"`
	}{URL: pageURL, Width: viewportWidth, Height: viewportHeight}
	if err := o.sandbox.Call(ctx, o.deploy.SessionID(), "capture_screenshot", args, &result); err != nil {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvScreenshotCaptureError, protocol.ScreenshotPayload{Error: err.Error()}))
		return err
	}

	if state := o.store.Get(); state != nil && o.registry.Enabled() {
		if err := o.registry.UpdateApp(ctx, state.ID, registry.AppPatch{
			ScreenshotURL: registry.StringPtr(result.ScreenshotURL),
		}); err != nil {
			debug.Logf("registry screenshot update failed: %v", err)
		}
	}
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvScreenshotCaptureSuccess, protocol.ScreenshotPayload{
		ScreenshotURL: result.ScreenshotURL,
	}))
	return nil
}

// PushToGitHub exports the git objects and pushes them to the remote
// repository, with progress events and a registry update on success.
func (o *Orchestrator) PushToGitHub(ctx context.Context, opts ghexport.Options) (*ghexport.Result, error) {
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvGithubExportStarted, nil))

	state := o.store.Get()
	if state == nil {
		return nil, types.ErrNotFound
	}
	objects, err := o.git.ExportObjects()
	if err != nil {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvGithubExportError, protocol.GithubExportPayload{Error: err.Error()}))
		return nil, err
	}
	details, err := o.templateDetails()
	if err != nil {
		details = &types.TemplateDetails{}
	}

	result, err := o.exporter.Push(ctx, opts, objects, ghexport.Meta{
		AppCreatedAt:    state.CreatedAt,
		Query:           state.Query,
		TemplateDetails: details,
	}, func(step string) {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvGithubExportProgress, protocol.GithubExportPayload{Step: step}))
	})
	if err != nil {
		o.bcast.Broadcast(protocol.NewEvent(protocol.EvGithubExportError, protocol.GithubExportPayload{Error: err.Error()}))
		return nil, err
	}

	if o.registry.Enabled() {
		if regErr := o.registry.UpdateApp(ctx, state.ID, registry.AppPatch{
			GithubRepositoryURL: registry.StringPtr(result.RepositoryURL),
		}); regErr != nil {
			debug.Logf("registry github url update failed: %v", regErr)
		}
	}
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvGithubExportCompleted, protocol.GithubExportPayload{
		CommitSha:     result.CommitSha,
		RepositoryURL: result.RepositoryURL,
	}))
	return result, nil
}

// GitLog exposes the commit history.
func (o *Orchestrator) GitLog(limit int) ([]gitstore.CommitInfo, error) { return o.git.Log(limit) }

// GitShow exposes one commit.
func (o *Orchestrator) GitShow(oid string, includeDiff bool) (*gitstore.CommitDetail, error) {
	return o.git.Show(oid, includeDiff)
}

// GitReset moves HEAD. Destructive with hard=true: the generated
// files map is rewritten to match.
func (o *Orchestrator) GitReset(oid string, hard bool) error {
	if err := o.git.Reset(oid, hard); err != nil {
		return err
	}
	o.broadcastState()
	return nil
}

// ConversationForUI returns the filtered running history.
func (o *Orchestrator) ConversationForUI() ([]types.Message, error) {
	_, running, err := o.log.Get()
	if err != nil {
		return nil, err
	}
	return conversation.FilterForUI(running), nil
}

// State returns a snapshot for read-only callers.
func (o *Orchestrator) State() *types.ProjectState { return o.store.Get() }

// ModelConfigs reports the active model configuration.
func (o *Orchestrator) ModelConfigs() protocol.ModelConfigsPayload {
	return protocol.ModelConfigsPayload{
		Model:     o.inference.Model(),
		MaxTokens: o.inference.MaxTokens(),
	}
}
