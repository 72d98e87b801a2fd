package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/files"
	"github.com/untoldecay/CodeLoom/internal/inference"
	"github.com/untoldecay/CodeLoom/internal/ops"
	"github.com/untoldecay/CodeLoom/internal/registry"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// machineDriver adapts the orchestrator to the state machine's
// Driver interface, keeping the two method surfaces apart.
type machineDriver struct {
	o *Orchestrator
}

func (d *machineDriver) PlanNextPhase(ctx context.Context, issues []types.Issue, user ops.UserContext, isUserSuggested bool) (*ops.NextPhaseResult, error) {
	octx, err := d.o.opsContext()
	if err != nil {
		return nil, err
	}
	user.Images = append(user.Images, d.o.takeImages("queued")...)
	return ops.PlanNextPhase(ctx, octx, ops.NextPhaseRequest{
		Issues:          issues,
		User:            user,
		IsUserSuggested: isUserSuggested,
	})
}

func (d *machineDriver) ImplementPhase(ctx context.Context, req ops.ImplementRequest, cb ops.ImplementCallbacks) (*ops.ImplementResult, error) {
	octx, err := d.o.opsContext()
	if err != nil {
		return nil, err
	}
	return ops.ImplementPhase(ctx, octx, req, cb)
}

func (d *machineDriver) SaveGeneratedFiles(saved []files.SavedFile, commitMessage string) ([]types.GeneratedFile, error) {
	out, err := d.o.files.SaveGeneratedFiles(saved, commitMessage)
	if err == nil {
		d.o.broadcastState()
	}
	return out, err
}

func (d *machineDriver) DeleteFiles(paths []string) error {
	return d.o.files.DeleteFiles(paths)
}

func (d *machineDriver) AllFiles() ([]types.TemplateFile, error) {
	return d.o.files.GetAllFiles()
}

func (d *machineDriver) DeployToSandbox(ctx context.Context, commitMessage string, clearLogs bool) (string, error) {
	if err := d.o.DeployToSandbox(ctx, false, commitMessage, clearLogs); err != nil {
		return "", err
	}
	return d.o.deploy.PreviewURL(), nil
}

func (d *machineDriver) RunStaticAnalysis(ctx context.Context, paths []string) (*types.StaticAnalysis, error) {
	if d.o.deploy.SessionID() == "" {
		return &types.StaticAnalysis{Success: true}, nil
	}
	return d.o.sandbox.RunStaticAnalysis(ctx, d.o.deploy.SessionID(), paths)
}

func (d *machineDriver) ExecuteCommands(ctx context.Context, commands []string, timeoutMs int) ([]types.CommandResult, error) {
	result, err := d.o.sandbox.ExecuteCommands(ctx, d.o.deploy.SessionID(), commands, timeoutMs)
	if err != nil {
		return nil, err
	}
	return result.Results, nil
}

// SuggestAlternativeCommands is the project setup assistant: given
// failed install commands, it asks the model for replacements.
func (d *machineDriver) SuggestAlternativeCommands(ctx context.Context, failed []types.CommandResult) ([]string, error) {
	var b strings.Builder
	b.WriteString("These sandbox commands failed:\n")
	for _, f := range failed {
		fmt.Fprintf(&b, "$ %s\n%s\n", f.Command, firstNonEmpty(f.Stderr, f.Stdout))
	}
	b.WriteString("\nSuggest replacement commands that achieve the same result (bun-based, one per line, no prose). Respond with NONE if there is no sensible alternative.")

	resp, err := d.o.inference.Complete(ctx, inference.Request{
		Messages: []anthropic.MessageParam{inference.TextMessage(types.RoleUser, b.String())},
	})
	if err != nil {
		return nil, err
	}
	if strings.Contains(resp.Text, "NONE") {
		return nil, nil
	}
	return strings.Split(resp.Text, "\n"), nil
}

func (d *machineDriver) FastFix(ctx context.Context, issues []types.Issue) ([]ops.GenFile, error) {
	octx, err := d.o.opsContext()
	if err != nil {
		return nil, err
	}
	all, err := d.o.files.GetAllFiles()
	if err != nil {
		return nil, err
	}
	return ops.FastCodeFixer(ctx, octx, octx.State.Query, issues, all)
}

func (d *machineDriver) SyncPackageJSON(ctx context.Context) error {
	return d.o.SyncPackageJSON(ctx)
}

func (d *machineDriver) MarkCompleted(ctx context.Context) {
	state := d.o.store.Get()
	if state == nil || !d.o.registry.Enabled() {
		return
	}
	if err := d.o.registry.UpdateApp(ctx, state.ID, registry.AppPatch{
		Status: registry.StringPtr("completed"),
	}); err != nil {
		debug.Logf("registry completion update failed: %v", err)
	}
}

// SyncPackageJSON pulls package.json back from the sandbox after
// dependency-mutating commands and commits it when it changed.
func (o *Orchestrator) SyncPackageJSON(ctx context.Context) error {
	sessionID := o.deploy.SessionID()
	if sessionID == "" {
		return nil
	}
	result, err := o.sandbox.GetFiles(ctx, sessionID, []string{"package.json"})
	if err != nil {
		return err
	}
	if !result.Success || len(result.Files) == 0 {
		return nil
	}
	contents := result.Files[0].Contents

	state := o.store.Get()
	if state != nil && state.LastPackageJSON == contents {
		return nil
	}
	if err := o.store.Mutate(func(s *types.ProjectState) error {
		s.LastPackageJSON = contents
		return nil
	}); err != nil {
		return err
	}
	_, err = o.files.SaveGeneratedFiles([]files.SavedFile{{
		Path:     "package.json",
		Contents: contents,
		Purpose:  "Package manifest",
	}}, "Sync package.json from sandbox")
	return err
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
