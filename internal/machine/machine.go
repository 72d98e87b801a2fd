// Package machine drives the phase lifecycle: plan, implement,
// validate, fix, review, finalize. One run is active per project at
// most; concurrent callers share the same completion.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/untoldecay/CodeLoom/internal/broadcast"
	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/files"
	"github.com/untoldecay/CodeLoom/internal/ops"
	"github.com/untoldecay/CodeLoom/internal/protocol"
	"github.com/untoldecay/CodeLoom/internal/store"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// minRechargedPhases is the floor queueUserRequest resets the phase
// counter to.
const minRechargedPhases = 3

// Driver is the set of orchestrator capabilities the state machine
// needs. The agent implements it; tests substitute fakes.
type Driver interface {
	PlanNextPhase(ctx context.Context, issues []types.Issue, user ops.UserContext, isUserSuggested bool) (*ops.NextPhaseResult, error)
	ImplementPhase(ctx context.Context, req ops.ImplementRequest, cb ops.ImplementCallbacks) (*ops.ImplementResult, error)

	SaveGeneratedFiles(saved []files.SavedFile, commitMessage string) ([]types.GeneratedFile, error)
	DeleteFiles(paths []string) error
	AllFiles() ([]types.TemplateFile, error)

	DeployToSandbox(ctx context.Context, commitMessage string, clearLogs bool) (string, error)
	RunStaticAnalysis(ctx context.Context, paths []string) (*types.StaticAnalysis, error)
	ExecuteCommands(ctx context.Context, commands []string, timeoutMs int) ([]types.CommandResult, error)
	SuggestAlternativeCommands(ctx context.Context, failed []types.CommandResult) ([]string, error)
	FastFix(ctx context.Context, issues []types.Issue) ([]ops.GenFile, error)
	SyncPackageJSON(ctx context.Context) error
	MarkCompleted(ctx context.Context)
}

// Machine owns one project's generation lifecycle.
type Machine struct {
	store  *store.Store
	bcast  *broadcast.Broadcaster
	driver Driver

	// PostPhaseFixing enables the deterministic/smart fixing pass
	// after each implemented phase.
	PostPhaseFixing bool

	mu      sync.Mutex
	runDone chan struct{}
	cancel  context.CancelFunc
}

// New creates a state machine.
func New(st *store.Store, bcast *broadcast.Broadcaster, driver Driver) *Machine {
	return &Machine{store: st, bcast: bcast, driver: driver, PostPhaseFixing: true}
}

// IsGenerating reports whether a run is active.
func (m *Machine) IsGenerating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runDone != nil
}

// Stop cancels the active run, if any, and waits for it to unwind.
// When Stop returns, generation_stopped has been broadcast and
// IsGenerating reports false. Persisted state is preserved.
func (m *Machine) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.runDone
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// GenerateAllFiles enters the state machine. Re-entry while a run is
// active awaits the same completion instead of starting a second run.
// A project whose MVP is generated with no pending inputs is a no-op.
func (m *Machine) GenerateAllFiles(ctx context.Context, reviewCycles int) error {
	m.mu.Lock()
	if m.runDone != nil {
		done := m.runDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	state := m.store.Get()
	if state == nil {
		m.mu.Unlock()
		return fmt.Errorf("generate before initialize: %w", types.ErrNotFound)
	}
	if state.MVPGenerated && len(state.PendingUserInputs) == 0 && state.IncompletePhase() == nil {
		m.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.runDone = done
	m.cancel = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.runDone = nil
		m.cancel = nil
		m.mu.Unlock()
		close(done)
	}()

	return m.run(runCtx, reviewCycles)
}

func (m *Machine) run(ctx context.Context, reviewCycles int) error {
	if reviewCycles <= 0 {
		reviewCycles = 5
	}
	if reviewCycles > 10 {
		reviewCycles = 10
	}

	_ = m.store.Mutate(func(s *types.ProjectState) error {
		s.ShouldBeGenerating = true
		s.ReviewCycles = reviewCycles
		return nil
	})
	m.bcast.Broadcast(protocol.NewEvent(protocol.EvGenerationStarted, nil))

	err := m.loop(ctx, reviewCycles)

	switch {
	case err == nil:
		m.driver.MarkCompleted(context.Background())
		m.setDevState(types.StateIdle, false)
		m.bcast.Broadcast(protocol.NewEvent(protocol.EvGenerationComplete, nil))
	case errors.Is(err, context.Canceled):
		m.setDevState(types.StateIdle, true)
		m.bcast.Broadcast(protocol.NewEvent(protocol.EvGenerationStopped, protocol.GenerationPayload{
			Message: "Generation stopped by user.",
		}))
		return nil
	case errors.Is(err, types.ErrRateLimitExceeded):
		m.setDevState(types.StateIdle, false)
		m.bcast.Broadcast(protocol.NewEvent(protocol.EvRateLimitError, protocol.ErrorPayload{
			Message: "Model rate limit exceeded.",
			Details: err.Error(),
		}))
	default:
		m.setDevState(types.StateIdle, false)
		m.bcast.Broadcast(protocol.NewEvent(protocol.EvError, protocol.ErrorPayload{
			Message: err.Error(),
		}))
	}
	return err
}

// setDevState records the dev state. keepShould preserves
// shouldBeGenerating so a stopped run resumes after restart.
func (m *Machine) setDevState(state types.DevState, keepShould bool) {
	_ = m.store.Mutate(func(s *types.ProjectState) error {
		s.CurrentDevState = state
		if !keepShould {
			s.ShouldBeGenerating = false
		}
		return nil
	})
}

// loop runs the transition table until the run reaches IDLE.
func (m *Machine) loop(ctx context.Context, reviewCycles int) error {
	state := m.store.Get()

	// Entry selection: resume an incomplete phase, continue planning,
	// or bootstrap from the blueprint's initial phase.
	var current *types.Phase
	devState := types.StatePhaseGenerating
	if p := state.IncompletePhase(); p != nil {
		current = p
		devState = types.StatePhaseImplementing
	} else if len(state.GeneratedPhases) == 0 {
		if state.Blueprint == nil || state.Blueprint.InitialPhase == nil {
			return fmt.Errorf("no blueprint initial phase to start from")
		}
		initial := *state.Blueprint.InitialPhase
		initial.Completed = false
		if err := m.store.Mutate(func(s *types.ProjectState) error {
			s.GeneratedPhases = append(s.GeneratedPhases, &initial)
			return nil
		}); err != nil {
			return err
		}
		current = &initial
		devState = types.StatePhaseImplementing
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch devState {
		case types.StatePhaseGenerating:
			phase, err := m.generatePhase(ctx)
			if err != nil {
				return err
			}
			if phase == nil {
				devState = types.StateFinalizing
				continue
			}
			current = phase
			devState = types.StatePhaseImplementing

		case types.StatePhaseImplementing:
			next, err := m.implementPhase(ctx, current)
			if err != nil {
				return err
			}
			devState = next
			current = nil

		case types.StateFinalizing:
			if err := m.finalize(ctx, reviewCycles); err != nil {
				return err
			}
			devState = types.StateReviewing

		case types.StateReviewing:
			if err := m.review(ctx); err != nil {
				return err
			}
			return nil

		default:
			return fmt.Errorf("unexpected dev state %s", devState)
		}
	}
}

// generatePhase plans the next phase, consuming pending user inputs.
// A nil phase means the project is done.
func (m *Machine) generatePhase(ctx context.Context) (*types.Phase, error) {
	m.setTransientState(types.StatePhaseGenerating)
	m.bcast.Broadcast(protocol.NewEvent(protocol.EvPhaseGenerating, nil))

	state := m.store.Get()
	user := ops.UserContext{Suggestions: state.PendingUserInputs}
	isUserSuggested := len(user.Suggestions) > 0

	analysis, analysisErr := m.driver.RunStaticAnalysis(ctx, nil)
	var issues []types.Issue
	if analysisErr == nil && analysis != nil {
		issues = append(issues, analysis.Lint.Issues...)
		issues = append(issues, analysis.Typecheck.Issues...)
	} else if analysisErr != nil {
		debug.Logf("static analysis before planning failed: %v", analysisErr)
	}

	result, err := m.driver.PlanNextPhase(ctx, issues, user, isUserSuggested)
	if err != nil {
		return nil, err
	}

	if isUserSuggested {
		if err := m.store.Mutate(func(s *types.ProjectState) error {
			s.PendingUserInputs = nil
			return nil
		}); err != nil {
			return nil, err
		}
	}
	if result == nil {
		return nil, nil
	}

	if err := m.store.Mutate(func(s *types.ProjectState) error {
		s.GeneratedPhases = append(s.GeneratedPhases, result.Phase)
		s.CurrentPhase = result.Phase.Name
		return nil
	}); err != nil {
		return nil, err
	}
	m.bcast.Broadcast(protocol.NewEvent(protocol.EvPhaseGenerated, protocol.PhasePayload{Phase: result.Phase}))

	if len(result.InstallCommands) > 0 {
		if _, err := m.runCommandPipeline(ctx, result.InstallCommands); err != nil {
			debug.Logf("install commands failed: %v", err)
		}
	}
	if len(result.FilesToDelete) > 0 {
		if err := m.driver.DeleteFiles(result.FilesToDelete); err != nil {
			debug.Logf("deleting planned files failed: %v", err)
		}
	}
	return result.Phase, nil
}

// implementPhase runs one phase end to end and returns the next dev
// state.
func (m *Machine) implementPhase(ctx context.Context, phase *types.Phase) (types.DevState, error) {
	if phase == nil {
		// Resumed runs land here with the phase from state.
		if p := m.store.Get().IncompletePhase(); p != nil {
			phase = p
		} else {
			return types.StateFinalizing, nil
		}
	}

	m.setTransientState(types.StatePhaseImplementing)
	m.bcast.Broadcast(protocol.NewEvent(protocol.EvPhaseImplementing, protocol.PhasePayload{Phase: phase}))

	state := m.store.Get()
	isFirst := len(state.GeneratedPhases) == 1

	cb := ops.ImplementCallbacks{
		OnFileStart: func(path, purpose string) {
			m.bcast.Broadcast(protocol.NewEvent(protocol.EvFileGenerating, protocol.FilePayload{Path: path, Purpose: purpose}))
		},
		OnFileChunk: func(path, chunk string) {
			m.bcast.Broadcast(protocol.NewEvent(protocol.EvFileChunkGenerated, protocol.FilePayload{Path: path, Chunk: chunk}))
		},
		OnFileDone: func(f ops.GenFile) {
			m.bcast.Broadcast(protocol.NewEvent(protocol.EvFileGenerated, protocol.FilePayload{Path: f.Path, Purpose: f.Purpose}))
		},
	}

	result, err := m.driver.ImplementPhase(ctx, ops.ImplementRequest{
		Phase:        phase,
		IsFirstPhase: isFirst,
		User:         ops.UserContext{Suggestions: state.PendingUserInputs},
		RealtimeFix:  true,
	}, cb)
	if err != nil {
		return "", err
	}

	// Await realtime fixes and fold them over the raw stream output.
	finalFiles := mergeFixed(result.Files, result.FixedFiles())

	m.bcast.Broadcast(protocol.NewEvent(protocol.EvPhaseValidating, protocol.PhasePayload{Phase: phase}))
	analysis, err := m.driver.RunStaticAnalysis(ctx, pathsOf(finalFiles))
	if err != nil {
		debug.Logf("phase validation analysis failed: %v", err)
	} else {
		m.bcast.Broadcast(protocol.NewEvent(protocol.EvStaticAnalysisResults, protocol.AnalysisPayload{Analysis: analysis}))
	}
	m.bcast.Broadcast(protocol.NewEvent(protocol.EvPhaseValidated, protocol.PhasePayload{Phase: phase}))

	if len(finalFiles) > 0 {
		saved := make([]files.SavedFile, 0, len(finalFiles))
		for _, f := range finalFiles {
			saved = append(saved, files.SavedFile{Path: f.Path, Contents: f.Contents, Purpose: f.Purpose})
		}
		if _, err := m.driver.SaveGeneratedFiles(saved, phase.Name); err != nil {
			return "", err
		}
		if _, err := m.driver.DeployToSandbox(ctx, phase.Name, false); err != nil {
			debug.Logf("phase deploy failed: %v", err)
		}
		if m.PostPhaseFixing {
			m.postPhaseFix(ctx, analysis)
		}
	}

	if len(result.Commands) > 0 {
		if _, err := m.runCommandPipeline(ctx, result.Commands); err != nil {
			debug.Logf("phase commands failed: %v", err)
		}
	}

	if err := m.store.Mutate(func(s *types.ProjectState) error {
		if p := s.PhaseByID(phase.ID); p != nil {
			p.Completed = true
		}
		s.PhasesCounter--
		s.CurrentPhase = ""
		return nil
	}); err != nil {
		return "", err
	}
	m.bcast.Broadcast(protocol.NewEvent(protocol.EvPhaseImplemented, protocol.PhasePayload{Phase: phase}))

	state = m.store.Get()
	if (phase.LastPhase || state.PhasesCounter <= 0) && len(state.PendingUserInputs) == 0 {
		return types.StateFinalizing, nil
	}
	return types.StatePhaseGenerating, nil
}

// postPhaseFix runs the deterministic fixer and, in smart mode, the
// LLM fixer over the remaining issues.
func (m *Machine) postPhaseFix(ctx context.Context, analysis *types.StaticAnalysis) {
	if analysis == nil {
		return
	}
	typeIssues := analysis.Typecheck.Issues
	if len(typeIssues) == 0 && len(analysis.Lint.Issues) == 0 {
		return
	}

	m.bcast.Broadcast(protocol.NewEvent(protocol.EvDeterministicCodeFixStarted, nil))
	allFiles, err := m.driver.AllFiles()
	if err != nil {
		debug.Logf("post-phase fix: listing files failed: %v", err)
		return
	}
	det := ops.DeterministicFixer(allFiles, typeIssues)
	if len(det.ModifiedFiles) > 0 {
		saved := make([]files.SavedFile, 0, len(det.ModifiedFiles))
		for _, f := range det.ModifiedFiles {
			saved = append(saved, files.SavedFile{Path: f.Path, Contents: f.Contents})
		}
		if _, err := m.driver.SaveGeneratedFiles(saved, "Deterministic code fixes"); err != nil {
			debug.Logf("saving deterministic fixes failed: %v", err)
		}
	}
	if len(det.InstallCommands) > 0 {
		if _, err := m.runCommandPipeline(ctx, det.InstallCommands); err != nil {
			debug.Logf("deterministic install commands failed: %v", err)
		}
	}
	m.bcast.Broadcast(protocol.NewEvent(protocol.EvDeterministicCodeFixCompleted, nil))

	if m.store.Get().AgentMode != types.ModeSmart {
		return
	}
	remaining := append(append([]types.Issue(nil), det.UnfixableIssues...), analysis.Lint.Issues...)
	if len(remaining) == 0 {
		return
	}
	fixed, err := m.driver.FastFix(ctx, remaining)
	if err != nil {
		debug.Logf("fast fixer failed: %v", err)
		return
	}
	if len(fixed) > 0 {
		saved := make([]files.SavedFile, 0, len(fixed))
		for _, f := range fixed {
			saved = append(saved, files.SavedFile{Path: f.Path, Contents: f.Contents, Purpose: f.Purpose})
		}
		if _, err := m.driver.SaveGeneratedFiles(saved, "Code fixes"); err != nil {
			debug.Logf("saving fast fixes failed: %v", err)
		}
	}
}

// finalize runs the one-time finalization pass: review cycles of
// analyze-and-fix, then a final deploy. Guarded by mvpGenerated so it
// runs at most once per project.
func (m *Machine) finalize(ctx context.Context, reviewCycles int) error {
	m.setTransientState(types.StateFinalizing)

	state := m.store.Get()
	if state.MVPGenerated {
		return nil
	}

	for cycle := 0; cycle < reviewCycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.bcast.Broadcast(protocol.NewEvent(protocol.EvCodeReviewing, nil))
		analysis, err := m.driver.RunStaticAnalysis(ctx, nil)
		if err != nil {
			debug.Logf("review cycle %d analysis failed: %v", cycle+1, err)
			break
		}
		issues := append(append([]types.Issue(nil), analysis.Lint.Issues...), analysis.Typecheck.Issues...)
		m.bcast.Broadcast(protocol.NewEvent(protocol.EvCodeReviewed, protocol.AnalysisPayload{Analysis: analysis}))
		if len(issues) == 0 {
			break
		}
		fixed, err := m.driver.FastFix(ctx, issues)
		if err != nil {
			return err
		}
		if len(fixed) == 0 {
			break
		}
		saved := make([]files.SavedFile, 0, len(fixed))
		for _, f := range fixed {
			saved = append(saved, files.SavedFile{Path: f.Path, Contents: f.Contents, Purpose: f.Purpose})
		}
		if _, err := m.driver.SaveGeneratedFiles(saved, fmt.Sprintf("Review fixes (cycle %d)", cycle+1)); err != nil {
			return err
		}
		if _, err := m.driver.DeployToSandbox(ctx, "Review fixes", false); err != nil {
			debug.Logf("review deploy failed: %v", err)
		}
	}

	return m.store.Mutate(func(s *types.ProjectState) error {
		s.MVPGenerated = true
		return nil
	})
}

// review asks the user (once) whether remaining issues should be
// auto-fixed, then ends the run.
func (m *Machine) review(ctx context.Context) error {
	m.setTransientState(types.StateReviewing)

	state := m.store.Get()
	if state.ReviewingInitiated {
		return nil
	}

	analysis, err := m.driver.RunStaticAnalysis(ctx, nil)
	if err == nil && analysis != nil {
		issues := len(analysis.Lint.Issues) + len(analysis.Typecheck.Issues)
		if issues > 0 {
			m.bcast.Broadcast(protocol.NewEvent(protocol.EvConversationResponse, protocol.ConversationPayload{
				Message: fmt.Sprintf("The build finished with %d outstanding issue(s). Want me to try fixing them automatically?", issues),
			}))
		}
	}

	return m.store.Mutate(func(s *types.ProjectState) error {
		s.ReviewingInitiated = true
		return nil
	})
}

// setTransientState records dev state mid-run without touching
// shouldBeGenerating.
func (m *Machine) setTransientState(state types.DevState) {
	_ = m.store.Mutate(func(s *types.ProjectState) error {
		s.CurrentDevState = state
		return nil
	})
}

// QueueUserRequest enqueues a pending user input and recharges the
// phase counter.
func (m *Machine) QueueUserRequest(text string) error {
	return m.store.Mutate(func(s *types.ProjectState) error {
		s.PendingUserInputs = append(s.PendingUserInputs, text)
		if s.PhasesCounter < minRechargedPhases {
			s.PhasesCounter = minRechargedPhases
		}
		return nil
	})
}

func mergeFixed(raw, fixed []ops.GenFile) []ops.GenFile {
	if len(fixed) == 0 {
		return raw
	}
	byPath := make(map[string]ops.GenFile, len(fixed))
	for _, f := range fixed {
		byPath[f.Path] = f
	}
	out := make([]ops.GenFile, 0, len(raw))
	for _, f := range raw {
		if fx, ok := byPath[f.Path]; ok {
			if fx.Purpose == "" {
				fx.Purpose = f.Purpose
			}
			out = append(out, fx)
			continue
		}
		out = append(out, f)
	}
	return out
}

func pathsOf(files []ops.GenFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}
