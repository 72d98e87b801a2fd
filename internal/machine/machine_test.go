package machine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/untoldecay/CodeLoom/internal/broadcast"
	"github.com/untoldecay/CodeLoom/internal/files"
	"github.com/untoldecay/CodeLoom/internal/ops"
	"github.com/untoldecay/CodeLoom/internal/store"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// fakeDriver satisfies Driver with canned behavior for machine tests.
type fakeDriver struct {
	mu sync.Mutex

	implemented []string
	planned     int
	plansLeft   int

	implementDelay time.Duration
	implementCalls atomic.Int32
	blockImplement chan struct{}
}

func (f *fakeDriver) PlanNextPhase(ctx context.Context, issues []types.Issue, user ops.UserContext, isUserSuggested bool) (*ops.NextPhaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plansLeft <= 0 {
		return nil, nil
	}
	f.plansLeft--
	f.planned++
	return &ops.NextPhaseResult{Phase: &types.Phase{
		ID:   "planned",
		Name: "Planned phase",
		Files: []types.FileConcept{
			{Path: "src/extra.ts", Purpose: "extra"},
		},
	}}, nil
}

func (f *fakeDriver) ImplementPhase(ctx context.Context, req ops.ImplementRequest, cb ops.ImplementCallbacks) (*ops.ImplementResult, error) {
	f.implementCalls.Add(1)
	if f.blockImplement != nil {
		select {
		case <-f.blockImplement:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.implementDelay > 0 {
		select {
		case <-time.After(f.implementDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.implemented = append(f.implemented, req.Phase.Name)
	f.mu.Unlock()
	return &ops.ImplementResult{Files: []ops.GenFile{
		{Path: "src/out.ts", Contents: "done", Purpose: "output"},
	}}, nil
}

func (f *fakeDriver) SaveGeneratedFiles(saved []files.SavedFile, msg string) ([]types.GeneratedFile, error) {
	out := make([]types.GeneratedFile, 0, len(saved))
	for _, s := range saved {
		out = append(out, types.GeneratedFile{Path: s.Path, Contents: s.Contents})
	}
	return out, nil
}
func (f *fakeDriver) DeleteFiles(paths []string) error            { return nil }
func (f *fakeDriver) AllFiles() ([]types.TemplateFile, error)     { return nil, nil }
func (f *fakeDriver) DeployToSandbox(ctx context.Context, msg string, clearLogs bool) (string, error) {
	return "https://preview.example", nil
}
func (f *fakeDriver) RunStaticAnalysis(ctx context.Context, paths []string) (*types.StaticAnalysis, error) {
	return &types.StaticAnalysis{Success: true}, nil
}
func (f *fakeDriver) ExecuteCommands(ctx context.Context, cmds []string, timeoutMs int) ([]types.CommandResult, error) {
	out := make([]types.CommandResult, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, types.CommandResult{Command: c, Success: true})
	}
	return out, nil
}
func (f *fakeDriver) SuggestAlternativeCommands(ctx context.Context, failed []types.CommandResult) ([]string, error) {
	return nil, nil
}
func (f *fakeDriver) FastFix(ctx context.Context, issues []types.Issue) ([]ops.GenFile, error) {
	return nil, nil
}
func (f *fakeDriver) SyncPackageJSON(ctx context.Context) error { return nil }
func (f *fakeDriver) MarkCompleted(ctx context.Context)         {}

func newTestMachine(t *testing.T, state *types.ProjectState, driver *fakeDriver) (*Machine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loom.db"), "test")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Set(state); err != nil {
		t.Fatal(err)
	}
	m := New(st, broadcast.New(), driver)
	m.PostPhaseFixing = false
	return m, st
}

func baseState() *types.ProjectState {
	return &types.ProjectState{
		ID:                "p1",
		CreatedAt:         time.Now(),
		ProjectName:       "demo-app",
		AgentMode:         types.ModeDeterministic,
		GeneratedFilesMap: map[string]*types.GeneratedFile{},
		PhasesCounter:     2,
		Blueprint: &types.Blueprint{
			Title: "Demo",
			InitialPhase: &types.Phase{
				ID:   "initial",
				Name: "Setup",
				Files: []types.FileConcept{
					{Path: "src/out.ts", Purpose: "output"},
				},
			},
		},
	}
}

func TestRunFromBlueprintInitialPhase(t *testing.T) {
	driver := &fakeDriver{}
	m, st := newTestMachine(t, baseState(), driver)

	if err := m.GenerateAllFiles(context.Background(), 1); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	state := st.Get()
	if state.CurrentDevState != types.StateIdle {
		t.Errorf("dev state = %s, want IDLE", state.CurrentDevState)
	}
	if !state.MVPGenerated {
		t.Error("mvpGenerated not set")
	}
	if len(driver.implemented) == 0 || driver.implemented[0] != "Setup" {
		t.Errorf("initial phase not implemented first: %v", driver.implemented)
	}
	if p := state.PhaseByID("initial"); p == nil || !p.Completed {
		t.Error("initial phase not marked completed")
	}
}

func TestResumeEntersImplementingOnIncompletePhase(t *testing.T) {
	state := baseState()
	state.GeneratedPhases = []*types.Phase{
		{ID: "setup", Name: "Setup", Completed: true},
		{ID: "api", Name: "API", Completed: false, LastPhase: true},
	}
	state.ShouldBeGenerating = true
	driver := &fakeDriver{}
	m, st := newTestMachine(t, state, driver)

	if err := m.GenerateAllFiles(context.Background(), 1); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if driver.planned != 0 {
		t.Errorf("resume planned a new phase instead of implementing API")
	}
	if len(driver.implemented) == 0 || driver.implemented[0] != "API" {
		t.Errorf("resume did not implement the incomplete phase: %v", driver.implemented)
	}
	if p := st.Get().PhaseByID("api"); p == nil || !p.Completed {
		t.Error("resumed phase not completed")
	}
}

func TestSingleFlight(t *testing.T) {
	driver := &fakeDriver{implementDelay: 100 * time.Millisecond}
	m, _ := newTestMachine(t, baseState(), driver)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.GenerateAllFiles(context.Background(), 1)
		}()
	}
	wg.Wait()

	if calls := driver.implementCalls.Load(); calls != 1 {
		t.Errorf("expected exactly 1 underlying run, implement called %d times", calls)
	}
}

func TestStopCancelsRun(t *testing.T) {
	driver := &fakeDriver{blockImplement: make(chan struct{})}
	m, st := newTestMachine(t, baseState(), driver)

	runErr := make(chan error, 1)
	go func() { runErr <- m.GenerateAllFiles(context.Background(), 1) }()

	// Wait until the run is inside ImplementPhase.
	deadline := time.Now().Add(2 * time.Second)
	for driver.implementCalls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run never reached ImplementPhase")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Stop()

	if m.IsGenerating() {
		t.Error("IsGenerating still true after Stop returned")
	}
	if err := <-runErr; err != nil {
		t.Errorf("cancelled run surfaced error: %v", err)
	}
	state := st.Get()
	if state.CurrentDevState != types.StateIdle {
		t.Errorf("dev state after stop = %s", state.CurrentDevState)
	}
	if !state.ShouldBeGenerating {
		t.Error("stop must preserve shouldBeGenerating for resume-after-restart")
	}
	if p := state.PhaseByID("initial"); p == nil || p.Completed {
		t.Error("cancelled phase must stay incomplete")
	}
}

func TestNoOpWhenMVPGenerated(t *testing.T) {
	state := baseState()
	state.MVPGenerated = true
	state.GeneratedPhases = []*types.Phase{{ID: "setup", Name: "Setup", Completed: true}}
	driver := &fakeDriver{}
	m, _ := newTestMachine(t, state, driver)

	if err := m.GenerateAllFiles(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if driver.implementCalls.Load() != 0 {
		t.Error("no-op entry still ran the machine")
	}
}

func TestQueueUserRequestRecharges(t *testing.T) {
	state := baseState()
	state.PhasesCounter = 0
	driver := &fakeDriver{}
	m, st := newTestMachine(t, state, driver)

	if err := m.QueueUserRequest("add dark mode"); err != nil {
		t.Fatal(err)
	}
	got := st.Get()
	if got.PhasesCounter < 3 {
		t.Errorf("phasesCounter = %d, want >= 3", got.PhasesCounter)
	}
	if len(got.PendingUserInputs) != 1 || got.PendingUserInputs[0] != "add dark mode" {
		t.Errorf("pending inputs = %v", got.PendingUserInputs)
	}
}
