package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/CodeLoom/internal/types"
)

func openTest(t *testing.T, path string) *Store {
	t.Helper()
	st, err := Open(path, "test")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedState() *types.ProjectState {
	return &types.ProjectState{
		ID:                "p1",
		CreatedAt:         time.Now().UTC(),
		Query:             "build a todo app",
		ProjectName:       "todo-app",
		GeneratedFilesMap: map[string]*types.GeneratedFile{},
		PhasesCounter:     3,
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	st := openTest(t, filepath.Join(t.TempDir(), "loom.db"))
	if st.Get() != nil {
		t.Fatal("empty store returned state")
	}
	if err := st.Set(seedState()); err != nil {
		t.Fatal(err)
	}
	got := st.Get()
	if got == nil || got.ProjectName != "todo-app" {
		t.Fatalf("round trip lost data: %+v", got)
	}
}

func TestGetReturnsIsolatedSnapshot(t *testing.T) {
	st := openTest(t, filepath.Join(t.TempDir(), "loom.db"))
	if err := st.Set(seedState()); err != nil {
		t.Fatal(err)
	}
	snap := st.Get()
	snap.ProjectName = "mutated-locally"
	snap.GeneratedFilesMap["x"] = &types.GeneratedFile{Path: "x"}

	if fresh := st.Get(); fresh.ProjectName != "todo-app" || len(fresh.GeneratedFilesMap) != 0 {
		t.Error("snapshot mutation leaked into the store")
	}
}

func TestMutatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.db")
	st := openTest(t, path)
	if err := st.Set(seedState()); err != nil {
		t.Fatal(err)
	}
	if err := st.Mutate(func(s *types.ProjectState) error {
		s.PhasesCounter = 7
		s.MVPGenerated = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openTest(t, path)
	got := reopened.Get()
	if got == nil || got.PhasesCounter != 7 || !got.MVPGenerated {
		t.Fatalf("mutation not durable: %+v", got)
	}
}

func TestMutateErrorLeavesStateUntouched(t *testing.T) {
	st := openTest(t, filepath.Join(t.TempDir(), "loom.db"))
	if err := st.Set(seedState()); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err := st.Mutate(func(s *types.ProjectState) error {
		s.PhasesCounter = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if st.Get().PhasesCounter != 3 {
		t.Error("failed mutation changed state")
	}
}

func TestLoadRunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.db")
	st := openTest(t, path)
	// Write a legacy-shaped document directly, bypassing Set.
	legacy := `{"projectName":"","query":"build a todo app","generatedFilesMap":{"a.ts":{"file_path":"a.ts","file_contents":"x"}}}`
	if _, err := st.DB().Exec(`INSERT INTO project_state (id, state) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state`, "test", legacy); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openTest(t, path)
	got := reopened.Get()
	if got == nil {
		t.Fatal("no state after migration")
	}
	if got.ProjectName == "" {
		t.Error("projectName not backfilled")
	}
	f := got.GeneratedFilesMap["a.ts"]
	if f == nil || f.Path != "a.ts" || f.Contents != "x" {
		t.Errorf("snake_case keys not migrated: %+v", f)
	}
}
