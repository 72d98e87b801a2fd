package files

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/untoldecay/CodeLoom/internal/gitstore"
	"github.com/untoldecay/CodeLoom/internal/store"
	"github.com/untoldecay/CodeLoom/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, *gitstore.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loom.db"), "test")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.Set(&types.ProjectState{
		ID:                "p1",
		CreatedAt:         time.Now(),
		ProjectName:       "demo-app",
		GeneratedFilesMap: map[string]*types.GeneratedFile{},
	}); err != nil {
		t.Fatal(err)
	}

	details := &types.TemplateDetails{
		Name: "react-vite-cf",
		AllFiles: []types.TemplateFile{
			{Path: "src/App.tsx", Contents: "export default function App() {}\n"},
			{Path: "src/main.tsx", Contents: "import App from './App'\n"},
			{Path: "secrets.env", Contents: "KEY=value\n"},
		},
		ImportantFiles: []string{"src/App.tsx", "src/main.tsx", "secrets.env"},
		RedactedFiles:  []string{"secrets.env"},
	}

	gs := gitstore.New(st.DB())
	m := NewManager(st, gs, func() (*types.TemplateDetails, error) { return details, nil })
	return m, st, gs
}

func TestUnionPrecedence(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.SaveGeneratedFiles([]SavedFile{
		{Path: "src/App.tsx", Contents: "// generated\n", Purpose: "main app"},
	}, "override template file"); err != nil {
		t.Fatal(err)
	}

	all, err := m.GetAllFiles()
	if err != nil {
		t.Fatal(err)
	}
	byPath := map[string]string{}
	for _, f := range all {
		byPath[f.Path] = f.Contents
	}
	if byPath["src/App.tsx"] != "// generated\n" {
		t.Error("generated file did not win over template")
	}
	if byPath["src/main.tsx"] == "" {
		t.Error("template-only file missing from union")
	}
}

func TestRelevantFilesRedaction(t *testing.T) {
	m, _, _ := newTestManager(t)
	relevant, err := m.GetAllRelevantFiles(true)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range relevant {
		if f.Path == "secrets.env" && strings.Contains(f.Contents, "KEY=value") {
			t.Error("redacted file shipped with real contents")
		}
	}
}

func TestSaveComputesDiffAndIsIdempotent(t *testing.T) {
	m, st, gs := newTestManager(t)

	saved, err := m.SaveGeneratedFiles([]SavedFile{
		{Path: "src/App.tsx", Contents: "export default function App() { return null }\n", Purpose: "main"},
	}, "first save")
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 1 {
		t.Fatalf("expected 1 saved file, got %d", len(saved))
	}
	if !strings.Contains(saved[0].LastDiff, "return null") {
		t.Errorf("diff against template base missing:\n%s", saved[0].LastDiff)
	}

	// Identical second save: no diff, no new commit.
	headBefore, _ := gs.Head()
	saved, err = m.SaveGeneratedFiles([]SavedFile{
		{Path: "src/App.tsx", Contents: "export default function App() { return null }\n", Purpose: "main"},
	}, "identical save")
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 0 {
		t.Errorf("identical save produced %d changed files", len(saved))
	}
	headAfter, _ := gs.Head()
	if headBefore != headAfter {
		t.Error("identical save moved HEAD")
	}

	state := st.Get()
	if state.GeneratedFilesMap["src/App.tsx"] == nil {
		t.Fatal("file missing from generated map")
	}
}

func TestSyncFromHeadParityAndPurpose(t *testing.T) {
	m, st, gs := newTestManager(t)

	if _, err := m.SaveGeneratedFiles([]SavedFile{
		{Path: "src/store.ts", Contents: "state v1", Purpose: "state container"},
		{Path: "src/api.ts", Contents: "api v1", Purpose: "api layer"},
	}, "phase 1"); err != nil {
		t.Fatal(err)
	}

	// Commit a tree change behind the manager's back, then sync.
	if _, err := gs.Commit([]gitstore.File{
		{Path: "src/store.ts", Contents: "state v2"},
		{Path: "src/api.ts", Delete: true},
	}, "external change"); err != nil {
		t.Fatal(err)
	}

	headFiles, _ := gs.GetAllFilesFromHead()
	state := st.Get()
	if len(state.GeneratedFilesMap) != len(headFiles) {
		t.Fatalf("map/HEAD parity broken: map=%d head=%d", len(state.GeneratedFilesMap), len(headFiles))
	}
	for path := range headFiles {
		f, ok := state.GeneratedFilesMap[path]
		if !ok {
			t.Fatalf("path %s at HEAD but not in map", path)
		}
		if path == "src/store.ts" {
			if f.Purpose != "state container" {
				t.Errorf("purpose not preserved through sync: %q", f.Purpose)
			}
			if f.Contents != "state v2" {
				t.Errorf("contents not synced: %q", f.Contents)
			}
		}
	}
	if _, gone := state.GeneratedFilesMap["src/api.ts"]; gone {
		t.Error("deleted path survived sync")
	}
}

func TestDeleteFiles(t *testing.T) {
	m, st, gs := newTestManager(t)
	if _, err := m.SaveGeneratedFiles([]SavedFile{
		{Path: "src/old.ts", Contents: "obsolete", Purpose: "old"},
		{Path: "src/new.ts", Contents: "current", Purpose: "new"},
	}, "both"); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteFiles([]string{"src/old.ts"}); err != nil {
		t.Fatal(err)
	}
	if _, present := st.Get().GeneratedFilesMap["src/old.ts"]; present {
		t.Error("deleted file still in map")
	}
	headFiles, _ := gs.GetAllFilesFromHead()
	if _, present := headFiles["src/old.ts"]; present {
		t.Error("deleted file still at HEAD")
	}
}
