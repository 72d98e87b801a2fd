package gitstore

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/untoldecay/CodeLoom/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loom.db"), "test")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	gs := New(st.DB())
	if err := gs.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return gs
}

func TestCommitAndLog(t *testing.T) {
	gs := newTestStore(t)

	oid1, err := gs.Commit([]File{{Path: "a.txt", Contents: "one"}}, "first")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	oid2, err := gs.Commit([]File{{Path: "b.txt", Contents: "two"}}, "second")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if oid1 == oid2 {
		t.Fatal("distinct commits share an oid")
	}

	log, err := gs.Log(0)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(log))
	}
	if log[0].OID != oid2 || log[1].OID != oid1 {
		t.Error("log not newest-first")
	}
	if log[0].Message != "second" {
		t.Errorf("message = %q", log[0].Message)
	}

	limited, err := gs.Log(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestNoOpCommitCreatesNothing(t *testing.T) {
	gs := newTestStore(t)

	oid1, err := gs.Commit([]File{{Path: "a.txt", Contents: "same"}}, "first")
	if err != nil {
		t.Fatal(err)
	}
	oid2, err := gs.Commit([]File{{Path: "a.txt", Contents: "same"}}, "identical again")
	if err != nil {
		t.Fatal(err)
	}
	if oid1 != oid2 {
		t.Error("identical tree produced a second commit")
	}
	log, _ := gs.Log(0)
	if len(log) != 1 {
		t.Errorf("expected 1 commit, got %d", len(log))
	}
}

func TestStageThenCommitStaged(t *testing.T) {
	gs := newTestStore(t)
	if err := gs.Stage([]File{{Path: "a.txt", Contents: "staged"}}); err != nil {
		t.Fatal(err)
	}
	head, _ := gs.Head()
	if head != "" {
		t.Fatal("staging moved HEAD")
	}
	if _, err := gs.Commit(nil, "commit staged"); err != nil {
		t.Fatal(err)
	}
	files, err := gs.GetAllFilesFromHead()
	if err != nil {
		t.Fatal(err)
	}
	if files["a.txt"] != "staged" {
		t.Errorf("staged file missing at HEAD: %v", files)
	}
}

func TestShowWithDiff(t *testing.T) {
	gs := newTestStore(t)
	if _, err := gs.Commit([]File{{Path: "a.txt", Contents: "line one\n"}}, "first"); err != nil {
		t.Fatal(err)
	}
	oid2, err := gs.Commit([]File{{Path: "a.txt", Contents: "line one\nline two\n"}}, "second")
	if err != nil {
		t.Fatal(err)
	}

	detail, err := gs.Show(oid2, true)
	if err != nil {
		t.Fatal(err)
	}
	diff, ok := detail.Diffs["a.txt"]
	if !ok {
		t.Fatal("no diff for changed file")
	}
	if !strings.Contains(diff, "+line two") {
		t.Errorf("unexpected diff:\n%s", diff)
	}
}

func TestResetAndDeletion(t *testing.T) {
	gs := newTestStore(t)
	notified := 0
	gs.SetOnFilesChangedCallback(func() { notified++ })

	oid1, err := gs.Commit([]File{{Path: "a.txt", Contents: "one"}}, "first")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gs.Commit([]File{{Path: "a.txt", Delete: true}, {Path: "b.txt", Contents: "two"}}, "drop a, add b"); err != nil {
		t.Fatal(err)
	}
	files, _ := gs.GetAllFilesFromHead()
	if _, stillThere := files["a.txt"]; stillThere {
		t.Error("deleted file still at HEAD")
	}

	if err := gs.Reset(oid1, true); err != nil {
		t.Fatal(err)
	}
	files, _ = gs.GetAllFilesFromHead()
	if files["a.txt"] != "one" {
		t.Error("hard reset did not restore the tree")
	}
	if _, back := files["b.txt"]; back {
		t.Error("later commit's file survived reset")
	}
	if notified != 3 {
		t.Errorf("expected 3 change notifications (2 commits + hard reset), got %d", notified)
	}
}

func TestExportObjects(t *testing.T) {
	gs := newTestStore(t)
	if _, err := gs.Commit([]File{
		{Path: "src/main.ts", Contents: "code"},
		{Path: "README.md", Contents: "docs"},
	}, "initial"); err != nil {
		t.Fatal(err)
	}
	objects, err := gs.ExportObjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objects))
	}
	if objects[0].Path != "README.md" || string(objects[0].Bytes) != "docs" {
		t.Errorf("unexpected first object: %+v", objects[0])
	}
}
