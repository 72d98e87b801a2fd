package conversation

import (
	"path/filepath"
	"testing"

	"github.com/untoldecay/CodeLoom/internal/store"
	"github.com/untoldecay/CodeLoom/internal/types"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loom.db"), "test")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewLog(st.DB(), "")
}

func TestAppendDedupLastWriterWins(t *testing.T) {
	log := newTestLog(t)

	msgs := []types.Message{
		{Role: types.RoleUser, ConversationID: "c1", Content: "hello"},
		{Role: types.RoleAssistant, ConversationID: "c2", Content: "hi"},
		{Role: types.RoleUser, ConversationID: "c1", Content: "hello, edited"},
	}
	for _, m := range msgs {
		if err := log.Append(m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	full, running, err := log.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for name, list := range map[string][]types.Message{"full": full, "running": running} {
		if len(list) != 2 {
			t.Fatalf("%s: expected 2 messages, got %d", name, len(list))
		}
		seen := map[string]bool{}
		for _, m := range list {
			if seen[m.ConversationID] {
				t.Errorf("%s: duplicate conversationId %s", name, m.ConversationID)
			}
			seen[m.ConversationID] = true
		}
		if list[0].Content != "hello, edited" {
			t.Errorf("%s: upsert did not replace in place: %q", name, list[0].Content)
		}
	}
}

func TestGetFallsBackToFullHistory(t *testing.T) {
	log := newTestLog(t)
	if err := log.Append(types.Message{Role: types.RoleUser, ConversationID: "c1", Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	// Simulate a pre-two-tier state: running cleared, full intact.
	if err := log.write("compact_conversations", nil); err != nil {
		t.Fatal(err)
	}

	_, running, err := log.Get()
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].Content != "hello" {
		t.Errorf("expected fallback to full history, got %v", running)
	}
}

func TestCompactLeavesArchiveMarker(t *testing.T) {
	log := newTestLog(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := log.Append(types.Message{Role: types.RoleUser, ConversationID: id, Content: "msg " + id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := log.Compact("sum1", "User built a todo app."); err != nil {
		t.Fatal(err)
	}

	full, running, err := log.Get()
	if err != nil {
		t.Fatal(err)
	}
	if len(full) != 3 {
		t.Errorf("full history truncated by compaction: %d", len(full))
	}
	if len(running) != 1 {
		t.Fatalf("expected 1 archive marker, got %d", len(running))
	}
	if got := running[0].ConversationID; got != types.ArchivePrefix+"sum1" {
		t.Errorf("archive marker id = %q", got)
	}
}

func TestFilterForUIHidesInternalMemos(t *testing.T) {
	msgs := []types.Message{
		{ConversationID: "c1", Content: "visible"},
		{ConversationID: "c2", Content: "context only " + types.InternalMemoSentinel},
		{ConversationID: "c3", Content: "also visible"},
	}
	filtered := FilterForUI(msgs)
	if len(filtered) != 2 {
		t.Fatalf("expected 2 visible messages, got %d", len(filtered))
	}
	for _, m := range filtered {
		if m.ConversationID == "c2" {
			t.Error("internal memo leaked to UI view")
		}
	}
}
