package migrate

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMigrateSnakeCaseFileKeys(t *testing.T) {
	raw := []byte(`{
		"projectName": "demo-app",
		"projectUpdatesAccumulator": [],
		"generatedFilesMap": {
			"src/App.tsx": {"file_path": "src/App.tsx", "file_contents": "x", "file_purpose": "main"}
		}
	}`)
	out, changed, err := Migrate(raw)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if !changed {
		t.Fatal("expected migration to apply")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal migrated: %v", err)
	}
	file := doc["generatedFilesMap"].(map[string]interface{})["src/App.tsx"].(map[string]interface{})
	if file["path"] != "src/App.tsx" || file["contents"] != "x" || file["purpose"] != "main" {
		t.Errorf("keys not renamed: %v", file)
	}
	if _, present := file["file_path"]; present {
		t.Error("legacy key file_path survived")
	}
}

func TestMigrateFixedPoint(t *testing.T) {
	inputs := [][]byte{
		[]byte(`{"generatedFilesMap":{"a":{"file_path":"a","file_contents":"1"}}}`),
		[]byte(`{"projectName":"","query":"build a todo app"}`),
		[]byte(`{"inferenceContext":{"model":"m","userApiKeys":{"k":"v"}},"projectName":"ok-name","projectUpdatesAccumulator":[]}`),
		[]byte(`{"templateDetails":{"name":"react-vite-cf","allFiles":[]},"projectName":"ok-name","projectUpdatesAccumulator":[]}`),
	}
	for i, raw := range inputs {
		once, changed, err := Migrate(raw)
		if err != nil {
			t.Fatalf("case %d: first migrate: %v", i, err)
		}
		if !changed {
			t.Fatalf("case %d: expected a migration", i)
		}
		again, changedAgain, err := Migrate(once)
		if err != nil {
			t.Fatalf("case %d: second migrate: %v", i, err)
		}
		if changedAgain {
			t.Errorf("case %d: migration not a fixed point, got %s", i, again)
		}
	}
}

func TestMigrateNoOp(t *testing.T) {
	raw := []byte(`{"projectName":"already-fine","projectUpdatesAccumulator":[],"generatedFilesMap":{}}`)
	out, changed, err := Migrate(raw)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if changed || out != nil {
		t.Errorf("expected nil result for current state, got changed=%v out=%s", changed, out)
	}
}

func TestMigrateConversationDedup(t *testing.T) {
	raw := []byte(`{
		"projectName": "ok-name",
		"projectUpdatesAccumulator": [],
		"conversationMessages": [
			{"conversationId": "a", "role": "user", "content": "first"},
			{"conversationId": "b", "role": "assistant", "content": "keep"},
			{"conversationId": "a", "role": "user", "content": "second"}
		]
	}`)
	out, changed, err := Migrate(raw)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if !changed {
		t.Fatal("expected dedup to apply")
	}
	var doc struct {
		ConversationMessages []map[string]interface{} `json:"conversationMessages"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.ConversationMessages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(doc.ConversationMessages))
	}
	if doc.ConversationMessages[1]["content"] != "second" {
		t.Errorf("last-writer-wins violated: %v", doc.ConversationMessages[1])
	}
}

func TestMigrateDropsMemosWhenBloated(t *testing.T) {
	var msgs []map[string]string
	for i := 0; i < 30; i++ {
		msgs = append(msgs, map[string]string{
			"conversationId": "id-" + string(rune('a'+i)),
			"role":           "assistant",
			"content":        "normal message",
		})
	}
	msgs[5]["content"] = "note to self <Internal Memo> hidden"
	doc := map[string]interface{}{
		"projectName":               "ok-name",
		"projectUpdatesAccumulator": []interface{}{},
		"conversationMessages":      msgs,
	}
	raw, _ := json.Marshal(doc)
	out, changed, err := Migrate(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected memo drop")
	}
	if strings.Contains(string(out), "Internal Memo") {
		t.Error("internal memo survived a bloated conversation")
	}
}

func TestGenerateProjectName(t *testing.T) {
	tests := []struct {
		base string
	}{
		{"My Cool App"},
		{""},
		{"x"},
		{"a-very-long-project-name-that-keeps-going-and-going"},
	}
	for _, tt := range tests {
		name := GenerateProjectName(tt.base)
		if len(name) > 20 {
			t.Errorf("GenerateProjectName(%q) = %q, longer than 20", tt.base, name)
		}
		if len(name) < 3 {
			t.Errorf("GenerateProjectName(%q) = %q, shorter than 3", tt.base, name)
		}
	}
	if GenerateProjectName("same") == GenerateProjectName("same") {
		t.Error("expected distinct nanoid suffixes")
	}
}
