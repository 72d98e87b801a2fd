package protocol

import (
	"encoding/json"
	"testing"

	"github.com/untoldecay/CodeLoom/internal/types"
)

func TestEventEncodingFlattensPayload(t *testing.T) {
	ev := NewEvent(EvFileGenerating, FilePayload{Path: "src/App.tsx", Purpose: "main"})
	var decoded map[string]interface{}
	if err := json.Unmarshal(ev.Encode(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["type"] != EvFileGenerating {
		t.Errorf("type = %v", decoded["type"])
	}
	if decoded["path"] != "src/App.tsx" {
		t.Errorf("payload not flattened: %v", decoded)
	}
}

func TestEventWithoutPayload(t *testing.T) {
	ev := NewEvent(EvGenerationComplete, nil)
	var decoded map[string]interface{}
	if err := json.Unmarshal(ev.Encode(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != EvGenerationComplete {
		t.Errorf("type = %v", decoded["type"])
	}
}

func TestDroppable(t *testing.T) {
	tests := []struct {
		eventType string
		want      bool
	}{
		{EvFileChunkGenerated, true},
		{EvTerminalOutput, true},
		{EvServerLog, true},
		{EvFileGenerated, false},
		{EvGenerationComplete, false},
		{EvError, false},
	}
	for _, tt := range tests {
		if got := NewEvent(tt.eventType, nil).Droppable(); got != tt.want {
			t.Errorf("Droppable(%s) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"user_suggestion","text":"add dark mode"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgUserSuggestion || msg.Text != "add dark mode" {
		t.Errorf("decoded %+v", msg)
	}

	if _, err := DecodeClientMessage([]byte(`{"text":"no tag"}`)); err == nil {
		t.Error("missing type tag accepted")
	}
	if _, err := DecodeClientMessage([]byte(`not json`)); err == nil {
		t.Error("malformed line accepted")
	}
}

func TestCompatibleVersions(t *testing.T) {
	tests := []struct {
		client, server string
		want           bool
	}{
		{"0.1.0", "0.1.0", true},
		{"0.1.0", "0.2.0", true},
		{"0.2.0", "0.1.0", false},
		{"1.0.0", "0.9.0", false},
		{"bogus", "0.1.0", false},
	}
	for _, tt := range tests {
		if got := CompatibleVersions(tt.client, tt.server); got != tt.want {
			t.Errorf("CompatibleVersions(%s, %s) = %v, want %v", tt.client, tt.server, got, tt.want)
		}
	}
}

func TestAgentStateRoundTrip(t *testing.T) {
	state := &types.ProjectState{ID: "p1", ProjectName: "demo-app", CurrentDevState: types.StateIdle}
	ev := NewEvent(EvAgentState, AgentStatePayload{State: state})
	var decoded struct {
		Type  string              `json:"type"`
		State *types.ProjectState `json:"state"`
	}
	if err := json.Unmarshal(ev.Encode(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.State == nil || decoded.State.ProjectName != "demo-app" {
		t.Errorf("state payload mangled: %+v", decoded.State)
	}
}
