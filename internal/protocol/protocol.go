// Package protocol defines the newline-delimited tagged-JSON stream
// spoken between the orchestrator and its clients: event constants,
// typed payloads, and the envelope codec.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/mod/semver"

	"github.com/untoldecay/CodeLoom/internal/types"
)

// Agent → client event types.
const (
	EvAgentConnected       = "agent_connected"
	EvAgentState           = "cf_agent_state"
	EvConversationState    = "conversation_state"
	EvConversationResponse = "conversation_response"
	EvConversationCleared  = "conversation_cleared"

	EvFileGenerating     = "file_generating"
	EvFileChunkGenerated = "file_chunk_generated"
	EvFileGenerated      = "file_generated"
	EvFileRegenerating   = "file_regenerating"
	EvFileRegenerated    = "file_regenerated"

	EvGenerationStarted  = "generation_started"
	EvGenerationComplete = "generation_complete"
	EvGenerationStopped  = "generation_stopped"
	EvGenerationResumed  = "generation_resumed"

	EvPhaseGenerating   = "phase_generating"
	EvPhaseGenerated    = "phase_generated"
	EvPhaseImplementing = "phase_implementing"
	EvPhaseValidating   = "phase_validating"
	EvPhaseValidated    = "phase_validated"
	EvPhaseImplemented  = "phase_implemented"

	EvDeploymentStarted   = "deployment_started"
	EvDeploymentCompleted = "deployment_completed"
	EvDeploymentFailed    = "deployment_failed"

	EvCloudflareDeploymentStarted   = "cloudflare_deployment_started"
	EvCloudflareDeploymentCompleted = "cloudflare_deployment_completed"
	EvCloudflareDeploymentError     = "cloudflare_deployment_error"

	EvGithubExportStarted   = "github_export_started"
	EvGithubExportProgress  = "github_export_progress"
	EvGithubExportCompleted = "github_export_completed"
	EvGithubExportError     = "github_export_error"

	EvRuntimeErrorFound     = "runtime_error_found"
	EvCodeReviewing         = "code_reviewing"
	EvCodeReviewed          = "code_reviewed"
	EvStaticAnalysisResults = "static_analysis_results"

	EvDeterministicCodeFixStarted   = "deterministic_code_fix_started"
	EvDeterministicCodeFixCompleted = "deterministic_code_fix_completed"

	EvPreviewForceRefresh = "preview_force_refresh"
	EvRateLimitError      = "rate_limit_error"
	EvError               = "error"
	EvModelConfigsInfo    = "model_configs_info"
	EvTerminalOutput      = "terminal_output"
	EvServerLog           = "server_log"

	EvScreenshotCaptureStarted = "screenshot_capture_started"
	EvScreenshotCaptureSuccess = "screenshot_capture_success"
	EvScreenshotCaptureError   = "screenshot_capture_error"

	EvProjectNameUpdated = "project_name_updated"
	EvBlueprintUpdated   = "blueprint_updated"
)

// Client → agent message types.
const (
	MsgPreview           = "preview"
	MsgGenerateAll       = "generate_all"
	MsgStopGeneration    = "stop_generation"
	MsgResumeGeneration  = "resume_generation"
	MsgClearConversation = "clear_conversation"
	MsgUserSuggestion    = "user_suggestion"
	MsgGetModelConfigs   = "get_model_configs"
	MsgTerminalCommand   = "terminal_command"
)

// Event is one outbound message. Type discriminates the payload;
// payload fields are flattened next to the tag on the wire.
type Event struct {
	Type string

	raw []byte
}

// NewEvent builds an event from a type tag and a payload struct. The
// payload's fields are flattened next to the type tag on the wire.
func NewEvent(eventType string, payload interface{}) Event {
	body := map[string]interface{}{"type": eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			var fields map[string]interface{}
			if json.Unmarshal(data, &fields) == nil {
				for k, v := range fields {
					if k == "type" {
						continue
					}
					body[k] = v
				}
			}
		}
	}
	raw, _ := json.Marshal(body)
	return Event{Type: eventType, raw: raw}
}

// Encode returns the wire form of the event, without the trailing
// newline.
func (e Event) Encode() []byte {
	if e.raw != nil {
		return e.raw
	}
	raw, _ := json.Marshal(map[string]string{"type": e.Type})
	return raw
}

// Droppable reports whether an event may be dropped for a slow
// client. Chunk-class events are best-effort; everything else must be
// delivered.
func (e Event) Droppable() bool {
	switch e.Type {
	case EvFileChunkGenerated, EvTerminalOutput, EvServerLog:
		return true
	}
	return false
}

// ClientMessage is one inbound message after envelope decoding.
type ClientMessage struct {
	Type string `json:"type"`

	// user_suggestion / terminal_command
	Text   string   `json:"text,omitempty"`
	Images []string `json:"images,omitempty"`

	// generate_all
	ReviewCycles int `json:"reviewCycles,omitempty"`
}

// DecodeClientMessage parses one line of the inbound stream.
func DecodeClientMessage(line []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("malformed client message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("client message missing type tag")
	}
	return &msg, nil
}

// AgentConnectedPayload is sent once per connection.
type AgentConnectedPayload struct {
	State           *types.ProjectState    `json:"state"`
	TemplateDetails *types.TemplateDetails `json:"templateDetails,omitempty"`
	ServerVersion   string                 `json:"serverVersion"`
}

// AgentStatePayload reconciles client-side state after any mutation.
type AgentStatePayload struct {
	State *types.ProjectState `json:"state"`
}

// ConversationPayload carries conversation snapshots and responses.
type ConversationPayload struct {
	Messages []types.Message `json:"messages,omitempty"`
	Message  string          `json:"message,omitempty"`
	IsChunk  bool            `json:"isChunk,omitempty"`
}

// FilePayload accompanies the file_* events.
type FilePayload struct {
	Path     string `json:"path"`
	Purpose  string `json:"purpose,omitempty"`
	Chunk    string `json:"chunk,omitempty"`
	Contents string `json:"contents,omitempty"`
	Diff     string `json:"diff,omitempty"`
}

// PhasePayload accompanies the phase_* events.
type PhasePayload struct {
	Phase *types.Phase `json:"phase"`
}

// DeploymentPayload accompanies deployment events.
type DeploymentPayload struct {
	PreviewURL string `json:"previewURL,omitempty"`
	TunnelURL  string `json:"tunnelURL,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// GithubExportPayload accompanies github_export_* events.
type GithubExportPayload struct {
	Step          string `json:"step,omitempty"`
	CommitSha     string `json:"commitSha,omitempty"`
	RepositoryURL string `json:"repositoryUrl,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ErrorPayload accompanies error and rate_limit_error events.
type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// AnalysisPayload accompanies static_analysis_results.
type AnalysisPayload struct {
	Analysis *types.StaticAnalysis `json:"analysis"`
}

// RuntimeErrorPayload accompanies runtime_error_found.
type RuntimeErrorPayload struct {
	Errors []types.RuntimeError `json:"errors"`
}

// TerminalPayload accompanies terminal_output and server_log.
type TerminalPayload struct {
	Output string `json:"output"`
	Stream string `json:"stream,omitempty"` // stdout or stderr
}

// ProjectNamePayload accompanies project_name_updated.
type ProjectNamePayload struct {
	ProjectName string `json:"projectName"`
}

// BlueprintPayload accompanies blueprint_updated.
type BlueprintPayload struct {
	Blueprint *types.Blueprint `json:"blueprint"`
}

// ScreenshotPayload accompanies screenshot_capture_* events.
type ScreenshotPayload struct {
	URL           string `json:"url,omitempty"`
	ScreenshotURL string `json:"screenshotUrl,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ModelConfigsPayload accompanies model_configs_info.
type ModelConfigsPayload struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
}

// GenerationPayload accompanies generation lifecycle events.
type GenerationPayload struct {
	Message string `json:"message,omitempty"`
}

// StatusPayload is returned by the status request on the control
// surface.
type StatusPayload struct {
	Version       string         `json:"version"`
	ProjectID     string         `json:"projectId"`
	ProjectName   string         `json:"projectName"`
	DevState      types.DevState `json:"devState"`
	PhasesCounter int            `json:"phasesCounter"`
	Generating    bool           `json:"generating"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	ActiveClients int            `json:"activeClients"`
	SocketPath    string         `json:"socketPath"`
	StartedAt     time.Time      `json:"startedAt"`
}

// CompatibleVersions reports whether a client and server can talk:
// same major version, client not newer than server.
func CompatibleVersions(client, server string) bool {
	c, s := "v"+client, "v"+server
	if !semver.IsValid(c) || !semver.IsValid(s) {
		return false
	}
	if semver.Major(c) != semver.Major(s) {
		return false
	}
	return semver.Compare(c, s) <= 0
}
