// Package router dispatches inbound client messages to the
// orchestrator. Unknown tags are rejected and surfaced as error
// events rather than dropped.
package router

import (
	"context"
	"fmt"

	"github.com/untoldecay/CodeLoom/internal/agent"
	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/protocol"
)

// Router routes one project's client messages.
type Router struct {
	agent *agent.Orchestrator
}

// New creates a router over an orchestrator.
func New(o *agent.Orchestrator) *Router {
	return &Router{agent: o}
}

// HandleLine processes one line from a client's inbound stream.
// Handlers that do real work run asynchronously so a slow operation
// never stalls the client's read loop.
func (r *Router) HandleLine(clientID string, line []byte) {
	msg, err := protocol.DecodeClientMessage(line)
	if err != nil {
		r.sendError(clientID, err.Error())
		return
	}

	bcast := r.agent.Broadcaster()
	switch msg.Type {
	case protocol.MsgPreview:
		// Reconcile: resend authoritative state to this client.
		state := r.agent.State()
		bcast.SendTo(clientID, protocol.NewEvent(protocol.EvAgentState, protocol.AgentStatePayload{State: state}))

	case protocol.MsgGenerateAll:
		go func() {
			if err := r.agent.GenerateAllFiles(context.Background(), msg.ReviewCycles); err != nil {
				debug.Logf("generate_all failed: %v", err)
			}
		}()

	case protocol.MsgStopGeneration:
		go r.agent.StopGeneration()

	case protocol.MsgResumeGeneration:
		r.agent.ResumeGeneration(context.Background())

	case protocol.MsgClearConversation:
		if err := r.agent.ClearConversation(); err != nil {
			r.sendError(clientID, err.Error())
		}

	case protocol.MsgUserSuggestion:
		if msg.Text == "" {
			r.sendError(clientID, "user_suggestion requires text")
			return
		}
		go func() {
			if err := r.agent.HandleUserInput(context.Background(), msg.Text, msg.Images); err != nil {
				r.sendError(clientID, fmt.Sprintf("handling suggestion: %v", err))
			}
		}()

	case protocol.MsgGetModelConfigs:
		bcast.SendTo(clientID, protocol.NewEvent(protocol.EvModelConfigsInfo, r.agent.ModelConfigs()))

	case protocol.MsgTerminalCommand:
		if msg.Text == "" {
			r.sendError(clientID, "terminal_command requires text")
			return
		}
		go func() {
			if _, err := r.agent.ExecCommands(context.Background(), []string{msg.Text}, true, 0); err != nil {
				r.sendError(clientID, fmt.Sprintf("command failed: %v", err))
			}
		}()

	default:
		r.sendError(clientID, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (r *Router) sendError(clientID, message string) {
	r.agent.Broadcaster().SendTo(clientID, protocol.NewEvent(protocol.EvError, protocol.ErrorPayload{
		Message: message,
	}))
}
