package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/untoldecay/CodeLoom/internal/protocol"
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message to the project assistant",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().Duration("timeout", 5*time.Minute, "give up after this long")
	chatCmd.Flags().Bool("plain", false, "skip markdown rendering")
}

func runChat(cmd *cobra.Command, args []string) error {
	client, err := dialDaemon(stateDir(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if _, err := client.waitFor(5*time.Second, nil, protocol.EvAgentConnected); err != nil {
		return err
	}

	message := strings.Join(args, " ")
	if err := client.send(map[string]string{
		"type": protocol.MsgUserSuggestion,
		"text": message,
	}); err != nil {
		return err
	}

	// Stream until the non-chunk response arrives.
	timeout, _ := cmd.Flags().GetDuration("timeout")
	var response string
	for {
		ev, err := client.waitFor(timeout, nil, protocol.EvConversationResponse, protocol.EvError)
		if err != nil {
			return err
		}
		if eventString(ev, "type") == protocol.EvError {
			return fmt.Errorf("%s", eventString(ev, "message"))
		}
		if isChunk, _ := ev["isChunk"].(bool); isChunk {
			continue
		}
		response = eventString(ev, "message")
		break
	}

	if plain, _ := cmd.Flags().GetBool("plain"); plain {
		fmt.Println(response)
		return nil
	}
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		fmt.Println(response)
		return nil
	}
	rendered, err := renderer.Render(response)
	if err != nil {
		fmt.Println(response)
		return nil
	}
	fmt.Print(rendered)
	return nil
}
