package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/CodeLoom/internal/protocol"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the current generation run",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon(stateDir(cmd))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		if _, err := client.waitFor(5*time.Second, nil, protocol.EvAgentConnected); err != nil {
			return err
		}
		if err := client.send(map[string]string{"type": protocol.MsgStopGeneration}); err != nil {
			return err
		}
		if _, err := client.waitFor(30*time.Second, nil, protocol.EvGenerationStopped); err != nil {
			return err
		}
		fmt.Println("Generation stopped.")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a stopped generation run",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon(stateDir(cmd))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		if _, err := client.waitFor(5*time.Second, nil, protocol.EvAgentConnected); err != nil {
			return err
		}
		if err := client.send(map[string]string{"type": protocol.MsgResumeGeneration}); err != nil {
			return err
		}
		if _, err := client.waitFor(10*time.Second, nil, protocol.EvGenerationResumed); err != nil {
			return err
		}
		fmt.Println("Generation resumed.")
		return nil
	},
}
