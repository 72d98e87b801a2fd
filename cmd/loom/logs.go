package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/CodeLoom/internal/protocol"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Stream terminal output and server logs from the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon(stateDir(cmd))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		if _, err := client.waitFor(5*time.Second, nil, protocol.EvAgentConnected); err != nil {
			return err
		}

		follow, _ := cmd.Flags().GetBool("follow")
		for {
			// Without --follow, stop at the first quiet moment.
			timeout := time.Duration(0)
			if !follow {
				timeout = 500 * time.Millisecond
			}
			ev, err := client.next(timeout)
			if err != nil {
				if !follow {
					return nil
				}
				return err
			}
			switch eventString(ev, "type") {
			case protocol.EvTerminalOutput, protocol.EvServerLog:
				fmt.Print(eventString(ev, "output"))
			}
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the loom version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("loom", version)
	},
}

func init() {
	logsCmd.Flags().Bool("follow", false, "keep streaming")
}
