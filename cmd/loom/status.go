package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/untoldecay/CodeLoom/internal/protocol"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and project status",
	RunE:  runStatus,
}

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Width(14)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := dialDaemon(stateDir(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	// Drain the handshake, then ask for status.
	if _, err := client.waitFor(5*time.Second, nil, protocol.EvAgentConnected); err != nil {
		return err
	}
	if err := client.send(map[string]string{"type": "status"}); err != nil {
		return err
	}
	ev, err := client.waitFor(5*time.Second, nil, "status")
	if err != nil {
		return err
	}

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		data, _ := json.MarshalIndent(ev, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	serverVersion := eventString(ev, "version")
	fmt.Println(labelStyle.Render("Daemon") + serverVersion + dimStyle.Render(fmt.Sprintf("  up %.0fs", floatField(ev, "uptimeSeconds"))))
	if !protocol.CompatibleVersions(version, serverVersion) {
		fmt.Println(warnStyle.Render(fmt.Sprintf("client %s may be incompatible with daemon %s", version, serverVersion)))
	}
	fmt.Println(labelStyle.Render("Project") + eventString(ev, "projectName") + dimStyle.Render("  "+eventString(ev, "projectId")))
	fmt.Println(labelStyle.Render("State") + eventString(ev, "devState"))
	generating := "no"
	if b, _ := ev["generating"].(bool); b {
		generating = "yes"
	}
	fmt.Println(labelStyle.Render("Generating") + generating)
	fmt.Println(labelStyle.Render("Phases left") + fmt.Sprintf("%.0f", floatField(ev, "phasesCounter")))
	fmt.Println(labelStyle.Render("Clients") + fmt.Sprintf("%.0f", floatField(ev, "activeClients")))
	return nil
}

func floatField(ev map[string]interface{}, key string) float64 {
	f, _ := ev[key].(float64)
	return f
}
