package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/untoldecay/CodeLoom/internal/protocol"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run the full generation loop and stream progress",
	RunE:  runGenerate,
}

func init() {
	generateCmd.Flags().Int("review-cycles", 0, "review cycles during finalization (default from config)")
	generateCmd.Flags().Duration("timeout", 2*time.Hour, "give up after this long")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	client, err := dialDaemon(stateDir(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if _, err := client.waitFor(5*time.Second, nil, protocol.EvAgentConnected); err != nil {
		return err
	}

	reviewCycles, _ := cmd.Flags().GetInt("review-cycles")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if err := client.send(map[string]interface{}{
		"type":         protocol.MsgGenerateAll,
		"reviewCycles": reviewCycles,
	}); err != nil {
		return err
	}

	renderer := newEventRenderer()
	final, err := client.waitFor(timeout, renderer.render,
		protocol.EvGenerationComplete, protocol.EvGenerationStopped,
		protocol.EvRateLimitError, protocol.EvError)
	if err != nil {
		return err
	}
	switch eventString(final, "type") {
	case protocol.EvGenerationComplete:
		fmt.Println(renderer.ok.Render("✓ generation complete"))
	case protocol.EvGenerationStopped:
		fmt.Println(renderer.warn.Render("generation stopped"))
	case protocol.EvRateLimitError:
		return fmt.Errorf("rate limited: %s", eventString(final, "details"))
	default:
		return fmt.Errorf("generation failed: %s", eventString(final, "message"))
	}
	return nil
}

// eventRenderer prints the progress stream, styled when the terminal
// supports it.
type eventRenderer struct {
	phase lipgloss.Style
	file  lipgloss.Style
	dim   lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
}

func newEventRenderer() *eventRenderer {
	// termenv drives whether lipgloss emits color at all.
	profile := termenv.ColorProfile()
	r := &eventRenderer{
		phase: lipgloss.NewStyle().Bold(true),
		file:  lipgloss.NewStyle(),
		dim:   lipgloss.NewStyle().Faint(true),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	}
	if profile == termenv.Ascii {
		r.ok = lipgloss.NewStyle()
		r.warn = lipgloss.NewStyle()
	}
	return r
}

func (r *eventRenderer) render(ev map[string]interface{}) {
	switch eventString(ev, "type") {
	case protocol.EvPhaseGenerating:
		fmt.Println(r.phase.Render("▸ planning next phase"))
	case protocol.EvPhaseGenerated:
		if phase, ok := ev["phase"].(map[string]interface{}); ok {
			fmt.Println(r.phase.Render("▸ phase: ") + eventString(phase, "name"))
		}
	case protocol.EvPhaseImplementing:
		if phase, ok := ev["phase"].(map[string]interface{}); ok {
			fmt.Println(r.phase.Render("▸ implementing ") + eventString(phase, "name"))
		}
	case protocol.EvFileGenerating:
		fmt.Println(r.file.Render("  • " + eventString(ev, "path")))
	case protocol.EvFileGenerated:
		fmt.Println(r.dim.Render("    done " + eventString(ev, "path")))
	case protocol.EvPhaseValidating:
		fmt.Println(r.dim.Render("  validating..."))
	case protocol.EvPhaseImplemented:
		fmt.Println(r.ok.Render("  ✓ phase implemented"))
	case protocol.EvDeploymentCompleted:
		if url := eventString(ev, "previewURL"); url != "" {
			fmt.Println(r.ok.Render("  preview: ") + url)
		}
	case protocol.EvDeploymentFailed:
		fmt.Println(r.warn.Render("  deploy failed: " + eventString(ev, "error")))
	case protocol.EvRuntimeErrorFound:
		fmt.Println(r.warn.Render("  runtime errors detected"))
	}
}
