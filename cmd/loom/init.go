package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a project configuration in this directory",
	Long: `Writes .loom/config.yaml with the product query and template.
The orchestrator plans the blueprint when "loom serve" first runs
with this configuration; "loom generate" then builds it.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("query", "", "what to build")
	initCmd.Flags().String("template", "", "project template name")
	initCmd.Flags().String("language", "typescript", "target language")
}

// projectConfig is the subset of config.yaml that init writes.
type projectConfig struct {
	Project struct {
		Query    string `yaml:"query"`
		Template string `yaml:"template,omitempty"`
		Language string `yaml:"language,omitempty"`
	} `yaml:"project"`
}

func runInit(cmd *cobra.Command, args []string) error {
	query, _ := cmd.Flags().GetString("query")
	templateName, _ := cmd.Flags().GetString("template")
	language, _ := cmd.Flags().GetString("language")

	if query == "" {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewText().
					Title("What should this project be?").
					Description("Describe the product in a sentence or two.").
					Value(&query),
				huh.NewInput().
					Title("Template").
					Description("Leave empty for the default template.").
					Value(&templateName),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}
	}
	if query == "" {
		return fmt.Errorf("a product query is required")
	}

	dir := stateDir(cmd)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	var cfg projectConfig
	cfg.Project.Query = query
	cfg.Project.Template = templateName
	cfg.Project.Language = language

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	fmt.Printf("Wrote %s. Run 'loom serve' to plan the project, then 'loom generate' to build it.\n", path)
	return nil
}
