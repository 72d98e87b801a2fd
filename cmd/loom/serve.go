package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/untoldecay/CodeLoom/internal/agent"
	"github.com/untoldecay/CodeLoom/internal/config"
	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/inference"
	"github.com/untoldecay/CodeLoom/internal/registry"
	"github.com/untoldecay/CodeLoom/internal/sandbox"
	"github.com/untoldecay/CodeLoom/internal/server"
	"github.com/untoldecay/CodeLoom/internal/store"
	"github.com/untoldecay/CodeLoom/internal/template"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon for this project",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("query", "", "product query to initialize the project with (first run only)")
	serveCmd.Flags().String("template", "", "template name (first run only)")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir := stateDir(cmd)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	st, err := store.Open(filepath.Join(dir, "loom.db"), config.GetString("project-id"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	inf, err := inference.NewClient("", config.GetString("model"), config.GetInt("model.max-tokens"))
	if err != nil {
		return err
	}

	templatesDir := config.GetString("templates.dir")
	if templatesDir == "" {
		templatesDir = filepath.Join(dir, "templates")
	}
	templates := template.NewCache(templatesDir)
	if err := templates.Watch(); err != nil {
		debug.Logf("template watcher unavailable: %v", err)
	}
	defer func() { _ = templates.Close() }()

	o := agent.New(agent.Config{
		Store:          st,
		Sandbox:        sandbox.NewClient(config.GetString("sandbox.addr"), config.GetDuration("sandbox.timeout")),
		Registry:       registry.NewClient(config.GetString("registry.base-url"), config.GetString("registry.token")),
		Inference:      inf,
		Templates:      templates,
		GithubTokenTTL: config.GetDuration("github.token-ttl"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// First run: initialize the project when a query is available.
	if !st.Initialized() {
		query, _ := cmd.Flags().GetString("query")
		if query == "" {
			query = config.GetString("project.query")
		}
		if query == "" {
			return fmt.Errorf("project not initialized: pass --query or run 'loom init' first")
		}
		templateName, _ := cmd.Flags().GetString("template")
		if templateName == "" {
			templateName = config.GetString("project.template")
		}
		if templateName == "" {
			templateName = config.GetString("templates.default")
		}
		hostname := config.GetString("hostname")

		fmt.Println("Planning blueprint...")
		if _, err := o.Initialize(ctx, agent.InitializeParams{
			Query:        query,
			Language:     config.GetString("project.language"),
			Frameworks:   nil,
			Hostname:     hostname,
			TemplateName: templateName,
		}); err != nil {
			return err
		}
		fmt.Println("Project initialized.")
	}

	srv := server.New(server.Config{
		StateDir:       dir,
		MaxConns:       config.GetInt("daemon.max-conns"),
		RequestTimeout: config.GetDuration("daemon.request-timeout"),
		LogMaxSizeMB:   config.GetInt("daemon.log-max-size-mb"),
		LogMaxBackups:  config.GetInt("daemon.log-max-backups"),
	}, o)

	// Resume an interrupted run after restart.
	if state := o.State(); state != nil && state.ShouldBeGenerating {
		go func() {
			<-srv.Ready()
			if err := o.GenerateAllFiles(ctx, state.ReviewCycles); err != nil {
				debug.Logf("resumed generation failed: %v", err)
			}
		}()
	}

	fmt.Printf("loom daemon starting (socket %s)\n", server.SocketPath(dir))
	return srv.Start(ctx)
}
