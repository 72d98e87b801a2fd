// Package agent is the composition root: it owns every component of
// one project's orchestrator and exposes its external API.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/untoldecay/CodeLoom/internal/broadcast"
	"github.com/untoldecay/CodeLoom/internal/conversation"
	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/deploy"
	"github.com/untoldecay/CodeLoom/internal/files"
	"github.com/untoldecay/CodeLoom/internal/ghexport"
	"github.com/untoldecay/CodeLoom/internal/gitstore"
	"github.com/untoldecay/CodeLoom/internal/inference"
	"github.com/untoldecay/CodeLoom/internal/machine"
	"github.com/untoldecay/CodeLoom/internal/migrate"
	"github.com/untoldecay/CodeLoom/internal/ops"
	"github.com/untoldecay/CodeLoom/internal/protocol"
	"github.com/untoldecay/CodeLoom/internal/registry"
	"github.com/untoldecay/CodeLoom/internal/sandbox"
	"github.com/untoldecay/CodeLoom/internal/store"
	"github.com/untoldecay/CodeLoom/internal/template"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// Config wires an orchestrator together.
type Config struct {
	Store     *store.Store
	Sandbox   *sandbox.Client
	Registry  *registry.Client
	Inference *inference.Client
	Templates *template.Cache

	GithubTokenTTL time.Duration
}

// Orchestrator is the long-lived per-project agent.
type Orchestrator struct {
	store     *store.Store
	log       *conversation.Log
	git       *gitstore.Store
	files     *files.Manager
	sandbox   *sandbox.Client
	registry  *registry.Client
	inference *inference.Client
	templates *template.Cache
	deploy    *deploy.Manager
	exporter  *ghexport.Exporter
	machine   *machine.Machine
	bcast     *broadcast.Broadcaster

	debugMu     sync.Mutex
	debugActive bool

	// In-memory user images keyed by upload id; intentionally not
	// persisted, so they are lost on restart.
	imagesMu sync.Mutex
	images   map[string][]string
}

// New assembles an orchestrator from its components.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:     cfg.Store,
		sandbox:   cfg.Sandbox,
		registry:  cfg.Registry,
		inference: cfg.Inference,
		templates: cfg.Templates,
		bcast:     broadcast.New(),
		exporter:  ghexport.NewExporter(cfg.GithubTokenTTL),
		images:    make(map[string][]string),
	}
	o.log = conversation.NewLog(cfg.Store.DB(), "")
	o.git = gitstore.New(cfg.Store.DB())
	o.files = files.NewManager(cfg.Store, o.git, o.templateDetails)
	o.deploy = deploy.NewManager(cfg.Sandbox, cfg.Store)
	o.machine = machine.New(cfg.Store, o.bcast, &machineDriver{o})
	return o
}

// Broadcaster exposes the event stream for the transport layer.
func (o *Orchestrator) Broadcaster() *broadcast.Broadcaster { return o.bcast }

// templateDetails resolves the current template from state.
func (o *Orchestrator) templateDetails() (*types.TemplateDetails, error) {
	state := o.store.Get()
	if state == nil || state.TemplateName == "" {
		return &types.TemplateDetails{}, nil
	}
	return o.templates.Get(state.TemplateName)
}

// opsContext builds the per-operation context from a fresh snapshot.
func (o *Orchestrator) opsContext() (*ops.Context, error) {
	state := o.store.Get()
	if state == nil {
		return nil, fmt.Errorf("project not initialized: %w", types.ErrNotFound)
	}
	details, err := o.templateDetails()
	if err != nil {
		return nil, err
	}
	return &ops.Context{State: state, Template: details, Inference: o.inference}, nil
}

// broadcastState pushes the authoritative state to all clients so
// they can reconcile.
func (o *Orchestrator) broadcastState() {
	state := o.store.Get()
	if state == nil {
		return
	}
	state.ConversationMessages = conversation.FilterForUI(state.ConversationMessages)
	o.bcast.Broadcast(protocol.NewEvent(protocol.EvAgentState, protocol.AgentStatePayload{State: state}))
}

// OnClientConnect sends the connection handshake to one client.
func (o *Orchestrator) OnClientConnect(clientID, serverVersion string) {
	state := o.store.Get()
	details, err := o.templateDetails()
	if err != nil {
		debug.Logf("template details unavailable on connect: %v", err)
	}
	if state != nil {
		state.ConversationMessages = conversation.FilterForUI(state.ConversationMessages)
	}
	o.bcast.SendTo(clientID, protocol.NewEvent(protocol.EvAgentConnected, protocol.AgentConnectedPayload{
		State:           state,
		TemplateDetails: details,
		ServerVersion:   serverVersion,
	}))
}

// InitializeParams configures project creation.
type InitializeParams struct {
	Query            string
	Language         string
	Frameworks       []string
	Hostname         string
	TemplateName     string
	Inference        types.InferenceContext
	Images           []string
	OnBlueprintChunk func(string)
}

// Initialize plans the blueprint, seeds project state, commits the
// customized template configuration files, and kicks off the async
// bootstrap work (sandbox deploy, setup commands, README).
func (o *Orchestrator) Initialize(ctx context.Context, params InitializeParams) (*types.ProjectState, error) {
	if o.store.Initialized() {
		return o.store.Get(), nil
	}

	details, err := o.templates.Get(params.TemplateName)
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", params.TemplateName, err)
	}

	octx := &ops.Context{
		State:     &types.ProjectState{Query: params.Query},
		Template:  details,
		Inference: o.inference,
	}
	blueprint, err := ops.PlanBlueprint(ctx, octx, ops.BlueprintRequest{
		Query:      params.Query,
		Language:   params.Language,
		Frameworks: params.Frameworks,
	}, params.OnBlueprintChunk)
	if err != nil {
		return nil, fmt.Errorf("planning blueprint: %w", err)
	}

	projectName := blueprint.ProjectName
	if !types.ProjectNamePattern.MatchString(projectName) {
		projectName = migrate.GenerateProjectName(blueprint.ProjectName + " " + params.Query)
	}
	blueprint.ProjectName = projectName

	state := &types.ProjectState{
		ID:                        uuid.NewString(),
		CreatedAt:                 time.Now().UTC(),
		Query:                     params.Query,
		Blueprint:                 blueprint,
		ProjectName:               projectName,
		TemplateName:              details.Name,
		GeneratedFilesMap:         map[string]*types.GeneratedFile{},
		CommandsHistory:           []string{},
		SessionID:                 uuid.NewString(),
		Hostname:                  params.Hostname,
		AgentMode:                 types.ModeSmart,
		PhasesCounter:             len(blueprint.ImplementationRoadmap) + 1,
		PendingUserInputs:         []string{},
		CurrentDevState:           types.StateIdle,
		ProjectUpdatesAccumulator: []string{},
		InferenceContext:          params.Inference,
	}
	if state.PhasesCounter < 3 {
		state.PhasesCounter = 3
	}
	if err := o.store.Set(state); err != nil {
		return nil, err
	}

	if len(params.Images) > 0 {
		o.storeImages("initial", params.Images)
	}

	customized := customizeTemplateFiles(details, projectName)
	if _, err := o.files.SaveGeneratedFiles(customized, "Initialize project configuration files"); err != nil {
		return nil, fmt.Errorf("committing configuration files: %w", err)
	}

	if o.registry.Enabled() {
		if err := o.registry.CreateApp(ctx, registry.App{
			ID:        state.ID,
			Title:     projectName,
			Status:    "generating",
			CreatedAt: state.CreatedAt,
		}); err != nil {
			debug.Logf("registry createApp failed: %v", err)
		}
	}

	// Async bootstrap: deploy, setup commands, README. Each is best
	// effort and reports through the event stream.
	go func() {
		if err := o.DeployToSandbox(context.Background(), false, "Initial deploy", true); err != nil {
			debug.Logf("initial deploy failed: %v", err)
		}
	}()
	go o.generateSetupCommands(context.Background())
	go o.generateReadme(context.Background())

	o.broadcastState()
	return o.store.Get(), nil
}

// generateSetupCommands asks the model for environment setup commands
// and runs them through the command pipeline.
func (o *Orchestrator) generateSetupCommands(ctx context.Context) {
	octx, err := o.opsContext()
	if err != nil {
		return
	}
	prompt := fmt.Sprintf(
		"Project %q uses template %q. List the shell commands needed to prepare its sandbox (installs only, one per line, no prose). If none are needed, respond with NONE.",
		octx.State.Query, octx.Template.Name)
	resp, err := o.inference.Complete(ctx, inference.Request{
		Messages: []anthropic.MessageParam{inference.TextMessage(types.RoleUser, prompt)},
	})
	if err != nil {
		debug.Logf("setup command generation failed: %v", err)
		return
	}
	if strings.Contains(resp.Text, "NONE") {
		return
	}
	cmds := strings.Split(resp.Text, "\n")
	if _, err := o.ExecCommands(ctx, cmds, true, 0); err != nil {
		debug.Logf("setup commands failed: %v", err)
	}
}

// generateReadme writes a README derived from the blueprint.
func (o *Orchestrator) generateReadme(ctx context.Context) {
	state := o.store.Get()
	if state == nil || state.Blueprint == nil {
		return
	}
	bp := state.Blueprint
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n", bp.Title, bp.Description)
	if len(bp.Frameworks) > 0 {
		fmt.Fprintf(&b, "Built with %s.\n\n", strings.Join(bp.Frameworks, ", "))
	}
	if bp.UserFlow != "" {
		fmt.Fprintf(&b, "## How it works\n\n%s\n", bp.UserFlow)
	}
	if _, err := o.files.SaveGeneratedFiles([]files.SavedFile{{
		Path:     "README.md",
		Contents: b.String(),
		Purpose:  "Project overview",
	}}, "Add README"); err != nil {
		debug.Logf("README generation failed: %v", err)
	}
}

// customizeTemplateFiles rewrites the template's own configuration
// files for the new project. Only files the orchestrator authors are
// touched; everything else ships verbatim from the template.
func customizeTemplateFiles(details *types.TemplateDetails, projectName string) []files.SavedFile {
	out := []files.SavedFile{
		{
			Path:     ".gitignore",
			Contents: "node_modules/\ndist/\n.env\n.wrangler/\n",
			Purpose:  "Ignore build artifacts and secrets",
		},
		{
			Path:     ".bootstrap.js",
			Contents: machine.GenerateBootstrapScript(nil),
			Purpose:  "Recreates the sandbox environment on cold start",
		},
	}
	for _, f := range details.AllFiles {
		switch f.Path {
		case "package.json":
			out = append(out, files.SavedFile{
				Path:     "package.json",
				Contents: replaceJSONField(f.Contents, "name", projectName),
				Purpose:  "Package manifest",
			})
		case "wrangler.jsonc":
			out = append(out, files.SavedFile{
				Path:     "wrangler.jsonc",
				Contents: replaceJSONField(f.Contents, "name", projectName),
				Purpose:  "Worker deployment configuration",
			})
		}
	}
	return out
}

// replaceJSONField rewrites the first `"field": "..."` value in a
// JSON-ish document, preserving everything else byte for byte (the
// template may carry comments, so a parse/reserialize is off the
// table).
func replaceJSONField(doc, field, value string) string {
	needle := `"` + field + `"`
	idx := strings.Index(doc, needle)
	if idx < 0 {
		return doc
	}
	rest := doc[idx+len(needle):]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return doc
	}
	valStart := idx + len(needle) + colon + 1
	quote := strings.Index(doc[valStart:], `"`)
	if quote < 0 {
		return doc
	}
	openQuote := valStart + quote
	closeQuote := strings.Index(doc[openQuote+1:], `"`)
	if closeQuote < 0 {
		return doc
	}
	return doc[:openQuote+1] + value + doc[openQuote+1+closeQuote:]
}

func (o *Orchestrator) storeImages(key string, images []string) {
	o.imagesMu.Lock()
	defer o.imagesMu.Unlock()
	o.images[key] = append(o.images[key], images...)
}

func (o *Orchestrator) takeImages(key string) []string {
	o.imagesMu.Lock()
	defer o.imagesMu.Unlock()
	imgs := o.images[key]
	delete(o.images, key)
	return imgs
}
