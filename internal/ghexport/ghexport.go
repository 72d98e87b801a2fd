// Package ghexport pushes the project's git objects to a GitHub
// repository: a scratch clone is assembled with the template base
// commit dated at project creation, the generated tree layered on
// top, and the result pushed with the caller's token.
package ghexport

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/gitstore"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// Options configures one push.
type Options struct {
	Token             string
	Username          string
	Email             string
	RepositoryHTMLURL string
	IsPrivate         bool
}

// Meta is the project metadata baked into the commit graph.
type Meta struct {
	AppCreatedAt    time.Time
	Query           string
	TemplateDetails *types.TemplateDetails
}

// Result is a successful push.
type Result struct {
	CommitSha     string
	RepositoryURL string
}

// Progress receives step labels as the export advances.
type Progress func(step string)

// Exporter performs GitHub pushes. Tokens are cached in memory with a
// TTL and never persisted.
type Exporter struct {
	tokens *TokenCache
}

// NewExporter creates an exporter.
func NewExporter(tokenTTL time.Duration) *Exporter {
	return &Exporter{tokens: NewTokenCache(tokenTTL)}
}

// Push assembles the commit graph and pushes it to the remote. The
// base commit carries the template files with an author date equal to
// the project's creation time; a second commit layers the generated
// objects when any exist.
func (e *Exporter) Push(ctx context.Context, opts Options, objects []gitstore.ExportedObject, meta Meta, progress Progress) (*Result, error) {
	if opts.RepositoryHTMLURL == "" {
		return nil, fmt.Errorf("repository URL required: %w", types.ErrInvalidArgument)
	}
	token := e.tokens.Resolve(opts.RepositoryHTMLURL, opts.Token)
	if token == "" {
		return nil, fmt.Errorf("github token required: %w", types.ErrInvalidArgument)
	}
	report := func(step string) {
		if progress != nil {
			progress(step)
		}
	}

	dir, err := os.MkdirTemp("", "loom-export-*")
	if err != nil {
		return nil, fmt.Errorf("creating export scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	report("init")
	if err := runGit(ctx, dir, nil, "init", "-b", "main"); err != nil {
		return nil, err
	}
	if err := runGit(ctx, dir, nil, "config", "user.name", orDefault(opts.Username, "loom")); err != nil {
		return nil, err
	}
	if err := runGit(ctx, dir, nil, "config", "user.email", orDefault(opts.Email, "loom@localhost")); err != nil {
		return nil, err
	}

	// Base commit: template files, authored at project creation.
	report("template base")
	if meta.TemplateDetails != nil {
		for _, f := range meta.TemplateDetails.AllFiles {
			if err := writeFile(dir, f.Path, []byte(f.Contents)); err != nil {
				return nil, err
			}
		}
	}
	if err := runGit(ctx, dir, nil, "add", "-A"); err != nil {
		return nil, err
	}
	baseDate := meta.AppCreatedAt.UTC().Format(time.RFC3339)
	dateEnv := []string{"GIT_AUTHOR_DATE=" + baseDate, "GIT_COMMITTER_DATE=" + baseDate}
	baseMsg := "Initialize project from template"
	if meta.Query != "" {
		baseMsg += "\n\n" + meta.Query
	}
	if err := runGit(ctx, dir, dateEnv, "commit", "--allow-empty", "-m", baseMsg); err != nil {
		return nil, err
	}

	// Generated tree on top, when any objects exist.
	if len(objects) > 0 {
		report("generated files")
		for _, obj := range objects {
			if err := writeFile(dir, obj.Path, obj.Bytes); err != nil {
				return nil, err
			}
		}
		if err := runGit(ctx, dir, nil, "add", "-A"); err != nil {
			return nil, err
		}
		// Tolerate a tree identical to the template base.
		if err := runGit(ctx, dir, nil, "commit", "-m", "Generated application code"); err != nil {
			debug.Logf("generated-files commit skipped: %v", err)
		}
	}

	report("push")
	pushURL, err := authenticatedURL(opts.RepositoryHTMLURL, orDefault(opts.Username, "x-access-token"), token)
	if err != nil {
		return nil, err
	}
	if err := runGit(ctx, dir, nil, "remote", "add", "origin", pushURL); err != nil {
		return nil, err
	}
	if err := runGit(ctx, dir, nil, "push", "-u", "origin", "main", "--force"); err != nil {
		return nil, fmt.Errorf("pushing to %s: %w", opts.RepositoryHTMLURL, err)
	}

	sha, err := gitOutput(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &Result{CommitSha: strings.TrimSpace(sha), RepositoryURL: opts.RepositoryHTMLURL}, nil
}

func runGit(ctx context.Context, dir string, extraEnv []string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %v: %s", args[0], err, redactTokens(string(out)))
	}
	return nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

func writeFile(dir, rel string, data []byte) error {
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(rel), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// authenticatedURL embeds credentials into the https remote URL. The
// URL never leaves the scratch repo config, which is deleted after
// the push.
func authenticatedURL(htmlURL, username, token string) (string, error) {
	u, err := url.Parse(htmlURL)
	if err != nil {
		return "", fmt.Errorf("parsing repository URL: %w", err)
	}
	u.User = url.UserPassword(username, token)
	if !strings.HasSuffix(u.Path, ".git") {
		u.Path += ".git"
	}
	return u.String(), nil
}

// redactTokens scrubs credentials from git output before it reaches
// logs or errors.
func redactTokens(s string) string {
	if idx := strings.Index(s, "://"); idx >= 0 {
		if at := strings.Index(s[idx:], "@"); at >= 0 {
			return s[:idx+3] + "***" + s[idx+at:]
		}
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
