package machine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/files"
	"github.com/untoldecay/CodeLoom/internal/types"
)

const (
	commandBatchSize    = 5
	commandBatchRetry   = 3
	commandTimeoutMs    = 30000
	bootstrapScriptPath = ".bootstrap.js"
)

var (
	bulletPrefixRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
	installRe      = regexp.MustCompile(`\b(install|add |remove|uninstall)\b`)
	installToolRe  = regexp.MustCompile(`\b(bun|npm|pnpm|yarn)\b`)
	firstTokenRe   = regexp.MustCompile(`^[a-zA-Z0-9_@./-]+$`)
	npmInstallRe   = regexp.MustCompile(`\bnpm (install|i|add)\b`)
	npmUninstallRe = regexp.MustCompile(`\bnpm (uninstall|remove|rm)\b`)
	npmRunRe       = regexp.MustCompile(`\bnpm run\b`)
	npxRe          = regexp.MustCompile(`\bnpx\b`)
)

// NormalizeCommands strips list formatting, rewrites npm invocations
// to bun, and deduplicates while preserving order.
func NormalizeCommands(cmds []string) []string {
	seen := make(map[string]bool, len(cmds))
	out := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		cmd = bulletPrefixRe.ReplaceAllString(cmd, "")
		cmd = strings.TrimSpace(cmd)
		cmd = strings.Trim(cmd, "`")
		if cmd == "" {
			continue
		}
		cmd = npmInstallRe.ReplaceAllString(cmd, "bun install")
		cmd = npmUninstallRe.ReplaceAllString(cmd, "bun remove")
		cmd = npmRunRe.ReplaceAllString(cmd, "bun run")
		cmd = npxRe.ReplaceAllString(cmd, "bunx")
		if seen[cmd] {
			continue
		}
		seen[cmd] = true
		out = append(out, cmd)
	}
	return out
}

// LooksLikeCommand filters prose the model sometimes mixes into
// command lists.
func LooksLikeCommand(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || len(cmd) > 300 {
		return false
	}
	if strings.HasPrefix(cmd, "#") || strings.HasSuffix(cmd, ":") || strings.Contains(cmd, "```") {
		return false
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 || len(fields) > 24 {
		return false
	}
	if !firstTokenRe.MatchString(fields[0]) {
		return false
	}
	// A capitalized first word reads as a sentence, not a binary.
	first := fields[0]
	if first[0] >= 'A' && first[0] <= 'Z' && !strings.ContainsAny(first, "./") {
		return false
	}
	return true
}

// ValidateAndClean normalizes, filters, and deduplicates a command
// list. Applying it twice is a no-op.
func ValidateAndClean(cmds []string) []string {
	normalized := NormalizeCommands(cmds)
	out := make([]string, 0, len(normalized))
	for _, cmd := range normalized {
		if LooksLikeCommand(cmd) {
			out = append(out, cmd)
		}
	}
	return out
}

// ChunkCommands splits commands into batches.
func ChunkCommands(cmds []string, size int) [][]string {
	if size <= 0 {
		size = commandBatchSize
	}
	var out [][]string
	for len(cmds) > 0 {
		n := size
		if n > len(cmds) {
			n = len(cmds)
		}
		out = append(out, cmds[:n])
		cmds = cmds[n:]
	}
	return out
}

// IsInstallCommand reports whether a command mutates dependencies.
func IsInstallCommand(cmd string) bool {
	return installRe.MatchString(cmd) && installToolRe.MatchString(cmd)
}

// runCommandPipeline is the deterministic command execution
// sub-algorithm: normalize, batch, execute with install-aware
// retries, then record history, rewrite the bootstrap script, and
// sync package.json when dependencies changed.
func (m *Machine) runCommandPipeline(ctx context.Context, cmds []string) ([]string, error) {
	cleaned := ValidateAndClean(cmds)
	if len(cleaned) == 0 {
		return nil, nil
	}

	var succeeded []string
	for _, batch := range ChunkCommands(cleaned, commandBatchSize) {
		ok := m.runBatch(ctx, batch, &succeeded)
		if !ok {
			debug.Logf("dropping command batch after retries: %v", batch)
		}
	}

	if len(succeeded) == 0 {
		return nil, nil
	}

	if err := m.store.Mutate(func(s *types.ProjectState) error {
		s.CommandsHistory = ValidateAndClean(append(s.CommandsHistory, succeeded...))
		return nil
	}); err != nil {
		return succeeded, err
	}

	history := m.store.Get().CommandsHistory
	script := GenerateBootstrapScript(history)
	if _, err := m.driver.SaveGeneratedFiles([]files.SavedFile{{
		Path:     bootstrapScriptPath,
		Contents: script,
		Purpose:  "Recreates the sandbox environment on cold start",
	}}, "Update bootstrap script"); err != nil {
		debug.Logf("rewriting bootstrap script failed: %v", err)
	}

	for _, cmd := range succeeded {
		if IsInstallCommand(cmd) {
			if err := m.driver.SyncPackageJSON(ctx); err != nil {
				debug.Logf("package.json sync failed: %v", err)
			}
			break
		}
	}
	return succeeded, nil
}

// runBatch executes one batch, retrying with AI-suggested
// alternatives when an install command fails. Reports whether the
// batch (or its replacement) ultimately ran.
func (m *Machine) runBatch(ctx context.Context, batch []string, succeeded *[]string) bool {
	for attempt := 0; attempt < commandBatchRetry; attempt++ {
		results, err := m.driver.ExecuteCommands(ctx, batch, commandTimeoutMs)
		if err != nil {
			debug.Logf("command batch failed outright: %v", err)
			return false
		}

		var failed []types.CommandResult
		for _, r := range results {
			if r.Success {
				*succeeded = append(*succeeded, r.Command)
			} else {
				failed = append(failed, r)
			}
		}
		if len(failed) == 0 {
			return true
		}

		// Only install failures are worth a retry with alternatives.
		retryable := false
		for _, f := range failed {
			if IsInstallCommand(f.Command) {
				retryable = true
				break
			}
		}
		if !retryable || attempt == commandBatchRetry-1 {
			return false
		}

		alternatives, err := m.driver.SuggestAlternativeCommands(ctx, failed)
		if err != nil || len(alternatives) == 0 {
			return false
		}
		batch = ValidateAndClean(alternatives)
		if len(batch) == 0 {
			return false
		}
	}
	return false
}

// GenerateBootstrapScript renders the commands history into the
// bootstrap script committed alongside generated files so cold-start
// clones can rebuild the environment.
func GenerateBootstrapScript(history []string) string {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bun\n")
	b.WriteString("// Regenerated from the project's command history. Do not edit by hand.\n")
	b.WriteString("import { spawnSync } from \"node:child_process\";\n\n")
	b.WriteString("const commands = [\n")
	for _, cmd := range history {
		fmt.Fprintf(&b, "  %q,\n", cmd)
	}
	b.WriteString("];\n\n")
	b.WriteString("for (const command of commands) {\n")
	b.WriteString("  const result = spawnSync(command, { shell: true, stdio: \"inherit\" });\n")
	b.WriteString("  if (result.status !== 0) {\n")
	b.WriteString("    console.error(`bootstrap command failed: ${command}`);\n")
	b.WriteString("    process.exit(result.status ?? 1);\n")
	b.WriteString("  }\n")
	b.WriteString("}\n")
	return b.String()
}
