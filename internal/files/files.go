// Package files merges template and generated files into the views
// the rest of the system consumes, computes per-file diffs, and keeps
// the generated-files map in lockstep with the git store.
package files

import (
	"fmt"
	"sort"
	"time"

	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/gitstore"
	"github.com/untoldecay/CodeLoom/internal/store"
	"github.com/untoldecay/CodeLoom/internal/template"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// redactedPlaceholder replaces contents of redacted template files in
// relevant-file views.
const redactedPlaceholder = "/* contents redacted */"

// SavedFile is the input to SaveGeneratedFiles.
type SavedFile struct {
	Path     string
	Contents string
	Purpose  string
}

// TemplateProvider resolves the current template details. The file
// manager never caches them; the template cache owns invalidation.
type TemplateProvider func() (*types.TemplateDetails, error)

// Manager owns the generated-files map and its union views.
type Manager struct {
	store     *store.Store
	git       *gitstore.Store
	templates TemplateProvider
}

// NewManager wires a manager to the store and git store, registering
// the files-changed callback that keeps the map synced to HEAD.
func NewManager(st *store.Store, git *gitstore.Store, templates TemplateProvider) *Manager {
	m := &Manager{store: st, git: git, templates: templates}
	git.SetOnFilesChangedCallback(func() {
		if err := m.SyncFromHead(); err != nil {
			debug.Logf("sync from head failed: %v", err)
		}
	})
	return m
}

// GetAllFiles returns template ∪ generated, generated winning on path
// collisions.
func (m *Manager) GetAllFiles() ([]types.TemplateFile, error) {
	details, err := m.templates()
	if err != nil {
		return nil, err
	}
	state := m.store.Get()

	merged := make(map[string]string)
	for _, f := range details.AllFiles {
		merged[f.Path] = f.Contents
	}
	if state != nil {
		for path, f := range state.GeneratedFilesMap {
			merged[path] = f.Contents
		}
	}
	return flatten(merged), nil
}

// GetAllRelevantFiles returns important-template ∪ generated. With
// redact=true, redacted template files carry a placeholder body.
func (m *Manager) GetAllRelevantFiles(redact bool) ([]types.TemplateFile, error) {
	details, err := m.templates()
	if err != nil {
		return nil, err
	}
	state := m.store.Get()

	important := make(map[string]bool, len(details.ImportantFiles))
	for _, p := range details.ImportantFiles {
		important[p] = true
	}

	merged := make(map[string]string)
	for _, f := range details.AllFiles {
		if !important[f.Path] {
			continue
		}
		if redact && template.IsRedacted(details, f.Path) {
			merged[f.Path] = redactedPlaceholder
			continue
		}
		merged[f.Path] = f.Contents
	}
	if state != nil {
		for path, f := range state.GeneratedFilesMap {
			merged[path] = f.Contents
		}
	}
	return flatten(merged), nil
}

// SaveGeneratedFiles computes per-file diffs against the prior
// contents (falling back to the template, then empty), updates the
// store, and stages or commits through the git store depending on
// whether a commit message is given. Files whose contents did not
// change are skipped, so saving the same set twice is a no-op.
func (m *Manager) SaveGeneratedFiles(saved []SavedFile, commitMessage string) ([]types.GeneratedFile, error) {
	if len(saved) == 0 {
		return nil, nil
	}
	details, err := m.templates()
	if err != nil {
		return nil, err
	}
	templateContents := make(map[string]string, len(details.AllFiles))
	for _, f := range details.AllFiles {
		templateContents[f.Path] = f.Contents
	}

	state := m.store.Get()
	if state == nil {
		return nil, fmt.Errorf("saving files before initialize: %w", types.ErrNotFound)
	}

	now := time.Now().UTC()
	var changed []types.GeneratedFile
	for _, in := range saved {
		base := ""
		if prior, ok := state.GeneratedFilesMap[in.Path]; ok {
			base = prior.Contents
		} else if tmpl, ok := templateContents[in.Path]; ok {
			base = tmpl
		}
		diff := gitstore.UnifiedDiff(in.Path, base, in.Contents)
		if diff == "" {
			if _, exists := state.GeneratedFilesMap[in.Path]; exists {
				continue
			}
			// A file identical to its template base is still recorded
			// as generated so phase completeness holds.
		}
		purpose := in.Purpose
		if purpose == "" {
			if prior, ok := state.GeneratedFilesMap[in.Path]; ok {
				purpose = prior.Purpose
			}
		}
		changed = append(changed, types.GeneratedFile{
			Path:         in.Path,
			Contents:     in.Contents,
			Purpose:      purpose,
			LastDiff:     diff,
			LastModified: now,
		})
	}

	if len(changed) == 0 {
		return nil, nil
	}

	err = m.store.Mutate(func(s *types.ProjectState) error {
		if s.GeneratedFilesMap == nil {
			s.GeneratedFilesMap = make(map[string]*types.GeneratedFile)
		}
		for i := range changed {
			f := changed[i]
			s.GeneratedFilesMap[f.Path] = &f
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	gitFiles := make([]gitstore.File, 0, len(changed))
	for _, f := range changed {
		gitFiles = append(gitFiles, gitstore.File{Path: f.Path, Contents: f.Contents})
	}
	if commitMessage != "" {
		if _, err := m.git.Commit(gitFiles, commitMessage); err != nil {
			return nil, err
		}
	} else {
		if err := m.git.Stage(gitFiles); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

// DeleteFiles hard-deletes paths from the generated map and records
// the deletion as a commit. Sandbox deletion is the caller's step.
func (m *Manager) DeleteFiles(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	err := m.store.Mutate(func(s *types.ProjectState) error {
		for _, p := range paths {
			delete(s.GeneratedFilesMap, p)
		}
		return nil
	})
	if err != nil {
		return err
	}

	gitFiles := make([]gitstore.File, 0, len(paths))
	for _, p := range paths {
		gitFiles = append(gitFiles, gitstore.File{Path: p, Delete: true})
	}
	_, err = m.git.Commit(gitFiles, fmt.Sprintf("Remove %d file(s)", len(paths)))
	return err
}

// SyncFromHead rebuilds the generated-files map from git HEAD,
// preserving purpose annotations from the prior map.
func (m *Manager) SyncFromHead() error {
	headFiles, err := m.git.GetAllFilesFromHead()
	if err != nil {
		return err
	}
	return m.store.Mutate(func(s *types.ProjectState) error {
		prior := s.GeneratedFilesMap
		next := make(map[string]*types.GeneratedFile, len(headFiles))
		for path, contents := range headFiles {
			f := &types.GeneratedFile{Path: path, Contents: contents, LastModified: time.Now().UTC()}
			if old, ok := prior[path]; ok {
				f.Purpose = old.Purpose
				f.LastDiff = old.LastDiff
				f.LastModified = old.LastModified
			}
			next[path] = f
		}
		s.GeneratedFilesMap = next
		return nil
	})
}

// GeneratedFile returns one generated file, or ErrNotFound.
func (m *Manager) GeneratedFile(path string) (*types.GeneratedFile, error) {
	state := m.store.Get()
	if state == nil {
		return nil, types.ErrNotFound
	}
	f, ok := state.GeneratedFilesMap[path]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", path, types.ErrNotFound)
	}
	return f, nil
}

func flatten(merged map[string]string) []types.TemplateFile {
	paths := make([]string, 0, len(merged))
	for p := range merged {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]types.TemplateFile, 0, len(paths))
	for _, p := range paths {
		out = append(out, types.TemplateFile{Path: p, Contents: merged[p]})
	}
	return out
}
