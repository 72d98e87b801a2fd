// Package template loads and caches project template details from a
// templates directory. Each template is a directory of files plus a
// template.yaml manifest naming its important and redacted subsets.
package template

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// ManifestName is the per-template manifest file.
const ManifestName = "template.yaml"

// manifest mirrors template.yaml.
type manifest struct {
	Name           string   `yaml:"name"`
	ImportantFiles []string `yaml:"important_files"`
	RedactedFiles  []string `yaml:"redacted_files"`
}

// Cache loads template details on demand and invalidates them when
// the template directory changes on disk.
type Cache struct {
	baseDir string

	mu      sync.Mutex
	details map[string]*types.TemplateDetails

	watcher *fsnotify.Watcher
}

// NewCache creates a cache over the templates base directory.
func NewCache(baseDir string) *Cache {
	return &Cache{baseDir: baseDir, details: make(map[string]*types.TemplateDetails)}
}

// Get returns the cached details for a template, loading them from
// disk on first use.
func (c *Cache) Get(name string) (*types.TemplateDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.details[name]; ok {
		return d, nil
	}
	d, err := c.load(name)
	if err != nil {
		return nil, err
	}
	c.details[name] = d
	return d, nil
}

// Invalidate drops a cached template so the next Get reloads it.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.details, name)
}

// Watch starts invalidating cached templates when files under the
// base directory change. Best effort: an unavailable watcher only
// disables invalidation.
func (c *Cache) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting template watcher: %w", err)
	}
	if err := watcher.Add(c.baseDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", c.baseDir, err)
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				rel, err := filepath.Rel(c.baseDir, ev.Name)
				if err != nil {
					continue
				}
				name := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
				debug.Logf("template %s changed (%s), invalidating cache", name, ev.Op)
				c.Invalidate(name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				debug.Logf("template watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (c *Cache) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *Cache) load(name string) (*types.TemplateDetails, error) {
	dir := filepath.Join(c.baseDir, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("template %s: %w", name, types.ErrNotFound)
	}

	details := &types.TemplateDetails{Name: name}

	manifestPath := filepath.Join(dir, ManifestName)
	if data, err := os.ReadFile(manifestPath); err == nil {
		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", manifestPath, err)
		}
		details.ImportantFiles = m.ImportantFiles
		details.RedactedFiles = m.RedactedFiles
		if m.Name != "" {
			details.Name = m.Name
		}
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestName {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		details.AllFiles = append(details.AllFiles, types.TemplateFile{Path: rel, Contents: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", name, err)
	}

	sort.Slice(details.AllFiles, func(i, j int) bool {
		return details.AllFiles[i].Path < details.AllFiles[j].Path
	})
	return details, nil
}

// IsRedacted reports whether a path is in the template's redacted set.
func IsRedacted(details *types.TemplateDetails, path string) bool {
	for _, p := range details.RedactedFiles {
		if p == path {
			return true
		}
	}
	return false
}
