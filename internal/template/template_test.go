package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/untoldecay/CodeLoom/internal/types"
)

func writeTemplate(t *testing.T, baseDir, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(baseDir, name)
	for path, contents := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(contents), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGetLoadsManifestAndFiles(t *testing.T) {
	base := t.TempDir()
	writeTemplate(t, base, "react-vite-cf", map[string]string{
		"template.yaml": `name: react-vite-cf
important_files:
  - src/App.tsx
  - src/main.tsx
redacted_files:
  - .env.example
`,
		"src/App.tsx":  "export default function App() {}",
		"src/main.tsx": "import App from './App'",
		".env.example": "SECRET=",
	})

	cache := NewCache(base)
	details, err := cache.Get("react-vite-cf")
	if err != nil {
		t.Fatal(err)
	}
	if details.Name != "react-vite-cf" {
		t.Errorf("name = %s", details.Name)
	}
	if len(details.AllFiles) != 3 {
		t.Errorf("expected 3 files (manifest excluded), got %d", len(details.AllFiles))
	}
	if len(details.ImportantFiles) != 2 || details.ImportantFiles[0] != "src/App.tsx" {
		t.Errorf("important files = %v", details.ImportantFiles)
	}
	if !IsRedacted(details, ".env.example") {
		t.Error(".env.example not redacted")
	}
	if IsRedacted(details, "src/App.tsx") {
		t.Error("src/App.tsx wrongly redacted")
	}
}

func TestGetCachesAndInvalidates(t *testing.T) {
	base := t.TempDir()
	writeTemplate(t, base, "tmpl", map[string]string{"a.txt": "v1"})

	cache := NewCache(base)
	first, err := cache.Get("tmpl")
	if err != nil {
		t.Fatal(err)
	}
	writeTemplate(t, base, "tmpl", map[string]string{"a.txt": "v2"})

	cached, _ := cache.Get("tmpl")
	if cached.AllFiles[0].Contents != first.AllFiles[0].Contents {
		t.Error("cache reloaded without invalidation")
	}

	cache.Invalidate("tmpl")
	fresh, err := cache.Get("tmpl")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.AllFiles[0].Contents != "v2" {
		t.Errorf("invalidation did not reload: %q", fresh.AllFiles[0].Contents)
	}
}

func TestGetMissingTemplate(t *testing.T) {
	cache := NewCache(t.TempDir())
	if _, err := cache.Get("nope"); err == nil {
		t.Error("missing template did not error")
	}
}

func TestIsRedactedEmptyDetails(t *testing.T) {
	if IsRedacted(&types.TemplateDetails{}, "anything") {
		t.Error("empty details redacted a path")
	}
}
