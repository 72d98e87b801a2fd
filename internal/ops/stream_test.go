package ops

import (
	"reflect"
	"testing"
)

func collectStream(t *testing.T, chunks []string) ([]GenFile, []string, map[string][]string) {
	t.Helper()
	var files []GenFile
	perPathChunks := map[string][]string{}
	p := newFileStreamParser(fileStreamCallbacks{
		onFileChunk: func(path, chunk string) {
			perPathChunks[path] = append(perPathChunks[path], chunk)
		},
		onFileDone: func(f GenFile) { files = append(files, f) },
	})
	for _, c := range chunks {
		p.Feed(c)
	}
	p.Finish()
	return files, p.Commands(), perPathChunks
}

func TestParseSingleFile(t *testing.T) {
	input := `Here is the file.
<<<FILE path="src/App.tsx" purpose="main app">>>
export default function App() {}
<<<END_FILE>>>
Done.`
	files, _, _ := collectStream(t, []string{input})
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if files[0].Path != "src/App.tsx" || files[0].Purpose != "main app" {
		t.Errorf("header mis-parsed: %+v", files[0])
	}
	if files[0].Contents != "export default function App() {}" {
		t.Errorf("contents = %q", files[0].Contents)
	}
}

func TestParseSplitAcrossChunks(t *testing.T) {
	whole := `<<<FILE path="a.ts">>>
const x = 1
const y = 2
<<<END_FILE>>>
<<<COMMANDS>>>
bun install zod
bun run build
<<<END_COMMANDS>>>`

	// Feed in pathological 3-byte chunks so every marker splits.
	var chunks []string
	for i := 0; i < len(whole); i += 3 {
		end := i + 3
		if end > len(whole) {
			end = len(whole)
		}
		chunks = append(chunks, whole[i:end])
	}

	files, commands, perPath := collectStream(t, chunks)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if files[0].Contents != "const x = 1\nconst y = 2" {
		t.Errorf("contents = %q", files[0].Contents)
	}
	want := []string{"bun install zod", "bun run build"}
	if !reflect.DeepEqual(commands, want) {
		t.Errorf("commands = %v, want %v", commands, want)
	}

	// Chunks must reassemble into exactly the file contents.
	var reassembled string
	for _, c := range perPath["a.ts"] {
		reassembled += c
	}
	if reassembled != files[0].Contents {
		t.Errorf("chunk reassembly = %q", reassembled)
	}
}

func TestParseMultipleFiles(t *testing.T) {
	input := `<<<FILE path="a.ts">>>
aaa
<<<END_FILE>>>
<<<FILE path="b.ts" purpose="second">>>
bbb
<<<END_FILE>>>`
	files, _, _ := collectStream(t, []string{input})
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Path != "a.ts" || files[1].Path != "b.ts" {
		t.Errorf("paths: %s, %s", files[0].Path, files[1].Path)
	}
	if files[1].Contents != "bbb" {
		t.Errorf("second contents = %q", files[1].Contents)
	}
}

func TestUnterminatedFileClosedOnFinish(t *testing.T) {
	input := `<<<FILE path="a.ts">>>
partial contents`
	files, _, _ := collectStream(t, []string{input})
	if len(files) != 1 {
		t.Fatalf("expected the unterminated file to be closed, got %d", len(files))
	}
	if files[0].Contents != "partial contents" {
		t.Errorf("contents = %q", files[0].Contents)
	}
}

func TestParseFileBlocksFallback(t *testing.T) {
	files, cmds := parseFileBlocks(`<<<FILE path="x.ts">>>
x
<<<END_FILE>>>
<<<COMMANDS>>>
bun test
<<<END_COMMANDS>>>`)
	if len(files) != 1 || files[0].Path != "x.ts" {
		t.Fatalf("files = %+v", files)
	}
	if len(cmds) != 1 || cmds[0] != "bun test" {
		t.Errorf("cmds = %v", cmds)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"fenced", "prose\n```json\n{\"a\": 1}\n```\nmore", `{"a": 1}`},
		{"bare", `leading {"a": {"b": 2}} trailing`, `{"a": {"b": 2}}`},
		{"braces in strings", `{"s": "has } brace"}`, `{"s": "has } brace"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("extractJSON = %q, want %q", got, tt.want)
			}
		})
	}
	if _, err := extractJSON("no json here"); err == nil {
		t.Error("expected error for input without JSON")
	}
}
