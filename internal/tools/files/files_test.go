package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msgcode/msgcode/pkg/models"
)

func TestResolvePath(t *testing.T) {
	ws := t.TempDir()
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"plain", "notes.md", false},
		{"nested", "src/main.go", false},
		{"dot", "./a.txt", false},
		{"interior dotdot", "src/../a.txt", false},
		{"escape", "../outside.txt", true},
		{"deep escape", "a/../../b", true},
		{"absolute", "/etc/passwd", true},
		{"empty", "", true},
		{"spaces only", "   ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePath(ws, tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tt.path, got)
				}
				if models.CodeOf(err) != models.CodePathUnsafe {
					t.Errorf("code = %s, want PATH_UNSAFE", models.CodeOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolvePath(%q): %v", tt.path, err)
			}
			if !strings.HasPrefix(got, ws) {
				t.Errorf("resolved path %q outside workspace", got)
			}
		})
	}
}

func TestResolvePathKeepsPercentVerbatim(t *testing.T) {
	_, err := ResolvePath(t.TempDir(), "../notes%d.md")
	if err == nil {
		t.Fatal("expected escape rejection")
	}
	if !strings.Contains(err.Error(), "../notes%d.md") {
		t.Errorf("error must carry the path verbatim: %v", err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	ws := t.TempDir()
	write := &WriteTool{WorkspacePath: ws}
	read := &ReadTool{WorkspacePath: ws}

	out, err := write.Execute(context.Background(), json.RawMessage(`{"path":"docs/a.md","content":"hello\nworld\n"}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := out.(map[string]any); m["bytesWritten"] != 12 {
		t.Errorf("bytesWritten = %v", m["bytesWritten"])
	}

	out, err = read.Execute(context.Background(), json.RawMessage(`{"path":"docs/a.md"}`))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m := out.(map[string]any)
	if m["content"] != "hello\nworld\n" {
		t.Errorf("content = %q", m["content"])
	}
	if m["truncated"] != false {
		t.Error("small file should not be truncated")
	}
}

func TestReadMissingFile(t *testing.T) {
	read := &ReadTool{WorkspacePath: t.TempDir()}
	_, err := read.Execute(context.Background(), json.RawMessage(`{"path":"nope.txt"}`))
	if models.CodeOf(err) != models.CodeToolExecFailed {
		t.Fatalf("code = %v", models.CodeOf(err))
	}
}

func TestEditReplacesFirstOccurrence(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "f.txt")
	if err := os.WriteFile(path, []byte("aaa bbb aaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	edit := &EditTool{WorkspacePath: ws}
	_, err := edit.Execute(context.Background(), json.RawMessage(
		`{"path":"f.txt","edits":[{"oldText":"aaa","newText":"xxx"}]}`))
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "xxx bbb aaa" {
		t.Errorf("content = %q, only the first occurrence should change", data)
	}
}

func TestEditSequentialAndMissingOldText(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "f.txt")
	if err := os.WriteFile(path, []byte("one two"), 0o644); err != nil {
		t.Fatal(err)
	}
	edit := &EditTool{WorkspacePath: ws}

	// Later edits see earlier edits' output.
	_, err := edit.Execute(context.Background(), json.RawMessage(
		`{"path":"f.txt","edits":[{"oldText":"one","newText":"1"},{"oldText":"1 two","newText":"done"}]}`))
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "done" {
		t.Errorf("content = %q", data)
	}

	_, err = edit.Execute(context.Background(), json.RawMessage(
		`{"path":"f.txt","edits":[{"oldText":"never there","newText":"x"}]}`))
	if models.CodeOf(err) != models.CodeToolExecFailed {
		t.Fatalf("code = %v", models.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "oldText not found") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestToolsRejectEscapes(t *testing.T) {
	ws := t.TempDir()
	for name, run := range map[string]func() error{
		"read": func() error {
			_, err := (&ReadTool{WorkspacePath: ws}).Execute(context.Background(), json.RawMessage(`{"path":"../x"}`))
			return err
		},
		"write": func() error {
			_, err := (&WriteTool{WorkspacePath: ws}).Execute(context.Background(), json.RawMessage(`{"path":"../x","content":""}`))
			return err
		},
		"edit": func() error {
			_, err := (&EditTool{WorkspacePath: ws}).Execute(context.Background(), json.RawMessage(`{"path":"/etc/passwd","edits":[{"oldText":"a","newText":"b"}]}`))
			return err
		},
	} {
		if err := run(); models.CodeOf(err) != models.CodePathUnsafe {
			t.Errorf("%s: code = %v, want PATH_UNSAFE", name, models.CodeOf(err))
		}
	}
}
