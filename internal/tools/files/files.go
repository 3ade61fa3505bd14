// Package files provides the workspace file tools: read_file,
// write_file, and edit_file. All paths resolve inside the workspace;
// escapes are rejected before any filesystem access.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/msgcode/msgcode/pkg/models"
)

// maxReadBytes caps read_file output so one large file cannot flood
// the model context.
const maxReadBytes = 1 << 20

// ResolvePath roots a tool-supplied path inside the workspace.
// Absolute paths and paths escaping the workspace are PATH_UNSAFE.
func ResolvePath(workspacePath, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", models.NewCodedError(models.CodePathUnsafe, "path is empty")
	}
	if filepath.IsAbs(rel) {
		return "", models.NewCodedError(models.CodePathUnsafe, "absolute path not allowed: %s", rel)
	}
	abs := filepath.Clean(filepath.Join(workspacePath, rel))
	root := filepath.Clean(workspacePath)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", models.NewCodedError(models.CodePathUnsafe, "path escapes workspace: %s", rel)
	}
	return abs, nil
}

// ReadTool implements read_file.
type ReadTool struct {
	WorkspacePath string
}

func (t *ReadTool) Name() string        { return "read_file" }
func (t *ReadTool) Description() string { return "Read a file from the workspace" }

func (t *ReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Workspace-relative file path"}
		},
		"required": ["path"]
	}`)
}

func (t *ReadTool) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode read_file args", err)
	}
	abs, err := ResolvePath(t.WorkspacePath, a.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("read %s", a.Path), err)
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	return map[string]any{
		"path":      a.Path,
		"content":   string(data),
		"size":      len(data),
		"truncated": truncated,
	}, nil
}

// WriteTool implements write_file.
type WriteTool struct {
	WorkspacePath string
}

func (t *WriteTool) Name() string        { return "write_file" }
func (t *WriteTool) Description() string { return "Write a file in the workspace, creating parents" }

func (t *WriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Workspace-relative file path"},
			"content": {"type": "string", "description": "Full file content"}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteTool) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode write_file args", err)
	}
	abs, err := ResolvePath(t.WorkspacePath, a.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("create parent dirs for %s", a.Path), err)
	}
	if err := os.WriteFile(abs, []byte(a.Content), 0o644); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("write %s", a.Path), err)
	}
	return map[string]any{"path": a.Path, "bytesWritten": len(a.Content)}, nil
}

// EditTool implements edit_file: ordered first-occurrence text
// replacements.
type EditTool struct {
	WorkspacePath string
}

func (t *EditTool) Name() string        { return "edit_file" }
func (t *EditTool) Description() string { return "Apply exact text replacements to a workspace file" }

func (t *EditTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Workspace-relative file path"},
			"edits": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"oldText": {"type": "string"},
						"newText": {"type": "string"}
					},
					"required": ["oldText", "newText"]
				}
			}
		},
		"required": ["path", "edits"]
	}`)
}

func (t *EditTool) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Path  string `json:"path"`
		Edits []struct {
			OldText string `json:"oldText"`
			NewText string `json:"newText"`
		} `json:"edits"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode edit_file args", err)
	}
	abs, err := ResolvePath(t.WorkspacePath, a.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("read %s", a.Path), err)
	}
	content := string(data)
	for i, edit := range a.Edits {
		idx := strings.Index(content, edit.OldText)
		if idx < 0 {
			return nil, models.NewCodedError(models.CodeToolExecFailed, "oldText not found (edit %d)", i+1)
		}
		content = content[:idx] + edit.NewText + content[idx+len(edit.OldText):]
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("write %s", a.Path), err)
	}
	return map[string]any{"path": a.Path, "editsApplied": len(a.Edits)}, nil
}
