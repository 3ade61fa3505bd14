// Package mem provides the mem tool: durable free-form notes scoped to
// the workspace, kept in a flat Markdown file the user can read and
// edit by hand.
package mem

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msgcode/msgcode/pkg/models"
)

const memoryFileName = "memory.md"

// maxRecallResults bounds recall output.
const maxRecallResults = 20

// MemTool remembers and recalls workspace notes.
type MemTool struct {
	WorkspacePath string
}

func (t *MemTool) Name() string        { return "mem" }
func (t *MemTool) Description() string { return "Remember or recall workspace notes" }

func (t *MemTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["remember", "recall"]},
			"text": {"type": "string", "description": "Note to remember"},
			"query": {"type": "string", "description": "Substring to recall"}
		},
		"required": ["action"]
	}`)
}

func (t *MemTool) path() string {
	return filepath.Join(t.WorkspacePath, ".msgcode", memoryFileName)
}

func (t *MemTool) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Action string `json:"action"`
		Text   string `json:"text"`
		Query  string `json:"query"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode mem args", err)
	}
	switch a.Action {
	case "remember":
		return t.remember(a.Text)
	case "recall":
		return t.recall(a.Query)
	default:
		return nil, models.NewCodedError(models.CodeToolInvalidArgs, "unknown action: %s", a.Action)
	}
}

func (t *MemTool) remember(text string) (any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.NewCodedError(models.CodeToolInvalidArgs, "text is required for remember")
	}
	if err := os.MkdirAll(filepath.Dir(t.path()), 0o755); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "create memory dir", err)
	}
	f, err := os.OpenFile(t.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "open memory file", err)
	}
	defer f.Close()
	// One note per line keeps recall a plain text scan.
	line := fmt.Sprintf("- %s %s\n", time.Now().Format("2006-01-02"), strings.ReplaceAll(text, "\n", " "))
	if _, err := f.WriteString(line); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "append note", err)
	}
	return map[string]any{"remembered": text}, nil
}

func (t *MemTool) recall(query string) (any, error) {
	f, err := os.Open(t.path())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"matches": []string{}, "total": 0}, nil
		}
		return nil, models.WrapCoded(models.CodeToolExecFailed, "open memory file", err)
	}
	defer f.Close()

	query = strings.ToLower(strings.TrimSpace(query))
	var matches []string
	total := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		total++
		if query == "" || strings.Contains(strings.ToLower(line), query) {
			if len(matches) < maxRecallResults {
				matches = append(matches, strings.TrimPrefix(line, "- "))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "scan memory file", err)
	}
	if matches == nil {
		matches = []string{}
	}
	return map[string]any{"matches": matches, "total": total}, nil
}
