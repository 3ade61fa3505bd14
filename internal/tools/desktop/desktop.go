// Package desktop provides the desktop tool. Actions are delegated to
// an external driver command; every invocation, failed ones included,
// is appended to an audit log in the workspace.
package desktop

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/msgcode/msgcode/pkg/models"
)

const auditFileName = "desktop_sessions.ndjson"

// maxDriverOutput caps driver stdout.
const maxDriverOutput = 256 * 1024

// DesktopTool forwards actions to the configured driver binary. The
// driver receives the params JSON on stdin and replies with JSON on
// stdout.
type DesktopTool struct {
	WorkspacePath string
	DriverCommand string
}

func (t *DesktopTool) Name() string        { return "desktop" }
func (t *DesktopTool) Description() string { return "Run a desktop automation action via the driver" }

func (t *DesktopTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "minLength": 1},
			"params": {"type": "object"}
		},
		"required": ["action"]
	}`)
}

type auditRecord struct {
	Timestamp string          `json:"timestamp"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
}

func (t *DesktopTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Action string          `json:"action"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode desktop args", err)
	}

	data, err := t.run(ctx, a.Action, a.Params)
	t.audit(a.Action, a.Params, err)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *DesktopTool) run(ctx context.Context, action string, params json.RawMessage) (any, error) {
	if t.DriverCommand == "" {
		return nil, models.NewCodedError(models.CodeToolExecFailed, "no desktop driver configured")
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	cmd := exec.CommandContext(ctx, t.DriverCommand, action)
	cmd.Stdin = bytes.NewReader(params)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, models.NewCodedError(models.CodeToolExecFailed, "desktop driver failed: %s", detail)
	}

	out := stdout.Bytes()
	if len(out) > maxDriverOutput {
		out = out[:maxDriverOutput]
	}
	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		// Drivers that print plain text still produce usable output.
		result = map[string]any{"output": strings.TrimSpace(string(out))}
	}
	return result, nil
}

func (t *DesktopTool) audit(action string, params json.RawMessage, runErr error) {
	record := auditRecord{
		Timestamp: time.Now().Format(time.RFC3339),
		Action:    action,
		Params:    params,
		OK:        runErr == nil,
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}

	dir := filepath.Join(t.WorkspacePath, ".msgcode")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, auditFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

// AuditPath returns the workspace's desktop audit log location.
func AuditPath(workspacePath string) string {
	return filepath.Join(workspacePath, ".msgcode", auditFileName)
}
