// Package exec provides the bash tool: one-shot shell commands run
// inside the workspace directory.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/msgcode/msgcode/pkg/models"
)

// maxOutputBytes caps captured stdout/stderr per stream.
const maxOutputBytes = 256 * 1024

// defaultTimeout applies when the caller sets none; the bus timeout
// still bounds the whole invocation.
const defaultTimeout = 60 * time.Second

// BashTool runs shell commands with the workspace as working
// directory.
type BashTool struct {
	WorkspacePath string
	// Shell defaults to /bin/bash.
	Shell string
}

func (t *BashTool) Name() string        { return "bash" }
func (t *BashTool) Description() string { return "Run a shell command in the workspace" }

func (t *BashTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command line"},
			"timeoutMs": {"type": "integer", "minimum": 1}
		},
		"required": ["command"]
	}`)
}

func (t *BashTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Command   string `json:"command"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode bash args", err)
	}
	if strings.TrimSpace(a.Command) == "" {
		return nil, models.NewCodedError(models.CodeToolExecFailed, "empty command")
	}

	timeout := defaultTimeout
	if a.TimeoutMs > 0 {
		timeout = time.Duration(a.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := t.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	cmd := exec.CommandContext(runCtx, shell, "-c", a.Command)
	cmd.Dir = t.WorkspacePath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, models.NewCodedError(models.CodeToolTimeout, "command timed out")
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, models.WrapCoded(models.CodeToolExecFailed, "run command", err)
		}
	}

	return map[string]any{
		"command":    a.Command,
		"exitCode":   exitCode,
		"stdout":     truncate(stdout.String()),
		"stderr":     truncate(stderr.String()),
		"durationMs": duration.Milliseconds(),
	}, nil
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n[output truncated]"
}
