package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/msgcode/msgcode/internal/observability"
	"github.com/msgcode/msgcode/pkg/models"
)

// sessionPrefix namespaces our tmux sessions away from the user's own.
const sessionPrefix = "msgcode-"

// chatPollInterval is how often the chat lane re-captures the pane
// while waiting for the client to finish answering.
const chatPollInterval = 2 * time.Second

// captureTailLines bounds how much pane scrollback a reply may carry.
const captureTailLines = 60

// defaultRemoteHint is typed into a fresh session when the remote hint
// is enabled and no custom text is configured.
const defaultRemoteHint = "你正在通过 msgcode 远程会话对话，回复请保持简洁。"

// ExecFunc runs one external command and returns its combined output.
// Injectable so tests never need a real tmux.
type ExecFunc func(ctx context.Context, name string, args ...string) (string, error)

func execCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Tmux drives one CLI client per chat inside a tmux session.
type Tmux struct {
	Exec   ExecFunc
	Logger *observability.Logger
}

// NewTmux returns a Tmux runner backed by the real tmux binary.
func NewTmux(logger *observability.Logger) *Tmux {
	return &Tmux{Exec: execCommand, Logger: logger}
}

// SessionName derives the tmux session name for a chat. tmux rejects
// ':' and '.' in names, so anything unusual is flattened to '-'.
func SessionName(chatID string) string {
	var b strings.Builder
	for _, r := range chatID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "chat"
	}
	return sessionPrefix + name
}

// clientCommand maps the configured tmux client to its launch command.
func clientCommand(client string) (string, error) {
	switch client {
	case "codex":
		return "codex", nil
	case "claude-code":
		return "claude", nil
	default:
		return "", models.NewCodedError(models.CodeInvalidArgs, "unknown tmux client: %s", client)
	}
}

// HasSession reports whether the named session exists.
func (t *Tmux) HasSession(ctx context.Context, name string) bool {
	_, err := t.Exec(ctx, "tmux", "has-session", "-t", name)
	return err == nil
}

// EnsureSession creates the session running the client in workDir if
// it does not exist yet. The remote hint is injected only on creation,
// so each session sees it at most once.
func (t *Tmux) EnsureSession(ctx context.Context, name, workDir, client string) (created bool, err error) {
	if t.HasSession(ctx, name) {
		return false, nil
	}
	cmd, err := clientCommand(client)
	if err != nil {
		return false, err
	}
	if _, err := t.Exec(ctx, "tmux", "new-session", "-d", "-s", name, "-c", workDir, cmd); err != nil {
		return false, models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("create tmux session %s", name), err)
	}
	if hint, ok := remoteHint(); ok {
		if err := t.SendText(ctx, name, hint); err != nil && t.Logger != nil {
			t.Logger.Warn(ctx, "remote hint injection failed", "session", name, "error", err.Error())
		}
	}
	return true, nil
}

// Kill tears the session down.
func (t *Tmux) Kill(ctx context.Context, name string) error {
	if _, err := t.Exec(ctx, "tmux", "kill-session", "-t", name); err != nil {
		return models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("kill tmux session %s", name), err)
	}
	return nil
}

// CapturePane returns the current pane contents.
func (t *Tmux) CapturePane(ctx context.Context, name string) (string, error) {
	out, err := t.Exec(ctx, "tmux", "capture-pane", "-p", "-t", name)
	if err != nil {
		return "", models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("capture tmux pane %s", name), err)
	}
	return out, nil
}

// SendEscape forwards an escape keypress to the client.
func (t *Tmux) SendEscape(ctx context.Context, name string) error {
	if _, err := t.Exec(ctx, "tmux", "send-keys", "-t", name, "Escape"); err != nil {
		return models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("send escape to %s", name), err)
	}
	return nil
}

// SendText types text into the session followed by Enter. The -l flag
// keeps tmux from interpreting the text as key names.
func (t *Tmux) SendText(ctx context.Context, name, text string) error {
	if _, err := t.Exec(ctx, "tmux", "send-keys", "-t", name, "-l", text); err != nil {
		return models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("send text to %s", name), err)
	}
	if _, err := t.Exec(ctx, "tmux", "send-keys", "-t", name, "Enter"); err != nil {
		return models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("send enter to %s", name), err)
	}
	return nil
}

// Chat sends a free-form message into the session and waits for the
// pane to settle, returning the new output. Settling means two
// consecutive captures are identical and differ from the pre-send
// capture.
func (t *Tmux) Chat(ctx context.Context, name, text string) (string, error) {
	before, err := t.CapturePane(ctx, name)
	if err != nil {
		return "", err
	}
	if err := t.SendText(ctx, name, text); err != nil {
		return "", err
	}

	var last string
	stable := 0
	for {
		select {
		case <-ctx.Done():
			if last != "" && last != before {
				return paneTail(before, last), nil
			}
			return "", models.WrapCoded(models.CodeToolTimeout, fmt.Sprintf("tmux client %s did not settle", name), ctx.Err())
		case <-time.After(chatPollInterval):
		}
		cur, err := t.CapturePane(ctx, name)
		if err != nil {
			return "", err
		}
		if cur == last {
			stable++
			if stable >= 2 && cur != before {
				return paneTail(before, cur), nil
			}
			continue
		}
		stable = 0
		last = cur
	}
}

// paneTail cuts the reply out of a settled capture: everything after
// the last line the pane already showed before the send, bounded to
// the capture tail.
func paneTail(before, after string) string {
	result := after
	if anchor := lastNonEmptyLine(before); anchor != "" {
		if idx := strings.LastIndex(after, anchor); idx >= 0 {
			result = after[idx+len(anchor):]
		}
	}
	lines := strings.Split(strings.TrimSpace(result), "\n")
	if len(lines) > captureTailLines {
		lines = lines[len(lines)-captureTailLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// remoteHint reads the hint toggle from the environment.
func remoteHint() (string, bool) {
	if os.Getenv("MSGCODE_REMOTE_HINT") != "1" {
		return "", false
	}
	if text := os.Getenv("MSGCODE_REMOTE_HINT_TEXT"); text != "" {
		return text, true
	}
	return defaultRemoteHint, true
}
