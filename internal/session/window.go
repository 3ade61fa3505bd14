// Package session persists per-chat conversational state under the
// workspace dot directory: the rolling message window as NDJSON, the
// compressed summary as Markdown, and dated thread transcripts.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/pkg/models"
)

// DefaultMaxWindowMessages bounds the history slice handed to the
// model. Matches the tool loop's window cap.
const DefaultMaxWindowMessages = 20

const sessionsDirName = "sessions"

// maxWindowFileBytes guards against unbounded session files; when an
// append pushes past it the file is rewritten from the pruned tail.
const maxWindowFileBytes = 2 << 20

func sessionsDir(workspacePath string) string {
	return filepath.Join(config.WorkspaceDotDir(workspacePath), sessionsDirName)
}

// sanitizeChatID maps a chat id to a safe file stem. Chat GUIDs carry
// ";" and "+" which are fine on disk, but path separators are not.
func sanitizeChatID(chatID string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", string(rune(0)), "_")
	s := r.Replace(chatID)
	if s == "" {
		return "_"
	}
	return s
}

// WindowPath returns the NDJSON file backing the chat's message window.
func WindowPath(workspacePath, chatID string) string {
	return filepath.Join(sessionsDir(workspacePath), sanitizeChatID(chatID)+".jsonl")
}

// AppendWindow appends one message to the chat's window file, creating
// the sessions directory on first use. A zero timestamp is stamped
// with the current time.
func AppendWindow(workspacePath, chatID string, msg models.WindowMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	dir := sessionsDir(workspacePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	path := WindowPath(workspacePath, chatID)
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode window message: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open window file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append window message: %w", err)
	}
	if info, err := f.Stat(); err == nil && info.Size() > maxWindowFileBytes {
		return compactWindow(workspacePath, chatID)
	}
	return nil
}

// compactWindow rewrites the window file keeping only the pruned tail.
func compactWindow(workspacePath, chatID string) error {
	history, err := LoadWindow(workspacePath, chatID)
	if err != nil {
		return err
	}
	kept := PruneWindow(history, DefaultMaxWindowMessages)
	var buf strings.Builder
	for _, msg := range kept {
		line, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(WindowPath(workspacePath, chatID), []byte(buf.String()))
}

// LoadWindow reads the chat's window file. A missing file yields an
// empty history; malformed lines are skipped rather than failing the
// whole load.
func LoadWindow(workspacePath, chatID string) ([]models.WindowMessage, error) {
	f, err := os.Open(WindowPath(workspacePath, chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open window file: %w", err)
	}
	defer f.Close()

	var history []models.WindowMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg models.WindowMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		history = append(history, msg)
	}
	if err := scanner.Err(); err != nil {
		return history, fmt.Errorf("scan window file: %w", err)
	}
	return history, nil
}

// ClearWindow truncates the chat's window file. Missing files are a
// no-op.
func ClearWindow(workspacePath, chatID string) error {
	path := WindowPath(workspacePath, chatID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return os.WriteFile(path, nil, 0o644)
}

// PruneWindow keeps the most recent max messages, preserving order.
// A non-positive max keeps nothing.
func PruneWindow(history []models.WindowMessage, max int) []models.WindowMessage {
	if max <= 0 {
		return nil
	}
	if len(history) <= max {
		return history
	}
	return history[len(history)-max:]
}

// TrimResult reports what a trim kept and what it dropped, so summary
// generation can work from the dropped slice.
type TrimResult struct {
	Kept       []models.WindowMessage
	Dropped    []models.WindowMessage
	WasTrimmed bool
}

// TrimWindowWithResult is PruneWindow plus an account of the dropped
// prefix.
func TrimWindowWithResult(history []models.WindowMessage, max int) TrimResult {
	if max <= 0 {
		max = DefaultMaxWindowMessages
	}
	if len(history) <= max {
		return TrimResult{Kept: history}
	}
	cut := len(history) - max
	return TrimResult{
		Kept:       history[cut:],
		Dropped:    history[:cut],
		WasTrimmed: true,
	}
}

// ContextOptions configures window assembly for one model call.
type ContextOptions struct {
	System      string
	History     []models.WindowMessage
	CurrentUser string
	// MaxMessages caps history plus the current user turn. Zero means
	// DefaultMaxWindowMessages. System messages ride outside the cap.
	MaxMessages int
}

// BuildWindowContext assembles the message list for a model call:
// optional system, pruned history, then the current user turn. One
// slot of the cap is reserved for the current turn.
func BuildWindowContext(opts ContextOptions) []models.WindowMessage {
	return BuildWindowContextWithSummary(opts, "")
}

// BuildWindowContextWithSummary additionally injects the persisted
// summary as a second system message between the system prompt and
// history, wrapped in summary markers so the model can tell it apart
// from live conversation.
func BuildWindowContextWithSummary(opts ContextOptions, summary string) []models.WindowMessage {
	max := opts.MaxMessages
	if max <= 0 {
		max = DefaultMaxWindowMessages
	}

	var out []models.WindowMessage
	if opts.System != "" {
		out = append(out, models.WindowMessage{Role: models.RoleSystem, Content: opts.System})
	}
	if summary != "" {
		out = append(out, models.WindowMessage{
			Role:    models.RoleSystem,
			Content: "[Previous Context Summary]\n" + strings.TrimSpace(summary) + "\n[End Summary]",
		})
	}
	keep := max - 1
	if keep < 0 {
		keep = 0
	}
	out = append(out, PruneWindow(opts.History, keep)...)
	if opts.CurrentUser != "" {
		out = append(out, models.WindowMessage{Role: models.RoleUser, Content: opts.CurrentUser})
	}
	return out
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
