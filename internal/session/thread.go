package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/width"
	"gopkg.in/yaml.v3"

	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/pkg/models"
)

const threadsDirName = "threads"

// maxTitleWidth is the display-width budget for the filename title.
// East-Asian wide runes count double so CJK titles stay comparable in
// on-screen length to ASCII ones.
const maxTitleWidth = 24

const untitledThread = "untitled"

// filenameUnsafe lists characters stripped from titles so the file
// name stays valid across filesystems.
const filenameUnsafe = `<>:"/\|?*`

// ThreadMeta captures the runner configuration in effect when a thread
// starts; it lands in the transcript's front matter.
type ThreadMeta struct {
	RuntimeKind   string
	AgentProvider string
	TmuxClient    string
}

type threadFrontMatter struct {
	ThreadID      string `yaml:"threadId"`
	ChatID        string `yaml:"chatId"`
	Workspace     string `yaml:"workspace"`
	WorkspacePath string `yaml:"workspacePath"`
	CreatedAt     string `yaml:"createdAt"`
	RuntimeKind   string `yaml:"runtimeKind"`
	AgentProvider string `yaml:"agentProvider"`
	TmuxClient    string `yaml:"tmuxClient"`
}

// ThreadStore tracks the active transcript per chat. Threads are
// process-scoped: a restart starts a fresh file rather than reopening
// the last one.
type ThreadStore struct {
	mu     sync.Mutex
	active map[string]*models.ThreadInfo
	now    func() time.Time
}

// NewThreadStore returns an empty store.
func NewThreadStore() *ThreadStore {
	return &ThreadStore{
		active: make(map[string]*models.ThreadInfo),
		now:    time.Now,
	}
}

func threadsDir(workspacePath string) string {
	return filepath.Join(config.WorkspaceDotDir(workspacePath), threadsDirName)
}

// Active returns the current thread for the chat, if one is open.
func (ts *ThreadStore) Active(chatID string) (models.ThreadInfo, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	info, ok := ts.active[chatID]
	if !ok {
		return models.ThreadInfo{}, false
	}
	return *info, true
}

// Reset closes the chat's active thread so the next turn opens a new
// file. The transcript on disk is kept.
func (ts *ThreadStore) Reset(chatID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.active, chatID)
}

// AppendTurn records one user/assistant exchange, opening a thread
// file titled from the user text when the chat has none.
func (ts *ThreadStore) AppendTurn(workspacePath, chatID string, meta ThreadMeta, userText, assistantText string) (models.ThreadInfo, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	info, ok := ts.active[chatID]
	if !ok {
		created, err := ts.createThread(workspacePath, chatID, meta, userText)
		if err != nil {
			return models.ThreadInfo{}, err
		}
		info = created
		ts.active[chatID] = info
	}

	info.TurnCount++
	turn := fmt.Sprintf("\n## Turn %d - %s\n\n### User\n%s\n\n### Assistant\n%s\n",
		info.TurnCount, ts.now().Format(time.RFC3339), strings.TrimSpace(userText), strings.TrimSpace(assistantText))

	f, err := os.OpenFile(info.FilePath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return models.ThreadInfo{}, fmt.Errorf("open thread file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(turn); err != nil {
		return models.ThreadInfo{}, fmt.Errorf("append turn: %w", err)
	}
	return *info, nil
}

func (ts *ThreadStore) createThread(workspacePath, chatID string, meta ThreadMeta, userText string) (*models.ThreadInfo, error) {
	dir := threadsDir(workspacePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create threads dir: %w", err)
	}

	now := ts.now()
	title := SanitizeThreadTitle(userText)
	stem := now.Format("2006-01-02") + "_" + title

	// Same-day title collisions get a numeric suffix.
	path := filepath.Join(dir, stem+".md")
	for n := 2; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%d.md", stem, n))
	}

	fm := threadFrontMatter{
		ThreadID:      uuid.NewString(),
		ChatID:        chatID,
		Workspace:     filepath.Base(workspacePath),
		WorkspacePath: workspacePath,
		CreatedAt:     now.Format(time.RFC3339),
		RuntimeKind:   meta.RuntimeKind,
		AgentProvider: meta.AgentProvider,
		TmuxClient:    meta.TmuxClient,
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	body := "---\n" + string(head) + "---\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return nil, fmt.Errorf("create thread file: %w", err)
	}

	return &models.ThreadInfo{
		ThreadID:      fm.ThreadID,
		ChatID:        chatID,
		WorkspacePath: workspacePath,
		FilePath:      path,
		CreatedAt:     now,
	}, nil
}

// SanitizeThreadTitle derives a filename-safe title from the first
// user message: one line, filesystem-reserved characters removed,
// capped at a display width of 24 with wide runes counting double.
func SanitizeThreadTitle(text string) string {
	line := firstLine(text, 200)
	var b strings.Builder
	w := 0
	for _, r := range line {
		if strings.ContainsRune(filenameUnsafe, r) || unicode.IsControl(r) {
			continue
		}
		rw := runeWidth(r)
		if w+rw > maxTitleWidth {
			break
		}
		b.WriteRune(r)
		w += rw
	}
	title := strings.TrimSpace(b.String())
	title = strings.Trim(title, ".")
	if title == "" {
		return untitledThread
	}
	return title
}

func runeWidth(r rune) int {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return 2
	default:
		return 1
	}
}

// ListThreads returns the transcript files for a workspace, newest
// first by name (the date prefix makes lexical order chronological).
func ListThreads(workspacePath string) ([]string, error) {
	entries, err := os.ReadDir(threadsDir(workspacePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read threads dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return names, nil
}
