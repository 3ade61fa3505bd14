package models

import "time"

// Summary is the compressed representation of trimmed-away history.
// Serialized as Markdown with fixed section headers; the parser
// tolerates missing sections.
type Summary struct {
	Goal        []string `json:"goal,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	Decisions   []string `json:"decisions,omitempty"`
	OpenItems   []string `json:"open_items,omitempty"`
	ToolFacts   []string `json:"tool_facts,omitempty"`
}

// IsEmpty reports whether no section holds content.
func (s Summary) IsEmpty() bool {
	return len(s.Goal) == 0 && len(s.Constraints) == 0 && len(s.Decisions) == 0 &&
		len(s.OpenItems) == 0 && len(s.ToolFacts) == 0
}

// ThreadInfo describes one transcript file. A thread spans the
// conversation between two /clear commands.
type ThreadInfo struct {
	ThreadID      string    `json:"thread_id"`
	ChatID        string    `json:"chat_id"`
	WorkspacePath string    `json:"workspace_path"`
	FilePath      string    `json:"file_path"`
	TurnCount     int       `json:"turn_count"`
	CreatedAt     time.Time `json:"created_at"`
}
