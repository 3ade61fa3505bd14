// Package state persists per-chat resume cursors so ingestion is
// idempotent across restarts.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/msgcode/msgcode/pkg/models"
)

// FormatVersion is the on-disk schema version.
const FormatVersion = 1

type diskFile struct {
	Version int                          `json:"version"`
	Chats   map[string]models.ChatCursor `json:"chats"`
}

// Store owns the cursor table. Rowids only move forward; an update that
// would decrease a cursor is ignored.
type Store struct {
	mu    sync.RWMutex
	path  string
	chats map[string]models.ChatCursor
}

// NewStore creates a store persisting at path.
func NewStore(path string) *Store {
	return &Store{path: path, chats: map[string]models.ChatCursor{}}
}

// Load reads the file. Corrupt JSON or a foreign version is fatal.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.chats = map[string]models.ChatCursor{}
		return nil
	}
	if err != nil {
		return models.WrapCoded(models.CodeCorruptState, fmt.Sprintf("read state file %s", s.path), err)
	}

	var file diskFile
	if err := json.Unmarshal(data, &file); err != nil {
		return models.WrapCoded(models.CodeCorruptState, fmt.Sprintf("parse state file %s", s.path), err)
	}
	if file.Version != FormatVersion {
		return models.NewCodedError(models.CodeVersionMismatch,
			"state file version %d, want %d", file.Version, FormatVersion)
	}
	if file.Chats == nil {
		file.Chats = map[string]models.ChatCursor{}
	}
	s.chats = file.Chats
	return nil
}

// Save persists the current table.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	file := diskFile{Version: FormatVersion, Chats: s.chats}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

// ChatState returns the cursor for chatID and whether one exists.
func (s *Store) ChatState(chatID string) (models.ChatCursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	return c, ok
}

// UpdateLastSeen advances the cursor for chatID. A rowid lower than the
// stored one leaves the cursor untouched; equal rowids refresh the
// message id and timestamp without bumping the count.
func (s *Store) UpdateLastSeen(chatID string, rowid int64, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor, ok := s.chats[chatID]
	if !ok {
		cursor = models.ChatCursor{ChatGUID: chatID}
	}
	if rowid < cursor.LastSeenRowid {
		return nil
	}
	if rowid > cursor.LastSeenRowid {
		cursor.MessageCount++
	}
	cursor.LastSeenRowid = rowid
	cursor.LastMessageID = msgID
	cursor.LastSeenAt = time.Now().UTC()
	s.chats[chatID] = cursor
	return s.persistLocked()
}

// ResetChatState removes the cursor so the next message replays from
// the transport's current position.
func (s *Store) ResetChatState(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil
	}
	delete(s.chats, chatID)
	return s.persistLocked()
}

// MaxRowid returns the highest cursor across all chats, the resume
// point for the transport watcher.
func (s *Store) MaxRowid() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, c := range s.chats {
		if c.LastSeenRowid > max {
			max = c.LastSeenRowid
		}
	}
	return max
}
