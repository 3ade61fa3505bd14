package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/msgcode/msgcode/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "state.json"))
}

func TestCursorMonotonic(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateLastSeen("any;+;c1", 10, "m10"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateLastSeen("any;+;c1", 7, "m7"); err != nil {
		t.Fatalf("update: %v", err)
	}
	cursor, ok := s.ChatState("any;+;c1")
	if !ok {
		t.Fatal("cursor missing")
	}
	if cursor.LastSeenRowid != 10 {
		t.Fatalf("rowid = %d, decreasing update must be ignored", cursor.LastSeenRowid)
	}
	if cursor.LastMessageID != "m10" {
		t.Fatalf("lastMessageId = %q, want m10", cursor.LastMessageID)
	}

	if err := s.UpdateLastSeen("any;+;c1", 12, "m12"); err != nil {
		t.Fatalf("update: %v", err)
	}
	cursor, _ = s.ChatState("any;+;c1")
	if cursor.LastSeenRowid != 12 || cursor.MessageCount != 2 {
		t.Fatalf("cursor = %+v, want rowid 12 count 2", cursor)
	}
}

func TestResetChatState(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateLastSeen("c1", 5, "m5"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.ResetChatState("c1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok := s.ChatState("c1"); ok {
		t.Fatal("cursor survived reset")
	}
	if err := s.ResetChatState("never-seen"); err != nil {
		t.Fatalf("reset of unknown chat must be a no-op: %v", err)
	}
}

func TestStateSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)
	if err := s.UpdateLastSeen("c1", 42, "m42"); err != nil {
		t.Fatalf("update: %v", err)
	}

	reloaded := NewStore(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	cursor, ok := reloaded.ChatState("c1")
	if !ok || cursor.LastSeenRowid != 42 {
		t.Fatalf("cursor after reload = %+v", cursor)
	}
}

func TestLoadFailsClosed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := os.WriteFile(path, []byte(`{"version":9,"chats":{}}`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := NewStore(path).Load(); models.CodeOf(err) != models.CodeVersionMismatch {
		t.Fatalf("err = %v, want VERSION_MISMATCH", err)
	}

	if err := os.WriteFile(path, []byte(`{{`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := NewStore(path).Load(); models.CodeOf(err) != models.CodeCorruptState {
		t.Fatalf("err = %v, want CORRUPT_STATE", err)
	}
}

func TestMaxRowid(t *testing.T) {
	s := newTestStore(t)
	if got := s.MaxRowid(); got != 0 {
		t.Fatalf("empty store MaxRowid = %d, want 0", got)
	}
	_ = s.UpdateLastSeen("c1", 5, "a")
	_ = s.UpdateLastSeen("c2", 11, "b")
	if got := s.MaxRowid(); got != 11 {
		t.Fatalf("MaxRowid = %d, want 11", got)
	}
}
