// Package routes persists the durable chat→workspace bindings.
package routes

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msgcode/msgcode/pkg/models"
)

// FormatVersion is the on-disk schema version. Anything else refuses
// to load.
const FormatVersion = 1

// ChatGUIDPrefix is the normalized transport identifier prefix.
const ChatGUIDPrefix = "any;+;"

// NormalizeChatGUID maps a bare chat id to its normalized form. Ids
// that already carry a service prefix pass through unchanged.
func NormalizeChatGUID(id string) string {
	if strings.Contains(id, ";") {
		return id
	}
	return ChatGUIDPrefix + id
}

// diskRoute is the persisted shape. Timestamps are strings so one
// unparseable value degrades to repair instead of failing the file.
type diskRoute struct {
	ChatGUID      string             `json:"chatGuid"`
	ChatID        string             `json:"chatId"`
	WorkspacePath string             `json:"workspacePath"`
	Label         string             `json:"label,omitempty"`
	BotType       string             `json:"botType,omitempty"`
	Status        models.RouteStatus `json:"status"`
	CreatedAt     string             `json:"createdAt"`
	UpdatedAt     string             `json:"updatedAt"`
}

type diskFile struct {
	Version int                  `json:"version"`
	Routes  map[string]diskRoute `json:"routes"`
}

// Store owns the route table. All access goes through the store;
// returned entries are copies.
type Store struct {
	mu            sync.RWMutex
	path          string
	workspaceRoot string
	routes        map[string]models.RouteEntry
}

// NewStore creates a store persisting at path and resolving relative
// bind paths under workspaceRoot.
func NewStore(path, workspaceRoot string) *Store {
	return &Store{
		path:          path,
		workspaceRoot: workspaceRoot,
		routes:        map[string]models.RouteEntry{},
	}
}

// Load reads the file. Corrupt JSON or a foreign version is fatal;
// the daemon refuses to start over a store it cannot trust.
// Unparseable timestamps are repaired to now and the file re-persisted.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.routes = map[string]models.RouteEntry{}
		return nil
	}
	if err != nil {
		return models.WrapCoded(models.CodeCorruptState, fmt.Sprintf("read routes file %s", s.path), err)
	}

	var file diskFile
	if err := json.Unmarshal(data, &file); err != nil {
		return models.WrapCoded(models.CodeCorruptState, fmt.Sprintf("parse routes file %s", s.path), err)
	}
	if file.Version != FormatVersion {
		return models.NewCodedError(models.CodeVersionMismatch,
			"routes file version %d, want %d", file.Version, FormatVersion)
	}

	repaired := false
	s.routes = make(map[string]models.RouteEntry, len(file.Routes))
	for guid, d := range file.Routes {
		entry := models.RouteEntry{
			ChatGUID:      d.ChatGUID,
			ChatID:        d.ChatID,
			WorkspacePath: d.WorkspacePath,
			Label:         d.Label,
			BotType:       d.BotType,
			Status:        d.Status,
		}
		if entry.ChatGUID == "" {
			entry.ChatGUID = guid
		}
		if entry.Status == "" {
			entry.Status = models.RouteActive
		}
		var ok bool
		if entry.CreatedAt, ok = parseTimestamp(d.CreatedAt); !ok {
			repaired = true
		}
		if entry.UpdatedAt, ok = parseTimestamp(d.UpdatedAt); !ok {
			repaired = true
		}
		s.routes[entry.ChatGUID] = entry
	}

	if repaired {
		return s.persistLocked()
	}
	return nil
}

func parseTimestamp(raw string) (time.Time, bool) {
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, true
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, true
	}
	return time.Now().UTC(), false
}

// Save persists the current table.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	file := diskFile{Version: FormatVersion, Routes: make(map[string]diskRoute, len(s.routes))}
	for guid, e := range s.routes {
		file.Routes[guid] = diskRoute{
			ChatGUID:      e.ChatGUID,
			ChatID:        e.ChatID,
			WorkspacePath: e.WorkspacePath,
			Label:         e.Label,
			BotType:       e.BotType,
			Status:        e.Status,
			CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
			UpdatedAt:     e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create routes dir: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode routes: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write routes: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit routes: %w", err)
	}
	return nil
}

// GetByChatID looks up a route by chat identifier. Bare ids without the
// service prefix fall back to a normalized lookup.
func (s *Store) GetByChatID(id string) (models.RouteEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.routes[id]; ok {
		return e, true
	}
	if normalized := NormalizeChatGUID(id); normalized != id {
		if e, ok := s.routes[normalized]; ok {
			return e, true
		}
	}
	return models.RouteEntry{}, false
}

// SetRoute inserts or replaces an entry and persists.
func (s *Store) SetRoute(entry models.RouteEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ChatGUID = NormalizeChatGUID(entry.ChatGUID)
	if entry.Status == "" {
		entry.Status = models.RouteActive
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	s.routes[entry.ChatGUID] = entry
	return s.persistLocked()
}

// DeleteRoute removes an entry and persists. Deleting a missing route
// is a no-op.
func (s *Store) DeleteRoute(chatGUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	guid := NormalizeChatGUID(chatGUID)
	if _, ok := s.routes[guid]; !ok {
		return nil
	}
	delete(s.routes, guid)
	return s.persistLocked()
}

// CreateOptions carries optional fields for CreateRoute.
type CreateOptions struct {
	Label   string
	BotType string
}

// CreateRoute resolves relPath under the workspace root, creates the
// directory, and persists the binding. Absolute paths and any ".."
// traversal are rejected.
func (s *Store) CreateRoute(chatGUID, relPath string, opts CreateOptions) (models.RouteEntry, error) {
	workspace, err := s.ResolveWorkspacePath(relPath)
	if err != nil {
		return models.RouteEntry{}, err
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return models.RouteEntry{}, fmt.Errorf("create workspace dir: %w", err)
	}

	guid := NormalizeChatGUID(chatGUID)
	now := time.Now().UTC()
	entry := models.RouteEntry{
		ChatGUID:      guid,
		ChatID:        chatGUID,
		WorkspacePath: workspace,
		Label:         opts.Label,
		BotType:       opts.BotType,
		Status:        models.RouteActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.routes[guid]; ok {
		entry.CreatedAt = existing.CreatedAt
	}
	s.routes[guid] = entry
	if err := s.persistLocked(); err != nil {
		return models.RouteEntry{}, err
	}
	return entry, nil
}

// ResolveWorkspacePath validates relPath and returns its absolute
// location under the workspace root.
func (s *Store) ResolveWorkspacePath(relPath string) (string, error) {
	if relPath == "" {
		return "", models.NewCodedError(models.CodePathUnsafe, "empty workspace path")
	}
	if filepath.IsAbs(relPath) {
		return "", models.NewCodedError(models.CodePathUnsafe, "absolute paths are not allowed: %s", relPath)
	}
	cleaned := filepath.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", models.NewCodedError(models.CodePathUnsafe, "path escapes workspace root: %s", relPath)
	}
	return filepath.Join(s.workspaceRoot, cleaned), nil
}

// UpdateRouteStatus changes the lifecycle status of a binding.
func (s *Store) UpdateRouteStatus(chatGUID string, status models.RouteStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	guid := NormalizeChatGUID(chatGUID)
	entry, ok := s.routes[guid]
	if !ok {
		return models.NewCodedError(models.CodeRouteNotFound, "no route for %s", chatGUID)
	}
	entry.Status = status
	entry.UpdatedAt = time.Now().UTC()
	s.routes[guid] = entry
	return s.persistLocked()
}

// ActiveRoutes returns a snapshot of all bindings with active status.
func (s *Store) ActiveRoutes() []models.RouteEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RouteEntry, 0, len(s.routes))
	for _, e := range s.routes {
		if e.Status == models.RouteActive {
			out = append(out, e)
		}
	}
	return out
}

// All returns a snapshot of every binding.
func (s *Store) All() []models.RouteEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RouteEntry, 0, len(s.routes))
	for _, e := range s.routes {
		out = append(out, e)
	}
	return out
}
