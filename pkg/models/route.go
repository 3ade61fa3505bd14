package models

import "time"

// RouteStatus is the lifecycle state of a chat→workspace binding.
type RouteStatus string

const (
	RouteActive   RouteStatus = "active"
	RoutePaused   RouteStatus = "paused"
	RouteArchived RouteStatus = "archived"
)

// RouteEntry binds a normalized chat identifier to a workspace directory.
// Entries are unique by ChatGUID. The route store owns all mutation;
// readers operate on snapshots.
type RouteEntry struct {
	ChatGUID      string      `json:"chatGuid"`
	ChatID        string      `json:"chatId"`
	WorkspacePath string      `json:"workspacePath"`
	Label         string      `json:"label,omitempty"`
	BotType       string      `json:"botType,omitempty"`
	Status        RouteStatus `json:"status"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// ChatCursor is the per-chat resume pointer. LastSeenRowid never decreases;
// updates that would decrease it are ignored.
type ChatCursor struct {
	ChatGUID      string    `json:"chatGuid"`
	LastSeenRowid int64     `json:"lastSeenRowid"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
	MessageCount  int64     `json:"messageCount"`
}
