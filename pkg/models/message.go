package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// InboundMessage is a message as delivered by the chat transport.
// Instances are immutable once constructed.
type InboundMessage struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	Text        string       `json:"text"`
	Sender      string       `json:"sender"`
	Handle      string       `json:"handle,omitempty"`
	IsFromMe    bool         `json:"is_from_me"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Rowid       int64        `json:"rowid"`
	Date        time.Time    `json:"date"`
}

// Attachment represents a file or media attachment on an inbound message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	Path     string `json:"path,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// WindowMessage is one entry of a per-chat session window. It is persisted
// as a single NDJSON line in <workspace>/.msgcode/sessions/<chatId>.jsonl.
type WindowMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
