package models

import "time"

// ToolSource identifies where a tool invocation originated.
type ToolSource string

const (
	SourceSlashCommand  ToolSource = "slash-command"
	SourceLLMToolCall   ToolSource = "llm-tool-call"
	SourceMediaPipeline ToolSource = "media-pipeline"
	SourceInternal      ToolSource = "internal"
)

// ToolingMode controls whether model-initiated tool calls are accepted.
type ToolingMode string

const (
	ToolingExplicit   ToolingMode = "explicit"
	ToolingAutonomous ToolingMode = "autonomous"
)

// ToolPolicy is the effective capability policy for a workspace. It is
// derived from workspace config and never mutated afterwards.
type ToolPolicy struct {
	Mode           ToolingMode
	Allow          map[string]bool
	RequireConfirm map[string]bool
}

// Allows reports whether the named tool is on the allow-list.
func (p ToolPolicy) Allows(tool string) bool {
	return p.Allow[tool]
}

// ToolEvent is one telemetry record of a tool invocation, denied calls
// included. Events live in a process-wide ring buffer bounded at 200.
type ToolEvent struct {
	RequestID     string     `json:"request_id"`
	WorkspacePath string     `json:"workspace_path,omitempty"`
	Tool          string     `json:"tool"`
	Source        ToolSource `json:"source"`
	DurationMs    int64      `json:"duration_ms"`
	OK            bool       `json:"ok"`
	ErrorCode     string     `json:"error_code,omitempty"`
	ArtifactPaths []string   `json:"artifact_paths,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}
