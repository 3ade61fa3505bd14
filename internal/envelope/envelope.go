// Package envelope defines the fixed JSON shape every CLI command emits
// in --json mode.
package envelope

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is bumped whenever the envelope shape changes.
const SchemaVersion = 2

// Status is the overall outcome of a CLI command.
type Status string

const (
	StatusPass    Status = "pass"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Exit codes paired with the statuses above.
const (
	ExitPass    = 0
	ExitError   = 1
	ExitWarning = 2
)

// Summary counts the problems accumulated while running a command.
type Summary struct {
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
}

// Envelope is the top-level JSON object printed by `msgcode <cmd> --json`.
type Envelope struct {
	SchemaVersion int      `json:"schemaVersion"`
	Command       string   `json:"command"`
	RequestID     string   `json:"requestId"`
	Timestamp     string   `json:"timestamp"`
	DurationMs    int64    `json:"durationMs"`
	Status        Status   `json:"status"`
	ExitCode      int      `json:"exitCode"`
	Summary       Summary  `json:"summary"`
	Data          any      `json:"data"`
	Warnings      []string `json:"warnings,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// Builder accumulates warnings and errors while a command runs, then
// renders the final envelope.
type Builder struct {
	command  string
	started  time.Time
	warnings []string
	errors   []string
}

// NewBuilder starts timing a command invocation.
func NewBuilder(command string) *Builder {
	return &Builder{command: command, started: time.Now()}
}

// Warnf records a warning; the final status becomes at least "warning".
func (b *Builder) Warnf(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// Errorf records an error; the final status becomes "error".
func (b *Builder) Errorf(format string, args ...any) {
	b.errors = append(b.errors, fmt.Sprintf(format, args...))
}

// Finish assembles the envelope around data.
func (b *Builder) Finish(data any) Envelope {
	status := StatusPass
	exit := ExitPass
	switch {
	case len(b.errors) > 0:
		status, exit = StatusError, ExitError
	case len(b.warnings) > 0:
		status, exit = StatusWarning, ExitWarning
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Command:       b.command,
		RequestID:     uuid.NewString(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		DurationMs:    time.Since(b.started).Milliseconds(),
		Status:        status,
		ExitCode:      exit,
		Summary:       Summary{Warnings: len(b.warnings), Errors: len(b.errors)},
		Data:          data,
		Warnings:      b.warnings,
		Errors:        b.errors,
	}
}

// Write renders the envelope as indented JSON.
func (e Envelope) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}
