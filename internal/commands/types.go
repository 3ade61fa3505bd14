// Package commands parses and dispatches the /-prefixed control
// commands a chat can send.
package commands

import (
	"context"

	"github.com/msgcode/msgcode/pkg/models"
)

// Result is what a command handler returns. Message is the
// user-visible reply; Response carries optional bulk payload such as a
// captured tmux pane.
type Result struct {
	Success  bool
	Message  string
	Response string
}

func ok(message string) Result   { return Result{Success: true, Message: message} }
func fail(message string) Result { return Result{Success: false, Message: message} }

// Invocation is one parsed command arriving from a chat.
type Invocation struct {
	// Command is the matched name, lowercased, without the slash.
	Command string
	// Args are the whitespace-split arguments.
	Args []string
	// RawText is the original message.
	RawText string
	// ChatID is the transport identifier the message arrived on.
	ChatID string
	// Sender is the sender handle, used for owner gating.
	Sender string
	// Route is the chat's binding, nil when unbound.
	Route *models.RouteEntry
}

// Workspace returns the bound workspace path, empty when unbound.
func (inv Invocation) Workspace() string {
	if inv.Route == nil {
		return ""
	}
	return inv.Route.WorkspacePath
}

// Arg returns the i-th argument or "".
func (inv Invocation) Arg(i int) string {
	if i < len(inv.Args) {
		return inv.Args[i]
	}
	return ""
}

// Handler executes one command.
type Handler func(ctx context.Context, inv Invocation) Result

// Command is one registered control command.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Usage       string `json:"usage,omitempty"`
	// Mutating commands are gated by the owner allow-list when
	// owner-only mode is on.
	Mutating bool `json:"mutating,omitempty"`
	// Hidden commands stay out of /help and help-docs.
	Hidden  bool    `json:"hidden,omitempty"`
	Handler Handler `json:"-"`
}
