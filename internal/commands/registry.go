package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/msgcode/msgcode/internal/config"
)

// Registry holds the registered control commands and dispatches
// parsed invocations to them.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	settings func() *config.Settings
}

// NewRegistry creates an empty registry. settings supplies the current
// global settings for owner gating; nil disables the gate.
func NewRegistry(settings func() *config.Settings) *Registry {
	return &Registry{commands: map[string]*Command{}, settings: settings}
}

// Register adds a command.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("command needs a name and a handler")
	}
	name := strings.ToLower(cmd.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command already registered: %s", name)
	}
	r.commands[name] = cmd
	return nil
}

// mustRegister panics on registration failure. Builtins are wired at
// startup from constants, so a failure is a programming error.
func (r *Registry) mustRegister(cmd *Command) {
	if err := r.Register(cmd); err != nil {
		panic(err)
	}
}

// Get returns a command by name.
func (r *Registry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// List returns visible commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		if !cmd.Hidden {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs the invocation through owner gating and the handler.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation) Result {
	cmd, okCmd := r.Get(inv.Command)
	if !okCmd {
		return fail(fmt.Sprintf("未知命令: /%s，发送 /help 查看可用命令", inv.Command))
	}
	if cmd.Mutating && r.settings != nil {
		if s := r.settings(); s != nil && s.OwnerOnly && !s.IsOwner(inv.Sender) {
			return fail("仅限 owner 执行该命令")
		}
	}
	return cmd.Handler(ctx, inv)
}

// HelpText renders the curated command list for /help.
func (r *Registry) HelpText() string {
	var b strings.Builder
	b.WriteString("可用命令:\n")
	for _, cmd := range r.List() {
		usage := cmd.Usage
		if usage == "" {
			usage = "/" + cmd.Name
		}
		fmt.Fprintf(&b, "%s — %s\n", usage, cmd.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Contracts exports the visible command table for `help-docs --json`.
func (r *Registry) Contracts() []*Command {
	return r.List()
}
