package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/msgcode/msgcode/pkg/models"
)

// Recognized workspace config keys. Unknown keys are preserved on disk
// but have no effect.
const (
	KeyRuntimeKind           = "runtime.kind"   // agent | tmux
	KeyAgentProvider         = "agent.provider" // lmstudio | openai | none
	KeyTmuxClient            = "tmux.client"    // codex | claude-code | none
	KeyDefaultRunner         = "runner.default" // legacy alias for the triple above
	KeyPolicyMode            = "policy.mode"    // local-only | egress-allowed
	KeyToolingMode           = "tooling.mode"   // explicit | autonomous
	KeyToolingAllow          = "tooling.allow"
	KeyToolingRequireConfirm = "tooling.require_confirm"
	KeyPIEnabled             = "pi.enabled"
	KeyModelExecutor         = "model.executor"
	KeyModelResponder        = "model.responder"
	KeyMLXBaseURL            = "mlx.baseUrl"
	KeyMLXModelID            = "mlx.modelId"
	KeyMLXMaxTokens          = "mlx.maxTokens"
	KeyMLXTemperature        = "mlx.temperature"
	KeyMLXTopP               = "mlx.topP"
)

// PrimitiveTools are the file/bash tools exposed to the model only when
// pi.enabled is set.
var PrimitiveTools = []string{"read_file", "write_file", "edit_file", "bash"}

// DefaultWorkspaceValues is the base layer every workspace config merges
// over. A fresh copy is returned on each call.
func DefaultWorkspaceValues() map[string]any {
	return map[string]any{
		KeyRuntimeKind:   "agent",
		KeyAgentProvider: "lmstudio",
		KeyTmuxClient:    "none",
		KeyPolicyMode:    "local-only",
		KeyToolingMode:   "explicit",
		KeyToolingAllow:  []any{"tts", "asr", "vision"},
		KeyPIEnabled:     false,
		KeyMLXBaseURL:    "http://127.0.0.1:1234",
	}
}

// Workspace is one workspace's configuration. file mirrors what
// config.json holds; effective is defaults ← file ← legacy aliasing.
// Aliasing happens on read only: the modern triple is synthesized into
// the effective view when runner.default is present and the file does
// not set the modern keys itself.
type Workspace struct {
	dir       string
	path      string
	file      map[string]any
	effective map[string]any
}

// LoadWorkspace reads and merges <workspace>/.msgcode/config.json.
// A missing file yields pure defaults. Hand-edited files may use JSON5.
func LoadWorkspace(workspace string) (*Workspace, error) {
	w := &Workspace{
		dir:       workspace,
		path:      filepath.Join(workspace, DotDir, "config.json"),
		file:      map[string]any{},
		effective: DefaultWorkspaceValues(),
	}

	data, err := os.ReadFile(w.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read workspace config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, &w.file); err != nil {
			return nil, fmt.Errorf("parse workspace config %s: %w", w.path, err)
		}
	}

	for k, v := range w.file {
		w.effective[k] = v
	}
	w.applyLegacyAliases()
	return w, nil
}

// runnerTriple maps a legacy runner.default value to the modern triple.
func runnerTriple(runner string) (kind, provider, client string, ok bool) {
	switch runner {
	case "codex":
		return "tmux", "none", "codex", true
	case "claude-code":
		return "tmux", "none", "claude-code", true
	case "lmstudio", "llama", "claude":
		return "agent", "lmstudio", "none", true
	case "openai":
		return "agent", "openai", "none", true
	}
	return "", "", "", false
}

func (w *Workspace) applyLegacyAliases() {
	runner, _ := w.file[KeyDefaultRunner].(string)
	if runner == "" {
		return
	}
	kind, provider, client, ok := runnerTriple(runner)
	if !ok {
		return
	}
	if _, set := w.file[KeyRuntimeKind]; !set {
		w.effective[KeyRuntimeKind] = kind
	}
	if _, set := w.file[KeyAgentProvider]; !set {
		w.effective[KeyAgentProvider] = provider
	}
	if _, set := w.file[KeyTmuxClient]; !set {
		w.effective[KeyTmuxClient] = client
	}
}

// Dir returns the workspace directory this config belongs to.
func (w *Workspace) Dir() string { return w.dir }

// GetString returns the value at key as a string, or "" when absent.
func (w *Workspace) GetString(key string) string {
	switch v := w.effective[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// GetBool tolerates bool and "true"/"1" string forms.
func (w *Workspace) GetBool(key string) bool {
	switch v := w.effective[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// GetInt tolerates numeric and string forms; 0 when absent.
func (w *Workspace) GetInt(key string) int {
	switch v := w.effective[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// GetFloat tolerates numeric and string forms; 0 when absent.
func (w *Workspace) GetFloat(key string) float64 {
	switch v := w.effective[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}

// GetStringSlice accepts JSON arrays and comma-separated strings.
func (w *Workspace) GetStringSlice(key string) []string {
	switch v := w.effective[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string{}, v...)
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

func (w *Workspace) RuntimeKind() string   { return w.GetString(KeyRuntimeKind) }
func (w *Workspace) AgentProvider() string { return w.GetString(KeyAgentProvider) }
func (w *Workspace) TmuxClient() string    { return w.GetString(KeyTmuxClient) }
func (w *Workspace) PolicyMode() string    { return w.GetString(KeyPolicyMode) }
func (w *Workspace) PIEnabled() bool       { return w.GetBool(KeyPIEnabled) }

// DefaultRunner reverse-maps the current triple to the runner.default
// value that would have produced it. When the file still carries a
// legacy string consistent with the triple, that original string wins
// (so "llama" stays "llama" rather than normalizing to "lmstudio").
func (w *Workspace) DefaultRunner() string {
	kind, provider, client := w.RuntimeKind(), w.AgentProvider(), w.TmuxClient()
	if legacy, _ := w.file[KeyDefaultRunner].(string); legacy != "" {
		if lk, lp, lc, ok := runnerTriple(legacy); ok && lk == kind && lp == provider && lc == client {
			return legacy
		}
	}
	switch {
	case kind == "tmux" && client == "codex":
		return "codex"
	case kind == "tmux" && client == "claude-code":
		return "claude-code"
	case kind == "agent" && provider == "lmstudio":
		return "lmstudio"
	case kind == "agent" && provider == "openai":
		return "openai"
	}
	return ""
}

// Set writes one key and persists.
func (w *Workspace) Set(key string, value any) error {
	w.file[key] = value
	w.effective[key] = value
	return w.persist()
}

func (w *Workspace) SetRuntimeKind(kind string) error  { return w.Set(KeyRuntimeKind, kind) }
func (w *Workspace) SetAgentProvider(p string) error   { return w.Set(KeyAgentProvider, p) }
func (w *Workspace) SetTmuxClient(client string) error { return w.Set(KeyTmuxClient, client) }

// SetDefaultRunner applies a legacy runner name by writing the modern
// triple. The legacy key itself is never written back.
func (w *Workspace) SetDefaultRunner(runner string) error {
	kind, provider, client, ok := runnerTriple(runner)
	if !ok {
		return models.NewCodedError(models.CodeInvalidArgs, "unknown runner %q", runner)
	}
	for k, v := range map[string]any{
		KeyRuntimeKind:   kind,
		KeyAgentProvider: provider,
		KeyTmuxClient:    client,
	} {
		w.file[k] = v
		w.effective[k] = v
	}
	return w.persist()
}

// persist writes the file view as plain JSON via temp+rename. The
// legacy runner key is dropped: writers emit the modern triple only.
func (w *Workspace) persist() error {
	out := make(map[string]any, len(w.file))
	for k, v := range w.file {
		if k == KeyDefaultRunner {
			continue
		}
		out[k] = v
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode workspace config: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write workspace config: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit workspace config: %w", err)
	}
	return nil
}

// ToolPolicy derives the effective capability policy: workspace mode,
// workspace allow-list extended by the global one, and the primitive
// tools folded in when pi.enabled.
func (w *Workspace) ToolPolicy(global *Settings) models.ToolPolicy {
	mode := models.ToolingMode(w.GetString(KeyToolingMode))
	if mode != models.ToolingAutonomous {
		mode = models.ToolingExplicit
	}
	allow := map[string]bool{}
	for _, t := range w.GetStringSlice(KeyToolingAllow) {
		allow[t] = true
	}
	if global != nil {
		for _, t := range global.ToolingAllow {
			allow[t] = true
		}
	}
	if w.PIEnabled() {
		for _, t := range PrimitiveTools {
			allow[t] = true
		}
	}
	confirm := map[string]bool{}
	for _, t := range w.GetStringSlice(KeyToolingRequireConfirm) {
		confirm[t] = true
	}
	return models.ToolPolicy{Mode: mode, Allow: allow, RequireConfirm: confirm}
}
