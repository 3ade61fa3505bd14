package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Settings is the process-global configuration persisted at
// <configDir>/settings.json. Hand-edited files may use JSON5
// (comments, trailing commas); writes always emit plain JSON.
type Settings struct {
	// LogLevel is the persisted daemon log level. The LOG_LEVEL
	// environment variable overrides it.
	LogLevel string `json:"logLevel,omitempty"`

	// Owner lists sender handles allowed to run mutating commands
	// when OwnerOnly is set.
	Owner []string `json:"owner,omitempty"`

	// OwnerOnly restricts mutating commands to the Owner list.
	OwnerOnly bool `json:"ownerOnly,omitempty"`

	// PolicyMode is the global egress default: "local-only" or
	// "egress-allowed". Workspace config overrides it.
	PolicyMode string `json:"policyMode,omitempty"`

	// ToolingAllow extends the global tool allow-list.
	ToolingAllow []string `json:"toolingAllow,omitempty"`
}

// LogLevelSource reports where the effective log level came from.
type LogLevelSource string

const (
	LogLevelFromEnv      LogLevelSource = "env"
	LogLevelFromSettings LogLevelSource = "settings"
	LogLevelFromDefault  LogLevelSource = "default"
)

// LoadSettings reads settings.json. A missing file yields zero settings.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := json5.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return &s, nil
}

// SaveSettings writes settings.json atomically (temp file + rename).
func SaveSettings(path string, s *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}

// EffectiveLogLevel resolves the log level with its source:
// LOG_LEVEL env > settings.json > "info".
func EffectiveLogLevel(s *Settings) (string, LogLevelSource) {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		return lvl, LogLevelFromEnv
	}
	if s != nil && s.LogLevel != "" {
		return s.LogLevel, LogLevelFromSettings
	}
	return "info", LogLevelFromDefault
}

// IsOwner reports whether handle may run mutating commands. With an
// empty owner list everyone qualifies.
func (s *Settings) IsOwner(handle string) bool {
	if s == nil || len(s.Owner) == 0 {
		return true
	}
	for _, o := range s.Owner {
		if o == handle {
			return true
		}
	}
	return false
}
