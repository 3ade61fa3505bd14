// Package config owns the process-global settings file and the
// per-workspace configuration under <workspace>/.msgcode/.
package config

import (
	"os"
	"path/filepath"
)

// DotDir is the per-workspace state directory name.
const DotDir = ".msgcode"

// ConfigDir resolves the process-global configuration root:
// $MSGCODE_CONFIG_DIR if set, else ~/.config/msgcode.
func ConfigDir() string {
	if dir := os.Getenv("MSGCODE_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "msgcode")
	}
	return filepath.Join(home, ".config", "msgcode")
}

// RoutesPath is the route store location, overridable via ROUTES_FILE_PATH.
func RoutesPath() string {
	if p := os.Getenv("ROUTES_FILE_PATH"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "routes.json")
}

// StatePath is the cursor store location, overridable via STATE_FILE_PATH.
func StatePath() string {
	if p := os.Getenv("STATE_FILE_PATH"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "state.json")
}

// SettingsPath is the global settings.json location.
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

// RunDir holds pidfiles for singleton locks.
func RunDir() string {
	return filepath.Join(ConfigDir(), "run")
}

// SoulsDir holds the global persona library.
func SoulsDir() string {
	return filepath.Join(ConfigDir(), "souls")
}

// WorkspaceRoot is the directory relative bind paths resolve against.
// Falls back to the user home directory when WORKSPACE_ROOT is unset.
func WorkspaceRoot() string {
	if root := os.Getenv("WORKSPACE_ROOT"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// WorkspaceDotDir returns <workspace>/.msgcode.
func WorkspaceDotDir(workspace string) string {
	return filepath.Join(workspace, DotDir)
}

// DevMode reports whether debug-only surfaces are enabled.
func DevMode() bool {
	return os.Getenv("MSGCODE_DEV_MODE") == "true"
}
