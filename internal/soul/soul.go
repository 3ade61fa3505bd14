// Package soul resolves the persona text injected into system prompts.
// A workspace-local SOUL.md wins over the globally activated soul; with
// neither, prompts go out bare.
package soul

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/pkg/models"
)

// Source tells where a resolved soul came from.
type Source string

const (
	SourceWorkspace Source = "workspace"
	SourceGlobal    Source = "global"
	SourceNone      Source = "none"
)

// WorkspaceFileName is the per-workspace persona override.
const WorkspaceFileName = "SOUL.md"

const activeFileName = "active.json"

// maxSoulBytes caps persona files so a runaway SOUL.md cannot eat the
// whole context budget.
const maxSoulBytes = 32 * 1024

type activeFile struct {
	Active string `json:"active"`
}

// Resolve returns the persona text for a workspace and where it came
// from. Missing or empty files resolve to none rather than erroring.
func Resolve(workspacePath string) (string, Source) {
	if text := readSoulFile(filepath.Join(workspacePath, WorkspaceFileName)); text != "" {
		return text, SourceWorkspace
	}
	name, err := ActiveName()
	if err != nil || name == "" {
		return "", SourceNone
	}
	if text := readSoulFile(soulPath(name)); text != "" {
		return text, SourceGlobal
	}
	return "", SourceNone
}

// WrapPrompt prepends the persona block to a system prompt. The
// markers are part of the contract with the model prompt, so they are
// emitted verbatim.
func WrapPrompt(soulText, system string) string {
	if soulText == "" {
		return system
	}
	block := "[灵魂身份]\n" + strings.TrimSpace(soulText) + "\n[/灵魂身份]"
	if system == "" {
		return block
	}
	return block + "\n\n" + system
}

func soulsDir() string {
	return config.SoulsDir()
}

// Soul bodies live under souls/default/; active.json sits beside that
// directory.
func soulPath(name string) string {
	return filepath.Join(soulsDir(), "default", name+".md")
}

func readSoulFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > maxSoulBytes {
		data = data[:maxSoulBytes]
	}
	return strings.TrimSpace(string(data))
}

// List returns the names of installed global souls, sorted.
func List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(soulsDir(), "default"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read souls dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(names)
	return names, nil
}

// ActiveName returns the globally selected soul name, or empty when
// none is active.
func ActiveName() (string, error) {
	data, err := os.ReadFile(filepath.Join(soulsDir(), activeFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read active soul: %w", err)
	}
	var af activeFile
	if err := json.Unmarshal(data, &af); err != nil {
		return "", models.WrapCoded(models.CodeCorruptState, "active soul file is not valid JSON", err)
	}
	return af.Active, nil
}

// Use activates a global soul by name. The soul file must exist.
func Use(name string) error {
	if _, err := os.Stat(soulPath(name)); err != nil {
		return models.NewCodedError(models.CodeInvalidArgs, "soul not found: %s", name)
	}
	dir := soulsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create souls dir: %w", err)
	}
	data, err := json.MarshalIndent(activeFile{Active: name}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, activeFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write active soul: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace active soul: %w", err)
	}
	return nil
}

// Clear deactivates the global soul. Workspace SOUL.md files are not
// touched.
func Clear() error {
	err := os.Remove(filepath.Join(soulsDir(), activeFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear active soul: %w", err)
	}
	return nil
}

// Install writes a named global soul. Used by dev tooling and tests.
func Install(name, text string) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return models.NewCodedError(models.CodeInvalidArgs, "invalid soul name")
	}
	if err := os.MkdirAll(filepath.Join(soulsDir(), "default"), 0o755); err != nil {
		return fmt.Errorf("create souls dir: %w", err)
	}
	return os.WriteFile(soulPath(name), []byte(text), 0o644)
}
