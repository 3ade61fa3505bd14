// Package skills loads workspace-local prompt skills. A skill is a
// markdown file under <workspace>/.msgcode/skills/ whose body becomes
// the system prompt for a one-shot agent run.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/pkg/models"
)

// maxSkillBytes caps a skill prompt file.
const maxSkillBytes = 64 * 1024

// Skill is one loaded prompt skill.
type Skill struct {
	Name   string
	Prompt string
}

// Dir returns the skills directory for a workspace.
func Dir(workspace string) string {
	return filepath.Join(config.WorkspaceDotDir(workspace), "skills")
}

// List returns installed skill names, sorted. A missing directory is
// an empty list, not an error.
func List(workspace string) ([]string, error) {
	entries, err := os.ReadDir(Dir(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
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

// Load reads one skill by name. The name must be a bare file stem.
func Load(workspace, name string) (Skill, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return Skill{}, models.NewCodedError(models.CodeInvalidArgs, "invalid skill name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(Dir(workspace), name+".md"))
	if os.IsNotExist(err) {
		return Skill{}, models.NewCodedError(models.CodeInvalidArgs, "skill not found: %s", name)
	}
	if err != nil {
		return Skill{}, fmt.Errorf("read skill %s: %w", name, err)
	}
	if len(data) > maxSkillBytes {
		data = data[:maxSkillBytes]
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return Skill{}, models.NewCodedError(models.CodeInvalidArgs, "skill is empty: %s", name)
	}
	return Skill{Name: name, Prompt: prompt}, nil
}

// Install writes a named skill. Used by dev tooling and tests.
func Install(workspace, name, prompt string) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return models.NewCodedError(models.CodeInvalidArgs, "invalid skill name %q", name)
	}
	if err := os.MkdirAll(Dir(workspace), 0o755); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}
	return os.WriteFile(filepath.Join(Dir(workspace), name+".md"), []byte(prompt), 0o644)
}
