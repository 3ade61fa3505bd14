package soul

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolvePrecedence(t *testing.T) {
	cfgDir := t.TempDir()
	t.Setenv("MSGCODE_CONFIG_DIR", cfgDir)
	ws := t.TempDir()

	// No soul anywhere.
	if text, src := Resolve(ws); text != "" || src != SourceNone {
		t.Fatalf("empty resolve = (%q, %s)", text, src)
	}

	// Global soul active.
	if err := Install("pirate", "You are a pirate."); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := Use("pirate"); err != nil {
		t.Fatalf("Use: %v", err)
	}
	text, src := Resolve(ws)
	if src != SourceGlobal || text != "You are a pirate." {
		t.Fatalf("global resolve = (%q, %s)", text, src)
	}

	// Workspace SOUL.md wins over the global one.
	if err := os.WriteFile(filepath.Join(ws, WorkspaceFileName), []byte("You are terse.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	text, src = Resolve(ws)
	if src != SourceWorkspace || text != "You are terse." {
		t.Fatalf("workspace resolve = (%q, %s)", text, src)
	}

	// Clearing the global soul leaves the workspace one intact.
	if err := Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, src := Resolve(ws); src != SourceWorkspace {
		t.Errorf("after clear src = %s", src)
	}
	if err := Clear(); err != nil {
		t.Fatalf("Clear twice: %v", err)
	}
}

func TestWrapPrompt(t *testing.T) {
	got := WrapPrompt("Stay in character.", "Answer briefly.")
	if !strings.HasPrefix(got, "[灵魂身份]\nStay in character.\n[/灵魂身份]") {
		t.Errorf("missing persona block: %q", got)
	}
	if !strings.HasSuffix(got, "Answer briefly.") {
		t.Errorf("system prompt lost: %q", got)
	}

	if got := WrapPrompt("", "Answer briefly."); got != "Answer briefly." {
		t.Errorf("empty soul should pass system through, got %q", got)
	}
	if got := WrapPrompt("Solo.", ""); got != "[灵魂身份]\nSolo.\n[/灵魂身份]" {
		t.Errorf("empty system = %q", got)
	}
}

func TestUseUnknownSoul(t *testing.T) {
	t.Setenv("MSGCODE_CONFIG_DIR", t.TempDir())
	if err := Use("ghost"); err == nil {
		t.Fatal("expected error for unknown soul")
	}
}

func TestList(t *testing.T) {
	t.Setenv("MSGCODE_CONFIG_DIR", t.TempDir())
	names, err := List()
	if err != nil || len(names) != 0 {
		t.Fatalf("empty list = %v, %v", names, err)
	}
	for _, n := range []string{"zeta", "alpha"} {
		if err := Install(n, "x"); err != nil {
			t.Fatalf("Install: %v", err)
		}
	}
	names, err = List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("List = %v, want sorted names", names)
	}
}
