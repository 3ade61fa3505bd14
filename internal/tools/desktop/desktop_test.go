package desktop

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/msgcode/msgcode/pkg/models"
)

func writeDriver(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driver.sh")
	if err := os.WriteFile(path, []byte("#!/bin/bash\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDriverRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("driver scripts are unix-only")
	}
	driver := writeDriver(t, `read input; echo "{\"action\":\"$1\",\"got\":$input}"`)
	tool := &DesktopTool{WorkspacePath: t.TempDir(), DriverCommand: driver}

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"focus","params":{"app":"editor"}}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, _ := json.Marshal(out)
	if !strings.Contains(string(data), `"action":"focus"`) || !strings.Contains(string(data), "editor") {
		t.Errorf("driver output = %s", data)
	}
}

func TestDriverFailureAudited(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("driver scripts are unix-only")
	}
	driver := writeDriver(t, `echo "no display" >&2; exit 1`)
	ws := t.TempDir()
	tool := &DesktopTool{WorkspacePath: ws, DriverCommand: driver}

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"click"}`))
	if models.CodeOf(err) != models.CodeToolExecFailed {
		t.Fatalf("code = %v", models.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "no display") {
		t.Errorf("driver stderr lost: %v", err)
	}

	f, err := os.Open(AuditPath(ws))
	if err != nil {
		t.Fatalf("audit log missing: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("audit log empty")
	}
	var record struct {
		Action string `json:"action"`
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
		t.Fatalf("audit line not JSON: %v", err)
	}
	if record.Action != "click" || record.OK || record.Error == "" {
		t.Errorf("audit record = %+v", record)
	}
}

func TestAuditAccumulates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("driver scripts are unix-only")
	}
	driver := writeDriver(t, `read input; echo '{"ok":true}'`)
	ws := t.TempDir()
	tool := &DesktopTool{WorkspacePath: ws, DriverCommand: driver}

	for _, action := range []string{"focus", "type", "click"} {
		args, _ := json.Marshal(map[string]any{"action": action})
		if _, err := tool.Execute(context.Background(), args); err != nil {
			t.Fatalf("Execute(%s): %v", action, err)
		}
	}

	data, err := os.ReadFile(AuditPath(ws))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	lines := strings.Count(string(data), "\n")
	if lines != 3 {
		t.Errorf("audit lines = %d", lines)
	}
}

func TestNoDriverConfigured(t *testing.T) {
	tool := &DesktopTool{WorkspacePath: t.TempDir()}
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"click"}`))
	if models.CodeOf(err) != models.CodeToolExecFailed {
		t.Fatalf("code = %v", models.CodeOf(err))
	}
}
