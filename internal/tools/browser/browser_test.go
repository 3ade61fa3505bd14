package browser

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/msgcode/msgcode/internal/tools/web"
	"github.com/msgcode/msgcode/pkg/models"
)

// Browser actions need a live DevTools endpoint, so tests cover the
// argument and policy paths that fail before any connection attempt.

func TestUnknownAction(t *testing.T) {
	tool := &BrowserTool{WorkspacePath: t.TempDir(), Timeout: time.Second}
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"click"}`))
	if models.CodeOf(err) != models.CodeToolInvalidArgs {
		t.Fatalf("code = %v", models.CodeOf(err))
	}
}

func TestNavigateRequiresURL(t *testing.T) {
	tool := &BrowserTool{WorkspacePath: t.TempDir(), Timeout: time.Second}
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"navigate"}`))
	if models.CodeOf(err) != models.CodeToolInvalidArgs {
		t.Fatalf("code = %v", models.CodeOf(err))
	}
}

func TestNavigateBlockedByPolicy(t *testing.T) {
	tool := &BrowserTool{
		WorkspacePath: t.TempDir(),
		PolicyMode:    web.PolicyModeLocalOnly,
		Timeout:       time.Second,
	}
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"navigate","url":"https://example.com"}`))
	if models.CodeOf(err) != models.CodePolicyEgressBlocked {
		t.Fatalf("code = %v", models.CodeOf(err))
	}
}

func TestBadArgsJSON(t *testing.T) {
	tool := &BrowserTool{WorkspacePath: t.TempDir()}
	_, err := tool.Execute(context.Background(), json.RawMessage(`{`))
	if models.CodeOf(err) != models.CodeToolInvalidArgs {
		t.Fatalf("code = %v", models.CodeOf(err))
	}
}
