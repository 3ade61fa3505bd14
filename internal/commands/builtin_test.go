package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/internal/routes"
	"github.com/msgcode/msgcode/internal/runner"
	"github.com/msgcode/msgcode/internal/session"
	"github.com/msgcode/msgcode/internal/state"
	"github.com/msgcode/msgcode/internal/toolbus"
	"github.com/msgcode/msgcode/pkg/models"
)

func newTestDeps(t *testing.T) (Deps, *Registry) {
	t.Helper()
	root := t.TempDir()
	t.Setenv("MSGCODE_CONFIG_DIR", filepath.Join(root, "config"))
	configs := config.NewCache(nil)
	deps := Deps{
		Routes:       routes.NewStore(filepath.Join(root, "routes.json"), filepath.Join(root, "workspaces")),
		State:        state.NewStore(filepath.Join(root, "state.json")),
		Configs:      configs,
		SettingsPath: filepath.Join(root, "settings.json"),
		BusFor:       func(string) *toolbus.Bus { return toolbus.New(nil, nil) },
		Orchestrator: &runner.Orchestrator{
			Tmux: &runner.Tmux{Exec: func(context.Context, string, ...string) (string, error) {
				return "", fmt.Errorf("tmux unavailable in test")
			}},
			Threads: session.NewThreadStore(),
			Configs: configs,
		},
	}
	return deps, NewBuiltinRegistry(deps)
}

func bindChat(t *testing.T, deps Deps, chatID string) models.RouteEntry {
	t.Helper()
	entry, err := deps.Routes.CreateRoute(chatID, "proj", routes.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestBindWhereUnbind(t *testing.T) {
	deps, r := newTestDeps(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, Invocation{Command: "bind", Args: []string{"proj/alpha"}, ChatID: "c1"})
	if !res.Success || !strings.HasPrefix(res.Message, "绑定成功") {
		t.Fatalf("bind = %+v", res)
	}
	entry, exists := deps.Routes.GetByChatID("c1")
	if !exists || !strings.HasSuffix(entry.WorkspacePath, filepath.Join("proj", "alpha")) {
		t.Fatalf("route after bind = %+v, %v", entry, exists)
	}

	res = r.Dispatch(ctx, Invocation{Command: "where", ChatID: "c1", Route: &entry})
	if !res.Success || !strings.Contains(res.Message, entry.WorkspacePath) {
		t.Fatalf("where = %+v", res)
	}

	res = r.Dispatch(ctx, Invocation{Command: "unbind", ChatID: "c1", Route: &entry})
	if !res.Success {
		t.Fatalf("unbind = %+v", res)
	}
	if _, exists := deps.Routes.GetByChatID("c1"); exists {
		t.Fatal("route should be gone after unbind")
	}
}

func TestWhereUnbound(t *testing.T) {
	_, r := newTestDeps(t)
	res := r.Dispatch(context.Background(), Invocation{Command: "where", ChatID: "c1"})
	if res.Success || !strings.HasPrefix(res.Message, "未绑定 workspace") {
		t.Fatalf("where unbound = %+v", res)
	}
}

func TestBindRejectsUnsafePaths(t *testing.T) {
	_, r := newTestDeps(t)
	for _, path := range []string{"/abs/path", "../escape"} {
		res := r.Dispatch(context.Background(), Invocation{Command: "bind", Args: []string{path}, ChatID: "c1"})
		if res.Success {
			t.Errorf("bind %q should fail", path)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, r := newTestDeps(t)
	res := r.Dispatch(context.Background(), Invocation{Command: "frobnicate", ChatID: "c1"})
	if res.Success || !strings.HasPrefix(res.Message, "未知命令") {
		t.Fatalf("unknown = %+v", res)
	}
}

func TestOwnerGatingBlocksMutations(t *testing.T) {
	deps, r := newTestDeps(t)
	ctx := context.Background()
	err := config.SaveSettings(deps.SettingsPath, &config.Settings{
		Owner:     []string{"+10001"},
		OwnerOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(ctx, Invocation{Command: "bind", Args: []string{"p"}, ChatID: "c1", Sender: "+29999"})
	if res.Success {
		t.Fatalf("non-owner mutation should fail: %+v", res)
	}
	res = r.Dispatch(ctx, Invocation{Command: "bind", Args: []string{"p"}, ChatID: "c1", Sender: "+10001"})
	if !res.Success {
		t.Fatalf("owner mutation failed: %+v", res)
	}
	// Read-only commands stay open.
	entry, _ := deps.Routes.GetByChatID("c1")
	res = r.Dispatch(ctx, Invocation{Command: "where", ChatID: "c1", Sender: "+29999", Route: &entry})
	if !res.Success {
		t.Fatalf("read-only command gated: %+v", res)
	}
}

func TestCursorLifecycle(t *testing.T) {
	deps, r := newTestDeps(t)
	ctx := context.Background()
	guid := routes.NormalizeChatGUID("c1")

	res := r.Dispatch(ctx, Invocation{Command: "cursor", ChatID: "c1"})
	if !res.Success || res.Message != "无游标记录" {
		t.Fatalf("cursor empty = %+v", res)
	}

	if err := deps.State.UpdateLastSeen(guid, 42, "msg-42"); err != nil {
		t.Fatal(err)
	}
	res = r.Dispatch(ctx, Invocation{Command: "cursor", ChatID: "c1"})
	if !res.Success || !strings.Contains(res.Message, "rowid=42") {
		t.Fatalf("cursor = %+v", res)
	}

	res = r.Dispatch(ctx, Invocation{Command: "reset-cursor", ChatID: "c1"})
	if !res.Success {
		t.Fatalf("reset-cursor = %+v", res)
	}
	if _, exists := deps.State.ChatState(guid); exists {
		t.Fatal("cursor should be gone after reset")
	}
}

func TestPolicyToggle(t *testing.T) {
	deps, r := newTestDeps(t)
	ctx := context.Background()
	entry := bindChat(t, deps, "c1")
	inv := Invocation{Command: "policy", ChatID: "c1", Route: &entry}

	inv.Args = []string{"off"}
	if res := r.Dispatch(ctx, inv); !res.Success {
		t.Fatalf("policy off = %+v", res)
	}
	w, err := deps.Configs.Get(entry.WorkspacePath)
	if err != nil {
		t.Fatal(err)
	}
	if w.PolicyMode() != "egress-allowed" {
		t.Fatalf("PolicyMode = %q", w.PolicyMode())
	}

	inv.Args = []string{"on"}
	if res := r.Dispatch(ctx, inv); !res.Success {
		t.Fatalf("policy on = %+v", res)
	}
	w, _ = deps.Configs.Get(entry.WorkspacePath)
	if w.PolicyMode() != "local-only" {
		t.Fatalf("PolicyMode = %q", w.PolicyMode())
	}
}

func TestModelSwitch(t *testing.T) {
	deps, r := newTestDeps(t)
	ctx := context.Background()
	entry := bindChat(t, deps, "c1")

	res := r.Dispatch(ctx, Invocation{Command: "model", Args: []string{"codex"}, ChatID: "c1", Route: &entry})
	if !res.Success {
		t.Fatalf("model codex = %+v", res)
	}
	w, err := deps.Configs.Get(entry.WorkspacePath)
	if err != nil {
		t.Fatal(err)
	}
	if w.DefaultRunner() != "codex" || w.RuntimeKind() != "tmux" {
		t.Fatalf("runner = %q kind = %q", w.DefaultRunner(), w.RuntimeKind())
	}

	res = r.Dispatch(ctx, Invocation{Command: "model", Args: []string{"bogus"}, ChatID: "c1", Route: &entry})
	if res.Success {
		t.Fatalf("bogus runner should fail: %+v", res)
	}
}

func TestPIToggle(t *testing.T) {
	deps, r := newTestDeps(t)
	ctx := context.Background()
	entry := bindChat(t, deps, "c1")

	res := r.Dispatch(ctx, Invocation{Command: "pi", Args: []string{"on"}, ChatID: "c1", Route: &entry})
	if !res.Success {
		t.Fatalf("pi on = %+v", res)
	}
	w, _ := deps.Configs.Get(entry.WorkspacePath)
	if !w.PIEnabled() {
		t.Fatal("pi.enabled should be true")
	}
	policy := w.ToolPolicy(nil)
	if !policy.Allows("bash") {
		t.Fatal("primitive tools should be allowed with pi on")
	}
}

func TestToolingAllowAppends(t *testing.T) {
	deps, r := newTestDeps(t)
	ctx := context.Background()
	entry := bindChat(t, deps, "c1")

	res := r.Dispatch(ctx, Invocation{
		Command: "tooling", Args: []string{"allow", "web_search", "web_fetch"},
		ChatID: "c1", Route: &entry,
	})
	if !res.Success {
		t.Fatalf("tooling allow = %+v", res)
	}
	w, _ := deps.Configs.Get(entry.WorkspacePath)
	allow := w.GetStringSlice(config.KeyToolingAllow)
	joined := strings.Join(allow, ",")
	if !strings.Contains(joined, "web_search") || !strings.Contains(joined, "web_fetch") {
		t.Fatalf("allow list = %v", allow)
	}
	// Defaults survive the append.
	if !strings.Contains(joined, "asr") {
		t.Fatalf("default allow entries lost: %v", allow)
	}
}

func TestLogLevelPersists(t *testing.T) {
	deps, r := newTestDeps(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, Invocation{Command: "loglevel", Args: []string{"debug"}, ChatID: "c1"})
	if !res.Success {
		t.Fatalf("loglevel debug = %+v", res)
	}
	s, err := config.LoadSettings(deps.SettingsPath)
	if err != nil || s.LogLevel != "debug" {
		t.Fatalf("settings = %+v, %v", s, err)
	}

	res = r.Dispatch(ctx, Invocation{Command: "loglevel", ChatID: "c1"})
	if !res.Success || !strings.Contains(res.Message, "debug") {
		t.Fatalf("loglevel show = %+v", res)
	}
}

func TestHelpListsCommands(t *testing.T) {
	_, r := newTestDeps(t)
	res := r.Dispatch(context.Background(), Invocation{Command: "help", ChatID: "c1"})
	if !res.Success {
		t.Fatalf("help = %+v", res)
	}
	for _, want := range []string{"/bind", "/status", "/clear"} {
		if !strings.Contains(res.Message, want) {
			t.Errorf("help output missing %s", want)
		}
	}
}

func TestSkillRequiresDevMode(t *testing.T) {
	deps, r := newTestDeps(t)
	ctx := context.Background()
	entry := bindChat(t, deps, "c1")

	res := r.Dispatch(ctx, Invocation{Command: "skill", Args: []string{"list"}, ChatID: "c1", Route: &entry})
	if res.Success {
		t.Fatalf("skill should be gated off: %+v", res)
	}

	t.Setenv("MSGCODE_DEV_MODE", "true")
	res = r.Dispatch(ctx, Invocation{Command: "skill", Args: []string{"list"}, ChatID: "c1", Route: &entry})
	if !res.Success || res.Message != "没有已安装的技能" {
		t.Fatalf("skill list = %+v", res)
	}
}

func TestSkillRunDelegates(t *testing.T) {
	deps, _ := newTestDeps(t)
	t.Setenv("MSGCODE_DEV_MODE", "true")
	entry := bindChat(t, deps, "c1")

	var gotName, gotInput string
	deps.RunSkill = func(_ context.Context, workspace, name, input string) (string, error) {
		if workspace != entry.WorkspacePath {
			t.Errorf("workspace = %q", workspace)
		}
		gotName, gotInput = name, input
		return "done", nil
	}
	r := NewBuiltinRegistry(deps)

	res := r.Dispatch(context.Background(), Invocation{
		Command: "skill", Args: []string{"run", "review", "focus", "on", "tests"},
		ChatID: "c1", Route: &entry,
	})
	if !res.Success || res.Message != "done" {
		t.Fatalf("skill run = %+v", res)
	}
	if gotName != "review" || gotInput != "focus on tests" {
		t.Fatalf("RunSkill got %q %q", gotName, gotInput)
	}
}
