package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/internal/observability"
	"github.com/msgcode/msgcode/internal/routes"
	"github.com/msgcode/msgcode/internal/runner"
	"github.com/msgcode/msgcode/internal/skills"
	"github.com/msgcode/msgcode/internal/soul"
	"github.com/msgcode/msgcode/internal/state"
	"github.com/msgcode/msgcode/internal/toolbus"
)

// msgNotBound is pinned; tests match on the leading keyword.
const msgNotBound = "未绑定 workspace，请先使用 /bind <path>"

// Deps are the collaborators the built-in commands act on.
type Deps struct {
	Routes       *routes.Store
	State        *state.Store
	Configs      *config.Cache
	SettingsPath string
	Orchestrator *runner.Orchestrator
	Logger       *observability.Logger

	// BusFor resolves the workspace's tool bus. Tools bind workspace
	// paths and the egress policy, so there is no single global bus.
	BusFor func(workspace string) *toolbus.Bus

	// RunSkill executes a skill prompt through the agent and returns
	// the model reply. Wired by the daemon; nil disables /skill run.
	RunSkill func(ctx context.Context, workspace, name, input string) (string, error)
}

// NewBuiltinRegistry builds a registry with every built-in command
// registered and owner gating wired to the settings file.
func NewBuiltinRegistry(deps Deps) *Registry {
	r := NewRegistry(deps.loadSettings)
	registerBuiltins(r, deps)
	return r
}

func (d Deps) loadSettings() *config.Settings {
	s, err := config.LoadSettings(d.SettingsPath)
	if err != nil {
		return &config.Settings{}
	}
	return s
}

func (d Deps) mutateSettings(fn func(*config.Settings)) error {
	s, err := config.LoadSettings(d.SettingsPath)
	if err != nil {
		return err
	}
	fn(s)
	return config.SaveSettings(d.SettingsPath, s)
}

func verbResult(res runner.VerbResult) Result {
	return Result{Success: res.OK, Message: res.Message}
}

func registerBuiltins(r *Registry, deps Deps) {
	r.mustRegister(&Command{
		Name:        "bind",
		Usage:       "/bind <path>",
		Description: "绑定当前会话到 workspace（相对路径）",
		Mutating:    true,
		Handler:     deps.cmdBind,
	})
	r.mustRegister(&Command{
		Name:        "where",
		Description: "显示当前绑定的 workspace",
		Handler:     deps.cmdWhere,
	})
	r.mustRegister(&Command{
		Name:        "unbind",
		Description: "解除当前会话的绑定",
		Mutating:    true,
		Handler:     deps.cmdUnbind,
	})
	r.mustRegister(&Command{
		Name:        "chatlist",
		Description: "列出所有绑定",
		Handler:     deps.cmdChatlist,
	})
	r.mustRegister(&Command{
		Name:        "help",
		Description: "显示可用命令",
		Handler: func(ctx context.Context, inv Invocation) Result {
			return ok(r.HelpText())
		},
	})
	r.mustRegister(&Command{
		Name:        "cursor",
		Description: "显示当前会话的消息游标",
		Handler:     deps.cmdCursor,
	})
	r.mustRegister(&Command{
		Name:        "reset-cursor",
		Description: "重置消息游标，从当前位置重新开始",
		Mutating:    true,
		Handler:     deps.cmdResetCursor,
	})
	r.mustRegister(&Command{
		Name:        "owner",
		Usage:       "/owner [<handle>... | clear]",
		Description: "查看或设置 owner 列表",
		Mutating:    true,
		Handler:     deps.cmdOwner,
	})
	r.mustRegister(&Command{
		Name:        "owner-only",
		Usage:       "/owner-only on|off",
		Description: "限制可变更命令仅 owner 可用",
		Mutating:    true,
		Handler:     deps.cmdOwnerOnly,
	})
	r.mustRegister(&Command{
		Name:        "pi",
		Usage:       "/pi on|off",
		Description: "开关文件/命令原语工具",
		Mutating:    true,
		Handler:     deps.cmdPI,
	})
	r.mustRegister(&Command{
		Name:        "soul",
		Usage:       "/soul [list | use <name> | clear]",
		Description: "管理模型人格",
		Mutating:    true,
		Handler:     deps.cmdSoul,
	})
	r.mustRegister(&Command{
		Name:        "policy",
		Usage:       "/policy on|off",
		Description: "on=仅本地 off=允许外联",
		Mutating:    true,
		Handler:     deps.cmdPolicy,
	})
	r.mustRegister(&Command{
		Name:        "tooling",
		Usage:       "/tooling [mode <m> | allow <tool>... | stats]",
		Description: "查看或调整工具策略",
		Mutating:    true,
		Handler:     deps.cmdTooling,
	})
	r.mustRegister(&Command{
		Name:        "model",
		Usage:       "/model [<runner>]",
		Description: "查看或切换默认 runner",
		Mutating:    true,
		Handler:     deps.cmdModel,
	})
	r.mustRegister(&Command{
		Name:        "mode",
		Usage:       "/mode [agent|tmux]",
		Description: "查看或切换运行时模式",
		Mutating:    true,
		Handler:     deps.cmdMode,
	})
	r.mustRegister(&Command{
		Name:        "loglevel",
		Usage:       "/loglevel [debug|info|warn|error]",
		Description: "查看或设置日志级别",
		Mutating:    true,
		Handler:     deps.cmdLogLevel,
	})
	r.mustRegister(&Command{
		Name:        "reload",
		Description: "重新加载 workspace 配置",
		Mutating:    true,
		Handler:     deps.cmdReload,
	})
	r.mustRegister(&Command{
		Name:        "start",
		Description: "启动会话（tmux 模式创建客户端）",
		Mutating:    true,
		Handler: func(ctx context.Context, inv Invocation) Result {
			return verbResult(deps.Orchestrator.Start(ctx, inv.Workspace(), inv.ChatID))
		},
	})
	r.mustRegister(&Command{
		Name:        "stop",
		Description: "停止会话",
		Mutating:    true,
		Handler: func(ctx context.Context, inv Invocation) Result {
			return verbResult(deps.Orchestrator.Stop(ctx, inv.Workspace(), inv.ChatID))
		},
	})
	r.mustRegister(&Command{
		Name:        "status",
		Description: "显示会话状态",
		Handler: func(ctx context.Context, inv Invocation) Result {
			return verbResult(deps.Orchestrator.Status(ctx, inv.Workspace(), inv.ChatID))
		},
	})
	r.mustRegister(&Command{
		Name:        "snapshot",
		Description: "截取 tmux 面板",
		Handler: func(ctx context.Context, inv Invocation) Result {
			res := deps.Orchestrator.Snapshot(ctx, inv.Workspace(), inv.ChatID)
			if !res.OK {
				return fail(res.Message)
			}
			return Result{Success: true, Message: "tmux 面板快照", Response: res.Message}
		},
	})
	r.mustRegister(&Command{
		Name:        "esc",
		Description: "向 tmux 客户端发送 Escape",
		Mutating:    true,
		Handler: func(ctx context.Context, inv Invocation) Result {
			return verbResult(deps.Orchestrator.Esc(ctx, inv.Workspace(), inv.ChatID))
		},
	})
	r.mustRegister(&Command{
		Name:        "clear",
		Description: "清理会话窗口与摘要，重置线程",
		Mutating:    true,
		Handler: func(ctx context.Context, inv Invocation) Result {
			return verbResult(deps.Orchestrator.Clear(ctx, inv.Workspace(), inv.ChatID))
		},
	})
	r.mustRegister(&Command{
		Name:        "skill",
		Usage:       "/skill list | run <name> [input]",
		Description: "运行 workspace 技能",
		Mutating:    true,
		Hidden:      !config.DevMode(),
		Handler:     deps.cmdSkill,
	})
}

func (d Deps) cmdBind(ctx context.Context, inv Invocation) Result {
	path := inv.Arg(0)
	if path == "" {
		return fail("用法: /bind <path>")
	}
	entry, err := d.Routes.CreateRoute(inv.ChatID, path, routes.CreateOptions{})
	if err != nil {
		return fail(fmt.Sprintf("绑定失败: %v", err))
	}
	return ok(fmt.Sprintf("绑定成功: %s", entry.WorkspacePath))
}

func (d Deps) cmdWhere(ctx context.Context, inv Invocation) Result {
	if inv.Route == nil {
		return fail(msgNotBound)
	}
	return ok(fmt.Sprintf("当前绑定: %s", inv.Route.WorkspacePath))
}

func (d Deps) cmdUnbind(ctx context.Context, inv Invocation) Result {
	if inv.Route == nil {
		return fail(msgNotBound)
	}
	if err := d.Routes.DeleteRoute(inv.ChatID); err != nil {
		return fail(fmt.Sprintf("解除绑定失败: %v", err))
	}
	return ok(fmt.Sprintf("已解除绑定: %s", inv.Route.WorkspacePath))
}

func (d Deps) cmdChatlist(ctx context.Context, inv Invocation) Result {
	all := d.Routes.All()
	if len(all) == 0 {
		return ok("暂无绑定")
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ChatGUID < all[j].ChatGUID })
	var b strings.Builder
	for _, e := range all {
		fmt.Fprintf(&b, "%s → %s (%s)\n", e.ChatGUID, e.WorkspacePath, e.Status)
	}
	return ok(strings.TrimRight(b.String(), "\n"))
}

func (d Deps) cmdCursor(ctx context.Context, inv Invocation) Result {
	guid := routes.NormalizeChatGUID(inv.ChatID)
	cursor, exists := d.State.ChatState(guid)
	if !exists {
		return ok("无游标记录")
	}
	return ok(fmt.Sprintf("rowid=%d messages=%d lastSeen=%s",
		cursor.LastSeenRowid, cursor.MessageCount, cursor.LastSeenAt.Format(time.RFC3339)))
}

func (d Deps) cmdResetCursor(ctx context.Context, inv Invocation) Result {
	guid := routes.NormalizeChatGUID(inv.ChatID)
	if err := d.State.ResetChatState(guid); err != nil {
		return fail(fmt.Sprintf("重置游标失败: %v", err))
	}
	return ok("游标已重置，将从当前位置继续")
}

func (d Deps) cmdOwner(ctx context.Context, inv Invocation) Result {
	if len(inv.Args) == 0 {
		s := d.loadSettings()
		if len(s.Owner) == 0 {
			return ok("owner 列表为空（所有人可执行变更命令）")
		}
		return ok(fmt.Sprintf("owner: %s (owner-only: %v)", strings.Join(s.Owner, ", "), s.OwnerOnly))
	}
	var err error
	if inv.Arg(0) == "clear" {
		err = d.mutateSettings(func(s *config.Settings) { s.Owner = nil })
		if err == nil {
			return ok("owner 列表已清空")
		}
	} else {
		err = d.mutateSettings(func(s *config.Settings) { s.Owner = inv.Args })
		if err == nil {
			return ok(fmt.Sprintf("owner 已设置: %s", strings.Join(inv.Args, ", ")))
		}
	}
	return fail(fmt.Sprintf("写入 settings 失败: %v", err))
}

func (d Deps) cmdOwnerOnly(ctx context.Context, inv Invocation) Result {
	switch inv.Arg(0) {
	case "on", "off":
	default:
		s := d.loadSettings()
		return ok(fmt.Sprintf("owner-only: %v", s.OwnerOnly))
	}
	enabled := inv.Arg(0) == "on"
	if err := d.mutateSettings(func(s *config.Settings) { s.OwnerOnly = enabled }); err != nil {
		return fail(fmt.Sprintf("写入 settings 失败: %v", err))
	}
	if enabled {
		return ok("owner-only 已开启")
	}
	return ok("owner-only 已关闭")
}

func (d Deps) cmdPI(ctx context.Context, inv Invocation) Result {
	ws := inv.Workspace()
	if ws == "" {
		return fail(msgNotBound)
	}
	switch inv.Arg(0) {
	case "on", "off":
	default:
		w, err := d.Configs.Get(ws)
		if err != nil {
			return fail(fmt.Sprintf("读取配置失败: %v", err))
		}
		return ok(fmt.Sprintf("pi.enabled: %v", w.PIEnabled()))
	}
	enabled := inv.Arg(0) == "on"
	err := d.Configs.Mutate(ws, func(w *config.Workspace) error {
		return w.Set(config.KeyPIEnabled, enabled)
	})
	if err != nil {
		return fail(fmt.Sprintf("写入配置失败: %v", err))
	}
	if enabled {
		return ok(fmt.Sprintf("原语工具已开启: %s", strings.Join(config.PrimitiveTools, ", ")))
	}
	return ok("原语工具已关闭")
}

func (d Deps) cmdSoul(ctx context.Context, inv Invocation) Result {
	switch inv.Arg(0) {
	case "", "status", "show":
		text, source := soul.Resolve(inv.Workspace())
		if source == soul.SourceNone {
			return ok("未激活任何 soul")
		}
		name := "SOUL.md"
		if source == soul.SourceGlobal {
			name, _ = soul.ActiveName()
		}
		return ok(fmt.Sprintf("当前 soul: %s (来源: %s, %d 字节)", name, source, len(text)))
	case "list":
		names, err := soul.List()
		if err != nil {
			return fail(fmt.Sprintf("读取 soul 列表失败: %v", err))
		}
		if len(names) == 0 {
			return ok("没有已安装的 soul")
		}
		return ok(strings.Join(names, "\n"))
	case "use":
		name := inv.Arg(1)
		if name == "" {
			return fail("用法: /soul use <name>")
		}
		if err := soul.Use(name); err != nil {
			return fail(fmt.Sprintf("激活 soul 失败: %v", err))
		}
		return ok(fmt.Sprintf("已激活 soul: %s", name))
	case "clear", "off":
		if err := soul.Clear(); err != nil {
			return fail(fmt.Sprintf("停用 soul 失败: %v", err))
		}
		return ok("已停用全局 soul")
	}
	return fail("用法: /soul [list | use <name> | clear]")
}

func (d Deps) cmdPolicy(ctx context.Context, inv Invocation) Result {
	ws := inv.Workspace()
	if ws == "" {
		return fail(msgNotBound)
	}
	var mode string
	switch inv.Arg(0) {
	case "on":
		mode = "local-only"
	case "off":
		mode = "egress-allowed"
	default:
		w, err := d.Configs.Get(ws)
		if err != nil {
			return fail(fmt.Sprintf("读取配置失败: %v", err))
		}
		return ok(fmt.Sprintf("policy.mode: %s", w.PolicyMode()))
	}
	err := d.Configs.Mutate(ws, func(w *config.Workspace) error {
		return w.Set(config.KeyPolicyMode, mode)
	})
	if err != nil {
		return fail(fmt.Sprintf("写入配置失败: %v", err))
	}
	return ok(fmt.Sprintf("policy.mode 已设置为 %s", mode))
}

func (d Deps) cmdTooling(ctx context.Context, inv Invocation) Result {
	ws := inv.Workspace()
	switch inv.Arg(0) {
	case "", "list":
		if ws == "" {
			return fail(msgNotBound)
		}
		w, err := d.Configs.Get(ws)
		if err != nil {
			return fail(fmt.Sprintf("读取配置失败: %v", err))
		}
		policy := w.ToolPolicy(d.loadSettings())
		var b strings.Builder
		fmt.Fprintf(&b, "mode: %s\n", policy.Mode)
		var allowed []string
		for _, t := range d.BusFor(ws).List() {
			if policy.Allows(t.Name()) {
				allowed = append(allowed, t.Name())
			}
		}
		fmt.Fprintf(&b, "allowed: %s", strings.Join(allowed, ", "))
		return ok(b.String())
	case "mode":
		if ws == "" {
			return fail(msgNotBound)
		}
		mode := inv.Arg(1)
		if mode != "explicit" && mode != "autonomous" {
			return fail("用法: /tooling mode explicit|autonomous")
		}
		err := d.Configs.Mutate(ws, func(w *config.Workspace) error {
			return w.Set(config.KeyToolingMode, mode)
		})
		if err != nil {
			return fail(fmt.Sprintf("写入配置失败: %v", err))
		}
		return ok(fmt.Sprintf("tooling.mode 已设置为 %s", mode))
	case "allow":
		if ws == "" {
			return fail(msgNotBound)
		}
		added := inv.Args[1:]
		if len(added) == 0 {
			return fail("用法: /tooling allow <tool>...")
		}
		err := d.Configs.Mutate(ws, func(w *config.Workspace) error {
			current := w.GetStringSlice(config.KeyToolingAllow)
			seen := map[string]bool{}
			for _, t := range current {
				seen[t] = true
			}
			for _, t := range added {
				if !seen[t] {
					current = append(current, t)
					seen[t] = true
				}
			}
			return w.Set(config.KeyToolingAllow, current)
		})
		if err != nil {
			return fail(fmt.Sprintf("写入配置失败: %v", err))
		}
		return ok(fmt.Sprintf("已加入允许列表: %s", strings.Join(added, ", ")))
	case "stats":
		if ws == "" {
			return fail(msgNotBound)
		}
		report := d.BusFor(ws).Stats(24 * time.Hour)
		if report.TotalCalls == 0 {
			return ok("近 24 小时无工具调用")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "近 24 小时工具调用: %d 次, 成功率 %.0f%%, 平均耗时 %dms\n",
			report.TotalCalls, report.SuccessRate*100, report.AvgDurationMs)
		tools := make([]string, 0, len(report.ByTool))
		for t := range report.ByTool {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		for _, t := range tools {
			fmt.Fprintf(&b, "%s: %d\n", t, report.ByTool[t])
		}
		for _, ec := range report.TopErrorCodes {
			fmt.Fprintf(&b, "错误 %s: %d\n", ec.Code, ec.Count)
		}
		return ok(strings.TrimRight(b.String(), "\n"))
	}
	return fail("用法: /tooling [mode <m> | allow <tool>... | stats]")
}

func (d Deps) cmdModel(ctx context.Context, inv Invocation) Result {
	ws := inv.Workspace()
	if ws == "" {
		return fail(msgNotBound)
	}
	runnerName := inv.Arg(0)
	if runnerName == "" {
		w, err := d.Configs.Get(ws)
		if err != nil {
			return fail(fmt.Sprintf("读取配置失败: %v", err))
		}
		current := w.DefaultRunner()
		if current == "" {
			current = fmt.Sprintf("%s/%s", w.RuntimeKind(), w.AgentProvider())
		}
		return ok(fmt.Sprintf("当前 runner: %s", current))
	}
	err := d.Configs.Mutate(ws, func(w *config.Workspace) error {
		return w.SetDefaultRunner(runnerName)
	})
	if err != nil {
		return fail(fmt.Sprintf("切换 runner 失败: %v", err))
	}
	return ok(fmt.Sprintf("runner 已切换为 %s", runnerName))
}

func (d Deps) cmdMode(ctx context.Context, inv Invocation) Result {
	ws := inv.Workspace()
	if ws == "" {
		return fail(msgNotBound)
	}
	kind := inv.Arg(0)
	if kind == "" {
		w, err := d.Configs.Get(ws)
		if err != nil {
			return fail(fmt.Sprintf("读取配置失败: %v", err))
		}
		return ok(fmt.Sprintf("runtime.kind: %s", w.RuntimeKind()))
	}
	if kind != "agent" && kind != "tmux" {
		return fail("用法: /mode agent|tmux")
	}
	err := d.Configs.Mutate(ws, func(w *config.Workspace) error {
		return w.SetRuntimeKind(kind)
	})
	if err != nil {
		return fail(fmt.Sprintf("写入配置失败: %v", err))
	}
	return ok(fmt.Sprintf("runtime.kind 已设置为 %s", kind))
}

func (d Deps) cmdLogLevel(ctx context.Context, inv Invocation) Result {
	level := inv.Arg(0)
	if level == "" {
		effective, source := config.EffectiveLogLevel(d.loadSettings())
		return ok(fmt.Sprintf("日志级别: %s (来源: %s)", effective, source))
	}
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return fail("用法: /loglevel debug|info|warn|error")
	}
	if err := d.mutateSettings(func(s *config.Settings) { s.LogLevel = level }); err != nil {
		return fail(fmt.Sprintf("写入 settings 失败: %v", err))
	}
	effective, source := config.EffectiveLogLevel(d.loadSettings())
	if source == config.LogLevelFromEnv {
		return ok(fmt.Sprintf("已写入 settings，但 LOG_LEVEL 环境变量覆盖为 %s", effective))
	}
	return ok(fmt.Sprintf("日志级别已设置为 %s", level))
}

func (d Deps) cmdReload(ctx context.Context, inv Invocation) Result {
	ws := inv.Workspace()
	if ws == "" {
		return fail(msgNotBound)
	}
	d.Configs.Invalidate(ws)
	if _, err := d.Configs.Get(ws); err != nil {
		return fail(fmt.Sprintf("重新加载配置失败: %v", err))
	}
	return ok("已重新加载 workspace 配置")
}

func (d Deps) cmdSkill(ctx context.Context, inv Invocation) Result {
	if !config.DevMode() {
		return fail("skill 功能未启用")
	}
	ws := inv.Workspace()
	if ws == "" {
		return fail(msgNotBound)
	}
	switch inv.Arg(0) {
	case "list", "":
		names, err := skills.List(ws)
		if err != nil {
			return fail(fmt.Sprintf("读取技能列表失败: %v", err))
		}
		if len(names) == 0 {
			return ok("没有已安装的技能")
		}
		return ok(strings.Join(names, "\n"))
	case "run":
		name := inv.Arg(1)
		if name == "" {
			return fail("用法: /skill run <name> [input]")
		}
		if d.RunSkill == nil {
			return fail("skill 执行未接入")
		}
		input := strings.Join(inv.Args[2:], " ")
		reply, err := d.RunSkill(ctx, ws, name, input)
		if err != nil {
			return fail(fmt.Sprintf("技能执行失败: %v", err))
		}
		return ok(reply)
	}
	return fail("用法: /skill list | run <name> [input]")
}
