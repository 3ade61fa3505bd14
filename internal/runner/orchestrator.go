package runner

import (
	"context"
	"fmt"

	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/internal/observability"
	"github.com/msgcode/msgcode/internal/session"
)

// Pinned user-visible strings. Tests and docs rely on the leading
// keywords staying stable.
const (
	msgNotBound       = "未绑定 workspace，请先使用 /bind <path>"
	msgNoSessionNeed  = "ok, no session needed"
	msgDirectStatus   = "direct (no tmux)"
	msgClearedSession = "已清理会话文件（窗口与摘要），线程已重置"
	msgCleanupFailed  = "清理失败: %v"
)

// VerbResult is the outcome of one session control verb.
type VerbResult struct {
	OK      bool
	Message string
}

func okResult(format string, args ...any) VerbResult {
	return VerbResult{OK: true, Message: fmt.Sprintf(format, args...)}
}

func failResult(format string, args ...any) VerbResult {
	return VerbResult{OK: false, Message: fmt.Sprintf(format, args...)}
}

// Orchestrator maps session control verbs onto the workspace's
// resolved runner. The direct lane runs in-process and needs no
// session; the tmux lane manages a CLI client per chat.
type Orchestrator struct {
	Tmux    *Tmux
	Threads *session.ThreadStore
	Configs *config.Cache
	Logger  *observability.Logger
}

// resolve loads the workspace config and picks the lane. An empty
// projectDir means the chat has no binding yet.
func (o *Orchestrator) resolve(projectDir string) (Resolution, VerbResult, bool) {
	if projectDir == "" {
		return Resolution{}, failResult(msgNotBound), false
	}
	ws, err := o.Configs.Get(projectDir)
	if err != nil {
		return Resolution{}, failResult("读取 workspace 配置失败: %v", err), false
	}
	return ResolveWorkspace(ws), VerbResult{}, true
}

// Start creates the tmux session for the chat; the direct lane has
// nothing to start.
func (o *Orchestrator) Start(ctx context.Context, projectDir, chatID string) VerbResult {
	res, fail, ok := o.resolve(projectDir)
	if !ok {
		return fail
	}
	if res.Runner != KindTmux {
		return okResult(msgNoSessionNeed)
	}
	if res.Blocked() {
		return failResult("%s", res.BlockedReason)
	}
	name := SessionName(chatID)
	created, err := o.Tmux.EnsureSession(ctx, name, projectDir, res.Config.TmuxClient())
	if err != nil {
		return failResult("创建 tmux 会话失败: %v", err)
	}
	if created {
		return okResult("tmux 会话已创建: %s", name)
	}
	return okResult("tmux 会话已存在: %s", name)
}

// Stop kills the tmux session; the direct lane has nothing to stop.
func (o *Orchestrator) Stop(ctx context.Context, projectDir, chatID string) VerbResult {
	res, fail, ok := o.resolve(projectDir)
	if !ok {
		return fail
	}
	if res.Runner != KindTmux {
		return okResult(msgNoSessionNeed)
	}
	name := SessionName(chatID)
	if !o.Tmux.HasSession(ctx, name) {
		return okResult("tmux 会话不存在: %s", name)
	}
	if err := o.Tmux.Kill(ctx, name); err != nil {
		return failResult("结束 tmux 会话失败: %v", err)
	}
	return okResult("tmux 会话已结束: %s", name)
}

// Status reports the lane and, for tmux, whether the session lives.
func (o *Orchestrator) Status(ctx context.Context, projectDir, chatID string) VerbResult {
	res, fail, ok := o.resolve(projectDir)
	if !ok {
		return fail
	}
	if res.Runner != KindTmux {
		return okResult(msgDirectStatus)
	}
	if res.Blocked() {
		return failResult("%s", res.BlockedReason)
	}
	name := SessionName(chatID)
	if o.Tmux.HasSession(ctx, name) {
		return okResult("tmux 会话运行中: %s", name)
	}
	return okResult("tmux 会话未启动: %s", name)
}

// Snapshot captures the tmux pane. Unsupported on the direct lane.
func (o *Orchestrator) Snapshot(ctx context.Context, projectDir, chatID string) VerbResult {
	res, fail, ok := o.resolve(projectDir)
	if !ok {
		return fail
	}
	if res.Runner != KindTmux {
		return failResult("/snapshot 仅在 tmux 模式下可用")
	}
	pane, err := o.Tmux.CapturePane(ctx, SessionName(chatID))
	if err != nil {
		return failResult("截取 tmux 面板失败: %v", err)
	}
	return okResult("%s", pane)
}

// Esc forwards an escape keypress to the tmux client. Unsupported on
// the direct lane.
func (o *Orchestrator) Esc(ctx context.Context, projectDir, chatID string) VerbResult {
	res, fail, ok := o.resolve(projectDir)
	if !ok {
		return fail
	}
	if res.Runner != KindTmux {
		return failResult("/esc 仅在 tmux 模式下可用")
	}
	if err := o.Tmux.SendEscape(ctx, SessionName(chatID)); err != nil {
		return failResult("发送 Escape 失败: %v", err)
	}
	return okResult("已发送 Escape")
}

// Clear wipes the window and summary and rotates the thread. On the
// tmux lane the client session is restarted as well.
func (o *Orchestrator) Clear(ctx context.Context, projectDir, chatID string) VerbResult {
	res, fail, ok := o.resolve(projectDir)
	if !ok {
		return fail
	}
	cleared := o.ClearSessionArtifacts(ctx, projectDir, chatID)
	if !cleared.OK {
		return cleared
	}
	if res.Runner == KindTmux && !res.Blocked() {
		name := SessionName(chatID)
		if o.Tmux.HasSession(ctx, name) {
			if err := o.Tmux.Kill(ctx, name); err != nil {
				return failResult("重启 tmux 客户端失败: %v", err)
			}
			if _, err := o.Tmux.EnsureSession(ctx, name, projectDir, res.Config.TmuxClient()); err != nil {
				return failResult("重启 tmux 客户端失败: %v", err)
			}
		}
	}
	return cleared
}

// ClearSessionArtifacts is the logging variant used by the command
// path. Internal failures are wrapped as 清理失败 and logged rather
// than propagated.
func (o *Orchestrator) ClearSessionArtifacts(ctx context.Context, projectDir, chatID string) VerbResult {
	if projectDir == "" {
		return failResult(msgNotBound)
	}
	if err := ClearSessionFiles(projectDir, chatID, o.Threads); err != nil {
		if o.Logger != nil {
			o.Logger.Error(ctx, "session cleanup failed",
				"workspace", projectDir, "chat_id", chatID, "error", err.Error())
		}
		return failResult(msgCleanupFailed, err)
	}
	return okResult(msgClearedSession)
}

// ClearSessionFiles truncates the window and summary and drops the
// thread cache entry. Pure of logging so tests can call it directly.
func ClearSessionFiles(projectDir, chatID string, threads *session.ThreadStore) error {
	if err := session.ClearWindow(projectDir, chatID); err != nil {
		return fmt.Errorf("clear window: %w", err)
	}
	if err := session.ClearSummary(projectDir, chatID); err != nil {
		return fmt.Errorf("clear summary: %w", err)
	}
	if threads != nil {
		threads.Reset(chatID)
	}
	return nil
}
