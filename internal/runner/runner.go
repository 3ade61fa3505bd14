// Package runner maps session control verbs onto the workspace's
// resolved runtime. The agent lane runs in-process and needs no
// session; the tmux lane drives a CLI client living in a tmux session.
package runner

import (
	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/internal/tools/web"
)

const (
	KindDirect = "direct"
	KindTmux   = "tmux"
)

// Resolution is the runner decision for one workspace.
type Resolution struct {
	Runner        string
	Config        *config.Workspace
	BlockedReason string
}

// Blocked reports whether the resolved runner cannot run yet.
func (r Resolution) Blocked() bool { return r.BlockedReason != "" }

// ResolveWorkspace picks the runner from a loaded workspace config.
// The tmux lane talks to hosted model services, so it stays blocked
// until the policy allows egress.
func ResolveWorkspace(ws *config.Workspace) Resolution {
	if ws.RuntimeKind() != KindTmux {
		return Resolution{Runner: KindDirect, Config: ws}
	}
	res := Resolution{Runner: KindTmux, Config: ws}
	if ws.PolicyMode() != web.PolicyModeEgressAllowed {
		res.BlockedReason = "tmux 运行器需要外联权限（当前策略为 local-only），请先执行 /policy off"
	}
	return res
}

// Resolve loads the workspace config and picks the runner.
func Resolve(projectDir string) (Resolution, error) {
	ws, err := config.LoadWorkspace(projectDir)
	if err != nil {
		return Resolution{}, err
	}
	return ResolveWorkspace(ws), nil
}
