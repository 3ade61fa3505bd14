// Package doctor runs environment probes so a user can see in one
// pass why the daemon would fail before starting it.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/msgcode/msgcode/internal/config"
)

// probeTimeout bounds each external command probe.
const probeTimeout = 5 * time.Second

// TransportCLI resolves the transport helper binary, overridable via
// MSGCODE_TRANSPORT_CLI.
func TransportCLI() string {
	if cli := os.Getenv("MSGCODE_TRANSPORT_CLI"); cli != "" {
		return cli
	}
	return "imsg"
}

// Check is the outcome of one probe.
type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
	FixHint string `json:"fixHint,omitempty"`
}

// ExecFunc runs a binary and returns its combined output. Injectable
// so tests can script probe results.
type ExecFunc func(ctx context.Context, name string, args ...string) (string, error)

func defaultExec(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Doctor runs the probe set.
type Doctor struct {
	Exec ExecFunc
}

// New returns a doctor using real process execution.
func New() *Doctor {
	return &Doctor{Exec: defaultExec}
}

// Run executes every probe in order. Probes never abort the run; a
// failing one reports and the rest still execute.
func (d *Doctor) Run(ctx context.Context) []Check {
	run := d.Exec
	if run == nil {
		run = defaultExec
	}
	return []Check{
		d.probeTransportVersion(ctx, run),
		d.probeTransportRPC(ctx, run),
		probeRoutesReadable(),
		probeRoutesValidJSON(),
		probeWorkspaceRootWritable(),
		d.probeBinary(ctx, run, "tmux", "tmux", []string{"-V"},
			"安装 tmux 以使用 tmux 运行时模式"),
		d.probeBinary(ctx, run, "claude-cli", "claude", []string{"--version"},
			"安装 claude CLI 以使用 claude-code 客户端"),
	}
}

// AllOk reports whether every check passed.
func AllOk(checks []Check) bool {
	for _, c := range checks {
		if !c.OK {
			return false
		}
	}
	return true
}

func (d *Doctor) probeTransportVersion(ctx context.Context, run ExecFunc) Check {
	cli := TransportCLI()
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := run(probeCtx, cli, "--version")
	if err != nil {
		return Check{
			Name:    "transport-cli",
			Details: fmt.Sprintf("%s --version: %v", cli, err),
			FixHint: "安装 transport CLI 或设置 MSGCODE_TRANSPORT_CLI",
		}
	}
	return Check{Name: "transport-cli", OK: true, Details: firstLine(out)}
}

func (d *Doctor) probeTransportRPC(ctx context.Context, run ExecFunc) Check {
	cli := TransportCLI()
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := run(probeCtx, cli, "rpc", "help")
	if err != nil {
		return Check{
			Name:    "transport-rpc",
			Details: fmt.Sprintf("%s rpc help: %v", cli, err),
			FixHint: "transport CLI 版本过旧，不支持 rpc 子命令",
		}
	}
	return Check{Name: "transport-rpc", OK: true, Details: firstLine(out)}
}

func probeRoutesReadable() Check {
	path := config.RoutesPath()
	_, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Check{Name: "routes-readable", OK: true, Details: "routes 文件尚未创建"}
	}
	if err != nil {
		return Check{
			Name:    "routes-readable",
			Details: err.Error(),
			FixHint: fmt.Sprintf("检查 %s 的读取权限", path),
		}
	}
	return Check{Name: "routes-readable", OK: true, Details: path}
}

func probeRoutesValidJSON() Check {
	path := config.RoutesPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Check{Name: "routes-valid", OK: true, Details: "routes 文件尚未创建"}
	}
	if err != nil {
		return Check{Name: "routes-valid", Details: err.Error()}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return Check{
			Name:    "routes-valid",
			Details: err.Error(),
			FixHint: fmt.Sprintf("%s 不是有效 JSON，修复或删除后重新绑定", path),
		}
	}
	return Check{Name: "routes-valid", OK: true}
}

func probeWorkspaceRootWritable() Check {
	root := config.WorkspaceRoot()
	probe := filepath.Join(root, ".msgcode-doctor-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return Check{
			Name:    "workspace-root-writable",
			Details: err.Error(),
			FixHint: fmt.Sprintf("确认 WORKSPACE_ROOT (%s) 可写", root),
		}
	}
	os.Remove(probe)
	return Check{Name: "workspace-root-writable", OK: true, Details: root}
}

func (d *Doctor) probeBinary(ctx context.Context, run ExecFunc, name, bin string, args []string, hint string) Check {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := run(probeCtx, bin, args...)
	if err != nil {
		return Check{Name: name, Details: fmt.Sprintf("%s: %v", bin, err), FixHint: hint}
	}
	return Check{Name: name, OK: true, Details: firstLine(out)}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
