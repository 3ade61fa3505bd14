// Package system reports host and process facts for the system
// command surface and the matching tool.
package system

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"
)

// Info is a point-in-time snapshot of the process and host.
type Info struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	GoVersion     string `json:"goVersion"`
	PID           int    `json:"pid"`
	NumCPU        int    `json:"numCpu"`
	NumGoroutine  int    `json:"numGoroutine"`
	WorkingDir    string `json:"workingDir"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// Collect gathers the snapshot. startTime may be zero when the caller
// does not track process start.
func Collect(startTime time.Time) Info {
	hostname, _ := os.Hostname()
	wd, _ := os.Getwd()
	info := Info{
		Hostname:     hostname,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		GoVersion:    runtime.Version(),
		PID:          os.Getpid(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		WorkingDir:   wd,
	}
	if !startTime.IsZero() {
		info.UptimeSeconds = int64(time.Since(startTime).Seconds())
	}
	return info
}

// InfoTool exposes Collect through the tool bus.
type InfoTool struct {
	StartTime time.Time
}

func (t *InfoTool) Name() string        { return "system_info" }
func (t *InfoTool) Description() string { return "Report host and daemon process information" }

func (t *InfoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *InfoTool) Execute(_ context.Context, _ json.RawMessage) (any, error) {
	return Collect(t.StartTime), nil
}
