package toolbus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/msgcode/msgcode/pkg/models"
)

type fakeTool struct {
	name   string
	schema string
	run    func(ctx context.Context, args json.RawMessage) (any, error)
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "test tool" }
func (f *fakeTool) Schema() json.RawMessage { return json.RawMessage(f.schema) }
func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return f.run(ctx, args)
}

func echoTool(name string) *fakeTool {
	return &fakeTool{
		name:   name,
		schema: `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		run: func(_ context.Context, args json.RawMessage) (any, error) {
			var a struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, err
			}
			return map[string]string{"echo": a.Text}, nil
		},
	}
}

func allowAll(names ...string) models.ToolPolicy {
	allow := make(map[string]bool)
	for _, n := range names {
		allow[n] = true
	}
	return models.ToolPolicy{Mode: models.ToolingAutonomous, Allow: allow}
}

func TestGateOrder(t *testing.T) {
	b := New(nil, nil)
	explicit := models.ToolPolicy{Mode: models.ToolingExplicit, Allow: map[string]bool{"asr": true}}

	tests := []struct {
		name    string
		inv     Invocation
		wantMsg string
	}{
		{
			"llm call in explicit mode",
			Invocation{Tool: "asr", Source: models.SourceLLMToolCall, Policy: explicit},
			"llm tool-call disabled in explicit mode",
		},
		{
			"media pipeline outside asr/vision",
			Invocation{Tool: "bash", Source: models.SourceMediaPipeline, Policy: allowAll("bash")},
			"not allowed from media-pipeline",
		},
		{
			"not on allow list",
			Invocation{Tool: "bash", Source: models.SourceSlashCommand, Policy: explicit},
			"tool not allowed: bash",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Gate(tt.inv)
			if err == nil {
				t.Fatal("expected denial")
			}
			if models.CodeOf(err) != models.CodeToolNotAllowed {
				t.Errorf("code = %s", models.CodeOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}

	// Slash commands bypass the mode gate but not the allow list.
	if err := b.Gate(Invocation{Tool: "asr", Source: models.SourceSlashCommand, Policy: explicit}); err != nil {
		t.Errorf("slash command for allowed tool should pass: %v", err)
	}
	// Media pipeline may run asr even in explicit mode.
	if err := b.Gate(Invocation{Tool: "asr", Source: models.SourceMediaPipeline, Policy: explicit}); err != nil {
		t.Errorf("media pipeline asr should pass: %v", err)
	}
	// Internal callers bypass everything.
	if err := b.Gate(Invocation{Tool: "whatever", Source: models.SourceInternal, Policy: explicit}); err != nil {
		t.Errorf("internal source should bypass the gate: %v", err)
	}
}

func TestExecuteValidatesArgs(t *testing.T) {
	b := New(nil, nil)
	b.MustRegister(echoTool("echo"))
	policy := allowAll("echo")

	_, err := b.Execute(context.Background(), Invocation{
		Tool: "echo", Source: models.SourceSlashCommand, Policy: policy,
		Args: json.RawMessage(`{"wrong":"field"}`),
	})
	if models.CodeOf(err) != models.CodeToolInvalidArgs {
		t.Fatalf("expected TOOL_INVALID_ARGS, got %v", err)
	}

	_, err = b.Execute(context.Background(), Invocation{
		Tool: "echo", Source: models.SourceSlashCommand, Policy: policy,
		Args: json.RawMessage(`not json`),
	})
	if models.CodeOf(err) != models.CodeToolInvalidArgs {
		t.Fatalf("expected TOOL_INVALID_ARGS for bad JSON, got %v", err)
	}

	data, err := b.Execute(context.Background(), Invocation{
		Tool: "echo", Source: models.SourceSlashCommand, Policy: policy,
		Args: json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if m, ok := data.(map[string]string); !ok || m["echo"] != "hi" {
		t.Errorf("data = %v", data)
	}
}

func TestExecuteTimeout(t *testing.T) {
	b := New(nil, nil)
	b.MustRegister(&fakeTool{
		name:   "slow",
		schema: `{"type":"object"}`,
		run: func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	_, err := b.Execute(context.Background(), Invocation{
		Tool: "slow", Source: models.SourceSlashCommand, Policy: allowAll("slow"),
		Timeout: 20 * time.Millisecond,
	})
	if models.CodeOf(err) != models.CodeToolTimeout {
		t.Fatalf("expected TOOL_TIMEOUT, got %v", err)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	b := New(nil, nil)
	b.MustRegister(&fakeTool{
		name:   "boom",
		schema: `{"type":"object"}`,
		run: func(context.Context, json.RawMessage) (any, error) {
			panic("kaboom")
		},
	})
	_, err := b.Execute(context.Background(), Invocation{
		Tool: "boom", Source: models.SourceSlashCommand, Policy: allowAll("boom"),
	})
	if models.CodeOf(err) != models.CodeToolExecFailed {
		t.Fatalf("expected TOOL_EXEC_FAILED, got %v", err)
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("panic message lost: %v", err)
	}
}

func TestEventRingAndStats(t *testing.T) {
	b := New(nil, nil)
	b.MustRegister(echoTool("echo"))
	policy := allowAll("echo")

	for i := 0; i < 3; i++ {
		if _, err := b.Execute(context.Background(), Invocation{
			Tool: "echo", Source: models.SourceSlashCommand, Policy: policy,
			Args: json.RawMessage(`{"text":"x"}`),
		}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	// One denial lands in the ring too.
	b.Execute(context.Background(), Invocation{
		Tool: "bash", Source: models.SourceSlashCommand, Policy: policy,
	})

	events := b.Events()
	if len(events) != 4 {
		t.Fatalf("events = %d", len(events))
	}

	stats := b.Stats(0)
	if stats.TotalCalls != 4 || stats.SuccessCount != 3 || stats.FailureCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SuccessRate != 0.75 {
		t.Errorf("success rate = %v", stats.SuccessRate)
	}
	if stats.ByTool["echo"] != 3 || stats.ByTool["bash"] != 1 {
		t.Errorf("byTool = %v", stats.ByTool)
	}
	if stats.BySource["slash-command"] != 4 {
		t.Errorf("bySource = %v", stats.BySource)
	}
	if len(stats.TopErrorCodes) != 1 || stats.TopErrorCodes[0].Code != "TOOL_NOT_ALLOWED" {
		t.Errorf("topErrorCodes = %v", stats.TopErrorCodes)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	b := New(nil, nil)
	_, err := b.Execute(context.Background(), Invocation{
		Tool: "ghost", Source: models.SourceSlashCommand, Policy: allowAll("ghost"),
	})
	if models.CodeOf(err) != models.CodeToolNotAllowed {
		t.Fatalf("unknown tool code = %v", models.CodeOf(err))
	}
}

func TestEventRingBounded(t *testing.T) {
	b := New(nil, nil)
	b.MustRegister(&fakeTool{
		name:   "nop",
		schema: `{"type":"object"}`,
		run:    func(context.Context, json.RawMessage) (any, error) { return "ok", nil },
	})
	policy := allowAll("nop")
	for i := 0; i < eventRingSize+50; i++ {
		b.Execute(context.Background(), Invocation{Tool: "nop", Source: models.SourceSlashCommand, Policy: policy})
	}
	if got := len(b.Events()); got != eventRingSize {
		t.Fatalf("ring size = %d, want %d", got, eventRingSize)
	}
}

func TestNeedsConfirm(t *testing.T) {
	policy := models.ToolPolicy{
		Mode:           models.ToolingAutonomous,
		Allow:          map[string]bool{"bash": true},
		RequireConfirm: map[string]bool{"bash": true},
	}
	if !NeedsConfirm(Invocation{Tool: "bash", Source: models.SourceLLMToolCall, Policy: policy}) {
		t.Error("llm call for confirm-listed tool should need confirmation")
	}
	if NeedsConfirm(Invocation{Tool: "bash", Source: models.SourceSlashCommand, Policy: policy}) {
		t.Error("explicit user invocation should not need confirmation")
	}
}

func TestEncodeResultAndError(t *testing.T) {
	out := EncodeResult(map[string]int{"lines": 3})
	var env struct {
		Success bool           `json:"success"`
		Data    map[string]int `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !env.Success || env.Data["lines"] != 3 {
		t.Errorf("envelope = %q", out)
	}

	errOut := EncodeError(models.NewCodedError(models.CodeToolTimeout, "too slow"))
	if !strings.Contains(errOut, `"success":false`) || !strings.Contains(errOut, "TOOL_TIMEOUT") {
		t.Errorf("error envelope = %q", errOut)
	}
}

func TestFormatToolFailure(t *testing.T) {
	err := models.NewCodedError(models.CodeToolExecFailed, "command exited 1")
	got := FormatToolFailure("bash", err)
	want := "工具执行失败\n工具: bash\n错误码: TOOL_EXEC_FAILED\n错误: command exited 1"
	if got != want {
		t.Errorf("FormatToolFailure = %q, want %q", got, want)
	}

	plain := FormatToolFailure("vision", errors.New("no camera"))
	if !strings.Contains(plain, "错误码: TOOL_EXEC_FAILED") || !strings.Contains(plain, "no camera") {
		t.Errorf("plain error format = %q", plain)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	b := New(nil, nil)
	b.MustRegister(echoTool("echo"))
	if err := b.Register(echoTool("echo")); err == nil {
		t.Fatal("duplicate registration should fail")
	}
}

func TestStatsWindow(t *testing.T) {
	b := New(nil, nil)
	// Inject an old event directly.
	b.events = append(b.events, models.ToolEvent{
		Tool: "old", OK: true, Timestamp: time.Now().Add(-2 * time.Hour),
	})
	b.events = append(b.events, models.ToolEvent{
		Tool: "recent", OK: true, Timestamp: time.Now(),
	})
	stats := b.Stats(time.Hour)
	if stats.TotalCalls != 1 || stats.ByTool["old"] != 0 || stats.ByTool["recent"] != 1 {
		t.Errorf("windowed stats = %+v", stats)
	}
	if all := b.Stats(0); all.TotalCalls != 2 {
		t.Errorf("zero window should include everything, got %+v", all)
	}
}
