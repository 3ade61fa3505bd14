// Package toolbus is the single chokepoint for tool execution. Every
// invocation, whatever its origin, passes the same policy gate, gets
// its arguments validated against the tool's schema, and leaves a
// telemetry event behind.
package toolbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/msgcode/msgcode/internal/observability"
	"github.com/msgcode/msgcode/pkg/models"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 120 * time.Second

// eventRingSize caps the in-memory telemetry ring.
const eventRingSize = 200

// mediaPipelineTools are the only tools the media pipeline may invoke.
var mediaPipelineTools = map[string]bool{"asr": true, "vision": true}

// Tool is one executable capability. Schema returns the JSON Schema
// for the tool's arguments; it is compiled once at registration.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Bus routes invocations to registered tools.
type Bus struct {
	mu      sync.RWMutex
	tools   map[string]registered
	events  []models.ToolEvent
	next    int
	logger  *observability.Logger
	metrics *observability.Metrics
	timeout time.Duration
}

// New returns an empty bus. Logger and metrics may be nil.
func New(logger *observability.Logger, metrics *observability.Metrics) *Bus {
	return &Bus{
		tools:   make(map[string]registered),
		events:  make([]models.ToolEvent, 0, eventRingSize),
		logger:  logger,
		metrics: metrics,
		timeout: DefaultTimeout,
	}
}

// Register adds a tool, compiling its argument schema.
func (b *Bus) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return models.NewCodedError(models.CodeInvalidArgs, "tool has no name")
	}
	var compiled *jsonschema.Schema
	if raw := t.Schema(); len(raw) > 0 {
		sch, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
		compiled = sch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.tools[name]; exists {
		return models.NewCodedError(models.CodeInvalidArgs, "tool already registered: %s", name)
	}
	b.tools[name] = registered{tool: t, schema: compiled}
	return nil
}

// MustRegister registers a built-in tool and panics on failure.
// Built-in schemas are compile-time constants, so failure here is a
// programming error.
func (b *Bus) MustRegister(t Tool) {
	if err := b.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a registered tool by name.
func (b *Bus) Get(name string) (Tool, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.tools[name]
	if !ok {
		return nil, false
	}
	return r.tool, true
}

// List returns registered tools sorted by name, for /tooling output
// and the model's tool declarations.
func (b *Bus) List() []Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Tool, 0, len(b.tools))
	for _, r := range b.tools {
		out = append(out, r.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Invocation is one request to run a tool.
type Invocation struct {
	Tool          string
	Source        models.ToolSource
	Policy        models.ToolPolicy
	Args          json.RawMessage
	WorkspacePath string
	RequestID     string
	// Timeout overrides the bus default when positive.
	Timeout time.Duration
}

// Gate applies the policy checks in order. The internal source is the
// daemon acting on its own behalf and bypasses the gate.
func (b *Bus) Gate(inv Invocation) error {
	if inv.Source == models.SourceInternal {
		return nil
	}
	if inv.Source == models.SourceLLMToolCall && inv.Policy.Mode != models.ToolingAutonomous {
		return models.NewCodedError(models.CodeToolNotAllowed, "llm tool-call disabled in explicit mode")
	}
	if inv.Source == models.SourceMediaPipeline && !mediaPipelineTools[inv.Tool] {
		return models.NewCodedError(models.CodeToolNotAllowed, "not allowed from media-pipeline")
	}
	if !inv.Policy.Allows(inv.Tool) {
		return models.NewCodedError(models.CodeToolNotAllowed, "tool not allowed: %s", inv.Tool)
	}
	return nil
}

// NeedsConfirm reports whether the invocation must be confirmed by the
// user before running. Only model-initiated calls are held.
func NeedsConfirm(inv Invocation) bool {
	return inv.Source == models.SourceLLMToolCall && inv.Policy.RequireConfirm[inv.Tool]
}

// Execute gates, validates, and runs one invocation. Denied and failed
// calls are recorded in the event ring alongside successes.
func (b *Bus) Execute(ctx context.Context, inv Invocation) (any, error) {
	start := time.Now()
	if err := b.Gate(inv); err != nil {
		b.record(inv, start, err)
		return nil, err
	}

	b.mu.RLock()
	r, ok := b.tools[inv.Tool]
	b.mu.RUnlock()
	if !ok {
		err := models.NewCodedError(models.CodeToolNotAllowed, "tool not allowed: %s", inv.Tool)
		b.record(inv, start, err)
		return nil, err
	}

	if r.schema != nil {
		if err := validateArgs(r.schema, inv.Args); err != nil {
			b.record(inv, start, err)
			return nil, err
		}
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := runTool(runCtx, r.tool, inv.Args)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = models.WrapCoded(models.CodeToolTimeout, fmt.Sprintf("tool %s timed out after %s", inv.Tool, timeout), err)
		} else if models.CodeOf(err) == "" {
			err = models.WrapCoded(models.CodeToolExecFailed, fmt.Sprintf("tool %s failed", inv.Tool), err)
		}
		b.record(inv, start, err)
		return nil, err
	}
	b.record(inv, start, nil)
	return data, nil
}

// runTool isolates tool panics into errors so one misbehaving tool
// cannot take the daemon down.
func runTool(ctx context.Context, t Tool, args json.RawMessage) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.NewCodedError(models.CodeToolExecFailed, "tool panicked: %v", r)
		}
	}()
	return t.Execute(ctx, args)
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return models.WrapCoded(models.CodeToolInvalidArgs, "arguments are not valid JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return models.WrapCoded(models.CodeToolInvalidArgs, "arguments do not match schema", err)
	}
	return nil
}

func (b *Bus) record(inv Invocation, start time.Time, err error) {
	event := models.ToolEvent{
		RequestID:     inv.RequestID,
		WorkspacePath: inv.WorkspacePath,
		Tool:          inv.Tool,
		Source:        inv.Source,
		DurationMs:    time.Since(start).Milliseconds(),
		OK:            err == nil,
		Timestamp:     time.Now(),
	}
	status := "ok"
	if err != nil {
		event.ErrorCode = string(models.CodeOf(err))
		status = "error"
		if models.CodeOf(err) == models.CodeToolNotAllowed {
			status = "denied"
		}
	}

	b.mu.Lock()
	if len(b.events) < eventRingSize {
		b.events = append(b.events, event)
	} else {
		b.events[b.next] = event
		b.next = (b.next + 1) % eventRingSize
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ToolExecutionCounter.WithLabelValues(inv.Tool, status).Inc()
		b.metrics.ToolExecutionDuration.WithLabelValues(inv.Tool).Observe(time.Since(start).Seconds())
	}
	if b.logger != nil {
		if err != nil {
			b.logger.Warn(context.Background(), "tool execution failed",
				"tool", inv.Tool, "source", inv.Source, "code", event.ErrorCode, "duration_ms", event.DurationMs)
		} else {
			b.logger.Debug(context.Background(), "tool executed",
				"tool", inv.Tool, "source", inv.Source, "duration_ms", event.DurationMs)
		}
	}
}

// Events returns a copy of the telemetry ring, oldest first.
func (b *Bus) Events() []models.ToolEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.ToolEvent, 0, len(b.events))
	if len(b.events) == eventRingSize {
		out = append(out, b.events[b.next:]...)
		out = append(out, b.events[:b.next]...)
	} else {
		out = append(out, b.events...)
	}
	return out
}

// ErrorCodeCount pairs a coded error with how often it occurred.
type ErrorCodeCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// StatsReport aggregates the event ring over a window.
type StatsReport struct {
	TotalCalls    int              `json:"totalCalls"`
	SuccessCount  int              `json:"successCount"`
	FailureCount  int              `json:"failureCount"`
	SuccessRate   float64          `json:"successRate"`
	AvgDurationMs int64            `json:"avgDurationMs"`
	ByTool        map[string]int   `json:"byTool"`
	BySource      map[string]int   `json:"bySource"`
	TopErrorCodes []ErrorCodeCount `json:"topErrorCodes"`
}

// Stats aggregates events whose timestamp falls within the window.
// A zero window covers every retained event.
func (b *Bus) Stats(window time.Duration) StatsReport {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}
	report := StatsReport{
		ByTool:   make(map[string]int),
		BySource: make(map[string]int),
	}
	codes := make(map[string]int)
	var totalMs int64
	for _, ev := range b.Events() {
		if !cutoff.IsZero() && ev.Timestamp.Before(cutoff) {
			continue
		}
		report.TotalCalls++
		report.ByTool[ev.Tool]++
		report.BySource[string(ev.Source)]++
		totalMs += ev.DurationMs
		if ev.OK {
			report.SuccessCount++
		} else {
			report.FailureCount++
			if ev.ErrorCode != "" {
				codes[ev.ErrorCode]++
			}
		}
	}
	if report.TotalCalls > 0 {
		report.SuccessRate = float64(report.SuccessCount) / float64(report.TotalCalls)
		report.AvgDurationMs = totalMs / int64(report.TotalCalls)
	}
	for code, count := range codes {
		report.TopErrorCodes = append(report.TopErrorCodes, ErrorCodeCount{Code: code, Count: count})
	}
	sort.Slice(report.TopErrorCodes, func(i, j int) bool {
		if report.TopErrorCodes[i].Count != report.TopErrorCodes[j].Count {
			return report.TopErrorCodes[i].Count > report.TopErrorCodes[j].Count
		}
		return report.TopErrorCodes[i].Code < report.TopErrorCodes[j].Code
	})
	return report
}
