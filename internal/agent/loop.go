package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/msgcode/msgcode/internal/agent/budget"
	"github.com/msgcode/msgcode/internal/agent/providers"
	"github.com/msgcode/msgcode/internal/observability"
	"github.com/msgcode/msgcode/internal/session"
	"github.com/msgcode/msgcode/internal/soul"
	"github.com/msgcode/msgcode/internal/toolbus"
	"github.com/msgcode/msgcode/pkg/models"
)

// MaxToolRounds bounds model-tool rounds for one user turn.
const MaxToolRounds = 6

// MaxToolsPerRound bounds tool executions inside a single round.
const MaxToolsPerRound = 3

// crashRetryFraction shrinks max_tokens on the crash retry.
const crashRetryFraction = 0.4

// soulGuardLine rides with the system prompt whenever a persona is
// injected, so the model does not go digging for the file itself.
const soulGuardLine = "do not attempt to read the soul file"

// Model404Message is the user-visible reply when the local model
// service keeps returning 404 on its chat endpoint.
const Model404Message = "MLX 服务不可达，请确认本地模型服务已启动"

// modelCrashedMessage is surfaced when the reduced-token retry after a
// crash fails as well.
const modelCrashedMessage = "模型进程崩溃，重试仍失败"

// fakeShellNudge is injected when the model pretends to have run a
// command instead of calling the bash tool.
const fakeShellNudge = "请不要伪造命令输出。如果需要执行命令，请调用 bash 工具。"

// roundLimitMessage is the last-resort reply when the round cap is hit
// with nothing better to show.
const roundLimitMessage = "已达到最大工具调用轮数，任务可能未完成。"

// Engine drives model-tool rounds for one chat turn.
type Engine struct {
	Provider providers.Provider
	Bus      *toolbus.Bus
	Steering *Steering
	Logger   *observability.Logger
}

// LoopRequest carries one user turn into the loop. History is the
// persisted window for the chat; the loop assembles the actual model
// context from it.
type LoopRequest struct {
	Model         string
	ChatID        string
	WorkspacePath string
	System        string
	Soul          string
	Summary       string
	History       []models.WindowMessage
	UserText      string
	Tools         []providers.ToolDecl
	Policy        models.ToolPolicy
	Temperature   *float64
	MaxTokens     int
	MaxWindow     int
}

// LoopResult is the outcome of a full turn, follow-ups included.
// Transcript holds every message the turn produced in window order, so
// the caller can persist it verbatim.
type LoopResult struct {
	Text       string
	Rounds     int
	ToolCalls  int
	Transcript []models.WindowMessage
}

// Run executes the loop until a final answer is produced and the
// follow-up queue is empty.
func (e *Engine) Run(ctx context.Context, req LoopRequest) (LoopResult, error) {
	caps := budget.CapabilitiesFor(e.Provider.Name())
	inputBudget := budget.ComputeInputBudget(caps)
	if req.MaxTokens <= 0 {
		req.MaxTokens = caps.ReservedOutputTokens
	}

	system := buildSystemPrompt(req.System, req.Soul)
	messages := session.BuildWindowContextWithSummary(session.ContextOptions{
		System:      system,
		History:     req.History,
		CurrentUser: req.UserText,
		MaxMessages: req.MaxWindow,
	}, req.Summary)
	messages = budget.TrimMessagesByBudget(messages, inputBudget, e.maxWindow(req), caps)

	res := LoopResult{
		Transcript: []models.WindowMessage{{Role: models.RoleUser, Content: req.UserText}},
	}
	var finals []string
	for {
		text, err := e.turn(ctx, req, &messages, &res)
		if err != nil {
			return res, err
		}
		finals = append(finals, text)
		res.Transcript = append(res.Transcript, models.WindowMessage{Role: models.RoleAssistant, Content: text})

		followUp, ok := e.consumeFollowUp(req.ChatID)
		if !ok {
			break
		}
		if e.Logger != nil {
			e.Logger.Info(ctx, "continuing with queued follow-up", "chat_id", req.ChatID)
		}
		next := models.WindowMessage{Role: models.RoleUser, Content: followUp}
		messages = append(messages, next)
		messages = budget.TrimMessagesByBudget(messages, inputBudget, e.maxWindow(req), caps)
		res.Transcript = append(res.Transcript, next)
	}
	res.Text = strings.Join(finals, "\n\n")
	return res, nil
}

// turn runs rounds until the model answers in plain text or the round
// cap forces termination.
func (e *Engine) turn(ctx context.Context, req LoopRequest, messages *[]models.WindowMessage, res *LoopResult) (string, error) {
	allowed := allowedToolNames(req.Tools)
	var lastText, lastFailure string

	for round := 0; round < MaxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res.Rounds++

		resp, err := e.callModel(ctx, req, *messages)
		if err != nil {
			return "", err
		}

		calls := resp.ToolCalls
		if len(calls) == 0 && resp.Content != "" && len(req.Tools) > 0 {
			if parsed := ParseEmbeddedToolCalls(resp.Content, allowed); len(parsed) > 0 {
				for _, p := range parsed {
					calls = append(calls, providers.NormalizedToolCall{
						ID:        uuid.NewString(),
						Name:      p.Name,
						Arguments: p.Arguments,
					})
				}
				if e.Logger != nil {
					e.Logger.Debug(ctx, "recovered tool calls from text", "count", len(calls))
				}
			} else if LooksLikeFakeShellExecution(resp.Content) && round < MaxToolRounds-1 {
				// Invented command output must not pass as a real
				// result; push back once and go another round.
				if e.Logger != nil {
					e.Logger.Warn(ctx, "fabricated shell output detected", "chat_id", req.ChatID)
				}
				e.appendBoth(messages, res,
					models.WindowMessage{Role: models.RoleAssistant, Content: resp.Content},
					models.WindowMessage{Role: models.RoleUser, Content: fakeShellNudge},
				)
				continue
			}
		}

		if len(calls) == 0 {
			if resp.Content == "" && lastFailure != "" {
				return lastFailure, nil
			}
			return resp.Content, nil
		}
		if resp.Content != "" {
			lastText = resp.Content
		}

		executed := make([]models.ToolCall, 0, len(calls))
		results := make([]models.WindowMessage, 0, len(calls))
		var steers []QueuedMessage
		for i, call := range calls {
			if i >= MaxToolsPerRound {
				break
			}
			if i > 0 && e.Steering != nil {
				if steers = e.Steering.DrainSteer(req.ChatID); len(steers) > 0 {
					break
				}
			}
			if err := ctx.Err(); err != nil {
				return "", err
			}

			res.ToolCalls++
			data, execErr := e.Bus.Execute(ctx, toolbus.Invocation{
				Tool:          call.Name,
				Source:        models.SourceLLMToolCall,
				Policy:        req.Policy,
				Args:          json.RawMessage(call.Arguments),
				WorkspacePath: req.WorkspacePath,
				RequestID:     uuid.NewString(),
			})
			content := toolbus.EncodeResult(data)
			if execErr != nil {
				content = toolbus.FormatToolFailure(call.Name, execErr)
				lastFailure = content
			}
			executed = append(executed, models.ToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: json.RawMessage(call.Arguments),
			})
			results = append(results, models.WindowMessage{
				Role:       models.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}

		// The recorded assistant message carries only the calls that
		// actually ran, keeping call ids and results paired.
		e.appendBoth(messages, res, models.WindowMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: executed,
		})
		e.appendBoth(messages, res, results...)
		for _, s := range steers {
			e.appendBoth(messages, res, models.WindowMessage{Role: models.RoleUser, Content: s.Text})
		}
	}

	if lastText != "" {
		return lastText, nil
	}
	if lastFailure != "" {
		return lastFailure, nil
	}
	return roundLimitMessage, nil
}

// callModel performs one provider call with the loop's two recovery
// paths: a minimal-context retry on 404 and a reduced-token retry on a
// crash. Each fires at most once per call.
func (e *Engine) callModel(ctx context.Context, req LoopRequest, messages []models.WindowMessage) (providers.ChatResponse, error) {
	chatReq := providers.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	resp, err := e.Provider.Chat(ctx, chatReq)
	if err == nil {
		return resp, nil
	}

	if providers.IsNotFound(err) {
		if e.Logger != nil {
			e.Logger.Warn(ctx, "chat endpoint 404, retrying with minimal context", "model", req.Model)
		}
		minimal := chatReq
		minimal.Messages = minimalContext(messages)
		resp, retryErr := e.Provider.Chat(ctx, minimal)
		if retryErr == nil {
			return resp, nil
		}
		if providers.IsNotFound(retryErr) {
			var httpErr *providers.HTTPError
			if errors.As(retryErr, &httpErr) && httpErr.Endpoint == providers.CompletionsPath {
				return providers.ChatResponse{}, models.WrapCoded(models.CodeModel404, Model404Message, retryErr)
			}
		}
		return providers.ChatResponse{}, retryErr
	}

	if providers.IsCrash(err) {
		if e.Logger != nil {
			e.Logger.Warn(ctx, "model crashed, retrying with reduced max_tokens", "model", req.Model)
		}
		reduced := chatReq
		reduced.MaxTokens = int(float64(req.MaxTokens) * crashRetryFraction)
		resp, retryErr := e.Provider.Chat(ctx, reduced)
		if retryErr == nil {
			return resp, nil
		}
		return providers.ChatResponse{}, models.WrapCoded(models.CodeModelCrashed, modelCrashedMessage, retryErr)
	}

	return providers.ChatResponse{}, err
}

func (e *Engine) appendBoth(messages *[]models.WindowMessage, res *LoopResult, msgs ...models.WindowMessage) {
	*messages = append(*messages, msgs...)
	res.Transcript = append(res.Transcript, msgs...)
}

func (e *Engine) consumeFollowUp(chatID string) (string, bool) {
	if e.Steering == nil {
		return "", false
	}
	msg, ok := e.Steering.ConsumeOneFollowUp(chatID)
	if !ok {
		return "", false
	}
	return msg.Text, true
}

func (e *Engine) maxWindow(req LoopRequest) int {
	if req.MaxWindow > 0 {
		return req.MaxWindow
	}
	return session.DefaultMaxWindowMessages
}

// buildSystemPrompt wraps the base system prompt with the persona
// block when one is resolved.
func buildSystemPrompt(system, soulText string) string {
	if soulText == "" {
		return system
	}
	guarded := soulGuardLine
	if system != "" {
		guarded = system + "\n" + soulGuardLine
	}
	return soul.WrapPrompt(soulText, guarded)
}

// minimalContext keeps the leading system prompt and the latest user
// message only. Used for the 404 retry where the full payload may be
// what the endpoint chokes on.
func minimalContext(messages []models.WindowMessage) []models.WindowMessage {
	var out []models.WindowMessage
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		out = append(out, messages[0])
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			out = append(out, messages[i])
			break
		}
	}
	return out
}

func allowedToolNames(tools []providers.ToolDecl) map[string]bool {
	names := make(map[string]bool, len(tools))
	for _, t := range tools {
		names[t.Name] = true
	}
	return names
}

// ToolDecls builds provider tool declarations for every bus tool the
// policy allows.
func ToolDecls(bus *toolbus.Bus, policy models.ToolPolicy) []providers.ToolDecl {
	var decls []providers.ToolDecl
	for _, t := range bus.List() {
		if !policy.Allows(t.Name()) {
			continue
		}
		decls = append(decls, providers.ToolDecl{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return decls
}
