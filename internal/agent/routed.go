package agent

import (
	"context"

	"github.com/msgcode/msgcode/internal/agent/budget"
	"github.com/msgcode/msgcode/internal/agent/providers"
	"github.com/msgcode/msgcode/internal/agent/routing"
	"github.com/msgcode/msgcode/internal/session"
	"github.com/msgcode/msgcode/pkg/models"
)

// PlanPrompt opens the complex route: the model analyses the task
// before touching any tool.
const PlanPrompt = "请先分析这个任务并制定执行计划"

// SummarizePrompt closes the complex route.
const SummarizePrompt = "总结执行结果"

// complexExecutePrompt kicks off the execute phase once a plan exists.
const complexExecutePrompt = "请按照以上计划执行任务。"

// Router classifies a user message and runs it on the right lane:
// small talk goes to the responder model, tool work to the executor.
type Router struct {
	Engine         *Engine
	ResponderModel string
	ExecutorModel  string
}

// RoutedRequest is one user turn entering the dual-model pipeline.
type RoutedRequest struct {
	ChatID        string
	WorkspacePath string
	System        string
	Soul          string
	Summary       string
	History       []models.WindowMessage
	UserText      string
	Tools         []providers.ToolDecl
	Policy        models.ToolPolicy
	MaxTokens     int
	MaxWindow     int
}

// RoutedResult reports the chosen route alongside the loop outcome.
type RoutedResult struct {
	Route      routing.RouteKind
	Confidence routing.Confidence
	Text       string
	Rounds     int
	ToolCalls  int
	Transcript []models.WindowMessage
}

// RoutedChat classifies the message and drives the matching lane.
func (r *Router) RoutedChat(ctx context.Context, req RoutedRequest) (RoutedResult, error) {
	cls := routing.Classify(req.UserText, len(req.Tools) > 0)
	if r.Engine.Logger != nil {
		r.Engine.Logger.Info(ctx, "message routed",
			"chat_id", req.ChatID, "route", string(cls.Route), "confidence", string(cls.Confidence))
	}

	out := RoutedResult{Route: cls.Route, Confidence: cls.Confidence}
	switch cls.Route {
	case routing.RouteComplexTool:
		res, err := r.runComplex(ctx, req)
		if err != nil {
			return out, err
		}
		out.Text, out.Rounds, out.ToolCalls, out.Transcript = res.Text, res.Rounds, res.ToolCalls, res.Transcript
		return out, nil

	case routing.RouteTool:
		res, err := r.Engine.Run(ctx, r.loopRequest(req, r.ExecutorModel, req.Tools, routing.TemperatureFor(cls.Route)))
		if err != nil {
			return out, err
		}
		out.Text, out.Rounds, out.ToolCalls, out.Transcript = res.Text, res.Rounds, res.ToolCalls, res.Transcript
		return out, nil

	default: // no-tool
		res, err := r.Engine.Run(ctx, r.loopRequest(req, r.ResponderModel, nil, routing.TemperatureFor(cls.Route)))
		if err != nil {
			return out, err
		}
		out.Text, out.Rounds, out.ToolCalls, out.Transcript = res.Text, res.Rounds, res.ToolCalls, res.Transcript
		return out, nil
	}
}

func (r *Router) loopRequest(req RoutedRequest, model string, tools []providers.ToolDecl, temperature float64) LoopRequest {
	return LoopRequest{
		Model:         model,
		ChatID:        req.ChatID,
		WorkspacePath: req.WorkspacePath,
		System:        req.System,
		Soul:          req.Soul,
		Summary:       req.Summary,
		History:       req.History,
		UserText:      req.UserText,
		Tools:         tools,
		Policy:        req.Policy,
		Temperature:   providers.Float64(temperature),
		MaxTokens:     req.MaxTokens,
		MaxWindow:     req.MaxWindow,
	}
}

// runComplex drives the three-phase lane: plan without tools, execute
// with the tool loop seeded by the plan, then summarize. Everything
// runs on the executor model at temperature 0.
func (r *Router) runComplex(ctx context.Context, req RoutedRequest) (LoopResult, error) {
	eng := r.Engine
	caps := budget.CapabilitiesFor(eng.Provider.Name())
	inputBudget := budget.ComputeInputBudget(caps)
	phase := r.loopRequest(req, r.ExecutorModel, nil, 0)
	if phase.MaxTokens <= 0 {
		phase.MaxTokens = caps.ReservedOutputTokens
	}

	system := buildSystemPrompt(req.System, req.Soul)
	base := session.BuildWindowContextWithSummary(session.ContextOptions{
		System:      system,
		History:     req.History,
		CurrentUser: req.UserText,
		MaxMessages: req.MaxWindow,
	}, req.Summary)
	planMsgs := append(base, models.WindowMessage{Role: models.RoleUser, Content: PlanPrompt})
	planMsgs = budget.TrimMessagesByBudget(planMsgs, inputBudget, eng.maxWindow(phase), caps)

	planResp, err := eng.callModel(ctx, phase, planMsgs)
	if err != nil {
		return LoopResult{}, err
	}
	plan := planResp.Content

	execReq := r.loopRequest(req, r.ExecutorModel, req.Tools, 0)
	execReq.History = append(append([]models.WindowMessage{}, req.History...),
		models.WindowMessage{Role: models.RoleUser, Content: req.UserText},
		models.WindowMessage{Role: models.RoleAssistant, Content: plan},
	)
	execReq.UserText = complexExecutePrompt
	execRes, err := eng.Run(ctx, execReq)
	if err != nil {
		return execRes, err
	}

	sumMsgs := []models.WindowMessage{}
	if system != "" {
		sumMsgs = append(sumMsgs, models.WindowMessage{Role: models.RoleSystem, Content: system})
	}
	sumMsgs = append(sumMsgs,
		models.WindowMessage{Role: models.RoleUser, Content: req.UserText},
		models.WindowMessage{Role: models.RoleAssistant, Content: plan},
		models.WindowMessage{Role: models.RoleAssistant, Content: execRes.Text},
		models.WindowMessage{Role: models.RoleUser, Content: SummarizePrompt},
	)
	sumResp, err := eng.callModel(ctx, phase, sumMsgs)
	if err != nil {
		return execRes, err
	}
	final := sumResp.Content
	if final == "" {
		final = execRes.Text
	}

	res := LoopResult{
		Text:      final,
		Rounds:    execRes.Rounds + 2,
		ToolCalls: execRes.ToolCalls,
	}
	// Window transcript: the user's task, the plan, the execute-phase
	// traffic minus its scaffold prompt, then the summarized answer.
	res.Transcript = append(res.Transcript,
		models.WindowMessage{Role: models.RoleUser, Content: req.UserText},
		models.WindowMessage{Role: models.RoleAssistant, Content: plan},
	)
	if len(execRes.Transcript) > 1 {
		res.Transcript = append(res.Transcript, execRes.Transcript[1:]...)
	}
	res.Transcript = append(res.Transcript, models.WindowMessage{Role: models.RoleAssistant, Content: final})
	return res, nil
}
