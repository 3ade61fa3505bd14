package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/msgcode/msgcode/internal/agent/providers"
	"github.com/msgcode/msgcode/internal/agent/routing"
	"github.com/msgcode/msgcode/internal/toolbus"
	"github.com/msgcode/msgcode/pkg/models"
)

func newRouter(p providers.Provider, tools ...toolbus.Tool) *Router {
	return &Router{
		Engine:         newLoopEngine(p, tools...),
		ResponderModel: "responder-m",
		ExecutorModel:  "executor-m",
	}
}

func TestRoutedChatNoToolLane(t *testing.T) {
	p := &scriptedProvider{script: []func(providers.ChatRequest) (providers.ChatResponse, error){
		func(req providers.ChatRequest) (providers.ChatResponse, error) {
			if req.Model != "responder-m" {
				t.Errorf("model = %q", req.Model)
			}
			if len(req.Tools) != 0 {
				t.Errorf("tools = %+v, chit-chat lane carries none", req.Tools)
			}
			if req.Temperature == nil || *req.Temperature != 0.2 {
				t.Errorf("temperature = %v, want 0.2", req.Temperature)
			}
			return providers.ChatResponse{Content: "你好！有什么可以帮你？"}, nil
		},
	}}
	echo := recordTool{name: "echo", fn: func(json.RawMessage) (any, error) { return "ok", nil }}
	r := newRouter(p, echo)

	policy := allowPolicy("echo")
	res, err := r.RoutedChat(context.Background(), RoutedRequest{
		ChatID:   "c",
		UserText: "你好，今天天气怎么样？",
		Tools:    ToolDecls(r.Engine.Bus, policy),
		Policy:   policy,
	})
	if err != nil {
		t.Fatalf("routed chat: %v", err)
	}
	if res.Route != routing.RouteNoTool {
		t.Errorf("route = %v", res.Route)
	}
	if res.Text != "你好！有什么可以帮你？" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestRoutedChatToolLane(t *testing.T) {
	read := recordTool{name: "read_file", fn: func(json.RawMessage) (any, error) {
		return map[string]any{"content": "export {}"}, nil
	}}
	p := &scriptedProvider{script: []func(providers.ChatRequest) (providers.ChatResponse, error){
		func(req providers.ChatRequest) (providers.ChatResponse, error) {
			if req.Model != "executor-m" {
				t.Errorf("model = %q", req.Model)
			}
			if req.Temperature == nil || *req.Temperature != 0 {
				t.Errorf("temperature = %v, want explicit 0", req.Temperature)
			}
			if len(req.Tools) != 1 || req.Tools[0].Name != "read_file" {
				t.Errorf("tools = %+v", req.Tools)
			}
			return providers.ChatResponse{ToolCalls: []providers.NormalizedToolCall{
				toolCall("t1", "read_file", `{"path":"src/index.ts"}`),
			}}, nil
		},
		reply("文件内容已读取。"),
	}}
	r := newRouter(p, read)

	policy := allowPolicy("read_file")
	res, err := r.RoutedChat(context.Background(), RoutedRequest{
		ChatID:   "c",
		UserText: "请帮我读取 src/index.ts 文件",
		Tools:    ToolDecls(r.Engine.Bus, policy),
		Policy:   policy,
	})
	if err != nil {
		t.Fatalf("routed chat: %v", err)
	}
	if res.Route != routing.RouteTool {
		t.Errorf("route = %v", res.Route)
	}
	if res.Text != "文件内容已读取。" || res.ToolCalls != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestRoutedChatComplexLane(t *testing.T) {
	echo := recordTool{name: "echo", fn: func(json.RawMessage) (any, error) { return "ok", nil }}
	userText := "先读取文件，然后分析代码结构，最后生成报告"

	p := &scriptedProvider{script: []func(providers.ChatRequest) (providers.ChatResponse, error){
		// plan
		func(req providers.ChatRequest) (providers.ChatResponse, error) {
			if len(req.Tools) != 0 {
				t.Errorf("plan phase carries tools: %+v", req.Tools)
			}
			last := req.Messages[len(req.Messages)-1]
			if last.Content != PlanPrompt {
				t.Errorf("plan prompt = %q", last.Content)
			}
			if req.Temperature == nil || *req.Temperature != 0 {
				t.Errorf("plan temperature = %v", req.Temperature)
			}
			return providers.ChatResponse{Content: "计划：1)读取 2)分析 3)报告"}, nil
		},
		// execute round 1
		func(req providers.ChatRequest) (providers.ChatResponse, error) {
			if len(req.Tools) != 1 {
				t.Errorf("execute phase tools = %+v", req.Tools)
			}
			var sawPlan bool
			for _, m := range req.Messages {
				if m.Role == models.RoleAssistant && m.Content == "计划：1)读取 2)分析 3)报告" {
					sawPlan = true
				}
			}
			if !sawPlan {
				t.Error("execute phase not seeded with the plan")
			}
			return providers.ChatResponse{ToolCalls: []providers.NormalizedToolCall{
				toolCall("t1", "echo", `{}`),
			}}, nil
		},
		// execute round 2
		reply("执行完成"),
		// summarize
		func(req providers.ChatRequest) (providers.ChatResponse, error) {
			if len(req.Tools) != 0 {
				t.Errorf("summarize phase carries tools: %+v", req.Tools)
			}
			last := req.Messages[len(req.Messages)-1]
			if last.Content != SummarizePrompt {
				t.Errorf("summarize prompt = %q", last.Content)
			}
			return providers.ChatResponse{Content: "最终总结"}, nil
		},
	}}
	r := newRouter(p, echo)

	policy := allowPolicy("echo")
	res, err := r.RoutedChat(context.Background(), RoutedRequest{
		ChatID:   "c",
		UserText: userText,
		Tools:    ToolDecls(r.Engine.Bus, policy),
		Policy:   policy,
	})
	if err != nil {
		t.Fatalf("routed chat: %v", err)
	}
	if res.Route != routing.RouteComplexTool {
		t.Errorf("route = %v", res.Route)
	}
	if res.Text != "最终总结" {
		t.Errorf("text = %q", res.Text)
	}
	if res.ToolCalls != 1 {
		t.Errorf("tool calls = %d", res.ToolCalls)
	}
	if len(p.calls) != 4 {
		t.Fatalf("provider calls = %d, want plan+2 exec rounds+summarize", len(p.calls))
	}
	if res.Transcript[0].Role != models.RoleUser || res.Transcript[0].Content != userText {
		t.Errorf("transcript head = %+v", res.Transcript[0])
	}
	if res.Transcript[1].Role != models.RoleAssistant || res.Transcript[1].Content != "计划：1)读取 2)分析 3)报告" {
		t.Errorf("transcript plan entry = %+v", res.Transcript[1])
	}
	final := res.Transcript[len(res.Transcript)-1]
	if final.Role != models.RoleAssistant || final.Content != "最终总结" {
		t.Errorf("transcript tail = %+v", final)
	}
}
