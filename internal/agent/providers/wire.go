// Package providers adapts the agent loop to language-model HTTP
// endpoints. The local lane speaks the OpenAI-compatible wire format
// through a hand-built codec: the stock SDK drops temperature 0 on
// serialization (omitempty on a scalar), and deterministic tool runs
// depend on that zero reaching the server.
package providers

import (
	"encoding/json"
	"fmt"

	"github.com/msgcode/msgcode/pkg/models"
)

// ToolDecl declares one callable function to the model.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is the provider-neutral request. Temperature is a
// pointer so an explicit zero survives serialization.
type ChatRequest struct {
	Model       string
	Messages    []models.WindowMessage
	Tools       []ToolDecl
	ToolChoice  string
	Temperature *float64
	MaxTokens   int
}

// NormalizedToolCall is a tool call with its arguments as a JSON
// string, whatever shape the provider produced.
type NormalizedToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatResponse is the parsed provider reply.
type ChatResponse struct {
	Content      string
	ToolCalls    []NormalizedToolCall
	FinishReason string
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// BuildChatCompletionRequest serializes the request. Tools appear only
// when non-empty; a non-empty tool list defaults tool_choice to
// "auto"; temperature is emitted whenever set, zero included.
func BuildChatCompletionRequest(req ChatRequest) ([]byte, error) {
	wire := wireRequest{
		Model:       req.Model,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, msg := range req.Messages {
		wm := wireMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		wire.Messages = append(wire.Messages, wm)
	}
	if len(req.Tools) > 0 {
		for _, decl := range req.Tools {
			var wt wireTool
			wt.Type = "function"
			wt.Function.Name = decl.Name
			wt.Function.Description = decl.Description
			wt.Function.Parameters = decl.Parameters
			wire.Tools = append(wire.Tools, wt)
		}
		wire.ToolChoice = req.ToolChoice
		if wire.ToolChoice == "" {
			wire.ToolChoice = "auto"
		}
	}
	return json.Marshal(wire)
}

// ParseChatCompletionResponse decodes a completions reply. A body that
// is not JSON, or JSON without choices, yields a MODEL_ERROR with the
// fixed message the callers pin.
func ParseChatCompletionResponse(raw []byte) (ChatResponse, error) {
	var body struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Choices []struct {
			Message struct {
				Content   string            `json:"content"`
				ToolCalls []json.RawMessage `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ChatResponse{}, models.NewCodedError(models.CodeModelError, "Invalid JSON response")
	}
	if body.Error != nil && body.Error.Message != "" {
		return ChatResponse{}, models.NewCodedError(models.CodeModelError, "%s", body.Error.Message)
	}
	if len(body.Choices) == 0 {
		return ChatResponse{}, models.NewCodedError(models.CodeModelError, "Invalid response format")
	}
	choice := body.Choices[0]
	return ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    NormalizeToolCalls(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
	}, nil
}

// NormalizeToolCalls converts raw tool_call entries to the canonical
// shape, dropping entries whose id or name is missing or not a string.
// Object-shaped arguments are re-serialized to a JSON string.
func NormalizeToolCalls(raw []json.RawMessage) []NormalizedToolCall {
	var out []NormalizedToolCall
	for _, entry := range raw {
		var tc struct {
			ID       any `json:"id"`
			Function struct {
				Name      any `json:"name"`
				Arguments any `json:"arguments"`
			} `json:"function"`
		}
		if err := json.Unmarshal(entry, &tc); err != nil {
			continue
		}
		id, idOK := tc.ID.(string)
		name, nameOK := tc.Function.Name.(string)
		if !idOK || !nameOK || id == "" || name == "" {
			continue
		}
		args := "{}"
		switch v := tc.Function.Arguments.(type) {
		case string:
			if v != "" {
				args = v
			}
		case nil:
		default:
			if data, err := json.Marshal(v); err == nil {
				args = string(data)
			}
		}
		out = append(out, NormalizedToolCall{ID: id, Name: name, Arguments: args})
	}
	return out
}

// Float64 returns a pointer for request temperatures.
func Float64(v float64) *float64 { return &v }

// HTTPError carries the transport-level detail the retry rules need.
type HTTPError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}
