package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/msgcode/msgcode/pkg/models"
)

// OpenAI is the hosted lane, driven through the official-compatible
// SDK client.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds the hosted provider. baseURL may point at any
// OpenAI-compatible gateway; empty keeps the SDK default.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	oreq := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		oreq.Temperature = float32(*req.Temperature)
	}
	for _, msg := range req.Messages {
		om := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		oreq.Messages = append(oreq.Messages, om)
	}
	if len(req.Tools) > 0 {
		for _, decl := range req.Tools {
			var params any
			if len(decl.Parameters) > 0 {
				if err := json.Unmarshal(decl.Parameters, &params); err != nil {
					params = map[string]any{"type": "object"}
				}
			}
			oreq.Tools = append(oreq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        decl.Name,
					Description: decl.Description,
					Parameters:  params,
				},
			})
		}
		if req.ToolChoice != "" {
			oreq.ToolChoice = req.ToolChoice
		} else {
			oreq.ToolChoice = "auto"
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return ChatResponse{}, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, models.NewCodedError(models.CodeModelError, "Invalid response format")
	}
	choice := resp.Choices[0]
	out := ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.ID == "" || tc.Function.Name == "" {
			continue
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, NormalizedToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusNotFound {
			return models.WrapCoded(models.CodeModelError, "completion request failed", &HTTPError{
				StatusCode: http.StatusNotFound,
				Endpoint:   CompletionsPath,
				Body:       apiErr.Message,
			})
		}
		return models.NewCodedError(models.CodeModelError, "%s", apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return models.WrapCoded(models.CodeModelError, "completion request failed", &HTTPError{
			StatusCode: reqErr.HTTPStatusCode,
			Endpoint:   CompletionsPath,
			Body:       reqErr.Error(),
		})
	}
	return models.WrapCoded(models.CodeModelError, "model service unreachable", err)
}
