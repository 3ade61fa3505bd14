package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/msgcode/msgcode/pkg/models"
)

// CompletionsPath is the primary chat endpoint.
const CompletionsPath = "/v1/chat/completions"

// DefaultFallbackPath is tried once when the primary endpoint 404s;
// some local servers expose only the alternate route.
const DefaultFallbackPath = "/api/v1/chat"

// ModelsPath lists loaded models.
const ModelsPath = "/v1/models"

// defaultTimeout bounds one completion call on the agent lane.
const defaultTimeout = 300 * time.Second

// maxResponseBytes caps provider response bodies.
const maxResponseBytes = 8 << 20

// Provider is one chat-completion backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// LMStudio talks to a local OpenAI-compatible server (LM Studio, MLX,
// llama.cpp and friends).
type LMStudio struct {
	BaseURL      string
	FallbackPath string
	HTTPClient   *http.Client
}

// NewLMStudio returns the local provider with the standard fallback
// route enabled.
func NewLMStudio(baseURL string) *LMStudio {
	return &LMStudio{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		FallbackPath: DefaultFallbackPath,
		HTTPClient:   &http.Client{Timeout: defaultTimeout},
	}
}

func (p *LMStudio) Name() string { return "lmstudio" }

// Chat posts the request to the completions endpoint, falling back to
// the alternate path once when the primary is missing.
func (p *LMStudio) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	body, err := BuildChatCompletionRequest(req)
	if err != nil {
		return ChatResponse{}, models.WrapCoded(models.CodeModelError, "encode completion request", err)
	}

	raw, err := p.post(ctx, CompletionsPath, body)
	if err != nil && IsNotFound(err) && p.FallbackPath != "" {
		fallbackRaw, fallbackErr := p.post(ctx, p.FallbackPath, body)
		switch {
		case fallbackErr == nil:
			raw, err = fallbackRaw, nil
		case !IsNotFound(fallbackErr):
			err = fallbackErr
		}
		// Both routes 404: keep the primary error so callers see the
		// completions endpoint as the origin.
	}
	if err != nil {
		return ChatResponse{}, err
	}
	return ParseChatCompletionResponse(raw)
}

func (p *LMStudio) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, models.WrapCoded(models.CodeModelError, "build completion request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, models.WrapCoded(models.CodeModelError, "model service unreachable", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, models.WrapCoded(models.CodeModelError, "read completion response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, models.WrapCoded(models.CodeModelError, "completion request failed", &HTTPError{
			StatusCode: resp.StatusCode,
			Endpoint:   path,
			Body:       strings.TrimSpace(string(data)),
		})
	}
	return data, nil
}

// Models lists the ids the server has loaded, for health reporting.
func (p *LMStudio) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+ModelsPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return nil, models.WrapCoded(models.CodeModelError, "model service unreachable", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, models.WrapCoded(models.CodeModelError, "list models failed", &HTTPError{
			StatusCode: resp.StatusCode,
			Endpoint:   ModelsPath,
			Body:       strings.TrimSpace(string(data)),
		})
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, models.NewCodedError(models.CodeModelError, "Invalid JSON response")
	}
	ids := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (p *LMStudio) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// IsNotFound reports whether the error is an HTTP 404 from a provider
// endpoint.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// crashMarkers are the well-known fragments local servers emit when
// the loaded model process dies mid-request.
var crashMarkers = []string{"crash", "exited unexpectedly", "model has stopped"}

// IsCrash reports whether the error looks like a model process crash.
func IsCrash(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range crashMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
