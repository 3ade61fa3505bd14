package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/msgcode/msgcode/internal/observability"
	"github.com/msgcode/msgcode/pkg/models"
)

// DefaultBaseURL is the transport RPC server on the local host.
const DefaultBaseURL = "http://127.0.0.1:3010"

// MaxFileSendBytes is the transport's hard cap on file transfers.
const MaxFileSendBytes = 1 << 30

// sendPath and fileSendPath are the two RPC endpoints the daemon uses.
const (
	sendPath     = "/rpc/send"
	fileSendPath = "/rpc/file_send"
)

const defaultSendTimeout = 30 * time.Second

// BaseURL resolves the transport server address, honoring the
// MSGCODE_TRANSPORT_URL override.
func BaseURL() string {
	if u := os.Getenv("MSGCODE_TRANSPORT_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return DefaultBaseURL
}

// Client talks to the transport's RPC surface. Long texts are chunked
// at the transport limit before sending.
type Client struct {
	baseURL string
	http    *http.Client
	chunker *Chunker
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewClient builds a client against baseURL. Logger and metrics may be
// nil.
func NewClient(baseURL string, logger *observability.Logger, metrics *observability.Metrics) *Client {
	if baseURL == "" {
		baseURL = BaseURL()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultSendTimeout},
		chunker: NewChunker(DefaultChunkLimit),
		logger:  logger,
		metrics: metrics,
	}
}

// rpcResult is the fixed response shape of both RPC endpoints.
type rpcResult struct {
	OK           bool   `json:"ok"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type sendPayload struct {
	ChatGUID string `json:"chat_guid"`
	Text     string `json:"text"`
}

type fileSendPayload struct {
	ChatGUID string `json:"chat_guid"`
	Path     string `json:"path"`
	Caption  string `json:"caption,omitempty"`
	Mime     string `json:"mime,omitempty"`
}

// Send delivers text to a chat, splitting it into transport-sized
// chunks. Delivery stops at the first failed chunk.
func (c *Client) Send(ctx context.Context, chatGUID, text string) error {
	start := time.Now()
	for _, chunk := range c.chunker.Chunk(text) {
		if err := c.call(ctx, sendPath, sendPayload{ChatGUID: chatGUID, Text: chunk}); err != nil {
			c.observe("text", start, err)
			return err
		}
	}
	c.observe("text", start, nil)
	return nil
}

// SendFile delivers a file. Files beyond the transport cap are refused
// locally with SIZE_EXCEEDED before any bytes move.
func (c *Client) SendFile(ctx context.Context, chatGUID, path, caption, mime string) error {
	info, err := os.Stat(path)
	if err != nil {
		return models.WrapCoded(models.CodeSendFailed, fmt.Sprintf("stat file %s", path), err)
	}
	if info.Size() > MaxFileSendBytes {
		return models.NewCodedError(models.CodeSizeExceeded,
			"file %s is %d bytes, transport limit is %d", path, info.Size(), int64(MaxFileSendBytes))
	}

	start := time.Now()
	err = c.call(ctx, fileSendPath, fileSendPayload{ChatGUID: chatGUID, Path: path, Caption: caption, Mime: mime})
	c.observe("file", start, err)
	return err
}

// call posts one RPC payload and maps transport-level failures to
// SEND_FAILED. A reported errorCode passes through when it is one of
// our own kinds.
func (c *Client) call(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.WrapCoded(models.CodeSendFailed, "encode rpc payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return models.WrapCoded(models.CodeSendFailed, "build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.WrapCoded(models.CodeSendFailed, fmt.Sprintf("transport rpc %s", path), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.WrapCoded(models.CodeSendFailed, "read rpc response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.NewCodedError(models.CodeSendFailed,
			"transport rpc %s returned HTTP %d", path, resp.StatusCode)
	}

	var result rpcResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return models.WrapCoded(models.CodeSendFailed, "parse rpc response", err)
	}
	if !result.OK {
		code := models.Code(result.ErrorCode)
		if code != models.CodeSizeExceeded {
			code = models.CodeSendFailed
		}
		msg := result.ErrorMessage
		if msg == "" {
			msg = "transport rejected the message"
		}
		return models.NewCodedError(code, "%s", msg)
	}
	return nil
}

func (c *Client) observe(kind string, start time.Time, err error) {
	if c.metrics != nil {
		c.metrics.SendDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	if err != nil && c.logger != nil {
		c.logger.Warn(context.Background(), "transport delivery failed",
			"kind", kind, "code", string(models.CodeOf(err)))
	}
}
