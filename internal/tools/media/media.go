// Package media provides the tts, asr, and vision tools. They talk to
// the local OpenAI-compatible model service; only the request contract
// is assumed, the backend is whatever serves the configured base URL.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/msgcode/msgcode/internal/tools/files"
	"github.com/msgcode/msgcode/pkg/models"
)

const artifactsDirName = "artifacts"

// maxMediaBytes bounds audio and image payloads sent to the service.
const maxMediaBytes = 25 << 20

// Client wraps the media endpoints of the local model service.
type Client struct {
	BaseURL       string
	Model         string
	WorkspacePath string
	HTTPClient    *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 120 * time.Second}
}

func (c *Client) artifactsDir() (string, error) {
	dir := filepath.Join(c.WorkspacePath, ".msgcode", artifactsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", models.WrapCoded(models.CodeToolExecFailed, "create artifacts dir", err)
	}
	return dir, nil
}

// TTSTool synthesizes speech from text and stores the audio as a
// workspace artifact.
type TTSTool struct {
	Client *Client
}

func (t *TTSTool) Name() string        { return "tts" }
func (t *TTSTool) Description() string { return "Synthesize speech from text" }

func (t *TTSTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"voice": {"type": "string"}
		},
		"required": ["text"]
	}`)
}

func (t *TTSTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode tts args", err)
	}
	if a.Voice == "" {
		a.Voice = "default"
	}

	body, err := json.Marshal(map[string]any{
		"model": t.Client.Model,
		"input": a.Text,
		"voice": a.Voice,
	})
	if err != nil {
		return nil, err
	}
	audio, err := t.Client.post(ctx, "/v1/audio/speech", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	dir, err := t.Client.artifactsDir()
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("tts-%d.wav", time.Now().UnixMilli())
	if err := os.WriteFile(filepath.Join(dir, name), audio, 0o644); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "save audio artifact", err)
	}
	return map[string]any{
		"audioPath": filepath.Join(".msgcode", artifactsDirName, name),
		"bytes":     len(audio),
	}, nil
}

// ASRTool transcribes a workspace audio file.
type ASRTool struct {
	Client *Client
}

func (t *ASRTool) Name() string        { return "asr" }
func (t *ASRTool) Description() string { return "Transcribe an audio file to text" }

func (t *ASRTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"audioPath": {"type": "string", "description": "Workspace-relative audio file"}
		},
		"required": ["audioPath"]
	}`)
}

func (t *ASRTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		AudioPath string `json:"audioPath"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode asr args", err)
	}
	abs, err := files.ResolvePath(t.Client.WorkspacePath, a.AudioPath)
	if err != nil {
		return nil, err
	}
	audio, err := readMediaFile(abs)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(abs))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, err
	}
	if err := mw.WriteField("model", t.Client.Model); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := t.Client.post(ctx, "/v1/audio/transcriptions", mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "decode transcription", err)
	}
	return map[string]any{"text": out.Text}, nil
}

// VisionTool describes a workspace image via the chat completions
// endpoint with an inline data URL.
type VisionTool struct {
	Client *Client
}

func (t *VisionTool) Name() string        { return "vision" }
func (t *VisionTool) Description() string { return "Describe an image file" }

func (t *VisionTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"imagePath": {"type": "string", "description": "Workspace-relative image file"},
			"prompt": {"type": "string"}
		},
		"required": ["imagePath"]
	}`)
}

func (t *VisionTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		ImagePath string `json:"imagePath"`
		Prompt    string `json:"prompt"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode vision args", err)
	}
	if a.Prompt == "" {
		a.Prompt = "描述这张图片的内容"
	}
	abs, err := files.ResolvePath(t.Client.WorkspacePath, a.ImagePath)
	if err != nil {
		return nil, err
	}
	image, err := readMediaFile(abs)
	if err != nil {
		return nil, err
	}

	mime := mimeForExt(filepath.Ext(abs))
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
	body, err := json.Marshal(map[string]any{
		"model": t.Client.Model,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": a.Prompt},
				{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
			},
		}},
	})
	if err != nil {
		return nil, err
	}
	resp, err := t.Client.post(ctx, "/v1/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(resp, &out); err != nil || len(out.Choices) == 0 {
		return nil, models.NewCodedError(models.CodeToolExecFailed, "vision response missing choices")
	}
	return map[string]any{"description": out.Choices[0].Message.Content}, nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "media service request failed", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "read media service response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, models.NewCodedError(models.CodeToolExecFailed, "media service returned %d: %s", resp.StatusCode, truncateForError(data))
	}
	return data, nil
}

func readMediaFile(abs string) ([]byte, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "stat media file", err)
	}
	if info.Size() > maxMediaBytes {
		return nil, models.NewCodedError(models.CodeToolExecFailed, "media file too large: %d bytes", info.Size())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "read media file", err)
	}
	return data, nil
}

func mimeForExt(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func truncateForError(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "…"
	}
	return string(data)
}
