// Package browser provides the browser tool. It attaches to an
// already-running Chrome over the DevTools protocol rather than
// spawning one, so the daemon never owns a browser process.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/msgcode/msgcode/internal/tools/web"
	"github.com/msgcode/msgcode/pkg/models"
)

// DefaultDevToolsURL is the standard local DevTools endpoint.
const DefaultDevToolsURL = "ws://127.0.0.1:9222"

const defaultActionTimeout = 45 * time.Second

// BrowserTool drives the attached browser: navigation, text
// extraction, and screenshots saved as workspace artifacts.
type BrowserTool struct {
	DevToolsURL   string
	WorkspacePath string
	PolicyMode    string
	Timeout       time.Duration
}

func (t *BrowserTool) Name() string { return "browser" }
func (t *BrowserTool) Description() string {
	return "Control the attached browser: navigate, extract text, screenshot"
}

func (t *BrowserTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["navigate", "text", "screenshot"]},
			"url": {"type": "string"},
			"selector": {"type": "string"}
		},
		"required": ["action"]
	}`)
}

func (t *BrowserTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Action   string `json:"action"`
		URL      string `json:"url"`
		Selector string `json:"selector"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode browser args", err)
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devtools := t.DevToolsURL
	if devtools == "" {
		devtools = DefaultDevToolsURL
	}
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(runCtx, devtools)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	switch a.Action {
	case "navigate":
		return t.navigate(browserCtx, a.URL)
	case "text":
		return t.text(browserCtx, a.Selector)
	case "screenshot":
		return t.screenshot(browserCtx)
	default:
		return nil, models.NewCodedError(models.CodeToolInvalidArgs, "unknown action: %s", a.Action)
	}
}

func (t *BrowserTool) navigate(ctx context.Context, rawURL string) (any, error) {
	if rawURL == "" {
		return nil, models.NewCodedError(models.CodeToolInvalidArgs, "url is required for navigate")
	}
	if err := web.CheckEgress(t.PolicyMode, rawURL); err != nil {
		return nil, err
	}
	var title string
	if err := chromedp.Run(ctx,
		chromedp.Navigate(rawURL),
		chromedp.Title(&title),
	); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "navigate failed", err)
	}
	return map[string]any{"url": rawURL, "title": title}, nil
}

func (t *BrowserTool) text(ctx context.Context, selector string) (any, error) {
	if selector == "" {
		selector = "body"
	}
	var text string
	if err := chromedp.Run(ctx,
		chromedp.Text(selector, &text, chromedp.ByQuery),
	); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "text extraction failed", err)
	}
	return map[string]any{"selector": selector, "text": text}, nil
}

func (t *BrowserTool) screenshot(ctx context.Context) (any, error) {
	var buf []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "screenshot failed", err)
	}

	dir := filepath.Join(t.WorkspacePath, ".msgcode", "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "create artifacts dir", err)
	}
	name := fmt.Sprintf("browser-%d.png", time.Now().UnixMilli())
	if err := os.WriteFile(filepath.Join(dir, name), buf, 0o644); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "save screenshot", err)
	}
	return map[string]any{
		"imagePath": filepath.Join(".msgcode", "artifacts", name),
		"bytes":     len(buf),
	}, nil
}
