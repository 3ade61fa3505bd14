package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/msgcode/msgcode/pkg/models"
)

// DefaultSearchURL is a local SearXNG-compatible endpoint, in keeping
// with the local-only default policy.
const DefaultSearchURL = "http://127.0.0.1:8888/search"

// maxFetchBytes caps fetched documents.
const maxFetchBytes = 2 << 20

const defaultMaxResults = 5

// SearchTool implements web_search against a SearXNG-style JSON API.
type SearchTool struct {
	SearchURL  string
	PolicyMode string
	HTTPClient *http.Client
}

func (t *SearchTool) Name() string        { return "web_search" }
func (t *SearchTool) Description() string { return "Search the web via the configured search service" }

func (t *SearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"maxResults": {"type": "integer", "minimum": 1, "maximum": 20}
		},
		"required": ["query"]
	}`)
}

func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Query      string `json:"query"`
		MaxResults int    `json:"maxResults"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode web_search args", err)
	}
	if a.MaxResults <= 0 {
		a.MaxResults = defaultMaxResults
	}

	searchURL := t.SearchURL
	if searchURL == "" {
		searchURL = DefaultSearchURL
	}
	if err := CheckEgress(t.PolicyMode, searchURL); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", a.Query)
	q.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient(t.HTTPClient).Do(req)
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "search request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, models.NewCodedError(models.CodeToolExecFailed, "search service returned %d", resp.StatusCode)
	}

	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFetchBytes)).Decode(&body); err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "decode search response", err)
	}

	type result struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	}
	results := make([]result, 0, a.MaxResults)
	for _, r := range body.Results {
		if len(results) >= a.MaxResults {
			break
		}
		results = append(results, result{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return map[string]any{"query": a.Query, "results": results}, nil
}

// FetchTool implements web_fetch: GET a URL and return its text.
type FetchTool struct {
	PolicyMode string
	HTTPClient *http.Client
}

func (t *FetchTool) Name() string        { return "web_fetch" }
func (t *FetchTool) Description() string { return "Fetch a URL and return its text content" }

func (t *FetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "minLength": 1}
		},
		"required": ["url"]
	}`)
}

func (t *FetchTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "decode web_fetch args", err)
	}
	if err := CheckEgress(t.PolicyMode, a.URL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolInvalidArgs, "invalid url", err)
	}
	resp, err := httpClient(t.HTTPClient).Do(req)
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "fetch failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, models.WrapCoded(models.CodeToolExecFailed, "read response", err)
	}
	truncated := len(data) == maxFetchBytes

	contentType := resp.Header.Get("Content-Type")
	text := string(data)
	if strings.Contains(contentType, "text/html") {
		text = htmlToText(text)
	}

	return map[string]any{
		"url":         a.URL,
		"status":      resp.StatusCode,
		"contentType": contentType,
		"text":        text,
		"truncated":   truncated,
	}, nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// htmlToText is a rough reduction for model consumption, not a
// faithful renderer.
func htmlToText(html string) string {
	text := scriptRe.ReplaceAllString(html, "")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", `"`)
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return blankRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 30 * time.Second}
}
