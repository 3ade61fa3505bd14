package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/msgcode/msgcode/pkg/models"
)

func TestCheckEgress(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		url     string
		blocked bool
	}{
		{"local-only loopback", PolicyModeLocalOnly, "http://127.0.0.1:8888/search", false},
		{"local-only localhost", PolicyModeLocalOnly, "http://localhost:3000", false},
		{"local-only private", PolicyModeLocalOnly, "http://192.168.1.10/api", false},
		{"local-only public", PolicyModeLocalOnly, "https://example.com", true},
		{"local-only public ip", PolicyModeLocalOnly, "http://8.8.8.8", true},
		{"egress-allowed public", PolicyModeEgressAllowed, "https://example.com", false},
		{"default mode is restrictive", "", "https://example.com", true},
		{"garbage url", PolicyModeLocalOnly, "::::", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckEgress(tt.mode, tt.url)
			if tt.blocked {
				if models.CodeOf(err) != models.CodePolicyEgressBlocked {
					t.Errorf("CheckEgress(%q, %q) = %v, want POLICY_EGRESS_BLOCKED", tt.mode, tt.url, err)
				}
			} else if err != nil {
				t.Errorf("CheckEgress(%q, %q) = %v, want nil", tt.mode, tt.url, err)
			}
		})
	}
}

func TestSearchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "golang fsnotify" {
			t.Errorf("query = %q", got)
		}
		if got := r.URL.Query().Get("format"); got != "json" {
			t.Errorf("format = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"title": "fsnotify", "url": "https://github.com/fsnotify/fsnotify", "content": "file watching"},
				{"title": "docs", "url": "https://pkg.go.dev/github.com/fsnotify/fsnotify", "content": "api docs"},
				{"title": "extra", "url": "https://example.com", "content": "x"},
			},
		})
	}))
	defer srv.Close()

	tool := &SearchTool{SearchURL: srv.URL, PolicyMode: PolicyModeLocalOnly, HTTPClient: srv.Client()}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"golang fsnotify","maxResults":2}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, _ := json.Marshal(out)
	var got struct {
		Results []struct {
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
		} `json:"results"`
	}
	json.Unmarshal(data, &got)
	if len(got.Results) != 2 {
		t.Fatalf("results = %d, want maxResults cap", len(got.Results))
	}
	if got.Results[0].Title != "fsnotify" || got.Results[0].Snippet != "file watching" {
		t.Errorf("first result = %+v", got.Results[0])
	}
}

func TestSearchBlockedByPolicy(t *testing.T) {
	tool := &SearchTool{SearchURL: "https://search.example.com", PolicyMode: PolicyModeLocalOnly}
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"x"}`))
	if models.CodeOf(err) != models.CodePolicyEgressBlocked {
		t.Fatalf("code = %v", models.CodeOf(err))
	}
}

func TestFetchToolHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><script>var x=1;</script><style>p{}</style></head>` +
			`<body><h1>Title</h1><p>Hello &amp; welcome</p></body></html>`))
	}))
	defer srv.Close()

	tool := &FetchTool{PolicyMode: PolicyModeLocalOnly, HTTPClient: srv.Client()}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	m := out.(map[string]any)
	text := m["text"].(string)
	if strings.Contains(text, "<h1>") || strings.Contains(text, "var x=1") {
		t.Errorf("html not stripped: %q", text)
	}
	if !strings.Contains(text, "Title") || !strings.Contains(text, "Hello & welcome") {
		t.Errorf("text content lost: %q", text)
	}
	if m["status"] != 200 {
		t.Errorf("status = %v", m["status"])
	}
}

func TestFetchBlockedByPolicy(t *testing.T) {
	tool := &FetchTool{PolicyMode: PolicyModeLocalOnly}
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"https://example.com"}`))
	if models.CodeOf(err) != models.CodePolicyEgressBlocked {
		t.Fatalf("code = %v", models.CodeOf(err))
	}
}
