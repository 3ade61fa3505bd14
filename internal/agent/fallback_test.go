package agent

import (
	"encoding/json"
	"testing"
)

var testAllowlist = map[string]bool{
	"read_file":  true,
	"write_file": true,
	"bash":       true,
}

func TestParseEmbeddedJSONArray(t *testing.T) {
	content := "我将执行以下操作：\n[{\"name\":\"read_file\",\"arguments\":{\"path\":\"src/index.ts\"}},{\"name\":\"bash\",\"arguments\":{\"command\":\"ls\"}}]"
	calls := ParseEmbeddedToolCalls(content, testAllowlist)
	if len(calls) != 2 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Name != "read_file" || calls[1].Name != "bash" {
		t.Errorf("names = %q, %q", calls[0].Name, calls[1].Name)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(calls[0].Arguments), &args); err != nil || args["path"] != "src/index.ts" {
		t.Errorf("arguments = %q (%v)", calls[0].Arguments, err)
	}
}

func TestParseEmbeddedFiltersAllowlist(t *testing.T) {
	content := `[{"name":"rm_everything","arguments":{}},{"name":"bash","arguments":{"command":"ls"}}]`
	calls := ParseEmbeddedToolCalls(content, testAllowlist)
	if len(calls) != 1 || calls[0].Name != "bash" {
		t.Fatalf("calls = %+v, unknown names must be dropped", calls)
	}
}

func TestParseEmbeddedDoubleEncodedArguments(t *testing.T) {
	content := `[{"name":"bash","arguments":"{\"command\":\"pwd\"}"}]`
	calls := ParseEmbeddedToolCalls(content, testAllowlist)
	if len(calls) != 1 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Arguments != `{"command":"pwd"}` {
		t.Errorf("arguments = %q", calls[0].Arguments)
	}
}

func TestParseEmbeddedInlineJSON(t *testing.T) {
	content := "好的，现在读取文件。\nread_file {\"path\": \"main.go\", \"limit\": 10} 然后继续分析"
	calls := ParseEmbeddedToolCalls(content, testAllowlist)
	if len(calls) != 1 || calls[0].Name != "read_file" {
		t.Fatalf("calls = %+v", calls)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(calls[0].Arguments), &args); err != nil {
		t.Fatalf("arguments not JSON: %q", calls[0].Arguments)
	}
	if args["path"] != "main.go" || args["limit"] != float64(10) {
		t.Errorf("args = %v", args)
	}
}

func TestParseEmbeddedInlineRejectsBrokenJSON(t *testing.T) {
	if calls := ParseEmbeddedToolCalls("bash {not json at all", testAllowlist); calls != nil {
		t.Errorf("calls = %+v, want nil", calls)
	}
}

func TestParseEmbeddedParenForm(t *testing.T) {
	content := `我来执行：bash(command="echo hi", timeoutMs=500, verbose=true)`
	calls := ParseEmbeddedToolCalls(content, testAllowlist)
	if len(calls) != 1 || calls[0].Name != "bash" {
		t.Fatalf("calls = %+v", calls)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(calls[0].Arguments), &args); err != nil {
		t.Fatalf("arguments not JSON: %q", calls[0].Arguments)
	}
	if args["command"] != "echo hi" || args["timeoutMs"] != float64(500) || args["verbose"] != true {
		t.Errorf("args = %v", args)
	}
}

func TestParseEmbeddedXMLForm(t *testing.T) {
	content := "<tool_call>{\"name\":\"write_file\",\"arguments\":{\"path\":\"a.txt\",\"content\":\"x\"}}</tool_call>"
	calls := ParseEmbeddedToolCalls(content, testAllowlist)
	if len(calls) != 1 || calls[0].Name != "write_file" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestParseEmbeddedOrderPrefersJSONArray(t *testing.T) {
	content := `[{"name":"bash","arguments":{"command":"ls"}}]
<tool_call>{"name":"write_file","arguments":{}}</tool_call>`
	calls := ParseEmbeddedToolCalls(content, testAllowlist)
	if len(calls) != 1 || calls[0].Name != "bash" {
		t.Fatalf("calls = %+v, array form should win", calls)
	}
}

func TestParseEmbeddedNothingToFind(t *testing.T) {
	if calls := ParseEmbeddedToolCalls("今天天气不错，适合散步。", testAllowlist); calls != nil {
		t.Errorf("calls = %+v", calls)
	}
	if calls := ParseEmbeddedToolCalls("", testAllowlist); calls != nil {
		t.Errorf("empty content: calls = %+v", calls)
	}
	if calls := ParseEmbeddedToolCalls("bash {\"command\":\"ls\"}", nil); calls != nil {
		t.Errorf("empty allowlist: calls = %+v", calls)
	}
}

func TestLooksLikeFakeShellExecution(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    bool
	}{
		{
			name:    "prompt with invented output",
			content: "我已经运行了命令：\n```bash\n$ ls -la\ntotal 8\ndrwxr-xr-x 2 user user\n```",
			want:    true,
		},
		{
			name:    "fence followed by output section",
			content: "```sh\ngrep -r foo .\n```\n输出:\nfoo found in main.go",
			want:    true,
		},
		{
			name:    "code sample without output",
			content: "你可以这样运行：\n```bash\nls -la\n```",
			want:    false,
		},
		{
			name:    "go source fence",
			content: "```go\nfunc main() {}\n```\n输出: 编译通过",
			want:    false,
		},
		{
			name:    "plain text",
			content: "请先运行 ls 看看目录内容。",
			want:    false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := LooksLikeFakeShellExecution(tc.content); got != tc.want {
				t.Errorf("LooksLikeFakeShellExecution(%q) = %v, want %v", tc.content, got, tc.want)
			}
		})
	}
}
