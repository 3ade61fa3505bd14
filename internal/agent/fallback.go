package agent

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// ParsedCall is one tool invocation recovered from free-form model
// text. Arguments is always a JSON object string.
type ParsedCall struct {
	Name      string
	Arguments string
}

var (
	inlineCallRe = regexp.MustCompile(`(?m)^\s*([A-Za-z_][A-Za-z0-9_]*)\s*(\{.*)$`)
	parenCallRe  = regexp.MustCompile(`(?ms)\b([A-Za-z_][A-Za-z0-9_]*)\(([^()]*)\)`)
	xmlBlockRe   = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
	fenceRe      = regexp.MustCompile("(?s)```([a-zA-Z]*)[ \t]*\n(.*?)```")
	outputLineRe = regexp.MustCompile(`(?im)^\s*(output|输出|结果|执行结果|运行结果)[:：]`)
)

// ParseEmbeddedToolCalls recovers tool calls a model wrote as prose
// instead of structured tool_calls. Smaller local models do this a
// lot. Each form is tried in turn and the first one that yields at
// least one allowlisted call wins; names outside the allowlist are
// discarded.
func ParseEmbeddedToolCalls(content string, allowed map[string]bool) []ParsedCall {
	if strings.TrimSpace(content) == "" || len(allowed) == 0 {
		return nil
	}
	parsers := []func(string, map[string]bool) []ParsedCall{
		parseJSONArrayCalls,
		parseInlineJSONCalls,
		parseParenCalls,
		parseXMLCalls,
	}
	for _, parse := range parsers {
		if calls := parse(content, allowed); len(calls) > 0 {
			return calls
		}
	}
	return nil
}

type embeddedCall struct {
	Name      string          `json:"name"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Args      json.RawMessage `json:"args"`
}

func (c embeddedCall) toParsed(allowed map[string]bool) (ParsedCall, bool) {
	name := c.Name
	if name == "" {
		name = c.Tool
	}
	if name == "" || !allowed[name] {
		return ParsedCall{}, false
	}
	raw := c.Arguments
	if len(raw) == 0 {
		raw = c.Args
	}
	return ParsedCall{Name: name, Arguments: normalizeArgs(raw)}, true
}

// normalizeArgs coerces whatever the model put under arguments into a
// JSON object string. Models sometimes double-encode the object.
func normalizeArgs(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "{}"
	}
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed
	}
	var nested string
	if err := json.Unmarshal([]byte(trimmed), &nested); err == nil {
		nested = strings.TrimSpace(nested)
		if strings.HasPrefix(nested, "{") && json.Valid([]byte(nested)) {
			return nested
		}
	}
	return "{}"
}

// parseJSONArrayCalls finds a JSON array of {name, arguments} objects
// anywhere in the text.
func parseJSONArrayCalls(content string, allowed map[string]bool) []ParsedCall {
	for i, tried := 0, 0; i < len(content) && tried < 8; i++ {
		if content[i] != '[' {
			continue
		}
		tried++
		var entries []embeddedCall
		dec := json.NewDecoder(strings.NewReader(content[i:]))
		if err := dec.Decode(&entries); err != nil {
			continue
		}
		var calls []ParsedCall
		for _, e := range entries {
			if call, ok := e.toParsed(allowed); ok {
				calls = append(calls, call)
			}
		}
		if len(calls) > 0 {
			return calls
		}
	}
	return nil
}

// parseInlineJSONCalls handles the `name {json}` form: a known tool
// name at line start followed by its argument object.
func parseInlineJSONCalls(content string, allowed map[string]bool) []ParsedCall {
	var calls []ParsedCall
	for _, m := range inlineCallRe.FindAllStringSubmatchIndex(content, -1) {
		name := content[m[2]:m[3]]
		if !allowed[name] {
			continue
		}
		obj, ok := extractJSONObject(content[m[4]:])
		if !ok {
			continue
		}
		calls = append(calls, ParsedCall{Name: name, Arguments: obj})
	}
	return calls
}

// parseParenCalls handles the `name(key=value, ...)` form.
func parseParenCalls(content string, allowed map[string]bool) []ParsedCall {
	var calls []ParsedCall
	for _, m := range parenCallRe.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if !allowed[name] {
			continue
		}
		args, ok := parseKeyValueArgs(m[2])
		if !ok {
			continue
		}
		calls = append(calls, ParsedCall{Name: name, Arguments: args})
	}
	return calls
}

// parseXMLCalls handles <tool_call>{...}</tool_call> blocks.
func parseXMLCalls(content string, allowed map[string]bool) []ParsedCall {
	var calls []ParsedCall
	for _, m := range xmlBlockRe.FindAllStringSubmatch(content, -1) {
		var entry embeddedCall
		if err := json.Unmarshal([]byte(m[1]), &entry); err != nil {
			continue
		}
		if call, ok := entry.toParsed(allowed); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// extractJSONObject returns the balanced JSON object at the start of
// s, tolerating trailing prose after the closing brace.
func extractJSONObject(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				obj := s[:i+1]
				if json.Valid([]byte(obj)) {
					return obj, true
				}
				return "", false
			}
		}
	}
	return "", false
}

// parseKeyValueArgs turns `path="a.txt", limit=10` into a JSON
// object. Values may be quoted strings, numbers, booleans or bare
// words.
func parseKeyValueArgs(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "{}", true
	}
	args := make(map[string]any)
	for _, part := range splitTopLevel(s) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return "", false
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return "", false
		}
		args[key] = parseArgValue(strings.TrimSpace(value))
	}
	out, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return string(out), true
}

func parseArgValue(v string) any {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			inner := v[1 : len(v)-1]
			if v[0] == '"' {
				var s string
				if err := json.Unmarshal([]byte(v), &s); err == nil {
					return s
				}
			}
			return inner
		}
	}
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return v
}

// splitTopLevel splits on commas that are not inside quotes.
func splitTopLevel(s string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote && (i == 0 || s[i-1] != '\\') {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ',':
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

var shellFenceLangs = map[string]bool{
	"":         true,
	"bash":     true,
	"sh":       true,
	"shell":    true,
	"zsh":      true,
	"console":  true,
	"terminal": true,
}

// LooksLikeFakeShellExecution reports whether the reply pretends a
// command was run: a shell code fence whose prompt line is followed by
// invented output, or a shell fence chased by an "output:" section.
// Such replies must not be surfaced as real execution results.
func LooksLikeFakeShellExecution(content string) bool {
	matches := fenceRe.FindAllStringSubmatchIndex(content, -1)
	for _, m := range matches {
		lang := strings.ToLower(content[m[2]:m[3]])
		if !shellFenceLangs[lang] {
			continue
		}
		body := strings.TrimSpace(content[m[4]:m[5]])
		lines := strings.Split(body, "\n")
		first := strings.TrimSpace(lines[0])
		prompt := strings.HasPrefix(first, "$ ") || strings.HasPrefix(first, "> ") || strings.HasPrefix(first, "# ")
		if prompt && len(lines) > 1 {
			return true
		}
		if lang != "" && outputLineRe.MatchString(content[m[1]:]) {
			return true
		}
	}
	return false
}
