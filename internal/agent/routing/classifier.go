// Package routing classifies user messages so the dual-model path can
// pick between the responder and the executor with or without tools.
package routing

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// RouteKind is the classified dispatch target.
type RouteKind string

const (
	RouteNoTool      RouteKind = "no-tool"
	RouteTool        RouteKind = "tool"
	RouteComplexTool RouteKind = "complex-tool"
)

// Confidence grades how sure the classifier is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Classification is the classifier verdict.
type Classification struct {
	Route      RouteKind  `json:"route"`
	Confidence Confidence `json:"confidence"`
	Reason     string     `json:"reason"`
}

// longTextThreshold is the rune count above which a message is assumed
// to need tools. Exactly at the threshold does not trigger.
const longTextThreshold = 200

var multiStepMarkers = []string{
	"然后", "接着", "最后", "首先", "再执行", "分步",
	"分析", "设计", "规划", "架构", "方案",
	" and then ", "step by step",
}

var toolMarkers = []string{
	"读取", "写入", "修改", "编辑", "创建", "删除", "运行", "执行", "重构", "修复", "安装",
	"read ", "write ", "edit ", "create ", "delete ", "run ", "execute ", "refactor", "install ", "build ",
	"npm ", "git ", "pwd", "ls ", "mkdir ", "grep ", "cat ",
}

var chatMarkers = []string{
	"你好", "您好", "嗨", "早上好", "晚上好", "谢谢", "感谢", "辛苦了", "是什么", "怎么样",
	"hello", "hi ", "hey ", "thanks", "thank you", "what is", "what's",
}

// filePathRe spots explicit file references like src/index.ts or
// ./main.go.
var filePathRe = regexp.MustCompile(`(^|[\s"'` + "`" + `])\.?/?[\w\-./]+\.[a-zA-Z]{1,8}([\s"'` + "`" + `]|$)`)

// Classify applies the routing rules in order; the first match wins.
func Classify(text string, toolsAvailable bool) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || !toolsAvailable {
		return Classification{Route: RouteNoTool, Confidence: ConfidenceHigh, Reason: "no tools available or empty input"}
	}
	lower := strings.ToLower(trimmed)

	if marker := matchAny(lower, multiStepMarkers); marker != "" || strings.HasPrefix(trimmed, "先") {
		reason := "multi-step marker"
		if marker != "" {
			reason = "multi-step marker: " + marker
		}
		return Classification{Route: RouteComplexTool, Confidence: ConfidenceMedium, Reason: reason}
	}

	if marker := matchAny(lower, toolMarkers); marker != "" {
		return Classification{Route: RouteTool, Confidence: ConfidenceHigh, Reason: "tool marker: " + strings.TrimSpace(marker)}
	}
	if filePathRe.MatchString(trimmed) {
		return Classification{Route: RouteTool, Confidence: ConfidenceHigh, Reason: "file path reference"}
	}
	if utf8.RuneCountInString(trimmed) > longTextThreshold {
		return Classification{Route: RouteTool, Confidence: ConfidenceHigh, Reason: "long request"}
	}

	if marker := matchAny(lower, chatMarkers); marker != "" {
		return Classification{Route: RouteNoTool, Confidence: ConfidenceHigh, Reason: "chat marker: " + strings.TrimSpace(marker)}
	}

	return Classification{Route: RouteNoTool, Confidence: ConfidenceMedium, Reason: "default"}
}

func matchAny(lower string, markers []string) string {
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}

// RequiresTools reports whether the route runs the tool loop.
func RequiresTools(route RouteKind) bool {
	return route != RouteNoTool
}

// TemperatureFor returns the sampling temperature per route:
// deterministic for any tool-capable route, slightly creative for
// plain chat.
func TemperatureFor(route RouteKind) float64 {
	if RequiresTools(route) {
		return 0
	}
	return 0.2
}
