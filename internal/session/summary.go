package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/pkg/models"
)

// SummaryTriggerThreshold is the minimum original window length before
// a trim produces a summary.
const SummaryTriggerThreshold = 20

// maxSectionItems caps each summary section so the rolling merge does
// not grow without bound.
const maxSectionItems = 10

// maxToolFactLeaves bounds how many data leaves one tool result may
// contribute.
const maxToolFactLeaves = 5

const summaryHeader = "# Chat Summary"

var summarySections = []string{"Goal", "Constraints", "Decisions", "Open Items", "Tool Facts"}

var (
	constraintMarkers = []string{"必须", "不要", "不能", "只能", "must ", "must,", "do not", "don't", "only "}
	decisionMarkers   = []string{"决定", "改为", "选择", "i decide", "i'll go with", "i chose", "change to", "switching to"}
	questionMarkers   = []string{"吗", "怎么", "如何", "为什么", "what ", "how ", "why ", "when ", "where "}
)

const summariesDirName = "summaries"

func summariesDir(workspacePath string) string {
	return filepath.Join(config.WorkspaceDotDir(workspacePath), summariesDirName)
}

// SummaryPath returns the Markdown file holding the chat's rolling
// summary.
func SummaryPath(workspacePath, chatID string) string {
	return filepath.Join(summariesDir(workspacePath), sanitizeChatID(chatID)+".md")
}

// SummaryOptions tunes summary generation.
type SummaryOptions struct {
	TriggerThreshold int
	ForceRegenerate  bool
}

// ShouldGenerateSummary reports whether a trim warrants regenerating
// the summary: a trim must actually have happened and the original
// window must have reached the trigger threshold. ForceRegenerate
// bypasses both checks.
func ShouldGenerateSummary(originalCount, keptCount int, opts SummaryOptions) bool {
	if opts.ForceRegenerate {
		return true
	}
	threshold := opts.TriggerThreshold
	if threshold <= 0 {
		threshold = SummaryTriggerThreshold
	}
	return originalCount > keptCount && originalCount >= threshold
}

// ExtractSummary derives a summary from the messages a trim dropped.
// The full history supplies the goal line, which should reflect the
// conversation's opening request even when that turn was dropped long
// ago.
func ExtractSummary(dropped, full []models.WindowMessage) models.Summary {
	var s models.Summary
	for _, msg := range full {
		if msg.Role == models.RoleUser && strings.TrimSpace(msg.Content) != "" {
			s.Goal = appendCapped(s.Goal, firstLine(msg.Content, 120))
			break
		}
	}
	for _, msg := range dropped {
		text := strings.TrimSpace(msg.Content)
		if text == "" && len(msg.ToolCalls) == 0 {
			continue
		}
		switch msg.Role {
		case models.RoleUser:
			lower := strings.ToLower(text)
			if containsAny(lower, constraintMarkers) {
				s.Constraints = appendCapped(s.Constraints, firstLine(text, 120))
			}
			if isQuestion(text) {
				s.OpenItems = appendCapped(s.OpenItems, firstLine(text, 120))
			}
		case models.RoleAssistant:
			if containsAny(strings.ToLower(text), decisionMarkers) {
				s.Decisions = appendCapped(s.Decisions, firstLine(text, 120))
			}
		case models.RoleTool:
			s.ToolFacts = appendCapped(s.ToolFacts, toolFacts(msg)...)
		}
	}
	return s
}

func isQuestion(text string) bool {
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "？") {
		return true
	}
	return containsAny(strings.ToLower(trimmed), questionMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func firstLine(text string, max int) string {
	line := text
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		line = text[:i]
	}
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return line
}

// toolFacts extracts key=value leaves from a successful tool result.
// Only JSON payloads reporting success contribute facts.
func toolFacts(msg models.WindowMessage) []string {
	var payload struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil || !payload.Success {
		return nil
	}
	var data any
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		return nil
	}
	name := msg.Name
	if name == "" {
		name = "tool"
	}
	var facts []string
	flattenLeaves(name, data, &facts)
	if len(facts) > maxToolFactLeaves {
		facts = facts[:maxToolFactLeaves]
	}
	return facts
}

func flattenLeaves(prefix string, v any, out *[]string) {
	if len(*out) >= maxToolFactLeaves {
		return
	}
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenLeaves(prefix+"."+k, val[k], out)
		}
	case []any:
		for i, item := range val {
			flattenLeaves(fmt.Sprintf("%s[%d]", prefix, i), item, out)
		}
	case nil:
	default:
		*out = append(*out, fmt.Sprintf("%s=%v", prefix, val))
	}
}

// MergeSummaries folds a fresh extraction into the existing rolling
// summary. The established goal wins; every other section appends with
// de-duplication and the per-section cap.
func MergeSummaries(old, fresh models.Summary) models.Summary {
	merged := models.Summary{
		Goal:        old.Goal,
		Constraints: mergeSection(old.Constraints, fresh.Constraints),
		Decisions:   mergeSection(old.Decisions, fresh.Decisions),
		OpenItems:   mergeSection(old.OpenItems, fresh.OpenItems),
		ToolFacts:   mergeSection(old.ToolFacts, fresh.ToolFacts),
	}
	if len(merged.Goal) == 0 {
		merged.Goal = fresh.Goal
	}
	return merged
}

func mergeSection(old, fresh []string) []string {
	seen := make(map[string]bool, len(old)+len(fresh))
	var out []string
	for _, item := range append(append([]string{}, old...), fresh...) {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	if len(out) > maxSectionItems {
		out = out[len(out)-maxSectionItems:]
	}
	return out
}

func appendCapped(list []string, items ...string) []string {
	for _, item := range items {
		if item == "" {
			continue
		}
		dup := false
		for _, have := range list {
			if have == item {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		if len(list) >= maxSectionItems {
			break
		}
		list = append(list, item)
	}
	return list
}

// FormatSummaryMarkdown renders the summary in its on-disk shape.
// Empty sections are still written so the file is self-describing.
func FormatSummaryMarkdown(s models.Summary) string {
	var b strings.Builder
	b.WriteString(summaryHeader + "\n")
	writeSection(&b, "Goal", s.Goal)
	writeSection(&b, "Constraints", s.Constraints)
	writeSection(&b, "Decisions", s.Decisions)
	writeSection(&b, "Open Items", s.OpenItems)
	writeSection(&b, "Tool Facts", s.ToolFacts)
	return b.String()
}

func writeSection(b *strings.Builder, name string, items []string) {
	b.WriteString("\n## " + name + "\n")
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
}

// ParseSummaryMarkdown is the lenient inverse of FormatSummaryMarkdown:
// unknown lines are ignored, missing sections come back empty, and a
// file without the header parses as an empty summary.
func ParseSummaryMarkdown(md string) models.Summary {
	var s models.Summary
	section := ""
	for _, raw := range strings.Split(md, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "## "):
			section = strings.TrimSpace(strings.TrimPrefix(line, "## "))
		case strings.HasPrefix(line, "- "):
			item := strings.TrimSpace(strings.TrimPrefix(line, "- "))
			if item == "" {
				continue
			}
			switch section {
			case "Goal":
				s.Goal = append(s.Goal, item)
			case "Constraints":
				s.Constraints = append(s.Constraints, item)
			case "Decisions":
				s.Decisions = append(s.Decisions, item)
			case "Open Items":
				s.OpenItems = append(s.OpenItems, item)
			case "Tool Facts":
				s.ToolFacts = append(s.ToolFacts, item)
			}
		}
	}
	return s
}

// SaveSummary persists the summary Markdown atomically.
func SaveSummary(workspacePath, chatID string, s models.Summary) error {
	if err := os.MkdirAll(summariesDir(workspacePath), 0o755); err != nil {
		return fmt.Errorf("create summaries dir: %w", err)
	}
	return writeFileAtomic(SummaryPath(workspacePath, chatID), []byte(FormatSummaryMarkdown(s)))
}

// LoadSummary reads the persisted summary. Missing files yield an
// empty summary, not an error.
func LoadSummary(workspacePath, chatID string) (models.Summary, error) {
	data, err := os.ReadFile(SummaryPath(workspacePath, chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return models.Summary{}, nil
		}
		return models.Summary{}, fmt.Errorf("read summary: %w", err)
	}
	return ParseSummaryMarkdown(string(data)), nil
}

// ClearSummary removes the persisted summary. Missing files are a
// no-op.
func ClearSummary(workspacePath, chatID string) error {
	err := os.Remove(SummaryPath(workspacePath, chatID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove summary: %w", err)
	}
	return nil
}

// RollSummary runs the full trim-and-summarize step: trims history to
// max, and when the trim crosses the trigger threshold extracts from
// the dropped prefix, merges into the persisted summary, and saves.
// Returns the kept history and the current summary text for context
// injection (empty when no summary exists yet).
func RollSummary(workspacePath, chatID string, history []models.WindowMessage, max int, opts SummaryOptions) ([]models.WindowMessage, string, error) {
	result := TrimWindowWithResult(history, max)
	existing, err := LoadSummary(workspacePath, chatID)
	if err != nil {
		return result.Kept, "", err
	}
	if ShouldGenerateSummary(len(history), len(result.Kept), opts) && result.WasTrimmed {
		fresh := ExtractSummary(result.Dropped, history)
		merged := MergeSummaries(existing, fresh)
		if !merged.IsEmpty() {
			if err := SaveSummary(workspacePath, chatID, merged); err != nil {
				return result.Kept, "", err
			}
			existing = merged
		}
	}
	if existing.IsEmpty() {
		return result.Kept, "", nil
	}
	return result.Kept, FormatSummaryMarkdown(existing), nil
}
