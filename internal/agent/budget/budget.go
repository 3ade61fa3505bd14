// Package budget sizes model context windows: capability lookup, token
// estimation, section allocation, and priority-aware trimming.
package budget

import (
	"strings"
	"sync"

	"github.com/msgcode/msgcode/pkg/models"
)

// Capabilities describes one provider target's context limits.
type Capabilities struct {
	ContextWindowTokens  int `json:"contextWindowTokens"`
	ReservedOutputTokens int `json:"reservedOutputTokens"`
	CharsPerToken        int `json:"charsPerToken"`
}

// tokenOverhead is the fixed per-message cost added on top of the
// character estimate.
const tokenOverhead = 4

var (
	// DefaultCapabilities applies to unknown targets.
	DefaultCapabilities = Capabilities{ContextWindowTokens: 4096, ReservedOutputTokens: 1024, CharsPerToken: 2}
	// LocalCapabilities applies to the known local service targets.
	LocalCapabilities = Capabilities{ContextWindowTokens: 16384, ReservedOutputTokens: 2048, CharsPerToken: 2}
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Capabilities{
		"lmstudio": LocalCapabilities,
		"mlx":      LocalCapabilities,
	}
)

// Register overrides the capabilities for a provider target.
func Register(provider string, caps Capabilities) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[provider] = caps
}

// CapabilitiesFor looks up a provider target, falling back to the
// defaults.
func CapabilitiesFor(provider string) Capabilities {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if caps, ok := registry[provider]; ok {
		return caps
	}
	return DefaultCapabilities
}

// ComputeInputBudget is the token budget left for input after
// reserving output space.
func ComputeInputBudget(caps Capabilities) int {
	return caps.ContextWindowTokens - caps.ReservedOutputTokens
}

// SectionRatios splits the input budget across prompt sections.
type SectionRatios struct {
	System  float64
	Summary float64
	Recent  float64
	Current float64
}

// DefaultRatios is the standard split.
var DefaultRatios = SectionRatios{System: 0.10, Summary: 0.20, Recent: 0.50, Current: 0.20}

// Allocation is the per-section token quota.
type Allocation struct {
	System  int `json:"system"`
	Summary int `json:"summary"`
	Recent  int `json:"recent"`
	Current int `json:"current"`
}

// Total sums the quotas.
func (a Allocation) Total() int {
	return a.System + a.Summary + a.Recent + a.Current
}

// AllocateSections floors each section's share of the input budget,
// so the sum never exceeds it.
func AllocateSections(inputBudget int, ratios SectionRatios) Allocation {
	if inputBudget < 0 {
		inputBudget = 0
	}
	return Allocation{
		System:  int(float64(inputBudget) * ratios.System),
		Summary: int(float64(inputBudget) * ratios.Summary),
		Recent:  int(float64(inputBudget) * ratios.Recent),
		Current: int(float64(inputBudget) * ratios.Current),
	}
}

// EstimateMessageTokens approximates one message's token cost from its
// character length plus a fixed overhead.
func EstimateMessageTokens(msg models.WindowMessage, caps Capabilities) int {
	chars := len(msg.Role) + len(msg.Content)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.Arguments)
	}
	perToken := caps.CharsPerToken
	if perToken <= 0 {
		perToken = DefaultCapabilities.CharsPerToken
	}
	return (chars+perToken-1)/perToken + tokenOverhead
}

// EstimateTotalTokens sums the per-message estimates.
func EstimateTotalTokens(messages []models.WindowMessage, caps Capabilities) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessageTokens(msg, caps)
	}
	return total
}

// Retention priorities, highest retained first. System messages are
// never dropped.
const (
	keepSystem = iota
	keepLatestUser
	keepTool
	keepLatestAssistant
	keepOlderUser
	keepOlderAssistant
)

func priorities(messages []models.WindowMessage) []int {
	latestUser, latestAssistant := -1, -1
	for i := len(messages) - 1; i >= 0; i-- {
		if latestUser < 0 && messages[i].Role == models.RoleUser {
			latestUser = i
		}
		if latestAssistant < 0 && messages[i].Role == models.RoleAssistant {
			latestAssistant = i
		}
		if latestUser >= 0 && latestAssistant >= 0 {
			break
		}
	}
	out := make([]int, len(messages))
	for i, msg := range messages {
		switch {
		case msg.Role == models.RoleSystem:
			out[i] = keepSystem
		case i == latestUser:
			out[i] = keepLatestUser
		case msg.Role == models.RoleTool:
			out[i] = keepTool
		case i == latestAssistant:
			out[i] = keepLatestAssistant
		case msg.Role == models.RoleUser:
			out[i] = keepOlderUser
		default:
			out[i] = keepOlderAssistant
		}
	}
	return out
}

// TrimByBudget drops messages until the estimate fits the budget.
// Lower-value messages go first, oldest first within a class; the
// survivors keep their original order. System messages and the latest
// user turn survive even a budget they alone exceed.
func TrimByBudget(messages []models.WindowMessage, tokenBudget int, caps Capabilities) []models.WindowMessage {
	if EstimateTotalTokens(messages, caps) <= tokenBudget {
		return messages
	}
	prio := priorities(messages)
	dropped := make([]bool, len(messages))

	for class := keepOlderAssistant; class >= keepTool; class-- {
		for i := 0; i < len(messages); i++ {
			if dropped[i] || prio[i] != class {
				continue
			}
			dropped[i] = true
			if estimateKept(messages, dropped, caps) <= tokenBudget {
				return collectKept(messages, dropped)
			}
		}
	}
	return collectKept(messages, dropped)
}

func estimateKept(messages []models.WindowMessage, dropped []bool, caps Capabilities) int {
	total := 0
	for i, msg := range messages {
		if !dropped[i] {
			total += EstimateMessageTokens(msg, caps)
		}
	}
	return total
}

func collectKept(messages []models.WindowMessage, dropped []bool) []models.WindowMessage {
	out := make([]models.WindowMessage, 0, len(messages))
	for i, msg := range messages {
		if !dropped[i] {
			out = append(out, msg)
		}
	}
	return out
}

// TrimMessagesByBudget is the defensive entry point: token-based trim,
// with a plain count-based prune when the estimate cannot be computed.
func TrimMessagesByBudget(messages []models.WindowMessage, tokenBudget, fallbackCount int, caps Capabilities) []models.WindowMessage {
	if tokenBudget <= 0 || caps.CharsPerToken <= 0 {
		return pruneTail(messages, fallbackCount)
	}
	return TrimByBudget(messages, tokenBudget, caps)
}

func pruneTail(messages []models.WindowMessage, max int) []models.WindowMessage {
	if max <= 0 || len(messages) <= max {
		return messages
	}
	return messages[len(messages)-max:]
}

// SectionEstimate breaks the token estimate down by prompt section.
type SectionEstimate struct {
	Total     int            `json:"total"`
	BySection map[string]int `json:"bySection"`
}

// BudgetSummary reports estimates against an allocation.
type BudgetSummary struct {
	Estimated    SectionEstimate `json:"estimated"`
	Allocation   Allocation      `json:"allocation"`
	WithinBudget bool            `json:"withinBudget"`
}

// Summarize classifies messages into sections (system, summary,
// recent, current) and compares the estimate to the allocation.
func Summarize(messages []models.WindowMessage, alloc Allocation, caps Capabilities) BudgetSummary {
	bySection := map[string]int{"system": 0, "summary": 0, "recent": 0, "current": 0}
	currentIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			currentIdx = i
			break
		}
	}
	total := 0
	for i, msg := range messages {
		tokens := EstimateMessageTokens(msg, caps)
		total += tokens
		switch {
		case msg.Role == models.RoleSystem && strings.HasPrefix(msg.Content, "[Previous Context Summary]"):
			bySection["summary"] += tokens
		case msg.Role == models.RoleSystem:
			bySection["system"] += tokens
		case i == currentIdx:
			bySection["current"] += tokens
		default:
			bySection["recent"] += tokens
		}
	}
	return BudgetSummary{
		Estimated:    SectionEstimate{Total: total, BySection: bySection},
		Allocation:   alloc,
		WithinBudget: total <= alloc.Total(),
	}
}
