package budget

import (
	"strings"
	"testing"

	"github.com/msgcode/msgcode/pkg/models"
)

func TestCapabilitiesLookup(t *testing.T) {
	if caps := CapabilitiesFor("lmstudio"); caps != LocalCapabilities {
		t.Errorf("lmstudio caps = %+v", caps)
	}
	if caps := CapabilitiesFor("something-new"); caps != DefaultCapabilities {
		t.Errorf("unknown caps = %+v", caps)
	}
	Register("custom", Capabilities{ContextWindowTokens: 8192, ReservedOutputTokens: 512, CharsPerToken: 3})
	if caps := CapabilitiesFor("custom"); caps.ContextWindowTokens != 8192 {
		t.Errorf("registered caps = %+v", caps)
	}
}

func TestComputeInputBudget(t *testing.T) {
	if got := ComputeInputBudget(LocalCapabilities); got != 14336 {
		t.Errorf("local input budget = %d", got)
	}
	if got := ComputeInputBudget(DefaultCapabilities); got != 3072 {
		t.Errorf("default input budget = %d", got)
	}
}

func TestAllocateSectionsFloorsAndFits(t *testing.T) {
	alloc := AllocateSections(1000, DefaultRatios)
	if alloc.System != 100 || alloc.Summary != 200 || alloc.Recent != 500 || alloc.Current != 200 {
		t.Errorf("allocation = %+v", alloc)
	}
	// A budget that does not divide evenly still never over-allocates.
	alloc = AllocateSections(999, DefaultRatios)
	if alloc.Total() > 999 {
		t.Errorf("allocation %d exceeds budget", alloc.Total())
	}
}

func TestEstimateMessageTokens(t *testing.T) {
	caps := Capabilities{CharsPerToken: 2}
	msg := models.WindowMessage{Role: models.RoleUser, Content: "abcdef"}
	// (4 + 6) / 2 + 4 overhead
	if got := EstimateMessageTokens(msg, caps); got != 9 {
		t.Errorf("tokens = %d", got)
	}

	withCall := models.WindowMessage{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{Name: "bash", Arguments: []byte(`{"command":"ls"}`)},
		},
	}
	// (9 + 16) / 2 rounds up to 13, + 4 overhead
	if got := EstimateMessageTokens(withCall, caps); got != 17 {
		t.Errorf("tool-call tokens = %d", got)
	}
}

func msgOf(role models.Role, content string) models.WindowMessage {
	return models.WindowMessage{Role: role, Content: content}
}

func TestTrimByBudgetPriorities(t *testing.T) {
	caps := Capabilities{CharsPerToken: 2}
	messages := []models.WindowMessage{
		msgOf(models.RoleSystem, "sys"),
		msgOf(models.RoleUser, "old question about the build"),
		msgOf(models.RoleAssistant, "old answer with plenty of words"),
		msgOf(models.RoleTool, `{"success":true}`),
		msgOf(models.RoleAssistant, "latest assistant reply"),
		msgOf(models.RoleUser, "current question"),
	}

	// Large budget: untouched.
	kept := TrimByBudget(messages, 10_000, caps)
	if len(kept) != len(messages) {
		t.Fatalf("large budget trimmed to %d", len(kept))
	}

	// Middling budget: older assistant goes first, then older user.
	budget := EstimateTotalTokens(messages, caps) - 1
	kept = TrimByBudget(messages, budget, caps)
	for _, msg := range kept {
		if msg.Content == "old answer with plenty of words" {
			t.Error("older assistant should be dropped first")
		}
	}

	// Tiny budget: system and the latest user always survive.
	kept = TrimByBudget(messages, 1, caps)
	if len(kept) != 2 {
		t.Fatalf("tiny budget kept %d messages: %+v", len(kept), kept)
	}
	if kept[0].Role != models.RoleSystem || kept[1].Content != "current question" {
		t.Errorf("survivors = %+v", kept)
	}
}

func TestTrimByBudgetPreservesOrder(t *testing.T) {
	caps := Capabilities{CharsPerToken: 2}
	messages := []models.WindowMessage{
		msgOf(models.RoleUser, strings.Repeat("a", 40)),
		msgOf(models.RoleTool, "t1"),
		msgOf(models.RoleAssistant, strings.Repeat("b", 40)),
		msgOf(models.RoleTool, "t2"),
		msgOf(models.RoleUser, "now"),
	}
	budget := EstimateTotalTokens(messages, caps) - 5
	kept := TrimByBudget(messages, budget, caps)
	// Tools are protected over older user/assistant turns and stay in
	// their original relative order.
	t1, t2 := -1, -1
	for i, msg := range kept {
		if msg.Content == "t1" {
			t1 = i
		}
		if msg.Content == "t2" {
			t2 = i
		}
	}
	if t1 < 0 || t2 < 0 || t1 > t2 {
		t.Errorf("tool order lost: %+v", kept)
	}
}

func TestTrimMessagesByBudgetFallback(t *testing.T) {
	messages := make([]models.WindowMessage, 30)
	for i := range messages {
		messages[i] = msgOf(models.RoleUser, "m")
	}
	// Broken caps force the count-based fallback.
	kept := TrimMessagesByBudget(messages, 100, 10, Capabilities{})
	if len(kept) != 10 {
		t.Fatalf("fallback kept %d", len(kept))
	}
}

func TestSummarize(t *testing.T) {
	caps := Capabilities{CharsPerToken: 2}
	messages := []models.WindowMessage{
		msgOf(models.RoleSystem, "persona"),
		msgOf(models.RoleSystem, "[Previous Context Summary]\ngoal\n[End Summary]"),
		msgOf(models.RoleAssistant, "earlier"),
		msgOf(models.RoleUser, "current"),
	}
	alloc := AllocateSections(1000, DefaultRatios)
	summary := Summarize(messages, alloc, caps)

	if summary.Estimated.Total != EstimateTotalTokens(messages, caps) {
		t.Errorf("total = %d", summary.Estimated.Total)
	}
	if summary.Estimated.BySection["summary"] == 0 {
		t.Error("summary section not detected")
	}
	if summary.Estimated.BySection["current"] == 0 {
		t.Error("current section not detected")
	}
	if !summary.WithinBudget {
		t.Error("small conversation should fit a 1000-token allocation")
	}
}
