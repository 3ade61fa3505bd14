package session

import (
	"os"
	"strings"
	"testing"

	"github.com/msgcode/msgcode/pkg/models"
)

func TestAppendAndLoadWindow(t *testing.T) {
	ws := t.TempDir()
	chat := "any;+;15551234567"

	msgs := []models.WindowMessage{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi there"},
		{Role: models.RoleTool, Content: `{"success":true}`, Name: "read_file", ToolCallID: "tc-1"},
	}
	for _, m := range msgs {
		if err := AppendWindow(ws, chat, m); err != nil {
			t.Fatalf("AppendWindow: %v", err)
		}
	}

	got, err := LoadWindow(ws, chat)
	if err != nil {
		t.Fatalf("LoadWindow: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Role != models.RoleUser || got[0].Content != "hello" {
		t.Errorf("first message = %+v", got[0])
	}
	if got[2].Name != "read_file" || got[2].ToolCallID != "tc-1" {
		t.Errorf("tool message lost fields: %+v", got[2])
	}
	if got[0].Timestamp.IsZero() {
		t.Error("append should stamp a timestamp")
	}
}

func TestLoadWindowMissingFile(t *testing.T) {
	got, err := LoadWindow(t.TempDir(), "nobody")
	if err != nil {
		t.Fatalf("LoadWindow: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty history, got %d", len(got))
	}
}

func TestLoadWindowSkipsMalformedLines(t *testing.T) {
	ws := t.TempDir()
	chat := "c1"
	if err := AppendWindow(ws, chat, models.WindowMessage{Role: models.RoleUser, Content: "first"}); err != nil {
		t.Fatalf("AppendWindow: %v", err)
	}
	f, err := os.OpenFile(WindowPath(ws, chat), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()
	if err := AppendWindow(ws, chat, models.WindowMessage{Role: models.RoleAssistant, Content: "second"}); err != nil {
		t.Fatalf("AppendWindow: %v", err)
	}

	got, err := LoadWindow(ws, chat)
	if err != nil {
		t.Fatalf("LoadWindow: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 valid messages, got %d", len(got))
	}
	if got[1].Content != "second" {
		t.Errorf("second message = %q", got[1].Content)
	}
}

func TestClearWindow(t *testing.T) {
	ws := t.TempDir()
	chat := "c1"
	if err := ClearWindow(ws, chat); err != nil {
		t.Fatalf("ClearWindow on missing file: %v", err)
	}
	if err := AppendWindow(ws, chat, models.WindowMessage{Role: models.RoleUser, Content: "x"}); err != nil {
		t.Fatalf("AppendWindow: %v", err)
	}
	if err := ClearWindow(ws, chat); err != nil {
		t.Fatalf("ClearWindow: %v", err)
	}
	got, err := LoadWindow(ws, chat)
	if err != nil {
		t.Fatalf("LoadWindow: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty window after clear, got %d", len(got))
	}
}

func TestPruneWindowKeepsTail(t *testing.T) {
	var history []models.WindowMessage
	for i := 0; i < 30; i++ {
		history = append(history, models.WindowMessage{Role: models.RoleUser, Content: string(rune('a' + i%26))})
	}
	kept := PruneWindow(history, 20)
	if len(kept) != 20 {
		t.Fatalf("expected 20 kept, got %d", len(kept))
	}
	if kept[19].Content != history[29].Content {
		t.Error("prune should keep the most recent tail in order")
	}
}

func TestPruneWindowNonPositiveKeepsNothing(t *testing.T) {
	history := []models.WindowMessage{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleAssistant, Content: "b"},
	}
	if kept := PruneWindow(history, 0); len(kept) != 0 {
		t.Fatalf("max 0 should keep nothing, got %d", len(kept))
	}
	if kept := PruneWindow(history, -3); len(kept) != 0 {
		t.Fatalf("negative max should keep nothing, got %d", len(kept))
	}
}

func TestTrimWindowWithResult(t *testing.T) {
	var history []models.WindowMessage
	for i := 0; i < 25; i++ {
		history = append(history, models.WindowMessage{Role: models.RoleUser})
	}
	r := TrimWindowWithResult(history, 20)
	if !r.WasTrimmed {
		t.Fatal("expected trim")
	}
	if len(r.Kept) != 20 || len(r.Dropped) != 5 {
		t.Fatalf("kept=%d dropped=%d", len(r.Kept), len(r.Dropped))
	}

	r = TrimWindowWithResult(history[:10], 20)
	if r.WasTrimmed || len(r.Kept) != 10 {
		t.Fatalf("short history should be untouched: %+v", r)
	}
}

func TestBuildWindowContextOrderingAndSlot(t *testing.T) {
	var history []models.WindowMessage
	for i := 0; i < 30; i++ {
		history = append(history, models.WindowMessage{Role: models.RoleAssistant, Content: "h"})
	}
	out := BuildWindowContext(ContextOptions{
		System:      "you are concise",
		History:     history,
		CurrentUser: "do the thing",
		MaxMessages: 20,
	})
	// system rides outside the cap; history fills 19 slots leaving one
	// for the current user turn.
	if len(out) != 21 {
		t.Fatalf("expected 21 messages, got %d", len(out))
	}
	if out[0].Role != models.RoleSystem {
		t.Errorf("first = %s, want system", out[0].Role)
	}
	last := out[len(out)-1]
	if last.Role != models.RoleUser || last.Content != "do the thing" {
		t.Errorf("last = %+v, want current user turn", last)
	}
}

func TestBuildWindowContextWithSummary(t *testing.T) {
	out := BuildWindowContextWithSummary(ContextOptions{
		System:      "sys",
		History:     []models.WindowMessage{{Role: models.RoleUser, Content: "old"}},
		CurrentUser: "new",
	}, "# Chat Summary\n\n## Goal\n- ship it\n")

	if len(out) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(out))
	}
	if out[1].Role != models.RoleSystem {
		t.Fatalf("summary slot role = %s", out[1].Role)
	}
	if !strings.HasPrefix(out[1].Content, "[Previous Context Summary]") ||
		!strings.HasSuffix(out[1].Content, "[End Summary]") {
		t.Errorf("summary not wrapped in markers: %q", out[1].Content)
	}
	if !strings.Contains(out[1].Content, "ship it") {
		t.Errorf("summary content missing: %q", out[1].Content)
	}
}
