package runner

import (
	"context"
	"fmt"
	"testing"
)

func TestSessionNameFlattensUnsafeRunes(t *testing.T) {
	cases := map[string]string{
		"c1":            "msgcode-c1",
		"any;+;abc":     "msgcode-any---abc",
		"chat.with:dot": "msgcode-chat-with-dot",
		";;;":           "msgcode-chat",
	}
	for in, want := range cases {
		if got := SessionName(in); got != want {
			t.Errorf("SessionName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientCommand(t *testing.T) {
	if cmd, err := clientCommand("codex"); err != nil || cmd != "codex" {
		t.Fatalf("codex → %q, %v", cmd, err)
	}
	if cmd, err := clientCommand("claude-code"); err != nil || cmd != "claude" {
		t.Fatalf("claude-code → %q, %v", cmd, err)
	}
	if _, err := clientCommand("none"); err == nil {
		t.Fatal("none is not launchable")
	}
}

func TestPaneTailCutsAtAnchor(t *testing.T) {
	before := "prompt>\nuser typed question\n"
	after := "prompt>\nuser typed question\nthe answer line one\nline two"
	got := paneTail(before, after)
	if got != "the answer line one\nline two" {
		t.Fatalf("paneTail = %q", got)
	}
}

func TestPaneTailBoundsLines(t *testing.T) {
	after := ""
	for i := 0; i < captureTailLines+20; i++ {
		after += fmt.Sprintf("line %d\n", i)
	}
	got := paneTail("", after)
	lines := 1
	for _, r := range got {
		if r == '\n' {
			lines++
		}
	}
	if lines != captureTailLines {
		t.Fatalf("tail has %d lines, want %d", lines, captureTailLines)
	}
}

func TestSendTextUsesLiteralFlag(t *testing.T) {
	var calls [][]string
	tm := &Tmux{Exec: func(_ context.Context, name string, args ...string) (string, error) {
		calls = append(calls, append([]string{name}, args...))
		return "", nil
	}}
	if err := tm.SendText(context.Background(), "msgcode-c1", "-literal text"); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Fatalf("want send-keys twice, got %v", calls)
	}
	first := calls[0]
	if first[3] != "msgcode-c1" || first[4] != "-l" || first[5] != "-literal text" {
		t.Fatalf("literal send = %v", first)
	}
	if calls[1][len(calls[1])-1] != "Enter" {
		t.Fatalf("missing Enter keypress: %v", calls[1])
	}
}
