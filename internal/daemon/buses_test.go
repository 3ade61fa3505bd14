package daemon

import (
	"testing"
	"time"

	"github.com/msgcode/msgcode/internal/config"
)

func TestBusSetCachesPerWorkspace(t *testing.T) {
	ws := t.TempDir()
	w, err := config.LoadWorkspace(ws)
	if err != nil {
		t.Fatal(err)
	}
	set := NewBusSet(nil, nil, time.Now())

	first := set.For(ws, w)
	if got := len(first.List()); got != 13 {
		t.Fatalf("registered tools = %d", got)
	}
	if set.For(ws, w) != first {
		t.Fatal("same workspace and policy should reuse the bus")
	}

	other := t.TempDir()
	ow, err := config.LoadWorkspace(other)
	if err != nil {
		t.Fatal(err)
	}
	if set.For(other, ow) == first {
		t.Fatal("workspaces must not share a bus")
	}
}

func TestBusSetRebuildsOnPolicyFlip(t *testing.T) {
	ws := t.TempDir()
	w, err := config.LoadWorkspace(ws)
	if err != nil {
		t.Fatal(err)
	}
	set := NewBusSet(nil, nil, time.Now())
	first := set.For(ws, w)

	if err := w.Set(config.KeyPolicyMode, "egress-allowed"); err != nil {
		t.Fatal(err)
	}
	second := set.For(ws, w)
	if second == first {
		t.Fatal("policy flip should rebuild the bus")
	}
	if set.For(ws, w) != second {
		t.Fatal("rebuilt bus should be cached")
	}
}
