package skills

import (
	"testing"

	"github.com/msgcode/msgcode/pkg/models"
)

func TestListEmptyWorkspace(t *testing.T) {
	names, err := List(t.TempDir())
	if err != nil || len(names) != 0 {
		t.Fatalf("List = %v, %v", names, err)
	}
}

func TestInstallListLoad(t *testing.T) {
	dir := t.TempDir()
	if err := Install(dir, "review", "你是代码审查助手。"); err != nil {
		t.Fatal(err)
	}
	if err := Install(dir, "digest", "总结最近改动。"); err != nil {
		t.Fatal(err)
	}

	names, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "digest" || names[1] != "review" {
		t.Fatalf("List = %v", names)
	}

	sk, err := Load(dir, "review")
	if err != nil {
		t.Fatal(err)
	}
	if sk.Prompt != "你是代码审查助手。" {
		t.Fatalf("Prompt = %q", sk.Prompt)
	}
}

func TestLoadRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"", "../escape", "a/b", `a\b`} {
		if _, err := Load(dir, name); models.CodeOf(err) != models.CodeInvalidArgs {
			t.Errorf("Load(%q) err = %v, want INVALID_ARGS", name, err)
		}
	}
}

func TestLoadMissingSkill(t *testing.T) {
	if _, err := Load(t.TempDir(), "nope"); models.CodeOf(err) != models.CodeInvalidArgs {
		t.Fatalf("err = %v", err)
	}
}
