package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/msgcode/msgcode/pkg/models"
)

func TestAcquireLockWritesOwnPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "msgcode.pid")
	lock, err := acquireLockAt(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pidfile holds %q, want own pid %d", data, os.Getpid())
	}
}

func TestAcquireLockUsesRunDirPidfile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MSGCODE_CONFIG_DIR", dir)

	lock, err := AcquireLock("msgcode")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(filepath.Join(dir, "run", "msgcode.pid")); err != nil {
		t.Fatalf("pidfile not at run/msgcode.pid: %v", err)
	}
}

func TestAcquireLockRefusesLiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msgcode.pid")
	// Our own process is alive by definition.
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := acquireLockAt(path)
	if models.CodeOf(err) != models.CodeLockTaken {
		t.Fatalf("code = %v, err = %v", models.CodeOf(err), err)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Fatalf("error should name the live pid: %v", err)
	}
}

func TestAcquireLockHealsStalePidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msgcode.pid")
	// PID beyond the kernel maximum is guaranteed dead.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lock, err := acquireLockAt(path)
	if err != nil {
		t.Fatalf("stale pidfile should self-heal: %v", err)
	}
	defer lock.Release()
}

func TestAcquireLockHealsGarbagePidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msgcode.pid")
	if err := os.WriteFile(path, []byte("not a pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	lock, err := acquireLockAt(path)
	if err != nil {
		t.Fatalf("garbage pidfile should self-heal: %v", err)
	}
	lock.Release()
}

func TestReleaseRemovesPidfileOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msgcode.pid")
	lock, err := acquireLockAt(path)
	if err != nil {
		t.Fatal(err)
	}
	lock.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pidfile should be gone after release")
	}
	// Double release is a no-op.
	lock.Release()
}
