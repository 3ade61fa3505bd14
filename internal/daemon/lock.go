// Package daemon wires the runtime kernel together: the singleton
// lock, the ingestion dispatcher with its per-chat workers, and the
// process lifecycle.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/pkg/models"
)

// Lock is an acquired singleton pidfile.
type Lock struct {
	Path     string
	released bool
}

// AcquireLock takes the named pidfile under <configDir>/run. A live
// holder yields LOCK_TAKEN carrying its PID; a stale file from a dead
// process is removed and acquisition retried once.
func AcquireLock(name string) (*Lock, error) {
	return acquireLockAt(filepath.Join(config.RunDir(), name+".pid"))
}

func acquireLockAt(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, werr := fmt.Fprintf(f, "%d\n", os.Getpid()); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write pidfile: %w", werr)
			}
			f.Close()
			return &Lock{Path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create pidfile %s: %w", path, err)
		}

		pid, ok := readPidfile(path)
		if ok && processAlive(pid) {
			return nil, models.NewCodedError(models.CodeLockTaken,
				"another instance is running (pid %d, pidfile %s)", pid, path)
		}
		// Dead or unreadable holder: heal the stale file and retry.
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("remove stale pidfile %s: %w", path, rerr)
		}
	}
	return nil, models.NewCodedError(models.CodeLockTaken, "pidfile %s keeps reappearing", path)
}

// Release unlinks the pidfile, best-effort. Safe to call more than
// once.
func (l *Lock) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	_ = os.Remove(l.Path)
}

func readPidfile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
