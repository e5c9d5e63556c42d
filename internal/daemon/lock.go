package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/skeinhq/skein/internal/errs"
)

// LockFile is the single-instance lock, relative to the state dir.
const LockFile = "daemon.lock"

// Lock is a pid-stamped lock file guaranteeing one daemon per
// repository. A lock whose owner no longer exists is stale and is
// broken automatically.
type Lock struct {
	path string
}

// AcquireLock takes the daemon lock for the calling process. Returns
// errs.ErrDaemonRunning when a live daemon already holds it.
func AcquireLock(stateDir string) (*Lock, error) {
	path := filepath.Join(stateDir, LockFile)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			if _, werr := fmt.Fprintf(f, "%d\n", os.Getpid()); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", werr)
			}
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return nil, cerr
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		pid, perr := readLockPID(path)
		if perr == nil && processAlive(pid) {
			return nil, fmt.Errorf("%w: pid %d", errs.ErrDaemonRunning, pid)
		}
		// Stale or unreadable lock: break it and retry once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", rmErr)
		}
	}
	return nil, fmt.Errorf("failed to acquire daemon lock at %s", path)
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// LockedPID returns the pid of the live daemon holding the lock, or 0
// when no daemon is running.
func LockedPID(stateDir string) int {
	pid, err := readLockPID(filepath.Join(stateDir, LockFile))
	if err != nil || !processAlive(pid) {
		return 0
	}
	return pid
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed lock file %s", path)
	}
	return pid, nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
