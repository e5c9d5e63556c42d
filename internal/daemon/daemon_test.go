package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skeinhq/skein/internal/errs"
	"github.com/skeinhq/skein/internal/journal"
	"github.com/skeinhq/skein/internal/syncer"
	"github.com/skeinhq/skein/internal/types"
)

func testStore(t *testing.T) (*syncer.Store, string) {
	t.Helper()
	root := t.TempDir()
	if _, err := journal.Init(root); err != nil {
		t.Fatal(err)
	}
	stateDir := filepath.Join(root, journal.DirName)
	store, err := syncer.Open(stateDir, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("store Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, stateDir
}

// startDaemon runs the daemon in the background and waits for the
// socket to appear.
func startDaemon(t *testing.T, store *syncer.Store, stateDir string) (*Daemon, context.CancelFunc) {
	t.Helper()
	d := New(store, stateDir, Options{
		Debounce: 10 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	sockPath := filepath.Join(stateDir, SocketFile)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			return d, cancel
		}
		select {
		case err := <-done:
			t.Fatalf("daemon exited early: %v", err)
		default:
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon socket never appeared")
	return nil, nil
}

func TestAcquireLock_SecondAcquireFails(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() failed: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireLock(dir); !errors.Is(err, errs.ErrDaemonRunning) {
		t.Errorf("second AcquireLock() error = %v, want ErrDaemonRunning", err)
	}
}

func TestAcquireLock_BreaksStaleLock(t *testing.T) {
	dir := t.TempDir()

	// A pid that cannot exist: beyond the default pid_max.
	if err := os.WriteFile(filepath.Join(dir, LockFile), []byte("99999999\n"), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() over stale lock failed: %v", err)
	}
	defer lock.Release()

	if pid := LockedPID(dir); pid != os.Getpid() {
		t.Errorf("LockedPID() = %d, want our pid %d", pid, os.Getpid())
	}
}

func TestLockedPID_NoLock(t *testing.T) {
	if pid := LockedPID(t.TempDir()); pid != 0 {
		t.Errorf("LockedPID() = %d on empty dir, want 0", pid)
	}
}

func TestLock_ReleaseRemovesFile(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFile)); !os.IsNotExist(err) {
		t.Error("lock file survived Release()")
	}
}

func TestDaemon_StatusOverSocket(t *testing.T) {
	store, stateDir := testStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, &types.Issue{Title: "Visible to daemon", Priority: 2}); err != nil {
		t.Fatal(err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	startDaemon(t, store, stateDir)

	info, err := NewClient(stateDir).Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Issues != 1 {
		t.Errorf("Issues = %d, want 1", info.Issues)
	}
	if info.LogHash == "" {
		t.Error("LogHash is empty")
	}
}

func TestDaemon_StopOverSocket(t *testing.T) {
	store, stateDir := testStore(t)
	startDaemon(t, store, stateDir)

	if err := NewClient(stateDir).Stop(context.Background()); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	// The lock is released once the daemon exits.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if LockedPID(stateDir) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("daemon still holds the lock after Stop()")
}

func TestDaemon_SingleInstance(t *testing.T) {
	store, stateDir := testStore(t)
	startDaemon(t, store, stateDir)

	second := New(store, stateDir, Options{Logger: log.New(io.Discard, "", 0)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := second.Run(ctx); !errors.Is(err, errs.ErrDaemonRunning) {
		t.Errorf("second Run() error = %v, want ErrDaemonRunning", err)
	}
}

func TestDaemon_ReimportsOnLogChange(t *testing.T) {
	store, stateDir := testStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &types.Issue{Title: "Original", Priority: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	startDaemon(t, store, stateDir)

	// Rewrite the log as a pull would, then ask the daemon for status
	// until the new hash is visible.
	issues, err := store.Journal().ReadIssues()
	if err != nil {
		t.Fatal(err)
	}
	issues[0].Title = "Rewritten by pull"
	issues[0].UpdatedAt = issues[0].UpdatedAt.Add(time.Minute)
	if err := store.Journal().WriteIssues(issues); err != nil {
		t.Fatal(err)
	}
	wantHash, err := store.Journal().Hash()
	if err != nil {
		t.Fatal(err)
	}

	client := NewClient(stateDir)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := client.Status(ctx)
		if err == nil && info.LogHash == wantHash {
			got, err := store.Get(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if got.Title != "Rewritten by pull" {
				t.Errorf("Title = %q after reimport", got.Title)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("daemon never picked up the external log change")
}
