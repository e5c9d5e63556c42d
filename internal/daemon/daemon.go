// Package daemon runs the background process that keeps the projection
// warm. It watches the log files for external changes (pulls, merges,
// another writer), reimports with debouncing, and answers queries over a
// unix socket so interactive commands skip the import check entirely.
//
// One daemon runs per repository, enforced by a pid lock file. Runtime
// files live in the state dir and are never committed:
//
//	daemon.lock  pid of the running daemon
//	daemon.sock  unix socket for client requests
//	daemon.log   rotated activity log
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skeinhq/skein/internal/errs"
	"github.com/skeinhq/skein/internal/journal"
	"github.com/skeinhq/skein/internal/syncer"
)

const (
	// SocketFile is the client socket, relative to the state dir.
	SocketFile = "daemon.sock"
	// LogFile is the daemon activity log, relative to the state dir.
	LogFile = "daemon.log"
)

// Options configures a Daemon.
type Options struct {
	// Debounce is the quiet period before reimporting after a burst of
	// file events. Zero means 100ms.
	Debounce time.Duration

	// Logger receives daemon activity. Nil means a rotating file
	// logger writing to daemon.log in the state dir.
	Logger *log.Logger
}

// Daemon watches the log and serves queries for one repository.
type Daemon struct {
	store    *syncer.Store
	stateDir string
	logger   *log.Logger
	debounce time.Duration

	lock     *Lock
	watcher  *fsnotify.Watcher
	listener net.Listener

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a daemon over an open store rooted at stateDir.
func New(store *syncer.Store, stateDir string, opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(&lumberjack.Logger{
			Filename:   filepath.Join(stateDir, LogFile),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}, "", log.LstdFlags)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Daemon{
		store:    store,
		stateDir: stateDir,
		logger:   logger,
		debounce: debounce,
	}
}

// Run acquires the lock, performs an initial import, and serves until
// ctx is cancelled or a stop request arrives. The lock and socket are
// cleaned up on exit.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := AcquireLock(d.stateDir)
	if err != nil {
		return err
	}
	d.lock = lock
	defer d.lock.Release()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	d.logger.Printf("daemon starting, pid %d", os.Getpid())
	d.startedAt = time.Now()

	if err := d.store.Refresh(ctx); err != nil {
		d.logger.Printf("initial import failed: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	d.watcher = watcher
	defer watcher.Close()
	if err := watcher.Add(d.stateDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", d.stateDir, err)
	}

	sockPath := filepath.Join(d.stateDir, SocketFile)
	_ = os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", sockPath, err)
	}
	d.listener = listener
	defer func() {
		listener.Close()
		os.Remove(sockPath)
	}()

	reimport := syncer.NewDebouncer(d.debounce, func() {
		if err := d.store.Refresh(context.Background()); err != nil {
			if errs.IsUserActionRequired(err) {
				// A conflicted log stays conflicted until the user
				// resolves it; retrying on every event is noise.
				d.logger.Printf("import blocked pending user action: %v", err)
				return
			}
			d.logger.Printf("import failed: %v", err)
		}
	})
	defer reimport.Stop()

	d.wg.Add(2)
	go d.watchLoop(ctx, reimport)
	go d.serveLoop(ctx)

	<-ctx.Done()
	listener.Close()
	d.wg.Wait()
	d.logger.Printf("daemon stopped")
	return nil
}

// watchLoop reacts to changes of the tracked log files.
func (d *Daemon) watchLoop(ctx context.Context, reimport *syncer.Debouncer) {
	defer d.wg.Done()

	tracked := map[string]bool{
		journal.IssuesFile:     true,
		journal.TombstonesFile: true,
		journal.ConfigFile:     true,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !tracked[filepath.Base(event.Name)] {
				continue
			}
			d.logger.Printf("file event: %s %s", event.Op, filepath.Base(event.Name))
			reimport.Trigger()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("watcher error: %v", err)
		}
	}
}

// request is one line of the socket protocol.
type request struct {
	Op string `json:"op"`
}

// response answers a request. Data is op-specific.
type response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusInfo describes a running daemon.
type StatusInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Issues    int       `json:"issues"`
	LogHash   string    `json:"log_hash"`
}

func (d *Daemon) serveLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			d.logger.Printf("accept error: %v", err)
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(ctx, conn)
		}()
	}
}

func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	var req request
	if err := dec.Decode(&req); err != nil {
		_ = enc.Encode(response{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}
	d.logger.Printf("request: %s", req.Op)

	switch req.Op {
	case "status":
		info, err := d.status(ctx)
		replyData(enc, info, err)
	case "flush":
		err := d.store.Flush(ctx)
		if err == nil {
			err = d.store.Refresh(ctx)
		}
		replyData(enc, nil, err)
	case "stop":
		_ = enc.Encode(response{OK: true})
		d.cancel()
	default:
		_ = enc.Encode(response{Error: fmt.Sprintf("unknown op %q", req.Op)})
	}
}

func (d *Daemon) status(ctx context.Context) (*StatusInfo, error) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	hash, err := d.store.Journal().Hash()
	if err != nil {
		return nil, err
	}
	return &StatusInfo{
		PID:       os.Getpid(),
		StartedAt: d.startedAt,
		Issues:    stats.Total,
		LogHash:   hash,
	}, nil
}

func replyData(enc *json.Encoder, data interface{}, err error) {
	if err != nil {
		_ = enc.Encode(response{Error: err.Error()})
		return
	}
	resp := response{OK: true}
	if data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			_ = enc.Encode(response{Error: merr.Error()})
			return
		}
		resp.Data = raw
	}
	_ = enc.Encode(resp)
}
