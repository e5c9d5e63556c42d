// Package vcs wraps the git operations skein depends on: repository
// discovery, merge driver registration, and hook installation.
//
// The log files live in the repository and travel through normal git
// workflows. This package wires git to resolve them correctly: the
// issues log gets the skein merge driver, the tombstone log merges with
// the builtin union driver, and hooks keep the projection fresh around
// pulls and pushes.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/skeinhq/skein/internal/errs"
	"github.com/skeinhq/skein/internal/journal"
)

// ErrNotInRepo is returned when the working directory is not inside a
// git repository.
var ErrNotInRepo = errors.New("not in a git repository")

const execTimeout = 30 * time.Second

// Git represents a detected git repository.
type Git struct {
	root   string
	gitDir string
}

// Detect locates the git repository containing path. Returns
// errs.ErrToolMissing when the git binary is not installed and
// ErrNotInRepo when path is outside any repository.
func Detect(path string) (*Git, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("%w: git", errs.ErrToolMissing)
	}

	root, err := execGit(context.Background(), path, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInRepo, path)
	}
	gitDir, err := execGit(context.Background(), path, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInRepo, path)
	}

	return &Git{root: root, gitDir: gitDir}, nil
}

// Root returns the repository root directory.
func (g *Git) Root() string { return g.root }

// GitDir returns the .git directory path.
func (g *Git) GitDir() string { return g.gitDir }

// Exec runs a git command in the repository root.
func (g *Git) Exec(ctx context.Context, args ...string) (string, error) {
	return execGit(ctx, g.root, args...)
}

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// InstallMergeDriver registers the skein merge driver in the repository
// config and routes the log files to it through .gitattributes. The
// tombstone log is append-only, so git's builtin union driver merges it
// without help. Idempotent.
func (g *Git) InstallMergeDriver(ctx context.Context) error {
	if _, err := g.Exec(ctx, "config", "merge.skein.name", "skein issue log merge"); err != nil {
		return err
	}
	if _, err := g.Exec(ctx, "config", "merge.skein.driver", "skein merge-file %O %A %B"); err != nil {
		return err
	}

	lines := []string{
		journal.DirName + "/" + journal.IssuesFile + " merge=skein",
		journal.DirName + "/" + journal.TombstonesFile + " merge=union",
	}
	return appendMissingLines(filepath.Join(g.root, ".gitattributes"), lines)
}

// hookMarker identifies hooks written by skein so reinstalls can tell
// them apart from user hooks.
const hookMarker = "# installed by skein"

var hookScripts = map[string]string{
	// Reimport after history changes so queries see the merged log.
	"post-merge": "#!/bin/sh\n" + hookMarker + "\nskein sync >/dev/null 2>&1 || true\n",
	// Export pending state before publishing.
	"pre-push": "#!/bin/sh\n" + hookMarker + "\nskein sync --force\n",
}

// InstallHooks writes the post-merge and pre-push hooks. A hook that
// exists but was not written by skein is left alone and reported, so
// user hooks are never clobbered.
func (g *Git) InstallHooks() ([]string, error) {
	hooksDir := filepath.Join(g.gitDir, "hooks")
	if err := os.MkdirAll(hooksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create hooks directory: %w", err)
	}

	var skipped []string
	for name, script := range hookScripts {
		path := filepath.Join(hooksDir, name)
		existing, err := os.ReadFile(path)
		if err == nil && !strings.Contains(string(existing), hookMarker) {
			skipped = append(skipped, name)
			continue
		}
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read hook %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(script), 0755); err != nil {
			return nil, fmt.Errorf("failed to write hook %s: %w", name, err)
		}
	}
	return skipped, nil
}

// EnsureIgnores appends the untracked state files to the repository
// .gitignore: the projection and daemon runtime files are per-clone and
// must never be committed.
func (g *Git) EnsureIgnores() error {
	lines := []string{
		journal.DirName + "/" + journal.CacheFile,
		journal.DirName + "/" + journal.CacheFile + "-shm",
		journal.DirName + "/" + journal.CacheFile + "-wal",
		journal.DirName + "/" + journal.WriterFile,
		journal.DirName + "/daemon.*",
	}
	return appendMissingLines(filepath.Join(g.root, ".gitignore"), lines)
}

// IgnoreStateDir appends the whole state directory to the repository
// .gitignore, for stores kept private to this clone.
func (g *Git) IgnoreStateDir() error {
	lines := []string{journal.DirName + "/"}
	return appendMissingLines(filepath.Join(g.root, ".gitignore"), lines)
}

// MergeDriverInstalled reports whether the skein merge driver is
// registered in the repository config.
func (g *Git) MergeDriverInstalled(ctx context.Context) bool {
	driver, err := g.Exec(ctx, "config", "--get", "merge.skein.driver")
	return err == nil && driver != ""
}

// HookInstalled reports whether the named hook exists and carries the
// skein marker.
func (g *Git) HookInstalled(name string) bool {
	data, err := os.ReadFile(filepath.Join(g.gitDir, "hooks", name))
	return err == nil && strings.Contains(string(data), hookMarker)
}

// HookNames lists the hooks skein installs.
func HookNames() []string {
	names := make([]string, 0, len(hookScripts))
	for name := range hookScripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MergeInProgress reports whether a merge is underway (MERGE_HEAD exists).
func (g *Git) MergeInProgress() bool {
	_, err := os.Stat(filepath.Join(g.gitDir, "MERGE_HEAD"))
	return err == nil
}

// appendMissingLines adds each line to the file unless already present.
func appendMissingLines(path string, lines []string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		present[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, line := range lines {
		if !present[line] {
			missing = append(missing, line)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		buf.WriteByte('\n')
	}
	for _, line := range missing {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}
