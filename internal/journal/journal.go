// Package journal implements the durable, git-trackable issue log.
//
// The journal is the single source of truth: a line-per-record JSONL file
// of issues plus a strictly append-only tombstone log of deletions. The
// format is chosen to be diff- and merge-friendly under line-oriented
// version control; the local cache is a disposable projection rebuilt from
// it.
//
// Layout inside the state directory (.skein/):
//
//	issues.jsonl      one issue per line, sorted by id on export
//	tombstones.jsonl  one deletion marker per line, append-only
package journal

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/skeinhq/skein/internal/errs"
	"github.com/skeinhq/skein/internal/types"
)

// File layout constants.
const (
	DirName        = ".skein"
	IssuesFile     = "issues.jsonl"
	TombstonesFile = "tombstones.jsonl"
	ConfigFile     = "config.yaml"
	WriterFile     = "writer"
	CacheFile      = "cache.db"
)

// maxLineBytes bounds a single JSONL record (large descriptions included).
const maxLineBytes = 4 * 1024 * 1024

// Journal provides access to the durable log in one state directory.
type Journal struct {
	dir string
}

// Open returns a Journal for an existing state directory. Returns
// errs.ErrNotInitialized if the directory or the issues log is missing.
func Open(dir string) (*Journal, error) {
	if _, err := os.Stat(filepath.Join(dir, IssuesFile)); err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to stat issues log: %w", err)
	}
	return &Journal{dir: dir}, nil
}

// Find walks up from start looking for a .skein state directory, the same
// way git locates its repository root. Returns errs.ErrNotInitialized when
// the filesystem root is reached without a match.
func Find(start string) (string, error) {
	current, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(current, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", errs.ErrNotInitialized
		}
		current = parent
	}
}

// Init creates the state directory with empty issue and tombstone logs.
// It is an error to initialize over an existing store.
func Init(root string) (*Journal, error) {
	dir := filepath.Join(root, DirName)
	if _, err := os.Stat(filepath.Join(dir, IssuesFile)); err == nil {
		return nil, fmt.Errorf("already initialized: %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	for _, name := range []string{IssuesFile, TombstonesFile} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", name, err)
		}
	}
	return &Journal{dir: dir}, nil
}

// Dir returns the state directory path.
func (j *Journal) Dir() string { return j.dir }

// IssuesPath returns the path of the issues log.
func (j *Journal) IssuesPath() string { return filepath.Join(j.dir, IssuesFile) }

// TombstonesPath returns the path of the tombstone log.
func (j *Journal) TombstonesPath() string { return filepath.Join(j.dir, TombstonesFile) }

// ReadIssues reads every issue record from the log in file order,
// including superseded duplicates. Returns errs.ErrMergeConflict if the
// file still carries VCS conflict markers.
func (j *Journal) ReadIssues() ([]*types.Issue, error) {
	f, err := os.Open(j.IssuesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to open issues log: %w", err)
	}
	defer f.Close()
	return ParseIssues(f)
}

// ParseIssues decodes JSONL issue records from r. Exposed for the merge
// driver, which reads the three merge stages from arbitrary paths.
func ParseIssues(r io.Reader) ([]*types.Issue, error) {
	var issues []*types.Issue
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if isConflictMarker(line) {
			return nil, fmt.Errorf("%w: marker at line %d (re-run the merge or resolve by hand, then `skein sync`)", errs.ErrMergeConflict, lineNum)
		}

		var issue types.Issue
		if err := json.Unmarshal(line, &issue); err != nil {
			return nil, fmt.Errorf("invalid record at line %d: %w", lineNum, err)
		}
		issue.SetDefaults()
		issues = append(issues, &issue)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read issues log: %w", err)
	}
	return issues, nil
}

// ReadTombstones reads the tombstone log.
func (j *Journal) ReadTombstones() ([]*types.Tombstone, error) {
	f, err := os.Open(j.TombstonesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // legacy store without a tombstone log
		}
		return nil, fmt.Errorf("failed to open tombstone log: %w", err)
	}
	defer f.Close()
	return ParseTombstones(f)
}

// ParseTombstones decodes JSONL tombstone records from r.
func ParseTombstones(r io.Reader) ([]*types.Tombstone, error) {
	var tombstones []*types.Tombstone
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if isConflictMarker(line) {
			return nil, fmt.Errorf("%w: marker at line %d in tombstone log", errs.ErrMergeConflict, lineNum)
		}

		var ts types.Tombstone
		if err := json.Unmarshal(line, &ts); err != nil {
			return nil, fmt.Errorf("invalid tombstone at line %d: %w", lineNum, err)
		}
		tombstones = append(tombstones, &ts)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tombstone log: %w", err)
	}
	return tombstones, nil
}

// WriteIssues replaces the issues log with the given set, sorted by id for
// deterministic, diff-stable output. The write is atomic via a temp file
// so a crashed export never leaves a truncated log.
func (j *Journal) WriteIssues(issues []*types.Issue) error {
	var buf bytes.Buffer
	if err := EncodeIssues(&buf, issues); err != nil {
		return err
	}
	return atomicWrite(j.IssuesPath(), buf.Bytes())
}

// EncodeIssues writes the issues in log format, sorted by id for
// deterministic, diff-stable output.
func EncodeIssues(w io.Writer, issues []*types.Issue) error {
	sorted := append([]*types.Issue(nil), issues...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].ID < sorted[b].ID })

	enc := json.NewEncoder(w)
	for _, issue := range sorted {
		if err := issue.Validate(); err != nil {
			return fmt.Errorf("refusing to write invalid issue %s: %w", issue.ID, err)
		}
		if err := enc.Encode(issue); err != nil {
			return fmt.Errorf("failed to encode issue %s: %w", issue.ID, err)
		}
	}
	return nil
}

// AppendTombstones appends deletion markers to the tombstone log. The log
// is append-only: existing lines are never rewritten, which lets version
// control merge concurrent deletions with a plain union strategy.
func (j *Journal) AppendTombstones(tombstones ...*types.Tombstone) error {
	f, err := os.OpenFile(j.TombstonesPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open tombstone log: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ts := range tombstones {
		if err := ts.Validate(); err != nil {
			return fmt.Errorf("refusing to write invalid tombstone: %w", err)
		}
		if err := enc.Encode(ts); err != nil {
			return fmt.Errorf("failed to append tombstone %s: %w", ts.ID, err)
		}
	}
	return nil
}

// Hash returns a content hash over the issues and tombstone logs. The
// cache records the hash it last imported; a mismatch on a read path means
// the log changed underneath it (for example a pulled merge) and the cache
// must be rebuilt before serving the query.
func (j *Journal) Hash() (string, error) {
	h := sha256.New()
	for _, path := range []string{j.IssuesPath(), j.TombstonesPath()} {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("failed to open %s: %w", path, err)
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to hash %s: %w", path, err)
		}
		f.Close()
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Collapse reduces raw records to one issue per id, later UpdatedAt
// superseding earlier, with tombstoned ids dropped entirely. This is the
// replay rule for cache rebuilds; applying it twice is a fixpoint.
func Collapse(issues []*types.Issue, tombstones []*types.Tombstone) map[string]*types.Issue {
	dead := make(map[string]bool, len(tombstones))
	for _, ts := range tombstones {
		dead[ts.ID] = true
	}

	out := make(map[string]*types.Issue, len(issues))
	for _, issue := range issues {
		if dead[issue.ID] {
			continue
		}
		if prev, ok := out[issue.ID]; ok && !issue.UpdatedAt.After(prev.UpdatedAt) {
			continue
		}
		out[issue.ID] = issue
	}
	return out
}

func isConflictMarker(line []byte) bool {
	s := string(line)
	return strings.HasPrefix(s, "<<<<<<<") || strings.HasPrefix(s, "=======") || strings.HasPrefix(s, ">>>>>>>") || strings.HasPrefix(s, "|||||||")
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	var writeErr error
	defer func() {
		_ = tmp.Close()
		if writeErr != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, writeErr = tmp.Write(data); writeErr != nil {
		return fmt.Errorf("failed to write temp file: %w", writeErr)
	}
	if writeErr = tmp.Sync(); writeErr != nil {
		return fmt.Errorf("failed to sync temp file: %w", writeErr)
	}
	if writeErr = tmp.Close(); writeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", writeErr)
	}
	if writeErr = os.Rename(tmpPath, path); writeErr != nil {
		return fmt.Errorf("failed to rename temp file: %w", writeErr)
	}
	return nil
}
