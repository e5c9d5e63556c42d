package journal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skeinhq/skein/internal/errs"
	"github.com/skeinhq/skein/internal/types"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	return j
}

func makeIssue(id, title string, updated time.Time) *types.Issue {
	return &types.Issue{
		ID:        id,
		Title:     title,
		Status:    types.StatusOpen,
		Priority:  2,
		IssueType: types.TypeTask,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestInit_CreatesEmptyLogs(t *testing.T) {
	root := t.TempDir()
	j, err := Init(root)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	for _, path := range []string{j.IssuesPath(), j.TombstonesPath()} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("missing log file %s: %v", path, err)
		}
		if len(data) != 0 {
			t.Errorf("log %s not empty after init", path)
		}
	}

	if _, err := Init(root); err == nil {
		t.Error("second Init() should fail on existing store")
	}
}

func TestOpen_NotInitialized(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), DirName))
	if !errors.Is(err, errs.ErrNotInitialized) {
		t.Errorf("Open() error = %v, want ErrNotInitialized", err)
	}
}

func TestFind_WalksUp(t *testing.T) {
	root := t.TempDir()
	j, err := Init(root)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	dir, err := Find(nested)
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}
	if dir != j.Dir() {
		t.Errorf("Find() = %q, want %q", dir, j.Dir())
	}
}

func TestFind_NotInitialized(t *testing.T) {
	_, err := Find(t.TempDir())
	if !errors.Is(err, errs.ErrNotInitialized) {
		t.Errorf("Find() error = %v, want ErrNotInitialized", err)
	}
}

func TestWriteReadIssues_RoundTrip(t *testing.T) {
	j := testJournal(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	in := []*types.Issue{
		makeIssue("sk-zz99", "Last", now),
		makeIssue("sk-a1b2", "First", now),
	}
	if err := j.WriteIssues(in); err != nil {
		t.Fatalf("WriteIssues() failed: %v", err)
	}

	out, err := j.ReadIssues()
	if err != nil {
		t.Fatalf("ReadIssues() failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d issues, want 2", len(out))
	}

	// Export order is sorted by id for diff stability.
	if out[0].ID != "sk-a1b2" || out[1].ID != "sk-zz99" {
		t.Errorf("issues not sorted by id: %s, %s", out[0].ID, out[1].ID)
	}
}

func TestWriteIssues_RejectsInvalid(t *testing.T) {
	j := testJournal(t)
	bad := makeIssue("sk-a1b2", "", time.Now())
	if err := j.WriteIssues([]*types.Issue{bad}); err == nil {
		t.Error("WriteIssues() should reject an invalid issue")
	}
}

func TestReadIssues_ConflictMarkers(t *testing.T) {
	j := testJournal(t)
	content := `{"id":"sk-a1b2","title":"ok","status":"open","issue_type":"task","created_at":"2026-03-01T00:00:00Z","updated_at":"2026-03-01T00:00:00Z"}
<<<<<<< HEAD
{"id":"sk-c3d4","title":"ours","status":"open","issue_type":"task","created_at":"2026-03-01T00:00:00Z","updated_at":"2026-03-01T00:00:00Z"}
`
	if err := os.WriteFile(j.IssuesPath(), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := j.ReadIssues()
	if !errors.Is(err, errs.ErrMergeConflict) {
		t.Errorf("ReadIssues() error = %v, want ErrMergeConflict", err)
	}
}

func TestAppendTombstones_AppendOnly(t *testing.T) {
	j := testJournal(t)
	now := time.Now().UTC()

	if err := j.AppendTombstones(&types.Tombstone{ID: "sk-a1b2", DeletedAt: now}); err != nil {
		t.Fatalf("AppendTombstones() failed: %v", err)
	}
	if err := j.AppendTombstones(&types.Tombstone{ID: "sk-c3d4", DeletedAt: now}); err != nil {
		t.Fatalf("AppendTombstones() failed: %v", err)
	}

	tombstones, err := j.ReadTombstones()
	if err != nil {
		t.Fatalf("ReadTombstones() failed: %v", err)
	}
	if len(tombstones) != 2 {
		t.Fatalf("got %d tombstones, want 2", len(tombstones))
	}
	if tombstones[0].ID != "sk-a1b2" {
		t.Errorf("first tombstone = %s, want sk-a1b2 (append order preserved)", tombstones[0].ID)
	}
}

func TestHash_ChangesWithContent(t *testing.T) {
	j := testJournal(t)

	h1, err := j.Hash()
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	if err := j.WriteIssues([]*types.Issue{makeIssue("sk-a1b2", "New", time.Now().UTC())}); err != nil {
		t.Fatal(err)
	}
	h2, err := j.Hash()
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	if h1 == h2 {
		t.Error("hash unchanged after writing an issue")
	}

	h3, err := j.Hash()
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	if h2 != h3 {
		t.Error("hash not stable for unchanged content")
	}
}

func TestCollapse_LaterUpdatedWins(t *testing.T) {
	early := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	a1 := makeIssue("sk-a1b2", "Old title", early)
	a2 := makeIssue("sk-a1b2", "New title", late)

	// File order should not matter, only UpdatedAt.
	collapsed := Collapse([]*types.Issue{a2, a1}, nil)
	if collapsed["sk-a1b2"].Title != "New title" {
		t.Errorf("Collapse kept %q, want later record", collapsed["sk-a1b2"].Title)
	}
}

func TestCollapse_TombstoneSuppresses(t *testing.T) {
	issue := makeIssue("sk-a1b2", "Deleted issue", time.Now().UTC())
	tombstones := []*types.Tombstone{{ID: "sk-a1b2", DeletedAt: time.Now().UTC()}}

	collapsed := Collapse([]*types.Issue{issue}, tombstones)
	if _, ok := collapsed["sk-a1b2"]; ok {
		t.Error("tombstoned id should not survive Collapse")
	}
}

func TestCollapse_Idempotent(t *testing.T) {
	now := time.Now().UTC()
	issues := []*types.Issue{
		makeIssue("sk-a1b2", "A", now),
		makeIssue("sk-c3d4", "B", now),
	}

	first := Collapse(issues, nil)
	var replay []*types.Issue
	for _, issue := range first {
		replay = append(replay, issue)
	}
	second := Collapse(replay, nil)

	if len(first) != len(second) {
		t.Fatalf("replay changed issue count: %d vs %d", len(first), len(second))
	}
	for id, issue := range first {
		if second[id] == nil || second[id].Title != issue.Title {
			t.Errorf("replay diverged for %s", id)
		}
	}
}
