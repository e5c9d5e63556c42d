package merge

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/skeinhq/skein/internal/types"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func issueAt(id, title string, created, updated time.Time) *types.Issue {
	return &types.Issue{
		ID:        id,
		Title:     title,
		Status:    types.StatusOpen,
		Priority:  2,
		IssueType: types.TypeTask,
		CreatedAt: created,
		UpdatedAt: updated,
	}
}

func find(issues []*types.Issue, id string) *types.Issue {
	for _, issue := range issues {
		if issue.ID == id {
			return issue
		}
	}
	return nil
}

func TestMerge_UnionOfOneSidedAdds(t *testing.T) {
	a := issueAt("sk-base", "Shared", baseTime, baseTime)
	l := issueAt("sk-left", "Local only", baseTime.Add(time.Minute), baseTime.Add(time.Minute))
	r := issueAt("sk-rght", "Remote only", baseTime.Add(2*time.Minute), baseTime.Add(2*time.Minute))

	res, err := Merge(Input{
		Ancestor: []*types.Issue{a},
		Local:    []*types.Issue{a, l},
		Remote:   []*types.Issue{a, r},
		IDPrefix: "sk",
	})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	if len(res.Issues) != 3 {
		t.Fatalf("merged %d issues, want 3", len(res.Issues))
	}
	for _, id := range []string{"sk-base", "sk-left", "sk-rght"} {
		if find(res.Issues, id) == nil {
			t.Errorf("merged result missing %s", id)
		}
	}
}

// Writer A sets status at t=10; writer B sets status at t=12 on the same
// id. The later timestamp wins, regardless of merge direction.
func TestMerge_LaterTimestampWins(t *testing.T) {
	ancestor := issueAt("sk-a1b2", "Fix crash", baseTime, baseTime)

	local := ancestor.Clone()
	local.Status = types.StatusInProgress
	local.UpdatedAt = baseTime.Add(10 * time.Second)

	remote := ancestor.Clone()
	remote.Status = types.StatusBlocked
	remote.UpdatedAt = baseTime.Add(12 * time.Second)

	res, err := Merge(Input{
		Ancestor: []*types.Issue{ancestor},
		Local:    []*types.Issue{local},
		Remote:   []*types.Issue{remote},
	})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	got := find(res.Issues, "sk-a1b2")
	if got.Status != types.StatusBlocked {
		t.Errorf("status = %s, want blocked (later write)", got.Status)
	}
	if !got.UpdatedAt.Equal(remote.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want the later timestamp", got.UpdatedAt)
	}
}

// Non-overlapping field edits on the same id must both survive.
func TestMerge_FieldLevelNotRecordLevel(t *testing.T) {
	ancestor := issueAt("sk-a1b2", "Fix crash", baseTime, baseTime)

	local := ancestor.Clone()
	local.Assignee = "alice"
	local.UpdatedAt = baseTime.Add(time.Minute)

	remote := ancestor.Clone()
	remote.Priority = 4
	remote.UpdatedAt = baseTime.Add(2 * time.Minute)

	res, err := Merge(Input{
		Ancestor: []*types.Issue{ancestor},
		Local:    []*types.Issue{local},
		Remote:   []*types.Issue{remote},
	})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	got := find(res.Issues, "sk-a1b2")
	if got.Assignee != "alice" {
		t.Errorf("assignee = %q, lost the local edit", got.Assignee)
	}
	if got.Priority != 4 {
		t.Errorf("priority = %d, lost the remote edit", got.Priority)
	}
}

// Merging (local, remote) and (remote, local) must yield identical
// results, including at equal timestamps.
func TestMerge_Commutative(t *testing.T) {
	ancestor := issueAt("sk-a1b2", "Fix crash", baseTime, baseTime)

	l := ancestor.Clone()
	l.Title = "Fix crash on boot"
	l.UpdatedAt = baseTime.Add(time.Minute)

	r := ancestor.Clone()
	r.Title = "Fix crash at startup"
	r.UpdatedAt = baseTime.Add(time.Minute) // identical timestamp

	forward, err := Merge(Input{Ancestor: []*types.Issue{ancestor}, Local: []*types.Issue{l}, Remote: []*types.Issue{r}})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	backward, err := Merge(Input{Ancestor: []*types.Issue{ancestor}, Local: []*types.Issue{r}, Remote: []*types.Issue{l}})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	if diff := cmp.Diff(forward.Issues, backward.Issues); diff != "" {
		t.Errorf("merge is not commutative (-forward +backward):\n%s", diff)
	}
}

// Two offline writers each create "Fix crash" under the same rolled id.
// Both issues must survive under distinct ids with no data loss.
func TestMerge_IDCollisionReallocates(t *testing.T) {
	l := issueAt("sk-a1b2", "Fix crash", baseTime, baseTime)
	l.Description = "local payload"
	r := issueAt("sk-a1b2", "Fix crash", baseTime.Add(time.Second), baseTime.Add(time.Second))
	r.Description = "remote payload"

	res, err := Merge(Input{
		Local:    []*types.Issue{l},
		Remote:   []*types.Issue{r},
		IDPrefix: "sk",
	})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	if len(res.Issues) != 2 {
		t.Fatalf("merged %d issues, want both collision payloads", len(res.Issues))
	}
	fresh, ok := res.Reallocated["sk-a1b2"]
	if !ok {
		t.Fatal("no reallocation recorded for collided id")
	}

	// Earlier creation keeps the id.
	if got := find(res.Issues, "sk-a1b2"); got == nil || got.Description != "local payload" {
		t.Error("earlier creation should keep the original id")
	}
	if got := find(res.Issues, fresh); got == nil || got.Description != "remote payload" {
		t.Errorf("reallocated record missing under %s", fresh)
	}
	if len(res.Warnings) == 0 {
		t.Error("collision must surface a warning")
	}
}

func TestMerge_IDCollisionDeterministic(t *testing.T) {
	l := issueAt("sk-a1b2", "Fix crash", baseTime, baseTime)
	r := issueAt("sk-a1b2", "Fix crash differently", baseTime.Add(time.Second), baseTime.Add(time.Second))

	forward, err := Merge(Input{Local: []*types.Issue{l}, Remote: []*types.Issue{r}, IDPrefix: "sk"})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	backward, err := Merge(Input{Local: []*types.Issue{r}, Remote: []*types.Issue{l}, IDPrefix: "sk"})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	if diff := cmp.Diff(forward.Issues, backward.Issues); diff != "" {
		t.Errorf("collision handling not direction-independent:\n%s", diff)
	}
}

// A tombstone on either side suppresses the id permanently; an edit can
// never resurrect a deleted issue.
func TestMerge_TombstoneWins(t *testing.T) {
	ancestor := issueAt("sk-dead", "To be deleted", baseTime, baseTime)

	edited := ancestor.Clone()
	edited.Title = "Edited after deletion elsewhere"
	edited.UpdatedAt = baseTime.Add(time.Hour)

	res, err := Merge(Input{
		Ancestor:         []*types.Issue{ancestor},
		Local:            []*types.Issue{edited},
		Remote:           []*types.Issue{},
		RemoteTombstones: []*types.Tombstone{{ID: "sk-dead", DeletedAt: baseTime.Add(time.Minute)}},
	})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	if find(res.Issues, "sk-dead") != nil {
		t.Error("tombstoned issue resurrected by a concurrent edit")
	}
	if len(res.Tombstones) != 1 || res.Tombstones[0].ID != "sk-dead" {
		t.Errorf("tombstone not carried through merge: %v", res.Tombstones)
	}
	if len(res.Warnings) == 0 {
		t.Error("suppressed resurrection should surface a warning")
	}
}

func TestMerge_EdgeSetsUnion(t *testing.T) {
	ancestor := issueAt("sk-a1b2", "Fix crash", baseTime, baseTime)

	l := ancestor.Clone()
	l.Dependencies = []*types.Dependency{
		{From: "sk-dep1", To: "sk-a1b2", Type: types.DepBlocks, CreatedAt: baseTime},
	}
	l.UpdatedAt = baseTime.Add(time.Minute)

	r := ancestor.Clone()
	r.Dependencies = []*types.Dependency{
		{From: "sk-dep2", To: "sk-a1b2", Type: types.DepBlocks, CreatedAt: baseTime},
		{From: "sk-epic", To: "sk-a1b2", Type: types.DepParentChild, CreatedAt: baseTime},
	}
	r.UpdatedAt = baseTime.Add(2 * time.Minute)

	res, err := Merge(Input{
		Ancestor: []*types.Issue{ancestor},
		Local:    []*types.Issue{l},
		Remote:   []*types.Issue{r},
	})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	got := find(res.Issues, "sk-a1b2")
	if len(got.Dependencies) != 3 {
		t.Fatalf("edge union has %d edges, want 3", len(got.Dependencies))
	}
}

func TestMerge_IdenticalContentKeptOnce(t *testing.T) {
	issue := issueAt("sk-a1b2", "Same everywhere", baseTime, baseTime)

	res, err := Merge(Input{
		Ancestor: []*types.Issue{issue},
		Local:    []*types.Issue{issue.Clone()},
		Remote:   []*types.Issue{issue.Clone()},
	})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if len(res.Issues) != 1 {
		t.Fatalf("merged %d records for identical content, want 1", len(res.Issues))
	}
	if res.Unchanged != 1 {
		t.Errorf("Unchanged = %d, want 1", res.Unchanged)
	}
}

func TestMerge_MalformedInputAbstains(t *testing.T) {
	bad := issueAt("sk-a1b2", "", baseTime, baseTime) // empty title

	_, err := Merge(Input{Local: []*types.Issue{bad}})
	if err == nil {
		t.Fatal("Merge() should abstain on malformed input rather than guess")
	}
}

func TestMerge_ReopenClearsClosedAt(t *testing.T) {
	closedAt := baseTime.Add(time.Minute)
	ancestor := issueAt("sk-a1b2", "Fix crash", baseTime, baseTime)
	ancestor.Status = types.StatusClosed
	ancestor.ClosedAt = &closedAt

	local := ancestor.Clone()

	remote := ancestor.Clone()
	remote.Status = types.StatusOpen
	remote.ClosedAt = nil
	remote.UpdatedAt = baseTime.Add(time.Hour)

	res, err := Merge(Input{
		Ancestor: []*types.Issue{ancestor},
		Local:    []*types.Issue{local},
		Remote:   []*types.Issue{remote},
	})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	got := find(res.Issues, "sk-a1b2")
	if got.Status != types.StatusOpen {
		t.Fatalf("status = %s, want open", got.Status)
	}
	if got.ClosedAt != nil {
		t.Error("reopened issue kept a stale closed_at")
	}
}
