// Package merge reconciles two divergent issue logs sharing a common
// ancestor into one, without losing data.
//
// The merge is three-way and record-keyed: records partition by id, ids
// present on one side union in, ids present on both sides merge field by
// field with the classic three-way rule (a side that matches the ancestor
// yields to the side that changed; both changed means last-write-wins by
// the record's updated timestamp with a content-hash tie-break, so the
// result is identical regardless of which side is "ours"). Tombstones win
// over any content edit, permanently. Edge sets union by (from, to, type).
//
// Independently allocated ids that collide are detected (both sides
// created the id, the ancestor never saw it, different creation times)
// and one record is deterministically reallocated a fresh id derived from
// its content hash; both payloads survive.
package merge

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/skeinhq/skein/internal/idgen"
	"github.com/skeinhq/skein/internal/journal"
	"github.com/skeinhq/skein/internal/types"
)

// Input carries the three merge stages. Ancestor may be empty (unrelated
// histories); Local and Remote are interchangeable.
type Input struct {
	Ancestor []*types.Issue
	Local    []*types.Issue
	Remote   []*types.Issue

	AncestorTombstones []*types.Tombstone
	LocalTombstones    []*types.Tombstone
	RemoteTombstones   []*types.Tombstone

	// IDPrefix is used when reallocating a collided id.
	IDPrefix string
}

// Result is the reconciled store state.
type Result struct {
	Issues     []*types.Issue
	Tombstones []*types.Tombstone

	// Warnings describe automatically recovered situations (id
	// collisions, suppressed resurrections) that the user should see.
	Warnings []string

	// Reallocated maps a collided id to the fresh id assigned to the
	// record that lost the coin toss.
	Reallocated map[string]string

	LocalWins  int
	RemoteWins int
	Unchanged  int
	Added      int
}

// Merge reconciles the input into a single store state. It returns an
// error only when the input is malformed; in that case the caller must
// abstain and leave the conflict for manual resolution rather than guess.
func Merge(in Input) (*Result, error) {
	for side, issues := range map[string][]*types.Issue{"ancestor": in.Ancestor, "local": in.Local, "remote": in.Remote} {
		for _, issue := range issues {
			if err := issue.Validate(); err != nil {
				return nil, fmt.Errorf("malformed %s record %s: %w", side, issue.ID, err)
			}
		}
	}

	// Tombstones are permanent on every side: union them first so a
	// deleted id can never come back through a concurrent edit.
	tombstones := unionTombstones(in.AncestorTombstones, in.LocalTombstones, in.RemoteTombstones)
	dead := make(map[string]*types.Tombstone, len(tombstones))
	for _, ts := range tombstones {
		dead[ts.ID] = ts
	}

	ancestor := journal.Collapse(in.Ancestor, nil)
	local := journal.Collapse(in.Local, nil)
	remote := journal.Collapse(in.Remote, nil)

	result := &Result{
		Tombstones:  tombstones,
		Reallocated: make(map[string]string),
	}

	merged := make(map[string]*types.Issue)
	taken := func(id string) bool {
		if merged[id] != nil || dead[id] != nil {
			return true
		}
		return ancestor[id] != nil || local[id] != nil || remote[id] != nil
	}

	for _, id := range unionIDs(local, remote) {
		if ts := dead[id]; ts != nil {
			if local[id] != nil || remote[id] != nil {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("suppressed edit to tombstoned issue %s (deleted %s)", id, ts.DeletedAt.Format(time.RFC3339)))
			}
			continue
		}

		l, r := local[id], remote[id]
		switch {
		case l == nil:
			merged[id] = r.Clone()
			result.Added++
		case r == nil:
			merged[id] = l.Clone()
			result.Added++
		default:
			a := ancestor[id]
			if a == nil && isIDCollision(l, r) {
				keep, move := splitCollision(l, r)
				merged[id] = keep.Clone()

				fresh, err := idgen.Derive(in.IDPrefix, move.ComputeContentHash(), len(local)+len(remote), taken)
				if err != nil {
					return nil, fmt.Errorf("failed to reallocate collided id %s: %w", id, err)
				}
				moved := move.Clone()
				moved.ID = fresh
				for _, dep := range moved.Dependencies {
					dep.To = fresh
				}
				merged[fresh] = moved
				result.Reallocated[id] = fresh
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("id collision on %s: reallocated %q to %s", id, moved.Title, fresh))
				continue
			}

			out, winner := mergeIssue(a, l, r)
			merged[id] = out
			switch winner {
			case sideLocal:
				result.LocalWins++
			case sideRemote:
				result.RemoteWins++
			default:
				result.Unchanged++
			}
		}
	}

	result.Issues = make([]*types.Issue, 0, len(merged))
	for _, issue := range merged {
		result.Issues = append(result.Issues, issue)
	}
	sort.Slice(result.Issues, func(a, b int) bool { return result.Issues[a].ID < result.Issues[b].ID })
	return result, nil
}

type side int

const (
	sideNone side = iota
	sideLocal
	sideRemote
)

// isIDCollision decides whether two ancestor-absent records with the same
// id are independent allocations rather than two views of one creation.
// A shared creation replayed through version control carries the same
// creation instant on both sides; differing creation times mean two
// writers independently rolled the same id for two different issues.
func isIDCollision(l, r *types.Issue) bool {
	return !l.CreatedAt.Equal(r.CreatedAt)
}

// splitCollision deterministically picks which record keeps the id: the
// earlier creation, then the smaller content hash. Both repositories
// reach the same split regardless of merge direction.
func splitCollision(l, r *types.Issue) (keep, move *types.Issue) {
	if l.CreatedAt.Before(r.CreatedAt) {
		return l, r
	}
	if r.CreatedAt.Before(l.CreatedAt) {
		return r, l
	}
	if l.ComputeContentHash() <= r.ComputeContentHash() {
		return l, r
	}
	return r, l
}

// mergeIssue reconciles one id present on both sides. The ancestor may be
// nil (both sides hold the same creation); it then acts as an empty base
// and the field rule degrades to pure last-write-wins.
func mergeIssue(a, l, r *types.Issue) (*types.Issue, side) {
	if l.ComputeContentHash() == r.ComputeContentHash() {
		out := l.Clone()
		if r.UpdatedAt.After(out.UpdatedAt) {
			out.UpdatedAt = r.UpdatedAt
		}
		return out, sideNone
	}

	// The record-level winner breaks per-field conflicts: later
	// UpdatedAt, then content hash so equal timestamps stay
	// deterministic no matter which side is ours.
	winner := sideLocal
	if r.UpdatedAt.After(l.UpdatedAt) {
		winner = sideRemote
	} else if r.UpdatedAt.Equal(l.UpdatedAt) && r.ComputeContentHash() < l.ComputeContentHash() {
		winner = sideRemote
	}

	if a == nil {
		a = &types.Issue{ID: l.ID}
	}

	out := &types.Issue{ID: l.ID}
	preferLocal := winner == sideLocal

	out.Title = pickString(a.Title, l.Title, r.Title, preferLocal)
	out.Description = pickString(a.Description, l.Description, r.Description, preferLocal)
	out.Status = types.Status(pickString(string(a.Status), string(l.Status), string(r.Status), preferLocal))
	out.Priority = pickInt(a.Priority, l.Priority, r.Priority, preferLocal)
	out.IssueType = types.IssueType(pickString(string(a.IssueType), string(l.IssueType), string(r.IssueType), preferLocal))
	out.Assignee = pickString(a.Assignee, l.Assignee, r.Assignee, preferLocal)
	out.CloseReason = pickString(a.CloseReason, l.CloseReason, r.CloseReason, preferLocal)
	out.Labels = pickLabels(a.Labels, l.Labels, r.Labels, preferLocal)
	out.ClosedAt = pickTime(a.ClosedAt, l.ClosedAt, r.ClosedAt, preferLocal)
	out.DueAt = pickTime(a.DueAt, l.DueAt, r.DueAt, preferLocal)
	out.DeferUntil = pickTime(a.DeferUntil, l.DeferUntil, r.DeferUntil, preferLocal)

	// closed_at tracks status: dropping back to a non-closed status on
	// merge must not leave a stale closed_at behind (and vice versa).
	if out.Status != types.StatusClosed {
		out.ClosedAt = nil
		out.CloseReason = ""
	} else if out.ClosedAt == nil {
		ts := maxTime(l.UpdatedAt, r.UpdatedAt)
		out.ClosedAt = &ts
	}

	out.CreatedAt = l.CreatedAt
	if r.CreatedAt.Before(out.CreatedAt) {
		out.CreatedAt = r.CreatedAt
	}
	out.UpdatedAt = maxTime(l.UpdatedAt, r.UpdatedAt)

	out.Dependencies = unionDeps(out.ID, l.Dependencies, r.Dependencies)
	return out, winner
}

// unionDeps merges edge sets keyed by (from, to, type). Independently
// added edges are non-conflicting by construction, so the union never
// drops one; the earlier CreatedAt is kept for determinism.
func unionDeps(id string, l, r []*types.Dependency) []*types.Dependency {
	byKey := make(map[string]*types.Dependency)
	for _, dep := range append(append([]*types.Dependency(nil), l...), r...) {
		c := *dep
		c.To = id
		if prev, ok := byKey[c.Key()]; ok {
			if c.CreatedAt.Before(prev.CreatedAt) {
				prev.CreatedAt = c.CreatedAt
			}
			continue
		}
		byKey[c.Key()] = &c
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*types.Dependency, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}

func unionTombstones(sides ...[]*types.Tombstone) []*types.Tombstone {
	byID := make(map[string]*types.Tombstone)
	for _, ts := range flatten(sides) {
		if prev, ok := byID[ts.ID]; ok {
			if ts.DeletedAt.Before(prev.DeletedAt) {
				byID[ts.ID] = ts
			}
			continue
		}
		byID[ts.ID] = ts
	}

	out := make([]*types.Tombstone, 0, len(byID))
	for _, ts := range byID {
		out = append(out, ts)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func flatten(sides [][]*types.Tombstone) []*types.Tombstone {
	var out []*types.Tombstone
	for _, s := range sides {
		out = append(out, s...)
	}
	return out
}

func unionIDs(local, remote map[string]*types.Issue) []string {
	seen := make(map[string]bool, len(local)+len(remote))
	for id := range local {
		seen[id] = true
	}
	for id := range remote {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// pickString applies the three-way field rule: a side equal to the
// ancestor yields; both changed falls back to the record-level winner.
func pickString(a, l, r string, preferLocal bool) string {
	switch {
	case l == r:
		return l
	case l == a:
		return r
	case r == a:
		return l
	case preferLocal:
		return l
	default:
		return r
	}
}

func pickInt(a, l, r int, preferLocal bool) int {
	switch {
	case l == r:
		return l
	case l == a:
		return r
	case r == a:
		return l
	case preferLocal:
		return l
	default:
		return r
	}
}

func pickTime(a, l, r *time.Time, preferLocal bool) *time.Time {
	eq := func(x, y *time.Time) bool {
		if x == nil || y == nil {
			return x == y
		}
		return x.Equal(*y)
	}
	var out *time.Time
	switch {
	case eq(l, r):
		out = l
	case eq(l, a):
		out = r
	case eq(r, a):
		out = l
	case preferLocal:
		out = l
	default:
		out = r
	}
	if out == nil {
		return nil
	}
	t := *out
	return &t
}

func pickLabels(a, l, r []string, preferLocal bool) []string {
	canon := func(s []string) string {
		c := append([]string(nil), s...)
		sort.Strings(c)
		return strings.Join(c, "\x00")
	}
	var out []string
	switch {
	case canon(l) == canon(r):
		out = l
	case canon(l) == canon(a):
		out = r
	case canon(r) == canon(a):
		out = l
	case preferLocal:
		out = l
	default:
		out = r
	}
	return append([]string(nil), out...)
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
