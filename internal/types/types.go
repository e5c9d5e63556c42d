// Package types defines the core data structures for the skein issue store.
package types

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"lukechampine.com/blake3"
)

// Issue represents a trackable work item.
//
// Issues are the unit of record in the durable log: one issue per JSONL
// line, with its labels and incoming dependency edges embedded so that a
// line is self-contained and diffs stay local to the issue that changed.
type Issue struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Priority    int       `json:"priority"`
	IssueType   IssueType `json:"issue_type"`
	Assignee    string    `json:"assignee,omitempty"`
	Labels      []string  `json:"labels,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	DeferUntil  *time.Time `json:"defer_until,omitempty"`

	// Dependencies holds the incoming edges for this issue: the issues
	// that block it, its parent, and provenance links. Keyed by
	// (from, to, type); merged as a set union, never last-write-wins.
	Dependencies []*Dependency `json:"dependencies,omitempty"`
}

// Parent returns the id of this issue's parent, derived from its
// parent-child edge, or "" when the issue is top-level.
func (i *Issue) Parent() string {
	for _, d := range i.Dependencies {
		if d.Type == DepParentChild {
			return d.From
		}
	}
	return ""
}

// Blockers returns the ids of issues that directly block this issue.
func (i *Issue) Blockers() []string {
	var out []string
	for _, d := range i.Dependencies {
		if d.Type == DepBlocks {
			out = append(out, d.From)
		}
	}
	return out
}

// ComputeContentHash creates a deterministic hash of the issue's content.
// The id and timestamps are excluded so identical content produces
// identical hashes across writers; edges are included in sorted key order.
func (i *Issue) ComputeContentHash() string {
	h := blake3.New(32, nil)
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(i.Title)
	write(i.Description)
	write(string(i.Status))
	write(strconv.Itoa(i.Priority))
	write(string(i.IssueType))
	write(i.Assignee)
	write(i.CloseReason)

	labels := append([]string(nil), i.Labels...)
	sort.Strings(labels)
	for _, l := range labels {
		write(l)
	}

	keys := make([]string, 0, len(i.Dependencies))
	for _, d := range i.Dependencies {
		keys = append(keys, d.Key())
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k)
	}

	return fmt.Sprintf("%x", h.Sum(nil))
}

// Validate checks if the issue has valid field values.
func (i *Issue) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if i.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(i.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(i.Title))
	}
	if i.Priority < 0 || i.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", i.Priority)
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if !i.IssueType.IsValid() {
		return fmt.Errorf("invalid issue type: %s", i.IssueType)
	}
	if i.Status == StatusClosed && i.ClosedAt == nil {
		return fmt.Errorf("closed issues must have closed_at timestamp")
	}
	if i.Status != StatusClosed && i.ClosedAt != nil {
		return fmt.Errorf("non-closed issues cannot have closed_at timestamp")
	}
	for _, d := range i.Dependencies {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("dependency %s: %w", d.Key(), err)
		}
		if d.To != i.ID {
			return fmt.Errorf("dependency %s does not target this issue", d.Key())
		}
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (i *Issue) SetDefaults() {
	if i.Status == "" {
		i.Status = StatusOpen
	}
	if i.IssueType == "" {
		i.IssueType = TypeTask
	}
	now := time.Now().UTC()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = now
	}
}

// Touch refreshes UpdatedAt. Call after every field mutation; the
// timestamp is the sole tie-breaker during merges.
func (i *Issue) Touch() {
	i.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy of the issue.
func (i *Issue) Clone() *Issue {
	out := *i
	out.Labels = append([]string(nil), i.Labels...)
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		out.ClosedAt = &t
	}
	if i.DueAt != nil {
		t := *i.DueAt
		out.DueAt = &t
	}
	if i.DeferUntil != nil {
		t := *i.DeferUntil
		out.DeferUntil = &t
	}
	out.Dependencies = make([]*Dependency, len(i.Dependencies))
	for n, d := range i.Dependencies {
		c := *d
		out.Dependencies[n] = &c
	}
	return &out
}

// Status represents the current state of an issue.
type Status string

// Issue status constants. Transitions are unrestricted, but closed is
// terminal for ready-work purposes.
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusClosed     Status = "closed"
)

// IsValid checks if the status value is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusReview, StatusClosed:
		return true
	}
	return false
}

// IssueType categorizes the kind of work. The set is open-ended: any
// short non-empty tag is accepted, with well-known values named below.
type IssueType string

// Well-known issue types.
const (
	TypeBug     IssueType = "bug"
	TypeFeature IssueType = "feature"
	TypeTask    IssueType = "task"
	TypeEpic    IssueType = "epic"
	TypeChore   IssueType = "chore"
	TypeDoc     IssueType = "doc"
)

// IsValid checks if the issue type value is usable as a tag.
func (t IssueType) IsValid() bool {
	return len(t) >= 1 && len(t) <= 50
}

// Dependency represents a typed edge between two issues. From is the
// blocking issue, parent, or provenance origin; To is the issue the edge
// is attached to in the durable log.
type Dependency struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      DependencyType `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
}

// Key returns the canonical identity of this edge: (from, to, type).
func (d *Dependency) Key() string {
	return fmt.Sprintf("%s--%s--%s", d.From, d.Type, d.To)
}

// Validate checks if the dependency has valid field values.
func (d *Dependency) Validate() error {
	if d.From == "" {
		return fmt.Errorf("from is required")
	}
	if d.To == "" {
		return fmt.Errorf("to is required")
	}
	if d.From == d.To {
		return fmt.Errorf("self-dependency is not allowed")
	}
	if !d.Type.IsValid() {
		return fmt.Errorf("invalid dependency type: %s", d.Type)
	}
	return nil
}

// DependencyType categorizes the relationship between two issues.
type DependencyType string

// Dependency type constants.
const (
	// DepBlocks gates readiness: To cannot be ready while From is not closed.
	DepBlocks DependencyType = "blocks"
	// DepRelated is an undirected "see also" link with no scheduling effect.
	DepRelated DependencyType = "related"
	// DepParentChild places To under From in the hierarchy (max depth 3).
	DepParentChild DependencyType = "parent-child"
	// DepDiscoveredFrom records that To was found while working on From.
	DepDiscoveredFrom DependencyType = "discovered-from"
)

// IsValid checks if the dependency type value is valid.
func (d DependencyType) IsValid() bool {
	switch d {
	case DepBlocks, DepRelated, DepParentChild, DepDiscoveredFrom:
		return true
	}
	return false
}

// MaxHierarchyDepth bounds parent-child nesting (epic > task > subtask).
const MaxHierarchyDepth = 3

// Tombstone records that an issue id was deleted. Tombstones are
// append-only and permanent: a tombstoned id can never be resurrected by
// a merge, and the id is never reused.
type Tombstone struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deleted_at"`
	DeletedBy string    `json:"deleted_by,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Validate checks if the tombstone has valid field values.
func (t *Tombstone) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.DeletedAt.IsZero() {
		return fmt.Errorf("deleted_at is required")
	}
	return nil
}

// IssueFilter is used to filter issue queries. Zero values mean "no
// constraint" (Priority uses a pointer since 0 is a valid priority).
type IssueFilter struct {
	Status    Status
	IssueType IssueType
	Priority  *int
	Assignee  string
	Label     string
	Limit     int
}

// Statistics provides aggregate counts over the store.
type Statistics struct {
	Total      int `json:"total"`
	Open       int `json:"open"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Review     int `json:"review"`
	Closed     int `json:"closed"`
	Ready      int `json:"ready"`
	Tombstones int `json:"tombstones"`
}

// BlockedIssue extends Issue with the ids of its unresolved blockers.
type BlockedIssue struct {
	Issue
	BlockedBy []string `json:"blocked_by"`
}

// TreeNode represents a node in a dependency tree view.
type TreeNode struct {
	Issue
	Depth     int    `json:"depth"`
	ParentID  string `json:"parent_id,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}
