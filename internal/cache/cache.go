// Package cache maintains the local query projection of the durable log.
//
// The projection is an embedded SQLite database (WAL mode) that is never
// the source of truth: it can be deleted and rebuilt from the log at any
// time. A meta table records the hash of the log the projection was built
// from, so readers can detect staleness and reimport before answering.
//
// Schema:
//   - issues: one row per live issue, with computed is_blocked and
//     on_cycle flags
//   - deps: one row per dependency edge
//   - blocked_cache: transitive blocker sets for blocked issues
//   - meta: key/value bookkeeping (source log hash, rebuild time)
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/skeinhq/skein/internal/errs"
	"github.com/skeinhq/skein/internal/graph"
	"github.com/skeinhq/skein/internal/types"
)

// Cache wraps the SQLite projection. Safe for concurrent readers; writes
// serialize through WAL with a 5 second busy timeout.
type Cache struct {
	conn *sql.DB
	path string
}

// Open opens (creating if necessary) the projection database at path and
// ensures the schema exists. The caller must Close when done.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	c := &Cache{conn: conn, path: path}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := c.conn.Exec(pragma); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := c.initSchema(context.Background()); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Close checkpoints the WAL and closes the connection.
func (c *Cache) Close() error {
	if c.conn == nil {
		return nil
	}
	if _, err := c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	c.conn = nil
	return nil
}

// Path returns the database file path.
func (c *Cache) Path() string {
	return c.path
}

func (c *Cache) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		priority INTEGER NOT NULL DEFAULT 2,
		assignee TEXT,
		labels TEXT,  -- JSON array
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		closed_at TEXT,
		close_reason TEXT,
		due_at TEXT,
		defer_until TEXT,

		-- Computed on rebuild for fast ready queries
		is_blocked INTEGER NOT NULL DEFAULT 0,
		on_cycle INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS deps (
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		type TEXT NOT NULL,  -- blocks, related, parent-child, discovered-from
		created_at TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, type),
		FOREIGN KEY (to_id) REFERENCES issues(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS blocked_cache (
		issue_id TEXT PRIMARY KEY,
		blocked_by TEXT,  -- JSON array of blocker ids, transitive
		computed_at TEXT NOT NULL,
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
	CREATE INDEX IF NOT EXISTS idx_issues_assignee ON issues(assignee);
	CREATE INDEX IF NOT EXISTS idx_issues_ready
	    ON issues(status, is_blocked, on_cycle, defer_until, priority);

	CREATE INDEX IF NOT EXISTS idx_deps_to ON deps(to_id);
	CREATE INDEX IF NOT EXISTS idx_deps_from ON deps(from_id);
	CREATE INDEX IF NOT EXISTS idx_deps_blocks
	    ON deps(type, from_id) WHERE type = 'blocks';
	`
	if _, err := c.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

const (
	metaSourceHash = "source_hash"
	metaRebuiltAt  = "rebuilt_at"
)

// Rebuild replaces the projection with the given collapsed log view and
// records sourceHash as its provenance. Edges whose from side does not
// exist in the view are skipped; the graph package surfaces them as
// dangling for doctor to report.
func (c *Cache) Rebuild(ctx context.Context, issues map[string]*types.Issue, sourceHash string) error {
	g := graph.Build(issues)
	onCycle := g.OnCycle()

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rebuild: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"blocked_cache", "deps", "issues"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	insertIssue := `
	INSERT INTO issues (
		id, title, description, type, status, priority, assignee, labels,
		created_at, updated_at, closed_at, close_reason, due_at, defer_until,
		is_blocked, on_cycle
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	insertDep := `INSERT OR IGNORE INTO deps (from_id, to_id, type, created_at) VALUES (?, ?, ?, ?)`

	for _, issue := range issues {
		labelsJSON, err := json.Marshal(issue.Labels)
		if err != nil {
			return fmt.Errorf("failed to marshal labels for %s: %w", issue.ID, err)
		}
		cycle := 0
		if onCycle[issue.ID] {
			cycle = 1
		}
		_, err = tx.ExecContext(ctx, insertIssue,
			issue.ID,
			issue.Title,
			issue.Description,
			string(issue.IssueType),
			string(issue.Status),
			issue.Priority,
			issue.Assignee,
			string(labelsJSON),
			issue.CreatedAt.UTC().Format(time.RFC3339Nano),
			issue.UpdatedAt.UTC().Format(time.RFC3339Nano),
			timeToNull(issue.ClosedAt),
			issue.CloseReason,
			timeToNull(issue.DueAt),
			timeToNull(issue.DeferUntil),
			cycle,
		)
		if err != nil {
			return fmt.Errorf("failed to insert issue %s: %w", issue.ID, err)
		}
	}

	for _, issue := range issues {
		for _, dep := range issue.Dependencies {
			if issues[dep.From] == nil {
				continue // dangling edge
			}
			_, err := tx.ExecContext(ctx, insertDep,
				dep.From, dep.To, string(dep.Type), dep.CreatedAt.UTC().Format(time.RFC3339Nano))
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s: %w", dep.Key(), err)
			}
		}
	}

	if err := refreshBlocked(ctx, tx); err != nil {
		return err
	}

	setMeta := `INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := tx.ExecContext(ctx, setMeta, metaSourceHash, sourceHash); err != nil {
		return fmt.Errorf("failed to record source hash: %w", err)
	}
	if _, err := tx.ExecContext(ctx, setMeta, metaRebuiltAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to record rebuild time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return nil
}

// refreshBlocked recomputes blocked_cache and the is_blocked flags.
// The recursive walk only passes through non-closed blockers, so an
// issue whose every direct blocker is closed comes out unblocked.
func refreshBlocked(ctx context.Context, tx *sql.Tx) error {
	query := `
	WITH RECURSIVE blocked AS (
		SELECT to_id AS issue_id, from_id AS blocker
		FROM deps
		WHERE type = 'blocks'
		  AND from_id IN (SELECT id FROM issues WHERE status != 'closed')

		UNION

		SELECT b.issue_id, d.from_id
		FROM blocked b
		JOIN deps d ON d.to_id = b.blocker
		WHERE d.type = 'blocks'
		  AND d.from_id IN (SELECT id FROM issues WHERE status != 'closed')
	)
	INSERT INTO blocked_cache (issue_id, blocked_by, computed_at)
	SELECT issue_id, json_group_array(blocker), datetime('now')
	FROM blocked
	GROUP BY issue_id
	`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to compute blocked cache: %w", err)
	}

	update := `
	UPDATE issues SET is_blocked =
		CASE WHEN id IN (SELECT issue_id FROM blocked_cache) THEN 1 ELSE 0 END
	`
	if _, err := tx.ExecContext(ctx, update); err != nil {
		return fmt.Errorf("failed to update is_blocked flags: %w", err)
	}
	return nil
}

// SourceHash returns the hash of the log this projection was built from,
// or "" when the projection has never been built.
func (c *Cache) SourceHash(ctx context.Context) (string, error) {
	var value string
	err := c.conn.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaSourceHash).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read source hash: %w", err)
	}
	return value, nil
}

// ClearSourceHash forgets the recorded log hash so the next rebuild
// check treats the projection as stale.
func (c *Cache) ClearSourceHash(ctx context.Context) error {
	_, err := c.conn.ExecContext(ctx, "DELETE FROM meta WHERE key = ?", metaSourceHash)
	if err != nil {
		return fmt.Errorf("failed to clear source hash: %w", err)
	}
	return nil
}

var issueCols = []string{
	"id", "title", "description", "type", "status", "priority", "assignee", "labels",
	"created_at", "updated_at", "closed_at", "close_reason", "due_at", "defer_until",
	"is_blocked", "on_cycle",
}

var issueColumns = strings.Join(issueCols, ", ")

// qualifiedColumns prefixes every column with a table alias, needed when
// joining json_each whose virtual columns shadow id and type.
func qualifiedColumns(alias string) string {
	out := make([]string, len(issueCols))
	for i, col := range issueCols {
		out[i] = alias + "." + col
	}
	return strings.Join(out, ", ")
}

// Get retrieves a single issue with its dependency edges attached.
func (c *Cache) Get(ctx context.Context, id string) (*types.Issue, error) {
	row := c.conn.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssue(row.Scan)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issue %s: %w", id, err)
	}
	if err := c.attachDeps(ctx, []*types.Issue{issue}); err != nil {
		return nil, err
	}
	return issue, nil
}

// ReadyOptions configures the Ready query.
type ReadyOptions struct {
	// IncludeDeferred includes issues whose defer_until has not passed.
	IncludeDeferred bool
	// Assignee restricts to one assignee ("" = all).
	Assignee string
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Ready returns issues that can be worked on now: open, not blocked by
// any non-closed issue, not part of a dependency cycle, and past any
// defer time. Ordered by priority, critical first, then age.
func (c *Cache) Ready(ctx context.Context, opts ReadyOptions) ([]*types.Issue, error) {
	conditions := []string{"status = ?", "is_blocked = 0", "on_cycle = 0"}
	args := []interface{}{string(types.StatusOpen)}

	if !opts.IncludeDeferred {
		conditions = append(conditions, "(defer_until IS NULL OR defer_until <= ?)")
		args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	}
	if opts.Assignee != "" {
		conditions = append(conditions, "assignee = ?")
		args = append(args, opts.Assignee)
	}

	query := `SELECT ` + issueColumns + ` FROM issues WHERE ` +
		strings.Join(conditions, " AND ") +
		` ORDER BY priority DESC, created_at ASC`
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	return c.queryIssues(ctx, query, args...)
}

// List retrieves issues matching the filter, ordered by priority, critical first, then age.
func (c *Cache) List(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "i.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.IssueType != "" {
		conditions = append(conditions, "i.type = ?")
		args = append(args, string(filter.IssueType))
	}
	if filter.Priority != nil {
		conditions = append(conditions, "i.priority = ?")
		args = append(args, *filter.Priority)
	}
	if filter.Assignee != "" {
		conditions = append(conditions, "i.assignee = ?")
		args = append(args, filter.Assignee)
	}

	selectClause := "SELECT"
	joinClause := ""
	if filter.Label != "" {
		selectClause = "SELECT DISTINCT"
		joinClause = ", json_each(i.labels)"
		conditions = append(conditions, "json_each.value = ?")
		args = append(args, filter.Label)
	}

	query := selectClause + " " + qualifiedColumns("i") + " FROM issues i" + joinClause
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY i.priority DESC, i.created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return c.queryIssues(ctx, query, args...)
}

// Blocked returns non-closed issues that have at least one non-closed
// direct blocker, with those blockers listed.
func (c *Cache) Blocked(ctx context.Context) ([]*types.BlockedIssue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues
	WHERE is_blocked = 1 AND status != ?
	ORDER BY priority DESC, created_at ASC`

	issues, err := c.queryIssues(ctx, query, string(types.StatusClosed))
	if err != nil {
		return nil, err
	}

	out := make([]*types.BlockedIssue, 0, len(issues))
	for _, issue := range issues {
		blockers, err := c.openBlockers(ctx, issue.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, &types.BlockedIssue{Issue: *issue, BlockedBy: blockers})
	}
	return out, nil
}

// openBlockers returns the non-closed direct blockers of an issue.
func (c *Cache) openBlockers(ctx context.Context, id string) ([]string, error) {
	query := `
	SELECT d.from_id
	FROM deps d
	JOIN issues b ON b.id = d.from_id
	WHERE d.to_id = ? AND d.type = 'blocks' AND b.status != 'closed'
	ORDER BY d.from_id
	`
	rows, err := c.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query blockers of %s: %w", id, err)
	}
	defer rows.Close()

	var blockers []string
	for rows.Next() {
		var from string
		if err := rows.Scan(&from); err != nil {
			return nil, fmt.Errorf("failed to scan blocker: %w", err)
		}
		blockers = append(blockers, from)
	}
	return blockers, rows.Err()
}

// OnCycle returns the ids of issues flagged as part of a dependency
// cycle, sorted.
func (c *Cache) OnCycle(ctx context.Context) ([]string, error) {
	rows, err := c.conn.QueryContext(ctx, "SELECT id FROM issues WHERE on_cycle = 1")
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan cycle member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Stats aggregates issue counts by status plus the ready count.
func (c *Cache) Stats(ctx context.Context) (*types.Statistics, error) {
	stats := &types.Statistics{}

	rows, err := c.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM issues GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.Total += count
		switch types.Status(status) {
		case types.StatusOpen:
			stats.Open = count
		case types.StatusInProgress:
			stats.InProgress = count
		case types.StatusBlocked:
			stats.Blocked = count
		case types.StatusReview:
			stats.Review = count
		case types.StatusClosed:
			stats.Closed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ready := `
	SELECT COUNT(*) FROM issues
	WHERE status = ? AND is_blocked = 0 AND on_cycle = 0
	  AND (defer_until IS NULL OR defer_until <= ?)
	`
	err = c.conn.QueryRowContext(ctx, ready,
		string(types.StatusOpen), time.Now().UTC().Format(time.RFC3339Nano)).Scan(&stats.Ready)
	if err != nil {
		return nil, fmt.Errorf("failed to count ready issues: %w", err)
	}
	return stats, nil
}

// Snapshot loads every issue with edges attached, keyed by id. Used by
// commands that need the full graph.
func (c *Cache) Snapshot(ctx context.Context) (map[string]*types.Issue, error) {
	issues, err := c.queryIssues(ctx, `SELECT `+issueColumns+` FROM issues`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.Issue, len(issues))
	for _, issue := range issues {
		out[issue.ID] = issue
	}
	return out, nil
}

func (c *Cache) queryIssues(ctx context.Context, query string, args ...interface{}) ([]*types.Issue, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []*types.Issue
	for rows.Next() {
		issue, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}
	if err := c.attachDeps(ctx, issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// attachDeps loads the incoming edges for each issue in one query.
func (c *Cache) attachDeps(ctx context.Context, issues []*types.Issue) error {
	if len(issues) == 0 {
		return nil
	}

	byID := make(map[string]*types.Issue, len(issues))
	placeholders := make([]string, 0, len(issues))
	args := make([]interface{}, 0, len(issues))
	for _, issue := range issues {
		byID[issue.ID] = issue
		placeholders = append(placeholders, "?")
		args = append(args, issue.ID)
	}

	query := `
	SELECT from_id, to_id, type, created_at
	FROM deps
	WHERE to_id IN (` + strings.Join(placeholders, ",") + `)
	ORDER BY created_at ASC, from_id ASC
	`
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dep types.Dependency
		var typ, createdAt string
		if err := rows.Scan(&dep.From, &dep.To, &typ, &createdAt); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		dep.Type = types.DependencyType(typ)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			dep.CreatedAt = t
		}
		if issue := byID[dep.To]; issue != nil {
			issue.Dependencies = append(issue.Dependencies, &dep)
		}
	}
	return rows.Err()
}

// scanIssue reads one issues row. The scan argument abstracts over
// sql.Row and sql.Rows.
func scanIssue(scan func(dest ...interface{}) error) (*types.Issue, error) {
	var issue types.Issue
	var typ, status, labelsJSON string
	var createdAt, updatedAt string
	var closedAt, dueAt, deferUntil sql.NullString
	var description, assignee, closeReason sql.NullString
	var isBlocked, onCycle int

	err := scan(
		&issue.ID, &issue.Title, &description, &typ, &status, &issue.Priority,
		&assignee, &labelsJSON, &createdAt, &updatedAt,
		&closedAt, &closeReason, &dueAt, &deferUntil,
		&isBlocked, &onCycle,
	)
	if err != nil {
		return nil, err
	}

	issue.Description = description.String
	issue.Assignee = assignee.String
	issue.CloseReason = closeReason.String
	issue.IssueType = types.IssueType(typ)
	issue.Status = types.Status(status)

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		issue.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		issue.UpdatedAt = t
	}
	issue.ClosedAt = nullToTime(closedAt)
	issue.DueAt = nullToTime(dueAt)
	issue.DeferUntil = nullToTime(deferUntil)

	if labelsJSON != "" && labelsJSON != "null" {
		if err := json.Unmarshal([]byte(labelsJSON), &issue.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}

	return &issue, nil
}

func timeToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
