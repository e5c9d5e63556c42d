// Package syncer coordinates the durable log with the local projection.
//
// The Store is the single entry point for reads and mutations. Every
// read path first compares the log hash against the hash the projection
// was built from and reimports when they diverge, so query results never
// trail a git pull or merge. Mutations apply to an in-memory collapsed
// view and are exported back to the log by Flush; a command coalesces
// all of its mutations into one export, and the daemon debounces bursts
// with a Debouncer.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skeinhq/skein/internal/cache"
	"github.com/skeinhq/skein/internal/config"
	"github.com/skeinhq/skein/internal/errs"
	"github.com/skeinhq/skein/internal/graph"
	"github.com/skeinhq/skein/internal/idgen"
	"github.com/skeinhq/skein/internal/journal"
	"github.com/skeinhq/skein/internal/types"
)

// Store ties together the journal, the query cache, and id generation
// for one repository. Safe for concurrent use.
type Store struct {
	journal *journal.Journal
	cache   *cache.Cache
	cfg     *config.Config
	gen     *idgen.Generator
	logger  *log.Logger

	mu             sync.Mutex
	issues         map[string]*types.Issue
	knownIDs       map[string]bool
	tombstoneCount int
	pending        []*types.Tombstone
	dirty          bool
	projected      bool
	loadedHash     string
}

// pendingHash marks a projection built from unexported in-memory state.
// It never matches a real log hash, so the next clean read rebuilds from
// the log.
const pendingHash = "pending"

// Open opens the store rooted at the given state directory. If logger is
// nil, a default logger writing to stderr is used.
func Open(stateDir string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[skein] ", log.LstdFlags)
	}

	j, err := journal.Open(stateDir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(stateDir)
	if err != nil {
		return nil, err
	}
	writerID, err := config.WriterID(stateDir)
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(filepath.Join(stateDir, journal.CacheFile))
	if err != nil {
		return nil, err
	}

	return &Store{
		journal: j,
		cache:   c,
		cfg:     cfg,
		gen:     idgen.New(cfg.IDPrefix, writerID),
		logger:  logger,
	}, nil
}

// Close flushes any pending mutations and releases the cache.
func (s *Store) Close() error {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		if err := s.Flush(context.Background()); err != nil {
			_ = s.cache.Close()
			return err
		}
	}
	return s.cache.Close()
}

// Config returns the loaded repository settings.
func (s *Store) Config() *config.Config { return s.cfg }

// Journal returns the underlying log.
func (s *Store) Journal() *journal.Journal { return s.journal }

// Cache returns the underlying projection. Callers that query it
// directly should call Refresh first.
func (s *Store) Cache() *cache.Cache { return s.cache }

// Refresh reimports the log into the projection if the log has changed
// since the projection was last built. Returns ErrMergeConflict when the
// log still contains conflict markers from an unresolved merge.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Store) refreshLocked(ctx context.Context) error {
	// Unexported mutations take precedence over the log until Flush:
	// project them into the cache so reads issued after a mutation in
	// the same process always observe it.
	if s.dirty {
		if !s.projected {
			if err := s.cache.Rebuild(ctx, s.issues, pendingHash); err != nil {
				return fmt.Errorf("%w: %v", errs.ErrCorruption, err)
			}
			s.projected = true
		}
		return nil
	}

	hash, err := s.journal.Hash()
	if err != nil {
		return err
	}
	if s.issues != nil && hash == s.loadedHash {
		return nil
	}

	cacheHash, err := s.cache.SourceHash(ctx)
	if err != nil {
		return err
	}

	issues, err := s.journal.ReadIssues()
	if err != nil {
		return err
	}
	tombstones, err := s.journal.ReadTombstones()
	if err != nil {
		return err
	}

	collapsed := journal.Collapse(issues, tombstones)
	if cacheHash != hash {
		s.logger.Printf("log changed (hash %.8s), rebuilding projection with %d issues", hash, len(collapsed))
		if err := s.cache.Rebuild(ctx, collapsed, hash); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrCorruption, err)
		}
	}

	known := make(map[string]bool, len(issues)+len(tombstones))
	for _, issue := range issues {
		known[issue.ID] = true
	}
	for _, ts := range tombstones {
		known[ts.ID] = true
	}

	s.issues = collapsed
	s.knownIDs = known
	s.tombstoneCount = len(tombstones)
	s.loadedHash = hash
	return nil
}

// AutoFlush exports pending mutations unless auto-sync is disabled, in
// which case the export is deferred until Close or an explicit Flush.
func (s *Store) AutoFlush(ctx context.Context) error {
	if !s.cfg.AutoSync {
		return nil
	}
	return s.Flush(ctx)
}

// Rebuild exports anything pending and reimports the log
// unconditionally, rebuilding the projection even when the log hash
// matches the cached one.
func (s *Store) Rebuild(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = nil
	s.loadedHash = ""
	if err := s.cache.ClearSourceHash(ctx); err != nil {
		return err
	}
	return s.refreshLocked(ctx)
}

// Flush exports pending mutations to the log and rebuilds the
// projection. A no-op when nothing changed.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	all := make([]*types.Issue, 0, len(s.issues))
	for _, issue := range s.issues {
		all = append(all, issue)
	}
	if err := s.journal.WriteIssues(all); err != nil {
		return err
	}
	if len(s.pending) > 0 {
		if err := s.journal.AppendTombstones(s.pending...); err != nil {
			return err
		}
		s.tombstoneCount += len(s.pending)
		s.pending = nil
	}

	hash, err := s.journal.Hash()
	if err != nil {
		return err
	}
	if err := s.cache.Rebuild(ctx, s.issues, hash); err != nil {
		return err
	}
	s.loadedHash = hash
	s.dirty = false
	s.projected = false
	s.logger.Printf("exported %d issues to log (hash %.8s)", len(all), hash)
	return nil
}

// Create allocates an id for the issue, applies defaults, and records
// it. The assigned id is set on the issue and returned.
func (s *Store) Create(ctx context.Context, issue *types.Issue) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}

	issue.SetDefaults()
	id, err := s.gen.Allocate(s.knownIDs, issue.Title, issue.CreatedAt)
	if err != nil {
		return "", err
	}
	issue.ID = id
	for _, dep := range issue.Dependencies {
		dep.To = id
	}
	if err := issue.Validate(); err != nil {
		return "", err
	}

	s.issues[id] = issue
	s.knownIDs[id] = true
	s.dirty = true
	s.projected = false
	return id, nil
}

// Update applies mutate to a copy of the issue and commits the copy if
// mutate succeeds. UpdatedAt is bumped automatically.
func (s *Store) Update(ctx context.Context, id string, mutate func(*types.Issue) error) (*types.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx); err != nil {
		return nil, err
	}

	current, ok := s.issues[id]
	if !ok {
		return nil, errs.NotFound(id)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Touch()
	if err := next.Validate(); err != nil {
		return nil, err
	}

	s.issues[id] = next
	s.dirty = true
	s.projected = false
	return next.Clone(), nil
}

// Delete tombstones an issue. The id can never be reused and the
// deletion survives any future merge.
func (s *Store) Delete(ctx context.Context, id, deletedBy, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx); err != nil {
		return err
	}

	if _, ok := s.issues[id]; !ok {
		return errs.NotFound(id)
	}

	delete(s.issues, id)
	s.pending = append(s.pending, &types.Tombstone{
		ID:        id,
		DeletedAt: time.Now().UTC(),
		DeletedBy: deletedBy,
		Reason:    reason,
	})
	s.dirty = true
	s.projected = false
	return nil
}

// AddDependency records an edge on the To-side issue. Self-edges are
// rejected, duplicates are idempotent, and parent-child edges are
// checked against the hierarchy depth limit.
func (s *Store) AddDependency(ctx context.Context, dep *types.Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx); err != nil {
		return err
	}

	if dep.From == dep.To {
		return fmt.Errorf("issue %s cannot depend on itself", dep.To)
	}
	target, ok := s.issues[dep.To]
	if !ok {
		return errs.NotFound(dep.To)
	}
	if _, ok := s.issues[dep.From]; !ok {
		return errs.NotFound(dep.From)
	}

	for _, existing := range target.Dependencies {
		if existing.Key() == dep.Key() {
			return nil
		}
	}

	if dep.Type == types.DepParentChild {
		if target.Parent() != "" {
			return fmt.Errorf("issue %s already has parent %s", dep.To, target.Parent())
		}
		g := graph.Build(s.issues)
		if err := g.CheckHierarchyDepth(dep.From, dep.To); err != nil {
			return err
		}
	}

	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}
	next := target.Clone()
	next.Dependencies = append(next.Dependencies, dep)
	next.Touch()
	s.issues[dep.To] = next
	s.dirty = true
	s.projected = false

	if dep.Type == types.DepBlocks {
		if cycles := graph.Build(s.issues).DetectCycles(); len(cycles) > 0 {
			s.logger.Printf("warning: dependency %s completes a cycle; members are excluded from ready work", dep.Key())
		}
	}
	return nil
}

// RemoveDependency deletes an edge. Removing an absent edge is an error
// so typos surface instead of silently succeeding.
func (s *Store) RemoveDependency(ctx context.Context, from, to string, typ types.DependencyType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx); err != nil {
		return err
	}

	target, ok := s.issues[to]
	if !ok {
		return errs.NotFound(to)
	}

	key := (&types.Dependency{From: from, To: to, Type: typ}).Key()
	next := target.Clone()
	kept := next.Dependencies[:0]
	found := false
	for _, dep := range next.Dependencies {
		if dep.Key() == key {
			found = true
			continue
		}
		kept = append(kept, dep)
	}
	if !found {
		return fmt.Errorf("%w: no %s edge from %s to %s", errs.ErrNotFound, typ, from, to)
	}
	next.Dependencies = kept
	next.Touch()
	s.issues[to] = next
	s.dirty = true
	s.projected = false
	return nil
}

// Get returns one issue, refreshing the projection first.
func (s *Store) Get(ctx context.Context, id string) (*types.Issue, error) {
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.cache.Get(ctx, id)
}

// List returns issues matching the filter, refreshing first.
func (s *Store) List(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.cache.List(ctx, filter)
}

// Ready returns actionable issues, refreshing first.
func (s *Store) Ready(ctx context.Context, opts cache.ReadyOptions) ([]*types.Issue, error) {
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.cache.Ready(ctx, opts)
}

// Blocked returns blocked issues with their blockers, refreshing first.
func (s *Store) Blocked(ctx context.Context) ([]*types.BlockedIssue, error) {
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.cache.Blocked(ctx)
}

// Stats aggregates store-wide counts, refreshing first.
func (s *Store) Stats(ctx context.Context) (*types.Statistics, error) {
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	stats.Tombstones = s.tombstoneCount + len(s.pending)
	s.mu.Unlock()
	return stats, nil
}

// Graph builds the dependency graph over the current collapsed view,
// refreshing first.
func (s *Store) Graph(ctx context.Context) (*graph.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return graph.Build(s.issues), nil
}

// Snapshot returns a copy of the collapsed view keyed by id.
func (s *Store) Snapshot(ctx context.Context) (map[string]*types.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]*types.Issue, len(s.issues))
	for id, issue := range s.issues {
		out[id] = issue.Clone()
	}
	return out, nil
}
