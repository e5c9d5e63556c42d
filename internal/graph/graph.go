// Package graph answers structural queries over the issue dependency
// graph: cycle detection on the blocks subgraph, parent-child hierarchy
// checks, and tree traversals for display.
//
// The graph is built from an already-collapsed issue set (one record per
// live id) and is immutable once built; callers rebuild it after imports.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/skeinhq/skein/internal/errs"
	"github.com/skeinhq/skein/internal/types"
)

// Graph is an in-memory view of the dependency edges between live issues.
type Graph struct {
	issues map[string]*types.Issue

	// blocks adjacency: blocker id -> issues it blocks.
	blocks map[string][]string
	// reverse blocks adjacency: issue id -> its direct blockers.
	blockedBy map[string][]string

	parent   map[string]string
	children map[string][]string
}

// Build constructs a Graph from the collapsed issue set. Edges that point
// at unknown (deleted or never-seen) ids are kept out of the adjacency but
// reported by Dangling.
func Build(issues map[string]*types.Issue) *Graph {
	g := &Graph{
		issues:    issues,
		blocks:    make(map[string][]string),
		blockedBy: make(map[string][]string),
		parent:    make(map[string]string),
		children:  make(map[string][]string),
	}

	for id, issue := range issues {
		for _, dep := range issue.Dependencies {
			if issues[dep.From] == nil {
				continue
			}
			switch dep.Type {
			case types.DepBlocks:
				g.blocks[dep.From] = append(g.blocks[dep.From], id)
				g.blockedBy[id] = append(g.blockedBy[id], dep.From)
			case types.DepParentChild:
				g.parent[id] = dep.From
				g.children[dep.From] = append(g.children[dep.From], id)
			}
		}
	}

	for parent := range g.children {
		g.sortByCreation(g.children[parent])
	}
	return g
}

func (g *Graph) sortByCreation(ids []string) {
	sort.Slice(ids, func(a, b int) bool {
		ia, ib := g.issues[ids[a]], g.issues[ids[b]]
		if !ia.CreatedAt.Equal(ib.CreatedAt) {
			return ia.CreatedAt.Before(ib.CreatedAt)
		}
		return ids[a] < ids[b]
	})
}

// DetectCycles finds cycles in the blocks subgraph and returns the cycle
// paths, each normalized to start at its lexicographically smallest id so
// the same cycle found from different entry points deduplicates. Runs an
// O(V+E) DFS with a shared visited set.
func (g *Graph) DetectCycles() [][]string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var allCycles [][]string

	var dfs func(node string, path []string)
	dfs = func(node string, path []string) {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, next := range g.blocks[node] {
			if !visited[next] {
				dfs(next, path)
			} else if recStack[next] {
				start := -1
				for i, n := range path {
					if n == next {
						start = i
						break
					}
				}
				if start >= 0 {
					cycle := make([]string, len(path)-start)
					copy(cycle, path[start:])
					allCycles = append(allCycles, cycle)
				}
			}
		}

		recStack[node] = false
	}

	roots := make([]string, 0, len(g.blocks))
	for node := range g.blocks {
		roots = append(roots, node)
	}
	sort.Strings(roots)
	for _, node := range roots {
		if !visited[node] {
			dfs(node, nil)
		}
	}

	seen := make(map[string]bool)
	var unique [][]string
	for _, cycle := range allCycles {
		normalized := normalizeCycle(cycle)
		key := strings.Join(normalized, "\x00")
		if !seen[key] {
			seen[key] = true
			unique = append(unique, normalized)
		}
	}
	return unique
}

// OnCycle returns the set of issue ids that sit on any blocks cycle.
// These issues are excluded from ready work until the cycle is broken:
// an issue whose blocking status cannot be resolved is never scheduled.
func (g *Graph) OnCycle() map[string]bool {
	out := make(map[string]bool)
	for _, cycle := range g.DetectCycles() {
		for _, id := range cycle {
			out[id] = true
		}
	}
	return out
}

// normalizeCycle rotates a cycle to start with the smallest id.
func normalizeCycle(cycle []string) []string {
	if len(cycle) == 0 {
		return cycle
	}
	minIdx := 0
	for i, id := range cycle {
		if id < cycle[minIdx] {
			minIdx = i
		}
	}
	out := make([]string, len(cycle))
	for i := range cycle {
		out[i] = cycle[(minIdx+i)%len(cycle)]
	}
	return out
}

// Parent returns the parent id of an issue, or "".
func (g *Graph) Parent(id string) string { return g.parent[id] }

// Children returns the direct children of an issue in creation order.
func (g *Graph) Children(id string) []string {
	return append([]string(nil), g.children[id]...)
}

// Ancestors returns the chain of parents from the immediate parent up to
// the root. A parent loop (possible only through a hostile merge) is cut
// rather than followed forever.
func (g *Graph) Ancestors(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	for current := g.parent[id]; current != ""; current = g.parent[current] {
		if seen[current] {
			break
		}
		seen[current] = true
		out = append(out, current)
	}
	return out
}

// Depth returns the hierarchy depth of an issue: 1 for a top-level issue,
// 2 for its children, and so on.
func (g *Graph) Depth(id string) int {
	return len(g.Ancestors(id)) + 1
}

// CheckHierarchyDepth verifies that making child a child of parent keeps
// the hierarchy within types.MaxHierarchyDepth levels, counting the
// subtree already hanging under child. Returns errs.ErrDepthExceeded.
func (g *Graph) CheckHierarchyDepth(parent, child string) error {
	depth := g.Depth(parent) + 1 + g.subtreeHeight(child)
	if depth > types.MaxHierarchyDepth {
		return fmt.Errorf("%w: %s under %s would reach depth %d (max %d)",
			errs.ErrDepthExceeded, child, parent, depth, types.MaxHierarchyDepth)
	}
	return nil
}

// subtreeHeight returns the number of levels below id (0 for a leaf).
func (g *Graph) subtreeHeight(id string) int {
	max := 0
	for _, c := range g.children[id] {
		if h := g.subtreeHeight(c) + 1; h > max {
			max = h
		}
	}
	return max
}

// DisplayName derives the hierarchical dotted name for an issue: the root
// ancestor's id followed by the sibling ordinal at each level, e.g.
// "sk-a1b2.2.1" for the first child of the root's second child.
func (g *Graph) DisplayName(id string) string {
	if g.issues[id] == nil {
		return id
	}
	chain := g.Ancestors(id)
	if len(chain) == 0 {
		return id
	}

	root := chain[len(chain)-1]
	parts := []string{root}

	// Walk back down from the root, recording each step's ordinal.
	path := append([]string{id}, chain...)
	for i := len(path) - 2; i >= 0; i-- {
		node, parent := path[i], path[i+1]
		ordinal := 0
		for n, sibling := range g.children[parent] {
			if sibling == node {
				ordinal = n + 1
				break
			}
		}
		parts = append(parts, fmt.Sprintf("%d", ordinal))
	}
	return strings.Join(parts, ".")
}

// Subtree returns the dependency tree rooted at id in depth-first order,
// following parent-child and blocks edges. Traversal past maxDepth marks
// the node truncated instead of recursing; maxDepth <= 0 means unbounded.
func (g *Graph) Subtree(id string, maxDepth int) []*types.TreeNode {
	var nodes []*types.TreeNode
	seen := make(map[string]bool)

	var walk func(id, parentID string, depth int)
	walk = func(id, parentID string, depth int) {
		issue := g.issues[id]
		if issue == nil {
			return
		}
		node := &types.TreeNode{Issue: *issue, Depth: depth, ParentID: parentID}
		nodes = append(nodes, node)

		if seen[id] {
			node.Truncated = true
			return
		}
		seen[id] = true

		next := append(g.Children(id), g.sortedBlocked(id)...)
		if len(next) > 0 && maxDepth > 0 && depth >= maxDepth {
			node.Truncated = true
			return
		}
		for _, c := range next {
			walk(c, id, depth+1)
		}
	}

	walk(id, "", 0)
	return nodes
}

func (g *Graph) sortedBlocked(id string) []string {
	out := append([]string(nil), g.blocks[id]...)
	sort.Strings(out)
	return out
}

// BlockedBy returns the direct blockers of an issue, sorted.
func (g *Graph) BlockedBy(id string) []string {
	out := append([]string(nil), g.blockedBy[id]...)
	sort.Strings(out)
	return out
}

// Blocks returns the issues directly blocked by an issue, sorted.
func (g *Graph) Blocks(id string) []string {
	return g.sortedBlocked(id)
}

// Dangling returns edges whose From side is not a live issue, keyed by
// the issue carrying the edge. Doctor reports these.
func (g *Graph) Dangling() map[string][]*types.Dependency {
	out := make(map[string][]*types.Dependency)
	for id, issue := range g.issues {
		for _, dep := range issue.Dependencies {
			if g.issues[dep.From] == nil {
				out[id] = append(out[id], dep)
			}
		}
	}
	return out
}
