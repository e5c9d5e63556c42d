package cache

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/skeinhq/skein/internal/types"
)

// benchIssues builds a realistic store: priorities weighted toward 2,
// roughly 30% of issues blocked by an earlier one.
func benchIssues(n int) map[string]*types.Issue {
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	priorities := []int{0, 1, 1, 2, 2, 2, 2, 3, 3, 4}

	issues := make(map[string]*types.Issue, n)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("sk-%04x", i)
		created := base.Add(time.Duration(i) * time.Minute)
		issue := &types.Issue{
			ID:        id,
			Title:     fmt.Sprintf("task %d", i),
			Status:    types.StatusOpen,
			Priority:  priorities[rng.Intn(len(priorities))],
			IssueType: types.TypeTask,
			CreatedAt: created,
			UpdatedAt: created,
		}
		if i > 0 && rng.Float64() < 0.3 {
			blocker := ids[rng.Intn(len(ids))]
			issue.Dependencies = []*types.Dependency{
				{From: blocker, To: id, Type: types.DepBlocks, CreatedAt: created},
			}
		}
		issues[id] = issue
		ids = append(ids, id)
	}
	return issues
}

func benchCache(b *testing.B, n int) *Cache {
	b.Helper()
	c, err := Open(filepath.Join(b.TempDir(), "cache.db"))
	if err != nil {
		b.Fatalf("Open() failed: %v", err)
	}
	b.Cleanup(func() { c.Close() })
	if err := c.Rebuild(context.Background(), benchIssues(n), "bench"); err != nil {
		b.Fatalf("Rebuild() failed: %v", err)
	}
	return c
}

func BenchmarkReady(b *testing.B) {
	for _, n := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("issues=%d", n), func(b *testing.B) {
			c := benchCache(b, n)
			ctx := context.Background()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := c.Ready(ctx, ReadyOptions{Limit: 50}); err != nil {
					b.Fatalf("Ready() failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkReadyConcurrent(b *testing.B) {
	c := benchCache(b, 1000)
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.Ready(ctx, ReadyOptions{Limit: 50}); err != nil {
				b.Fatalf("Ready() failed: %v", err)
			}
		}
	})
}

func BenchmarkRebuild(b *testing.B) {
	for _, n := range []int{100, 1000} {
		b.Run(fmt.Sprintf("issues=%d", n), func(b *testing.B) {
			c, err := Open(filepath.Join(b.TempDir(), "cache.db"))
			if err != nil {
				b.Fatalf("Open() failed: %v", err)
			}
			b.Cleanup(func() { c.Close() })
			issues := benchIssues(n)
			ctx := context.Background()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := c.Rebuild(ctx, issues, fmt.Sprintf("hash-%d", i)); err != nil {
					b.Fatalf("Rebuild() failed: %v", err)
				}
			}
		})
	}
}
