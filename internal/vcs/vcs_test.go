package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// initRepo creates a throwaway git repository, skipping when git is not
// installed in the test environment.
func initRepo(t *testing.T) *Git {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}

	g, err := Detect(dir)
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	return g
}

func TestDetect_OutsideRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	_, err := Detect(t.TempDir())
	if !errors.Is(err, ErrNotInRepo) {
		t.Errorf("Detect() error = %v, want ErrNotInRepo", err)
	}
}

func TestInstallMergeDriver(t *testing.T) {
	g := initRepo(t)
	ctx := context.Background()

	if err := g.InstallMergeDriver(ctx); err != nil {
		t.Fatalf("InstallMergeDriver() failed: %v", err)
	}

	driver, err := g.Exec(ctx, "config", "merge.skein.driver")
	if err != nil {
		t.Fatalf("driver not configured: %v", err)
	}
	if !strings.Contains(driver, "skein merge-file") {
		t.Errorf("driver = %q, want skein merge-file invocation", driver)
	}

	attrs, err := os.ReadFile(filepath.Join(g.Root(), ".gitattributes"))
	if err != nil {
		t.Fatalf("failed to read .gitattributes: %v", err)
	}
	if !strings.Contains(string(attrs), "issues.jsonl merge=skein") {
		t.Error(".gitattributes missing issues log driver line")
	}
	if !strings.Contains(string(attrs), "tombstones.jsonl merge=union") {
		t.Error(".gitattributes missing tombstone union line")
	}

	// Second install must not duplicate lines.
	if err := g.InstallMergeDriver(ctx); err != nil {
		t.Fatalf("second InstallMergeDriver() failed: %v", err)
	}
	again, _ := os.ReadFile(filepath.Join(g.Root(), ".gitattributes"))
	if strings.Count(string(again), "merge=skein") != 1 {
		t.Errorf(".gitattributes grew on reinstall:\n%s", again)
	}
}

func TestInstallHooks(t *testing.T) {
	g := initRepo(t)

	skipped, err := g.InstallHooks()
	if err != nil {
		t.Fatalf("InstallHooks() failed: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %v on fresh repo", skipped)
	}

	for _, name := range []string{"post-merge", "pre-push"} {
		path := filepath.Join(g.GitDir(), "hooks", name)
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("hook %s not written: %v", name, err)
		}
		if info.Mode()&0100 == 0 {
			t.Errorf("hook %s not executable", name)
		}
	}
}

func TestInstallHooks_PreservesForeignHook(t *testing.T) {
	g := initRepo(t)

	hooksDir := filepath.Join(g.GitDir(), "hooks")
	if err := os.MkdirAll(hooksDir, 0755); err != nil {
		t.Fatal(err)
	}
	foreign := "#!/bin/sh\necho user hook\n"
	path := filepath.Join(hooksDir, "pre-push")
	if err := os.WriteFile(path, []byte(foreign), 0755); err != nil {
		t.Fatal(err)
	}

	skipped, err := g.InstallHooks()
	if err != nil {
		t.Fatalf("InstallHooks() failed: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != "pre-push" {
		t.Errorf("skipped = %v, want [pre-push]", skipped)
	}

	got, _ := os.ReadFile(path)
	if string(got) != foreign {
		t.Error("foreign hook was overwritten")
	}
}

func TestIgnoreStateDir(t *testing.T) {
	g := initRepo(t)

	if err := g.IgnoreStateDir(); err != nil {
		t.Fatalf("IgnoreStateDir() failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(g.Root(), ".gitignore"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(got), ".skein/\n") {
		t.Errorf(".gitignore = %q, want the whole state dir ignored", got)
	}
}

func TestAppendMissingLines_CreatesAndDeduplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".gitignore")

	if err := appendMissingLines(path, []string{"a", "b"}); err != nil {
		t.Fatalf("appendMissingLines() failed: %v", err)
	}
	if err := appendMissingLines(path, []string{"b", "c"}); err != nil {
		t.Fatalf("second appendMissingLines() failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a\nb\nc\n" {
		t.Errorf("file = %q, want a, b, c once each", got)
	}
}

func TestAppendMissingLines_HandlesMissingTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".gitignore")
	if err := os.WriteFile(path, []byte("existing"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := appendMissingLines(path, []string{"added"}); err != nil {
		t.Fatalf("appendMissingLines() failed: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "existing\nadded\n" {
		t.Errorf("file = %q", got)
	}
}
