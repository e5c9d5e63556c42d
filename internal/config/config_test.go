package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.IDPrefix != "sk" {
		t.Errorf("IDPrefix = %q, want sk", cfg.IDPrefix)
	}
	if cfg.SyncDebounce != 5*time.Second {
		t.Errorf("SyncDebounce = %v, want 5s", cfg.SyncDebounce)
	}
	if !cfg.AutoSync {
		t.Error("AutoSync should default to true")
	}
}

func TestWriteThenLoad(t *testing.T) {
	dir := t.TempDir()

	want := Default()
	want.IDPrefix = "proj"
	want.SyncDebounce = 30 * time.Second
	want.AutoSync = false
	if err := Write(dir, want); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.IDPrefix != "proj" || got.SyncDebounce != 30*time.Second || got.AutoSync {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, Default()); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	t.Setenv("SKEIN_ID_PREFIX", "env")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.IDPrefix != "env" {
		t.Errorf("IDPrefix = %q, want env override", cfg.IDPrefix)
	}
}

func TestWrite_RejectsBadPrefix(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.IDPrefix = "Bad Prefix"
	if err := Write(dir, cfg); err == nil {
		t.Error("Write() accepted a non-alphanumeric prefix")
	}
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("id_prefix: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("Load() accepted malformed yaml")
	}
}

func TestWriterID_StableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := WriterID(dir)
	if err != nil {
		t.Fatalf("WriterID() failed: %v", err)
	}
	if first == "" {
		t.Fatal("WriterID() returned empty identity")
	}

	second, err := WriterID(dir)
	if err != nil {
		t.Fatalf("WriterID() failed: %v", err)
	}
	if second != first {
		t.Errorf("writer identity changed between calls: %s then %s", first, second)
	}
}

func TestWriterID_DistinctPerClone(t *testing.T) {
	a, err := WriterID(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := WriterID(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two clones received the same writer identity")
	}
}
