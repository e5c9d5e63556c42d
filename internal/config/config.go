// Package config loads and persists per-repo settings from
// .skein/config.yaml, with SKEIN_* environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/skeinhq/skein/internal/journal"
)

// Config holds the tracked settings for one repository. The file is
// committed alongside the issue log so every clone shares the same id
// prefix and sync behavior.
type Config struct {
	// IDPrefix is prepended to every generated issue id.
	IDPrefix string `yaml:"id_prefix" mapstructure:"id_prefix"`

	// SyncDebounce is how long the daemon coalesces mutations before
	// exporting to the log.
	SyncDebounce time.Duration `yaml:"sync_debounce" mapstructure:"sync_debounce"`

	// AutoSync controls whether mutating commands export to the log
	// immediately. When false the export is deferred until the store
	// closes or an explicit `skein sync`.
	AutoSync bool `yaml:"auto_sync" mapstructure:"auto_sync"`

	// DefaultPriority is assigned to issues created without a
	// --priority flag. Range 0 (lowest) to 4 (critical).
	DefaultPriority int `yaml:"default_priority" mapstructure:"default_priority"`
}

// Default returns the settings written by skein init.
func Default() *Config {
	return &Config{
		IDPrefix:        "sk",
		SyncDebounce:    5 * time.Second,
		AutoSync:        true,
		DefaultPriority: 2,
	}
}

// Load reads config.yaml from the state directory. A missing file yields
// the defaults; environment variables such as SKEIN_ID_PREFIX override
// either.
func Load(stateDir string) (*Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("id_prefix", def.IDPrefix)
	v.SetDefault("sync_debounce", def.SyncDebounce)
	v.SetDefault("auto_sync", def.AutoSync)
	v.SetDefault("default_priority", def.DefaultPriority)

	v.SetEnvPrefix("SKEIN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path := filepath.Join(stateDir, journal.ConfigFile)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	return &cfg, nil
}

// fileConfig is the on-disk shape. Durations are written as strings so
// the committed file stays editable by hand.
type fileConfig struct {
	IDPrefix        string `yaml:"id_prefix"`
	SyncDebounce    string `yaml:"sync_debounce"`
	AutoSync        bool   `yaml:"auto_sync"`
	DefaultPriority int    `yaml:"default_priority"`
}

// Write persists cfg to config.yaml in the state directory.
func Write(stateDir string, cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(fileConfig{
		IDPrefix:        cfg.IDPrefix,
		SyncDebounce:    cfg.SyncDebounce.String(),
		AutoSync:        cfg.AutoSync,
		DefaultPriority: cfg.DefaultPriority,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	path := filepath.Join(stateDir, journal.ConfigFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.IDPrefix == "" {
		return fmt.Errorf("id_prefix cannot be empty")
	}
	for _, r := range c.IDPrefix {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return fmt.Errorf("id_prefix %q must be lowercase alphanumeric", c.IDPrefix)
		}
	}
	if c.SyncDebounce < 0 {
		return fmt.Errorf("sync_debounce cannot be negative")
	}
	if c.DefaultPriority < 0 || c.DefaultPriority > 4 {
		return fmt.Errorf("default_priority %d out of range 0-4", c.DefaultPriority)
	}
	return nil
}

// WriterID returns this clone's stable writer identity, generating and
// persisting one on first use. The file is untracked: each clone gets
// its own identity so concurrent writers hash ids into distinct
// sequences.
func WriterID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, journal.WriterFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read writer identity: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to persist writer identity: %w", err)
	}
	return id, nil
}
