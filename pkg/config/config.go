// Package config defines the runtime configuration for replicat.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// YAML config file, and command-line flags. Flags win over the file, the
// file wins over defaults. Only flags the user explicitly set participate in
// the merge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/replicat-io/replicat/pkg/plog"
	"github.com/replicat-io/replicat/pkg/util"
)

// Archive formats accepted by the deletion archive.
const (
	FormatTarGz  = "tar.gz"
	FormatTarZst = "tar.zst"
)

// ArchiveConfig controls the optional deletion archive: files the pruner is
// about to remove are first appended to a per-pass tarball in Dir.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Format  string `yaml:"format"`
	// MaxAgeDays prunes old archive tarballs; 0 keeps them forever.
	MaxAgeDays int `yaml:"max_age_days"`
}

// Config is the complete runtime configuration.
type Config struct {
	Source          string        `yaml:"source"`
	Replica         string        `yaml:"replica"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	LogFile         string        `yaml:"log_file"`
	LogLevel        string        `yaml:"log_level"`
	DryRun          bool          `yaml:"dry_run"`
	MinFreeSpaceMB  int64         `yaml:"min_free_space_mb"`
	Archive         ArchiveConfig `yaml:"archive"`
}

// NewDefault returns a Config with sensible defaults. Source and Replica are
// intentionally empty to force user configuration.
func NewDefault() Config {
	return Config{
		Source:          "",
		Replica:         "",
		IntervalSeconds: 10,
		LogFile:         "replicat.log",
		LogLevel:        "info",
		MinFreeSpaceMB:  0, // Disabled by default.
		Archive: ArchiveConfig{
			Enabled:    false,
			Format:     FormatTarGz,
			MaxAgeDays: 30,
		},
	}
}

// LoadFile reads and parses a YAML configuration file over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := NewDefault()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// MergeFlags overrides config values with the flags the user explicitly set.
// The map holds only those flags (see cmd/replicat's flag handling).
func (c *Config) MergeFlags(flagMap map[string]any) {
	if v, ok := flagMap["source"].(string); ok {
		c.Source = v
	}
	if v, ok := flagMap["replica"].(string); ok {
		c.Replica = v
	}
	if v, ok := flagMap["interval"].(int); ok {
		c.IntervalSeconds = v
	}
	if v, ok := flagMap["log"].(string); ok {
		c.LogFile = v + ".log"
	}
	if v, ok := flagMap["log-level"].(string); ok {
		c.LogLevel = v
	}
	if v, ok := flagMap["dry-run"].(bool); ok {
		c.DryRun = v
	}
	if v, ok := flagMap["min-free-space-mb"].(int64); ok {
		c.MinFreeSpaceMB = v
	}
	if v, ok := flagMap["archive"].(bool); ok {
		c.Archive.Enabled = v
	}
	if v, ok := flagMap["archive-dir"].(string); ok {
		c.Archive.Dir = v
	}
	if v, ok := flagMap["archive-format"].(string); ok {
		c.Archive.Format = v
	}
}

// Normalize expands and absolutizes the configured paths. It must run before
// Validate.
func (c *Config) Normalize() error {
	for name, p := range map[string]*string{"source": &c.Source, "replica": &c.Replica, "archive dir": &c.Archive.Dir} {
		if *p == "" {
			continue
		}
		expanded, err := util.ExpandPath(*p)
		if err != nil {
			return fmt.Errorf("failed to expand %s path: %w", name, err)
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return fmt.Errorf("failed to resolve %s path: %w", name, err)
		}
		*p = abs
	}
	return nil
}

// Validate checks the configuration for internal consistency. It does not
// touch the filesystem; preflight owns those checks.
func (c Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source path is required")
	}
	if c.Replica == "" {
		return fmt.Errorf("replica path is required")
	}
	if c.IntervalSeconds <= 0 {
		return fmt.Errorf("sync interval must be a positive integer number of seconds, got %d", c.IntervalSeconds)
	}
	if c.LogFile == "" {
		return fmt.Errorf("log file name is required")
	}

	if c.Source == c.Replica {
		return fmt.Errorf("source and replica must be different directories")
	}
	// A nested pair would mirror the tree into itself forever.
	if util.IsSubPath(c.Source, c.Replica) {
		return fmt.Errorf("replica %s must not be inside source %s", c.Replica, c.Source)
	}
	if util.IsSubPath(c.Replica, c.Source) {
		return fmt.Errorf("source %s must not be inside replica %s", c.Source, c.Replica)
	}

	if c.Archive.Enabled {
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required when the deletion archive is enabled")
		}
		// Archives inside the replica would themselves be pruned.
		if util.IsSubPath(c.Replica, c.Archive.Dir) {
			return fmt.Errorf("archive dir %s must not be inside replica %s", c.Archive.Dir, c.Replica)
		}
		if c.Archive.Format != FormatTarGz && c.Archive.Format != FormatTarZst {
			return fmt.Errorf("archive.format must be %q or %q, got %q", FormatTarGz, FormatTarZst, c.Archive.Format)
		}
		if c.Archive.MaxAgeDays < 0 {
			return fmt.Errorf("archive.max_age_days must not be negative")
		}
	}
	return nil
}

// Interval returns the polling interval as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// LogSummary prints the effective configuration at startup.
func (c Config) LogSummary() {
	plog.Info("Configuration",
		"source", c.Source,
		"replica", c.Replica,
		"interval", c.Interval(),
		"logFile", c.LogFile,
		"logLevel", c.LogLevel,
		"dryRun", c.DryRun,
		"archive", c.Archive.Enabled,
	)
}
