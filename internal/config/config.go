// Package config loads the runtime tunables every remote-backed disk shares
// from ~/.aerodisk/config.toml, following the same load/save idiom as the
// disk registry in this package's sibling file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the ~/.aerodisk/config.toml file.
type Config struct {
	ChunkSizeBytes        int64 `toml:"chunk_size_bytes,omitempty" json:"chunk_size_bytes"`
	MaxConcurrentFetches  int64 `toml:"max_concurrent_fetches,omitempty" json:"max_concurrent_fetches"`
	MaxRetries            int   `toml:"max_retries,omitempty" json:"max_retries"`
	RetryBaseDelayMs      int64 `toml:"retry_base_delay_ms,omitempty" json:"retry_base_delay_ms"`
	ReadAheadChunks       int   `toml:"read_ahead_chunks,omitempty" json:"read_ahead_chunks"`
	RuntimeDiskMaxIOBytes int64 `toml:"runtime_disk_max_io_bytes,omitempty" json:"runtime_disk_max_io_bytes"`
	CacheLimitBytes       int64 `toml:"cache_limit_bytes,omitempty" json:"cache_limit_bytes"`
}

// Defaults returns the constructor defaults applied to any field left zero
// in config.toml (spec §4.4).
func Defaults() Config {
	return Config{
		ChunkSizeBytes:        1 * 1024 * 1024,
		MaxConcurrentFetches:  4,
		MaxRetries:            4,
		RetryBaseDelayMs:      200,
		ReadAheadChunks:       2,
		RuntimeDiskMaxIOBytes: 64 * 1024 * 1024,
		CacheLimitBytes:       512 * 1024 * 1024,
	}
}

// homeDirOverride is set by AERODISK_HOME for tests and non-standard hosts.
var homeDirOverride string

// SetHomeDir overrides the aerodisk home directory.
func SetHomeDir(dir string) { homeDirOverride = dir }

// HomeDir returns the aerodisk home directory.
// Precedence: SetHomeDir > AERODISK_HOME env > ~/.aerodisk
func HomeDir() string {
	if homeDirOverride != "" {
		return homeDirOverride
	}
	if v := os.Getenv("AERODISK_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".aerodisk")
	}
	return filepath.Join(home, ".aerodisk")
}

// ConfigPath returns the full path to config.toml.
func ConfigPath() string {
	return filepath.Join(HomeDir(), "config.toml")
}

// EnsureDir creates the aerodisk home directory if it does not exist.
func EnsureDir() error {
	return os.MkdirAll(HomeDir(), 0o755)
}

// Load reads config.toml, applying Defaults() to any field left at its zero
// value. If the file does not exist, it returns Defaults() unchanged.
func Load() (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var parsed Config
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}
	applyOverrides(&cfg, &parsed)
	return &cfg, nil
}

// applyOverrides copies every non-zero field of parsed onto cfg.
func applyOverrides(cfg, parsed *Config) {
	if parsed.ChunkSizeBytes != 0 {
		cfg.ChunkSizeBytes = parsed.ChunkSizeBytes
	}
	if parsed.MaxConcurrentFetches != 0 {
		cfg.MaxConcurrentFetches = parsed.MaxConcurrentFetches
	}
	if parsed.MaxRetries != 0 {
		cfg.MaxRetries = parsed.MaxRetries
	}
	if parsed.RetryBaseDelayMs != 0 {
		cfg.RetryBaseDelayMs = parsed.RetryBaseDelayMs
	}
	if parsed.ReadAheadChunks != 0 {
		cfg.ReadAheadChunks = parsed.ReadAheadChunks
	}
	if parsed.RuntimeDiskMaxIOBytes != 0 {
		cfg.RuntimeDiskMaxIOBytes = parsed.RuntimeDiskMaxIOBytes
	}
	if parsed.CacheLimitBytes != 0 {
		cfg.CacheLimitBytes = parsed.CacheLimitBytes
	}
}

// Save writes cfg back to config.toml.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0o644)
}
