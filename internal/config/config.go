// Package config loads and persists the client's local configuration,
// using the same atomic-write-plus-flock pattern the rest of this module
// uses for its on-disk state.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const configFileName = "config.json"
const lockFileName = "config.json.lock"

// Default tunables applied when the caller leaves a field zero.
const (
	DefaultMaxCacheSizeBytes = 50 * 1024 * 1024
	DefaultMaxCachedQueries  = 100
	DefaultReconnectDelayMS  = 1000
)

// Config holds every tunable the client core reads at startup. Flag and
// environment parsing live with the embedding application; this struct is
// the shape it is expected to populate.
type Config struct {
	PersistenceDir    string `json:"persistence_dir"`
	SyncEnabled       bool   `json:"sync_enabled"`
	BaseURL           string `json:"base_url"`
	MaxCacheSizeBytes int64  `json:"max_cache_size_bytes"`
	MaxCachedQueries  int    `json:"max_cached_queries"`
	ReconnectDelayMS  int    `json:"reconnect_delay_ms"`
	VerboseLogging    bool   `json:"verbose_logging"`
}

// WithDefaults fills in zero-valued fields with their defaults, leaving
// anything the caller already set untouched.
func (c Config) WithDefaults() Config {
	if c.MaxCacheSizeBytes == 0 {
		c.MaxCacheSizeBytes = DefaultMaxCacheSizeBytes
	}
	if c.MaxCachedQueries == 0 {
		c.MaxCachedQueries = DefaultMaxCachedQueries
	}
	if c.ReconnectDelayMS == 0 {
		c.ReconnectDelayMS = DefaultReconnectDelayMS
	}
	return c
}

// Load reads config.json from baseDir, returning a zero-value Config
// (before defaults are applied) if no file exists yet.
func Load(baseDir string) (*Config, error) {
	path := filepath.Join(baseDir, configFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to baseDir/config.json atomically: temp file in the
// same directory, then rename.
func Save(baseDir string, cfg *Config) error {
	path := filepath.Join(baseDir, configFileName)

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(baseDir, "config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}

// withConfigLock serializes config read-modify-write cycles across
// processes using an OS file lock, the same mechanism
// store/lock_unix.go and store/lock_windows.go use for the triple
// store's write lock, applied here behind the same cross-platform split.
func withConfigLock(baseDir string, fn func() error) error {
	lockPath := filepath.Join(baseDir, lockFileName)

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := flockExclusive(f.Fd()); err != nil {
		return err
	}
	defer flockUnlock(f.Fd())

	return fn()
}

// Update loads the config, applies mutate, and saves it back under the
// cross-process lock.
func Update(baseDir string, mutate func(*Config)) error {
	return withConfigLock(baseDir, func() error {
		cfg, err := Load(baseDir)
		if err != nil {
			return err
		}
		mutate(cfg)
		return Save(baseDir, cfg)
	})
}
