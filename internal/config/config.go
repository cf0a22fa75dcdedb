// Package config provides configuration loading and structs for the studyfed server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/studyfed/internal/models"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug   bool            `yaml:"debug"`
	Server  ServerConfig    `yaml:"server"`
	Storage StorageConfig   `yaml:"storage"`
	Sources []models.Source `yaml:"sources"`
	Session SessionConfig   `yaml:"session"`
	Remote  RemoteConfig    `yaml:"remote"`
	Watch   WatchConfig     `yaml:"watch"`
}

// WatchConfig holds inbox directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and the study index.
type StorageConfig struct {
	DatabasePath   string `yaml:"database_path"`
	BleveIndexPath string `yaml:"bleve_index_path"`
}

// SessionConfig holds query federation and live sync settings.
type SessionConfig struct {
	PageSize             int      `yaml:"page_size"`
	DebounceMS           int      `yaml:"debounce_ms"`
	FilterDuplicates     bool     `yaml:"filter_duplicates"`
	LocalProvider        string   `yaml:"local_provider"`
	MaxConcurrentSources int      `yaml:"max_concurrent_sources"`
	RequiredFields       []string `yaml:"required_fields"`
	DefaultGroup         []string `yaml:"default_group"`
	ResyncOnFailure      bool     `yaml:"resync_on_failure"`
}

// DebounceDelay returns the quiet period before a reconciliation pass.
func (s *SessionConfig) DebounceDelay() time.Duration {
	return time.Duration(s.DebounceMS) * time.Millisecond
}

// RemoteConfig holds settings for querying remote archives.
type RemoteConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the per-request timeout for remote queries.
func (r *RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed, or the sources are inconsistent.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Validate checks source names and endpoints.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Sources))
	locals := 0
	for _, s := range c.Sources {
		if s.Name == "" {
			return models.NewConfigurationError("source with empty name")
		}
		if seen[s.Name] {
			return models.NewConfigurationError("duplicate source %q", s.Name)
		}
		seen[s.Name] = true
		if s.Local {
			locals++
			continue
		}
		if s.Host == "" || s.Port <= 0 {
			return models.NewConfigurationError("remote source %q needs host and port", s.Name)
		}
	}
	if locals > 1 {
		return models.NewConfigurationError("at most one local source, found %d", locals)
	}
	for _, name := range c.Session.DefaultGroup {
		if !seen[name] {
			return models.NewConfigurationError("default group names unknown source %q", name)
		}
	}
	return nil
}

// LocalSource returns the configured local datastore source.
func (c *Config) LocalSource() (models.Source, bool) {
	for _, s := range c.Sources {
		if s.Local {
			return s, true
		}
	}
	return models.Source{}, false
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
