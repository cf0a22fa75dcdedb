package config

import (
	"github.com/hyperjump/studyfed/internal/debounce"
	"github.com/hyperjump/studyfed/internal/models"
	"github.com/hyperjump/studyfed/internal/query"
	"github.com/hyperjump/studyfed/internal/search"
)

// DefaultLocalSourceName names the local datastore when no sources are configured.
const DefaultLocalSourceName = "local"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/studyfed/data/db/studies.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/studyfed/data/indices/bleve"
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = []models.Source{{Name: DefaultLocalSourceName, Local: true}}
	}
	if cfg.Session.PageSize == 0 {
		cfg.Session.PageSize = 50
	}
	if cfg.Session.DebounceMS == 0 {
		cfg.Session.DebounceMS = int(debounce.DefaultDelay.Milliseconds())
	}
	if cfg.Session.LocalProvider == "" {
		cfg.Session.LocalProvider = query.DefaultLocalProvider
	}
	if cfg.Session.MaxConcurrentSources == 0 {
		cfg.Session.MaxConcurrentSources = search.DefaultMaxConcurrentSources
	}
	if len(cfg.Session.RequiredFields) == 0 {
		cfg.Session.RequiredFields = append([]string(nil), models.DefaultRequiredFields...)
	}
	if cfg.Remote.TimeoutSeconds == 0 {
		cfg.Remote.TimeoutSeconds = 30
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".json", ".yaml", ".yml"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
