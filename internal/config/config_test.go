package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/studyfed/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
sources:
  - name: local
    local: true
  - name: remote-x
    host: pacs.example.org
    ae_title: PACSX
    port: 11112
    streaming: true
    rate_limit: 5
session:
  debounce_ms: 150
  filter_duplicates: true
  default_group: [local, remote-x]
remote:
  timeout_seconds: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("sources = %+v", cfg.Sources)
	}
	remote := cfg.Sources[1]
	if remote.AETitle != "PACSX" || remote.Port != 11112 || !remote.Streaming || remote.RateLimit != 5 {
		t.Errorf("remote source = %+v", remote)
	}
	if local, ok := cfg.LocalSource(); !ok || local.Name != "local" {
		t.Errorf("LocalSource() = %+v, %v", local, ok)
	}
	if cfg.Session.DebounceDelay() != 150*time.Millisecond {
		t.Errorf("DebounceDelay = %v", cfg.Session.DebounceDelay())
	}
	if !cfg.Session.FilterDuplicates {
		t.Error("filter_duplicates should be true")
	}
	if cfg.Remote.Timeout() != 5*time.Second {
		t.Errorf("Timeout = %v", cfg.Remote.Timeout())
	}
}

func TestLoad_debugTrue(t *testing.T) {
	cfg, err := Load(writeConfig(t, "debug: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_rejectsBadSources(t *testing.T) {
	tests := map[string]string{
		"duplicate": `
sources:
  - {name: a, local: true}
  - {name: a, host: h, port: 1}
`,
		"two locals": `
sources:
  - {name: a, local: true}
  - {name: b, local: true}
`,
		"remote without host": `
sources:
  - {name: r, port: 104}
`,
		"unknown default group member": `
sources:
  - {name: a, local: true}
session:
  default_group: [b]
`,
		"empty name": `
sources:
  - {local: true}
`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			if !models.IsConfigurationError(err) {
				t.Errorf("Load() error = %v, want configuration error", err)
			}
		})
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: "./data/db/studies.db"
watch:
  directories: ["./inbox"]
`)
	dir := filepath.Dir(path)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "studies.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	if len(cfg.Watch.Directories) != 1 || cfg.Watch.Directories[0] != filepath.Join(dir, "inbox") {
		t.Errorf("watch directories = %v", cfg.Watch.Directories)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" || cfg.Server.Port != 8080 {
		t.Errorf("default server: %+v", cfg.Server)
	}
	if len(cfg.Sources) != 1 || !cfg.Sources[0].Local || cfg.Sources[0].Name != DefaultLocalSourceName {
		t.Errorf("default sources: %+v", cfg.Sources)
	}
	if cfg.Session.DebounceDelay() != 300*time.Millisecond {
		t.Errorf("default debounce: %v", cfg.Session.DebounceDelay())
	}
	if cfg.Session.LocalProvider != "studies" {
		t.Errorf("default local provider: %q", cfg.Session.LocalProvider)
	}
	if cfg.Session.MaxConcurrentSources != 8 || cfg.Session.PageSize != 50 {
		t.Errorf("default session: %+v", cfg.Session)
	}
	if len(cfg.Session.RequiredFields) != len(models.DefaultRequiredFields) {
		t.Errorf("required fields: %v", cfg.Session.RequiredFields)
	}
	if cfg.Remote.Timeout() != 30*time.Second {
		t.Errorf("default remote timeout: %v", cfg.Remote.Timeout())
	}
	if len(cfg.Watch.Extensions) != 3 || cfg.Watch.Extensions[0] != ".json" {
		t.Errorf("watch extensions: got %v", cfg.Watch.Extensions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestApplyDefaults_WatchRecursiveWhenDirectoriesSet(t *testing.T) {
	cfg := &Config{Watch: WatchConfig{Directories: []string{"/tmp/inbox"}}}
	ApplyDefaults(cfg)
	if cfg.Watch.Recursive == nil || !*cfg.Watch.Recursive {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name string
		in   *bool
		want bool
	}{
		{"nil", nil, true},
		{"true", &yes, true},
		{"false", &no, false},
	}
	for _, tt := range tests {
		w := &WatchConfig{Recursive: tt.in}
		if got := w.RecursiveOrDefault(); got != tt.want {
			t.Errorf("%s: RecursiveOrDefault() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DatabasePath: "/tmp/db"},
		Sources: []models.Source{{Name: "local", Local: true}, {Name: "r", Host: "h", Port: 104}},
		Watch:   WatchConfig{Directories: []string{"/tmp/inbox"}},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
	if len(loaded.Sources) != 2 || loaded.Sources[1].Host != "h" {
		t.Errorf("loaded sources: %+v", loaded.Sources)
	}
	if len(loaded.Watch.Directories) != 1 || loaded.Watch.Directories[0] != "/tmp/inbox" {
		t.Errorf("loaded watch: %+v", loaded.Watch)
	}
}
