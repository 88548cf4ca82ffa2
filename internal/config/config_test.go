package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Queue.MaxConcurrentRuns != 2 {
		t.Errorf("MaxConcurrentRuns = %d, want 2", cfg.Queue.MaxConcurrentRuns)
	}
	if cfg.Worker.LogLines != 500 {
		t.Errorf("Worker.LogLines = %d, want 500", cfg.Worker.LogLines)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if cfg.StopTimeout() != 10*time.Second {
		t.Errorf("StopTimeout() = %v, want 10s", cfg.StopTimeout())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.IssueConfidenceThreshold != 50 {
		t.Errorf("IssueConfidenceThreshold = %d, want 50", cfg.Pipeline.IssueConfidenceThreshold)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
database_path = "/data/uiqa.db"

[queue]
max_concurrent_runs = 5

[worker]
log_lines = 200
stop_timeout_secs = 3

[web]
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.DatabasePath != "/data/uiqa.db" {
		t.Errorf("DatabasePath = %q, want /data/uiqa.db", cfg.General.DatabasePath)
	}
	if cfg.Queue.MaxConcurrentRuns != 5 {
		t.Errorf("MaxConcurrentRuns = %d, want 5", cfg.Queue.MaxConcurrentRuns)
	}
	if cfg.Worker.LogLines != 200 {
		t.Errorf("LogLines = %d, want 200", cfg.Worker.LogLines)
	}
	if cfg.StopTimeout() != 3*time.Second {
		t.Errorf("StopTimeout() = %v, want 3s", cfg.StopTimeout())
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	// untouched sections keep defaults
	if cfg.Claude.MCPCommand != "npx" {
		t.Errorf("MCPCommand = %q, want npx", cfg.Claude.MCPCommand)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[general\nfoo"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("UIQA_MAX_CONCURRENT_RUNS", "7")
	t.Setenv("UIQA_GITHUB_TOKEN", "ghp_env")
	t.Setenv("UIQA_DATABASE_PATH", "/env/uiqa.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.MaxConcurrentRuns != 7 {
		t.Errorf("MaxConcurrentRuns = %d, want 7", cfg.Queue.MaxConcurrentRuns)
	}
	if cfg.GitHub.Token != "ghp_env" {
		t.Errorf("GitHub.Token = %q, want ghp_env", cfg.GitHub.Token)
	}
	if cfg.General.DatabasePath != "/env/uiqa.db" {
		t.Errorf("DatabasePath = %q", cfg.General.DatabasePath)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.Queue.MaxConcurrentRuns = 4

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Queue.MaxConcurrentRuns != 4 {
		t.Errorf("MaxConcurrentRuns = %d, want 4", loaded.Queue.MaxConcurrentRuns)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
