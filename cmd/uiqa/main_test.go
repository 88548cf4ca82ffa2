package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`
[general]
database_path = %q
artifacts_dir = %q
work_dir = %q

[github]
token = "ghp_from_config_file"
`, filepath.Join(dir, "uiqa.db"), filepath.Join(dir, "artifacts"), filepath.Join(dir, "work"))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })
	return dir
}

func TestOpenApp_SeedsSettingsFromConfig(t *testing.T) {
	dir := writeTestConfig(t)

	a, err := openApp()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := os.Stat(filepath.Join(dir, "artifacts")); err != nil {
		t.Errorf("artifacts dir not created: %v", err)
	}
	eff := a.settings.Effective()
	if eff.GitHubToken != "ghp_from_config_file" || eff.WorkerMode != domain.WorkerLocal {
		t.Errorf("effective settings = %+v", eff)
	}
}

func TestNewSupervisor_StartsIdle(t *testing.T) {
	writeTestConfig(t)

	a, err := openApp()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	sup, err := newSupervisor(a)
	if err != nil {
		t.Fatal(err)
	}
	if sup.Running() {
		t.Error("supervisor should start without a worker")
	}
}

func TestStyleStatus(t *testing.T) {
	for _, s := range []domain.RunStatus{domain.RunQueued, domain.RunTesting, domain.RunSucceeded, domain.RunFailed} {
		if got := styleStatus(s); !strings.Contains(got, string(s)) {
			t.Errorf("styleStatus(%s) = %q", s, got)
		}
	}
}

func TestCompactJSON(t *testing.T) {
	if got := compactJSON([]byte("{\n  \"status\": \"failed\"\n}")); got != `{"status":"failed"}` {
		t.Errorf("compactJSON = %s", got)
	}
	if got := compactJSON([]byte("not json")); got != "not json" {
		t.Errorf("compactJSON passthrough = %s", got)
	}
}
