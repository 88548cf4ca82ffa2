package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoaderLoadEmbedded(t *testing.T) {
	loader := NewLoader() // No override dirs

	tmpl, meta, err := loader.LoadTemplate("analyze.md")
	if err != nil {
		t.Fatalf("failed to load analyze template: %v", err)
	}
	if tmpl == nil {
		t.Fatal("template should not be nil")
	}
	if meta == nil {
		t.Fatal("analyze template should have frontmatter metadata")
	}
	if meta.ID != "analyze" {
		t.Errorf("expected ID 'analyze', got '%s'", meta.ID)
	}
	if len(meta.Tools) != 5 {
		t.Errorf("expected 5 tools, got %v", meta.Tools)
	}
}

func TestLoaderAnalyzePrompt(t *testing.T) {
	loader := NewLoader()

	p, err := loader.Analyze(AnalyzeData{RepoRoot: "/work/repo", AppDir: "app", UIDir: "web"})
	if err != nil {
		t.Fatalf("failed to render: %v", err)
	}
	for _, want := range []string{"Repo root: /work/repo", "App folder: app", "UI folder: web", "Return ONLY valid JSON"} {
		if !strings.Contains(p.Text, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(p.Text, "ui_contract.txt defines") {
		t.Error("contract section should be omitted when there is no contract")
	}
	if strings.HasPrefix(p.Text, "---") {
		t.Error("frontmatter leaked into prompt")
	}

	p, err = loader.Analyze(AnalyzeData{RepoRoot: "/r", Contract: "login -> dashboard"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p.Text, "login -> dashboard") {
		t.Error("contract content missing from prompt")
	}
}

func TestLoaderGenerateAndTriagePrompts(t *testing.T) {
	loader := NewLoader()

	p, err := loader.Generate(GenerateData{
		RepoRoot:         "/r",
		TestsDir:         "web/ui-testing",
		WorkflowsJSON:    `[{"name":"checkout"}]`,
		SelectorStrategy: "data-testid",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p.Text, `"testsDir": "web/ui-testing"`) || !strings.Contains(p.Text, "checkout") {
		t.Errorf("generate prompt missing data:\n%s", p.Text)
	}
	if !contains(p.Tools, "Write") {
		t.Errorf("generate prompt should allow Write, got %v", p.Tools)
	}

	p, err = loader.Triage(TriageData{RepoRoot: "/r", Suite: "smoke", ResultsPath: "/a/results.json"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p.Text, "/a/results.json") {
		t.Error("triage prompt missing results path")
	}
	if contains(p.Tools, "Write") {
		t.Error("triage prompt must be read-only")
	}
}

func TestLoaderMissingKeyFails(t *testing.T) {
	loader := NewLoader()
	if _, err := loader.Render("analyze.md", map[string]string{"RepoRoot": "/r"}); err == nil {
		t.Error("expected error for missing template key")
	}
}

func TestLoaderOverridePrecedence(t *testing.T) {
	projectDir, err := os.MkdirTemp("", "prompts-project-*")
	if err != nil {
		t.Fatalf("failed to create project dir: %v", err)
	}
	defer os.RemoveAll(projectDir)
	userDir := t.TempDir()

	projectContent := "---\nid: analyze\ntools: [Read]\n---\nPROJECT OVERRIDE: {{.RepoRoot}}"
	userContent := `USER OVERRIDE: {{.RepoRoot}}`

	if err := os.WriteFile(filepath.Join(projectDir, "analyze.md"), []byte(projectContent), 0644); err != nil {
		t.Fatalf("failed to write project override: %v", err)
	}
	if err := os.WriteFile(filepath.Join(userDir, "analyze.md"), []byte(userContent), 0644); err != nil {
		t.Fatalf("failed to write user override: %v", err)
	}

	loader := NewLoader(projectDir, userDir)
	p, err := loader.Analyze(AnalyzeData{RepoRoot: "/r"})
	if err != nil {
		t.Fatalf("failed to build prompt: %v", err)
	}
	if p.Text != "PROJECT OVERRIDE: /r" {
		t.Errorf("project override should take precedence, got: %s", p.Text)
	}
	if len(p.Tools) != 1 || p.Tools[0] != "Read" {
		t.Errorf("override tools = %v, want [Read]", p.Tools)
	}

	// user override without frontmatter has no tool list
	p, err = NewLoader(userDir).Analyze(AnalyzeData{RepoRoot: "/r"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Text != "USER OVERRIDE: /r" || p.Tools != nil {
		t.Errorf("user override = %+v", p)
	}
}

func TestLoaderFallbackToEmbedded(t *testing.T) {
	loader := NewLoader(t.TempDir())
	p, err := loader.Triage(TriageData{RepoRoot: "/r", Suite: "regression", ResultsPath: "x.json"})
	if err != nil {
		t.Fatalf("failed to fall back to embedded: %v", err)
	}
	if !strings.Contains(p.Text, "regression suite") {
		t.Errorf("embedded triage prompt not used: %s", p.Text)
	}
}

func TestLoaderList(t *testing.T) {
	metas, err := NewLoader().List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range metas {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "analyze,generate,triage" {
		t.Errorf("List() ids = %v", ids)
	}
}

func TestLoaderCaching(t *testing.T) {
	loader := NewLoader()

	tmpl1, _, err := loader.LoadTemplate("triage.md")
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	tmpl2, _, err := loader.LoadTemplate("triage.md")
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if tmpl1 != tmpl2 {
		t.Error("template should be cached and return same pointer")
	}

	loader.ClearCache()

	tmpl3, _, err := loader.LoadTemplate("triage.md")
	if err != nil {
		t.Fatalf("third load failed: %v", err)
	}
	if tmpl1 == tmpl3 {
		t.Error("template should be reloaded after cache clear")
	}
}

func TestParseFrontmatter(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantID   string
		wantBody string
	}{
		{"none", "just a body", "", "just a body"},
		{"valid", "---\nid: x\n---\nbody", "x", "body"},
		{"unterminated", "---\nid: x\nbody", "", "---\nid: x\nbody"},
		{"crlf", "---\r\nid: y\r\n---\r\nbody", "y", "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, body, err := parseFrontmatter([]byte(tt.content))
			if err != nil {
				t.Fatal(err)
			}
			gotID := ""
			if meta != nil {
				gotID = meta.ID
			}
			if gotID != tt.wantID || body != tt.wantBody {
				t.Errorf("parseFrontmatter() = (%q, %q), want (%q, %q)", gotID, body, tt.wantID, tt.wantBody)
			}
		})
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
