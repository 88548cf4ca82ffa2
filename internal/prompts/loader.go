package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds the frontmatter of a template.
type TemplateMeta struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools"`
}

// Prompt is a rendered template together with the tools it may use.
type Prompt struct {
	Text  string
	Tools []string
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .uiqa/prompts/
// 2. User config: ~/.config/uiqa/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".uiqa", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "uiqa", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, path.Join("templates", name))
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by file name (e.g., "analyze.md").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Render executes a template and returns the prompt with its tool list.
func (l *Loader) Render(name string, data any) (Prompt, error) {
	tmpl, meta, err := l.LoadTemplate(name)
	if err != nil {
		return Prompt{}, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return Prompt{}, fmt.Errorf("execute %s: %w", name, err)
	}

	p := Prompt{Text: buf.String()}
	if meta != nil {
		p.Tools = meta.Tools
	}
	return p, nil
}

// List returns the metadata of all embedded templates, sorted by id.
func (l *Loader) List() ([]*TemplateMeta, error) {
	entries, err := fs.ReadDir(embeddedFS, "templates")
	if err != nil {
		return nil, err
	}

	var result []*TemplateMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		_, meta, err := l.LoadTemplate(entry.Name())
		if err != nil {
			return nil, err
		}
		if meta != nil {
			result = append(result, meta)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// AnalyzeData holds template variables for analyze.md
type AnalyzeData struct {
	RepoRoot string
	AppDir   string
	UIDir    string
	Contract string
}

// GenerateData holds template variables for generate.md
type GenerateData struct {
	RepoRoot         string
	TestsDir         string
	WorkflowsJSON    string
	SelectorStrategy string
}

// TriageData holds template variables for triage.md
type TriageData struct {
	RepoRoot    string
	Suite       string
	ResultsPath string
}

// Analyze renders the repository analysis prompt
func (l *Loader) Analyze(data AnalyzeData) (Prompt, error) {
	return l.Render("analyze.md", data)
}

// Generate renders the test generation prompt
func (l *Loader) Generate(data GenerateData) (Prompt, error) {
	return l.Render("generate.md", data)
}

// Triage renders the failure triage prompt
func (l *Loader) Triage(data TriageData) (Prompt, error) {
	return l.Render("triage.md", data)
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
