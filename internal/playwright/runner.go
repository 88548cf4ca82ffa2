// Package playwright executes generated Playwright suites against a locally
// started dev server.
package playwright

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/triage"
)

// ExitTimeout is reported when a command exceeded its deadline
const ExitTimeout = 124

// Config controls suite execution
type Config struct {
	// StartCommand overrides the detected dev server command. {port} and
	// {baseUrl} are substituted.
	StartCommand string
	BaseURL      string
	InstallDeps  bool
	Project      string
	ReadyTimeout time.Duration
	SuiteTimeout time.Duration
	// NPX is the npx binary, "npx" when empty
	NPX string
}

// Runner implements pipeline.TestRunner
type Runner struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ pipeline.TestRunner = (*Runner)(nil)

// New creates a Runner
func New(cfg Config, logger *zap.Logger) *Runner {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 90 * time.Second
	}
	if cfg.SuiteTimeout <= 0 {
		cfg.SuiteTimeout = 30 * time.Minute
	}
	if cfg.NPX == "" {
		cfg.NPX = "npx"
	}
	return &Runner{
		cfg:    cfg,
		client: &http.Client{Timeout: 3 * time.Second},
		logger: logger.Named("playwright"),
	}
}

// RunSuite starts the app, runs one suite and stops the app again. Failing
// tests are reported in the result; an error means the suite could not run.
func (r *Runner) RunSuite(ctx context.Context, req pipeline.SuiteRequest) (*pipeline.SuiteResult, error) {
	uiDir := filepath.Join(req.RepoDir, req.UIDir)
	if _, err := os.Stat(filepath.Join(uiDir, "package.json")); err != nil {
		return nil, fmt.Errorf("UI folder missing package.json: %s", uiDir)
	}
	if _, err := os.Stat(req.TestsDir); err != nil {
		return nil, fmt.Errorf("tests folder not found: %s", req.TestsDir)
	}
	if err := os.MkdirAll(req.ArtifactsDir, 0755); err != nil {
		return nil, err
	}

	if r.cfg.InstallDeps {
		if err := r.install(ctx, uiDir, req.ArtifactsDir, "install"); err != nil {
			return nil, err
		}
	}

	port, err := freePort()
	if err != nil {
		return nil, err
	}
	start, err := r.startSpec(req, uiDir, port)
	if err != nil {
		return nil, err
	}

	env := append(os.Environ(),
		"PORT="+strconv.Itoa(port),
		"NODE_OPTIONS=--openssl-legacy-provider",
		"BASE_URL="+start.BaseURL,
		"PLAYWRIGHT_BASE_URL="+start.BaseURL,
		"CI=true",
	)

	server, err := startServer(start.Command, start.Cwd, env, filepath.Join(req.ArtifactsDir, "server.log"))
	if err != nil {
		return nil, fmt.Errorf("starting dev server: %w", err)
	}
	defer server.stop(10 * time.Second)

	r.logger.Info("dev server started",
		zap.String("run_id", req.RunID),
		zap.String("suite", string(req.Suite)),
		zap.String("command", start.Command),
		zap.String("base_url", start.BaseURL))

	if err := r.waitReady(ctx, start.BaseURL, server.exited); err != nil {
		return nil, fmt.Errorf("UI server did not become ready at %s: %w", start.BaseURL, err)
	}

	if r.cfg.InstallDeps {
		if _, err := os.Stat(filepath.Join(req.TestsDir, "package.json")); err == nil {
			if err := r.install(ctx, req.TestsDir, req.ArtifactsDir, "install_tests"); err != nil {
				return nil, err
			}
		}
	}

	return r.runTests(ctx, req, env)
}

func (r *Runner) runTests(ctx context.Context, req pipeline.SuiteRequest, env []string) (*pipeline.SuiteResult, error) {
	outputDir := filepath.Join(req.ArtifactsDir, "playwright")
	reportPath := filepath.Join(req.ArtifactsDir, "results.json")
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	args := []string{"playwright", "test"}
	args = append(args, suiteSelector(req.TestsDir, string(req.Suite))...)
	if r.cfg.Project != "" {
		args = append(args, "--project", r.cfg.Project)
	}
	args = append(args, "--reporter=json", "--output="+outputDir, "--trace=on")

	ctx, cancel := context.WithTimeout(ctx, r.cfg.SuiteTimeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, r.cfg.NPX, args...)
	cmd.Dir = req.TestsDir
	cmd.Env = append(env,
		"PLAYWRIGHT_JSON_OUTPUT_NAME="+reportPath,
		"PLAYWRIGHT_OUTPUT_DIR="+outputDir,
	)
	cmd.Stdout = &stdout
	stderr, err := os.Create(filepath.Join(req.ArtifactsDir, "playwright.stderr.txt"))
	if err != nil {
		return nil, err
	}
	defer stderr.Close()
	cmd.Stderr = stderr

	code, err := exitCode(ctx, cmd.Run())
	if err != nil {
		return nil, fmt.Errorf("running playwright: %w", err)
	}
	os.WriteFile(filepath.Join(req.ArtifactsDir, "playwright.stdout.txt"), stdout.Bytes(), 0644)

	// older reporters ignore PLAYWRIGHT_JSON_OUTPUT_NAME and print to stdout
	if _, err := os.Stat(reportPath); err != nil {
		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) > 0 && out[0] == '{' && json.Valid(out) {
			if err := os.WriteFile(reportPath, out, 0644); err != nil {
				return nil, err
			}
		}
	}

	res := &pipeline.SuiteResult{Suite: req.Suite, ExitCode: code}
	if data, err := os.ReadFile(reportPath); err == nil {
		res.ReportPath = reportPath
		if _, counts, err := triage.ParseReport(data, req.Suite); err == nil {
			res.Passed, res.Failed = counts.Passed, counts.Failed
		} else {
			r.logger.Warn("unreadable playwright report", zap.String("path", reportPath), zap.Error(err))
		}
	}
	r.logger.Info("suite finished",
		zap.String("run_id", req.RunID),
		zap.String("suite", string(req.Suite)),
		zap.Int("exit_code", code),
		zap.Int("passed", res.Passed),
		zap.Int("failed", res.Failed))
	return res, nil
}

// startSpec resolves how to start the app: configured override, then the
// analyzed command, then the package.json scripts.
func (r *Runner) startSpec(req pipeline.SuiteRequest, uiDir string, port int) (pipeline.StartSpec, error) {
	base := r.cfg.BaseURL
	if base == "" {
		base = fmt.Sprintf("http://127.0.0.1:%d", port)
	}
	expand := func(s string) string {
		return strings.NewReplacer("{port}", strconv.Itoa(port), "{baseUrl}", base).Replace(s)
	}

	if r.cfg.StartCommand != "" {
		return pipeline.StartSpec{Cwd: uiDir, Command: expand(r.cfg.StartCommand), BaseURL: base}, nil
	}
	if req.Start.Command != "" {
		spec := pipeline.StartSpec{Cwd: uiDir, Command: req.Start.Command, BaseURL: base}
		if req.Start.Cwd != "" {
			spec.Cwd = filepath.Join(req.RepoDir, req.Start.Cwd)
		}
		if req.Start.BaseURL != "" && r.cfg.BaseURL == "" {
			spec.BaseURL = req.Start.BaseURL
		}
		return spec, nil
	}

	cmd, err := scriptCommand(uiDir, port)
	if err != nil {
		return pipeline.StartSpec{}, err
	}
	return pipeline.StartSpec{Cwd: uiDir, Command: cmd, BaseURL: base}, nil
}

func scriptCommand(uiDir string, port int) (string, error) {
	data, err := os.ReadFile(filepath.Join(uiDir, "package.json"))
	if err != nil {
		return "", err
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "", fmt.Errorf("parsing package.json: %w", err)
	}

	pm := packageManager(uiDir)
	switch {
	case pkg.Scripts["dev"] != "":
		switch pm {
		case "npm":
			return fmt.Sprintf("npm run dev -- --host 127.0.0.1 --port %d", port), nil
		case "pnpm":
			return fmt.Sprintf("pnpm dev -- --host 127.0.0.1 --port %d", port), nil
		default:
			return fmt.Sprintf("yarn dev --host 127.0.0.1 --port %d", port), nil
		}
	case pkg.Scripts["start"] != "":
		return pm + " run start", nil
	}
	return "", fmt.Errorf("no dev/start script found in %s/package.json", uiDir)
}

func packageManager(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, "pnpm-lock.yaml")); err == nil {
		return "pnpm"
	}
	if _, err := os.Stat(filepath.Join(dir, "yarn.lock")); err == nil {
		return "yarn"
	}
	return "npm"
}

var installCommands = map[string][2]string{
	"npm":  {"npm ci", "npm install"},
	"pnpm": {"pnpm install --frozen-lockfile", "pnpm install"},
	"yarn": {"yarn install --frozen-lockfile", "yarn install"},
}

// install runs the locked install, falling back to a plain install
func (r *Runner) install(ctx context.Context, dir, artifacts, name string) error {
	cmds := installCommands[packageManager(dir)]
	logPath := filepath.Join(artifacts, name+".log")
	var err error
	for _, c := range cmds {
		if err = runLogged(ctx, c, dir, logPath); err == nil {
			return nil
		}
		r.logger.Warn("dependency install failed", zap.String("dir", dir), zap.String("command", c), zap.Error(err))
	}
	return fmt.Errorf("dependency install failed in %s (see %s): %w", dir, logPath, err)
}

func runLogged(ctx context.Context, command, dir, logPath string) error {
	f, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer f.Close()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = f
	cmd.Stderr = f
	return cmd.Run()
}

// suiteSelector picks tests/<suite>.spec.* when present, else greps by tag
func suiteSelector(testsDir, suite string) []string {
	for _, ext := range []string{".spec.ts", ".spec.js", ".test.ts", ".test.js"} {
		rel := filepath.Join("tests", suite+ext)
		if _, err := os.Stat(filepath.Join(testsDir, rel)); err == nil {
			return []string{rel}
		}
	}
	return []string{"--grep", suite}
}

// waitReady polls baseURL until it answers below 500
func (r *Runner) waitReady(ctx context.Context, baseURL string, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return err
		}
		if resp, err := r.client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errors.New("server process exited")
		case <-ticker.C:
		}
	}
}

func exitCode(ctx context.Context, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return ExitTimeout, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
