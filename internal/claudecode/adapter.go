// Package claudecode implements repository comprehension by calling Claude
// Code through its MCP server in one-shot mode.
package claudecode

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/mcp"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/prompts"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/triage"
)

// ToolName is the single tool exposed by the claude-code MCP server
const ToolName = "claude_code"

// DefaultTestsDir is where generated tests live, relative to the UI folder
const DefaultTestsDir = "ui-testing"

// Session is one connection to the MCP server
type Session interface {
	CallTool(name string, arguments map[string]any) (*mcp.ToolResult, error)
	Close() error
}

// Dialer opens a session. The session must stop when ctx is done.
type Dialer func(ctx context.Context) (Session, error)

// Config configures the adapter
type Config struct {
	Command string
	Args    []string
	// Env is appended to the process environment
	Env     []string
	Timeout time.Duration
}

// Adapter implements pipeline.Comprehension
type Adapter struct {
	cfg     Config
	prompts *prompts.Loader
	dial    Dialer
	logger  *zap.Logger
}

var _ pipeline.Comprehension = (*Adapter)(nil)

// New creates an Adapter that spawns cfg.Command for every call
func New(cfg Config, loader *prompts.Loader, logger *zap.Logger) *Adapter {
	a := &Adapter{cfg: cfg, prompts: loader, logger: logger.Named("claudecode")}
	a.dial = func(ctx context.Context) (Session, error) {
		env := append(os.Environ(), cfg.Env...)
		return mcp.NewClient(ctx, cfg.Command, cfg.Args, env)
	}
	return a
}

// WithDialer replaces how sessions are opened
func (a *Adapter) WithDialer(d Dialer) *Adapter {
	a.dial = d
	return a
}

// call runs one prompt in a fresh session and returns the text output
func (a *Adapter) call(ctx context.Context, op string, p prompts.Prompt) (string, error) {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	sess, err := a.dial(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: starting claude code: %w", op, err)
	}
	defer sess.Close()

	args := map[string]any{"prompt": p.Text}
	if len(p.Tools) > 0 {
		args["options"] = map[string]any{"tools": p.Tools}
	}

	type reply struct {
		res *mcp.ToolResult
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := sess.CallTool(ToolName, args)
		done <- reply{res, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("%s: %w", op, r.err)
		}
		text := r.res.Text()
		a.logger.Debug("claude code call finished",
			zap.String("op", op),
			zap.Int("response_bytes", len(text)),
			zap.Duration("elapsed", time.Since(start)))
		return text, nil
	}
}

// Analyze inspects the checkout. An optional ui_contract.txt at the repo root
// names the workflows to cover.
func (a *Adapter) Analyze(ctx context.Context, req pipeline.AnalyzeRequest) (*pipeline.Analysis, error) {
	contract, _ := os.ReadFile(filepath.Join(req.RepoDir, "ui_contract.txt"))
	p, err := a.prompts.Analyze(prompts.AnalyzeData{
		RepoRoot: req.RepoDir,
		AppDir:   req.AppDir,
		UIDir:    req.UIDir,
		Contract: string(contract),
	})
	if err != nil {
		return nil, err
	}

	raw, err := a.call(ctx, "analyze", p)
	if err != nil {
		return nil, err
	}
	var out pipeline.Analysis
	if err := ExtractJSON(raw, &out); err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	if out.Selectors.Strategy == "" {
		out.Selectors.Strategy = "data-testid"
	}
	return &out, nil
}

type generateResponse struct {
	Created struct {
		TestsDir string   `json:"testsDir"`
		Files    []string `json:"files"`
	} `json:"created"`
}

// Generate writes tests and docs into the checkout
func (a *Adapter) Generate(ctx context.Context, req pipeline.GenerateRequest) (*pipeline.Generation, error) {
	testsDir := filepath.Join(req.UIDir, DefaultTestsDir)
	var workflows []pipeline.Workflow
	strategy := "data-testid"
	if req.Analysis != nil {
		workflows = req.Analysis.Workflows
		if req.Analysis.Selectors.Strategy != "" {
			strategy = req.Analysis.Selectors.Strategy
		}
	}
	wf, err := json.MarshalIndent(workflows, "", "  ")
	if err != nil {
		return nil, err
	}

	p, err := a.prompts.Generate(prompts.GenerateData{
		RepoRoot:         req.RepoDir,
		TestsDir:         testsDir,
		WorkflowsJSON:    string(wf),
		SelectorStrategy: strategy,
	})
	if err != nil {
		return nil, err
	}

	raw, err := a.call(ctx, "generate", p)
	if err != nil {
		return nil, err
	}
	var out generateResponse
	if err := ExtractJSON(raw, &out); err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if out.Created.TestsDir != "" {
		testsDir = out.Created.TestsDir
	}
	if !filepath.IsAbs(testsDir) {
		testsDir = filepath.Join(req.RepoDir, testsDir)
	}
	return &pipeline.Generation{TestsDir: testsDir, Files: out.Created.Files}, nil
}

type triageResponse struct {
	Bugs []triage.Finding `json:"bugs"`
}

// Triage reads a suite report and returns raw findings
func (a *Adapter) Triage(ctx context.Context, req pipeline.TriageRequest) ([]triage.Finding, error) {
	if req.ReportPath == "" {
		return nil, fmt.Errorf("triage: %s suite has no report", req.Suite)
	}
	p, err := a.prompts.Triage(prompts.TriageData{
		RepoRoot:    req.RepoDir,
		Suite:       string(req.Suite),
		ResultsPath: req.ReportPath,
	})
	if err != nil {
		return nil, err
	}

	raw, err := a.call(ctx, "triage", p)
	if err != nil {
		return nil, err
	}
	var out triageResponse
	if err := ExtractJSON(raw, &out); err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}
	return out.Bugs, nil
}
