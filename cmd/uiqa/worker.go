package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/claudecode"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/config"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/eventlog"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/issues"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/notify"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/playwright"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/prompts"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/queue"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/repo"
)

var keepWorkDir bool

func init() {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute queued runs until interrupted",
		Long: `worker claims queued runs from the database and executes their pipelines.
It is normally started by "uiqa serve" through the worker endpoints, but can
be run by hand as well.`,
		RunE: runWorker,
	}
	workerCmd.Flags().BoolVar(&keepWorkDir, "keep-workdir", false, "keep cloned repositories after runs finish")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := eventlog.New(a.store)
	q := newQueue(a)
	exec, err := newExecutor(a, events)
	if err != nil {
		return err
	}

	a.logger.Info("worker ready", zap.String("owner", q.Owner()), zap.Int("max_concurrent", a.cfg.Queue.MaxConcurrentRuns))
	if err := q.Run(ctx, exec, events); err != nil && ctx.Err() == nil {
		return err
	}
	a.logger.Info("worker stopped")
	return nil
}

func newQueue(a *app) *queue.Queue {
	return queue.New(a.store, queue.Config{
		MaxConcurrent: a.cfg.Queue.MaxConcurrentRuns,
		PollInterval:  a.cfg.PollInterval(),
		StaleAfter:    a.cfg.StaleAfter(),
	}, a.logger)
}

// newExecutor wires the pipeline to its real collaborators
func newExecutor(a *app, events *eventlog.Log) (*pipeline.Executor, error) {
	cfg := a.cfg
	githubToken := func() string {
		if tok := a.settings.Effective().GitHubToken; tok != "" {
			return tok
		}
		return cfg.GitHub.Token
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	var claudeEnv []string
	if key := a.settings.Effective().AnthropicAPIKey; key != "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
		claudeEnv = append(claudeEnv, "ANTHROPIC_API_KEY="+key)
	}

	collab := pipeline.Collaborators{
		Repo: repo.NewGit(githubToken),
		Comprehension: claudecode.New(claudecode.Config{
			Command: cfg.Claude.MCPCommand,
			Args:    cfg.Claude.MCPArgs,
			Env:     claudeEnv,
			Timeout: config.Seconds(cfg.Claude.TimeoutSecs, 900),
		}, prompts.DefaultLoader(cwd), a.logger),
		Tests: playwright.New(playwright.Config{
			StartCommand: cfg.Playwright.StartCommand,
			BaseURL:      cfg.Playwright.BaseURL,
			InstallDeps:  cfg.Playwright.InstallDeps,
			Project:      cfg.Playwright.Project,
			ReadyTimeout: config.Seconds(cfg.Playwright.ReadyTimeoutSecs, 90),
			SuiteTimeout: config.Seconds(cfg.Playwright.SuiteTimeoutSecs, 1800),
		}, a.logger),
		Issues: issues.NewGitHub(cfg.GitHub.APIURL, githubToken, a.logger),
	}

	var notifier notify.Notifier
	if cfg.Notifications.SlackWebhook != "" {
		notifier = notify.NewMultiNotifier(notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}

	if err := os.MkdirAll(cfg.General.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	return pipeline.New(pipeline.Config{
		WorkDir:           cfg.General.WorkDir,
		ArtifactsDir:      cfg.General.ArtifactsDir,
		IssueThreshold:    cfg.Pipeline.IssueConfidenceThreshold,
		StepTimeout:       cfg.StepTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		KeepWorkDir:       keepWorkDir,
	}, a.store, events, collab, notifier, a.logger), nil
}
