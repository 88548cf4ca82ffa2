package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/config"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/logging"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/runstore"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/settings"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "uiqa",
		Short: "UI QA orchestrator - automated UI test runs against repositories",
		Long: `uiqa clones a repository, generates Playwright tests for its UI, runs
them, triages failures into bug records and optionally files GitHub issues.
Runs are queued through the API and executed by a supervised worker.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// app bundles what every command needs
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *runstore.Store
	settings *settings.Store
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.General.ArtifactsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating artifacts dir: %w", err)
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	st, err := settings.New(store, domain.Settings{
		WorkerMode:      domain.WorkerLocal,
		AnthropicAPIKey: cfg.Claude.APIKey,
		GitHubToken:     cfg.GitHub.Token,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: store, settings: st}, nil
}

func (a *app) Close() {
	a.logger.Sync()
	a.store.Close()
}
