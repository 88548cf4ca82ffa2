package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/batch"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/eventlog"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/supervisor"
	"github.com/hochfrequenz/uiqa-orchestrator/web/api"
)

// containerDataDir is where the data directory is mounted in docker workers
const containerDataDir = "/data"

var (
	servePort      int
	serveHost      string
	embeddedWorker bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, worker supervisor and scheduler",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "address to bind (default from config)")
	serveCmd.Flags().BoolVar(&embeddedWorker, "embedded-worker", false, "execute runs in this process instead of a supervised worker")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	host, port := a.cfg.Web.Host, a.cfg.Web.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := eventlog.New(a.store)
	q := newQueue(a)
	sup, err := newSupervisor(a)
	if err != nil {
		return err
	}

	var exec *pipeline.Executor
	if embeddedWorker {
		if exec, err = newExecutor(a, events); err != nil {
			return err
		}
	}

	var sched *batch.Scheduler
	if path := a.cfg.Schedules.File; path != "" {
		f, err := batch.LoadScheduleFile(path)
		if err != nil {
			return fmt.Errorf("loading schedules: %w", err)
		}
		if sched, err = batch.NewScheduler(f.Schedules, q, a.logger); err != nil {
			return err
		}
	}

	server := api.NewServer(api.Deps{
		Runs:     a.store,
		Queue:    q,
		Events:   events,
		Worker:   sup,
		Settings: a.settings,
	}, fmt.Sprintf("%s:%d", host, port), a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})

	if exec != nil {
		g.Go(func() error {
			return q.Run(ctx, exec, events)
		})
	}

	if sched != nil {
		g.Go(func() error {
			return sched.Run(ctx)
		})
		g.Go(func() error {
			return sched.Watch(ctx, a.cfg.Schedules.File, 500*time.Millisecond)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		if res := sup.Stop(); !res.Success {
			a.logger.Warn("stopping worker on shutdown", zap.String("error", res.Error))
		}
		return nil
	})

	err = g.Wait()
	a.logger.Info("server stopped")
	return err
}

// newSupervisor builds the worker supervisor with a local launcher and,
// when the daemon is reachable, a docker launcher
func newSupervisor(a *app) (*supervisor.Supervisor, error) {
	cfg := a.cfg
	command := cfg.Worker.Command
	if command == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving worker command: %w", err)
		}
		command = self
	}

	args := cfg.Worker.Args
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}

	launchers := map[domain.WorkerMode]supervisor.Launcher{
		domain.WorkerLocal: supervisor.LocalLauncher{},
	}
	if docker, err := supervisor.NewDockerLauncher(cfg.Worker.DockerHost); err != nil {
		a.logger.Warn("docker workers unavailable", zap.Error(err))
	} else {
		launchers[domain.WorkerDocker] = docker
	}

	dataDir := filepath.Dir(cfg.General.DatabasePath)
	return supervisor.New(supervisor.Config{
		Command:     command,
		Args:        args,
		DockerImage: cfg.Worker.DockerImage,
		DockerArgs:  cfg.Worker.Args,
		DockerEnv: map[string]string{
			"UIQA_DATABASE_PATH": filepath.Join(containerDataDir, filepath.Base(cfg.General.DatabasePath)),
			"UIQA_ARTIFACTS_DIR": filepath.Join(containerDataDir, "artifacts"),
			"UIQA_WORK_DIR":      filepath.Join(containerDataDir, "work"),
		},
		DockerBinds:  []string{dataDir + ":" + containerDataDir},
		LogLines:     cfg.Worker.LogLines,
		StopTimeout:  cfg.StopTimeout(),
		StartupGrace: cfg.StartupGrace(),
	}, launchers, a.settings, a.logger), nil
}
