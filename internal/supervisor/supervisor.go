// Package supervisor manages the lifecycle of the worker process that hosts
// the pipeline executor: start, stop, status, log tail.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

const statusLogLines = 100

// maxLogLine caps one captured worker output line
const maxLogLine = 64 * 1024

// SettingsSource provides the effective mode and credentials
type SettingsSource interface {
	Effective() domain.Settings
}

// Config controls how workers are launched
type Config struct {
	Command      string
	Args         []string
	Env          map[string]string
	DockerImage  string
	DockerArgs   []string
	DockerEnv    map[string]string
	DockerBinds  []string
	LogLines     int
	StopTimeout  time.Duration
	StartupGrace time.Duration
}

// StartRequest selects the mode and optionally overrides the API key
type StartRequest struct {
	Mode            domain.WorkerMode `json:"mode,omitempty"`
	AnthropicAPIKey string            `json:"api_key,omitempty"`
}

// Result reports the outcome of start and stop
type Result struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	PID     int               `json:"pid,omitempty"`
	ID      string            `json:"id,omitempty"`
	Mode    domain.WorkerMode `json:"mode,omitempty"`
	Logs    []string          `json:"logs,omitempty"`
}

// Status is a snapshot of the worker handle
type Status struct {
	Running       bool              `json:"running"`
	Mode          domain.WorkerMode `json:"mode,omitempty"`
	PID           int               `json:"pid,omitempty"`
	ID            string            `json:"id,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	UptimeSeconds float64           `json:"uptime_seconds,omitempty"`
	Uptime        string            `json:"uptime,omitempty"`
	LastExit      string            `json:"last_exit,omitempty"`
	Logs          []string          `json:"logs"`
}

// Supervisor owns the single worker handle
type Supervisor struct {
	cfg       Config
	launchers map[domain.WorkerMode]Launcher
	settings  SettingsSource
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	starting  bool
	proc      Process
	mode      domain.WorkerMode
	startedAt time.Time
	exited    chan struct{}
	lastExit  string
	logs      *Ring
}

// New creates a supervisor. launchers maps each mode to the launcher used for it.
func New(cfg Config, launchers map[domain.WorkerMode]Launcher, settings SettingsSource, logger *zap.Logger) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:       cfg,
		launchers: launchers,
		settings:  settings,
		logger:    logger.Named("supervisor"),
		now:       time.Now,
		logs:      NewRing(cfg.LogLines),
	}
}

// Start launches a worker. It never restarts a running worker.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) Result {
	s.mu.Lock()
	if s.starting || s.proc != nil {
		s.mu.Unlock()
		return Result{Success: false, Error: "Worker is already running"}
	}
	s.starting = true
	s.mu.Unlock()

	res, proc, exited := s.launch(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false
	if !res.Success {
		return res
	}
	select {
	case <-exited:
		// died between the grace period and here
		return Result{Error: "worker exited during startup: " + s.lastExit, Mode: res.Mode, Logs: s.logs.Tail(statusLogLines)}
	default:
	}
	s.proc = proc
	s.mode = res.Mode
	s.startedAt = s.now()
	s.exited = exited
	return res
}

func (s *Supervisor) launch(ctx context.Context, req StartRequest) (Result, Process, chan struct{}) {
	current := s.settings.Effective()
	mode := req.Mode
	if mode == "" {
		mode = current.WorkerMode
	}
	if !mode.Valid() {
		return Result{Error: fmt.Sprintf("invalid worker mode %q", mode)}, nil, nil
	}
	launcher, ok := s.launchers[mode]
	if !ok || launcher == nil {
		return Result{Error: fmt.Sprintf("%s workers are not available", mode), Mode: mode}, nil, nil
	}

	apiKey := req.AnthropicAPIKey
	if apiKey == "" {
		apiKey = current.AnthropicAPIKey
	}
	spec := s.spec(mode, domain.Credentials{AnthropicAPIKey: apiKey, GitHubToken: current.GitHubToken})

	s.logs.Reset()
	proc, err := launcher.Launch(ctx, spec)
	if err != nil {
		s.logger.Warn("worker launch failed", zap.String("mode", string(mode)), zap.Error(err))
		return Result{Error: err.Error(), Mode: mode}, nil, nil
	}

	exited := make(chan struct{})
	go s.pump(proc, exited)

	if s.cfg.StartupGrace > 0 {
		select {
		case <-exited:
			s.mu.Lock()
			reason := s.lastExit
			s.mu.Unlock()
			return Result{
				Error: "worker exited during startup: " + reason,
				Mode:  mode,
				Logs:  s.logs.Tail(statusLogLines),
			}, nil, nil
		case <-time.After(s.cfg.StartupGrace):
		}
	}

	s.logger.Info("worker started", zap.String("mode", string(mode)), zap.String("id", proc.ID()))
	return Result{Success: true, PID: proc.PID(), ID: proc.ID(), Mode: mode}, proc, exited
}

func (s *Supervisor) spec(mode domain.WorkerMode, creds domain.Credentials) LaunchSpec {
	env := make(map[string]string)
	extra := s.cfg.Env
	args := s.cfg.Args
	if mode == domain.WorkerDocker {
		extra = s.cfg.DockerEnv
		if len(s.cfg.DockerArgs) > 0 {
			args = s.cfg.DockerArgs
		}
	}
	for k, v := range extra {
		env[k] = v
	}
	if creds.AnthropicAPIKey != "" {
		env["ANTHROPIC_API_KEY"] = creds.AnthropicAPIKey
	}
	if creds.GitHubToken != "" {
		env["UIQA_GITHUB_TOKEN"] = creds.GitHubToken
	}
	return LaunchSpec{
		Mode:    mode,
		Command: s.cfg.Command,
		Args:    args,
		Env:     env,
		Image:   s.cfg.DockerImage,
		Binds:   s.cfg.DockerBinds,
	}
}

// pump copies worker output into the log ring and clears the handle on exit
func (s *Supervisor) pump(proc Process, exited chan struct{}) {
	readLines(proc.Output(), maxLogLine, s.logs.Append)

	err := proc.Wait()
	reason := "exited cleanly"
	if err != nil {
		reason = err.Error()
	}
	s.logs.Append("[supervisor] worker " + reason)

	s.mu.Lock()
	s.lastExit = reason
	if s.proc == proc {
		s.proc = nil
	}
	s.mu.Unlock()
	close(exited)
	s.logger.Info("worker exited", zap.String("id", proc.ID()), zap.String("reason", reason))
}

// readLines calls fn for every line of r until EOF or a read error. Lines
// longer than max are cut to max bytes and the rest of the line is dropped,
// so the writer is never left blocked on an unread pipe.
func readLines(r io.Reader, max int, fn func(string)) {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(line) < max {
			line = append(line, chunk[:min(len(chunk), max-len(line))]...)
		}
		if err != nil {
			if len(line) > 0 {
				fn(string(line))
			}
			return
		}
		if !isPrefix {
			fn(string(line))
			line = line[:0]
		}
	}
}

// Stop terminates the worker, escalating to kill after the stop timeout.
// Stopping an already stopped supervisor succeeds.
func (s *Supervisor) Stop() Result {
	s.mu.Lock()
	proc, exited := s.proc, s.exited
	s.mu.Unlock()

	if proc == nil {
		return Result{Success: true}
	}

	if err := proc.Terminate(); err != nil {
		s.logger.Debug("terminate failed", zap.Error(err))
	}

	select {
	case <-exited:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("worker ignored terminate, killing", zap.String("id", proc.ID()))
		if err := proc.Kill(); err != nil {
			select {
			case <-exited:
			default:
				return Result{Success: false, Error: fmt.Sprintf("killing worker: %v", err)}
			}
		}
		select {
		case <-exited:
		case <-time.After(s.cfg.StopTimeout):
			return Result{Success: false, Error: "worker did not exit after kill"}
		}
	}

	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
	}
	s.mu.Unlock()
	return Result{Success: true}
}

// Status returns a snapshot of the worker handle
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:  s.proc != nil,
		LastExit: s.lastExit,
		Logs:     s.logs.Tail(statusLogLines),
	}
	if s.proc != nil {
		started := s.startedAt
		st.Mode = s.mode
		st.PID = s.proc.PID()
		st.ID = s.proc.ID()
		st.StartedAt = &started
		up := s.now().Sub(started)
		st.UptimeSeconds = up.Seconds()
		st.Uptime = strings.TrimSuffix(humanize.RelTime(started, s.now(), "", ""), " ")
	}
	return st
}

// Logs returns up to n of the most recent worker log lines
func (s *Supervisor) Logs(n int) []string {
	return s.logs.Tail(n)
}

// Running reports whether a worker is alive
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}
