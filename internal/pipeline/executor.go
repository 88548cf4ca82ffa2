// Package pipeline walks a run through its steps: clone, analyze, generate,
// test, triage and issue filing.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/notify"
)

// Store is the persistence the executor writes to
type Store interface {
	GetRun(id string) (*domain.Run, error)
	UpdateRunStatus(id string, to domain.RunStatus) error
	FinishRun(id string, status domain.RunStatus, summary *domain.RunSummary, errMsg string) error
	SetRunCommit(id, sha string) error
	TouchRun(id string) error
	UpsertBug(bug *domain.Bug) error
	ListBugs(runID string) ([]*domain.Bug, error)
	RecordIssue(runID, bugID, url string) error
}

// EventLog receives progress events
type EventLog interface {
	Append(runID string, payload domain.Payload) (domain.Event, error)
}

// Collaborators are the external step implementations
type Collaborators struct {
	Repo          RepoAccess
	Comprehension Comprehension
	Tests         TestRunner
	Issues        IssueTracker
}

// Config controls the executor
type Config struct {
	WorkDir           string
	ArtifactsDir      string
	IssueThreshold    int
	StepTimeout       time.Duration
	HeartbeatInterval time.Duration
	KeepWorkDir       bool
}

// Executor runs pipelines. It is safe to run many runs concurrently; each
// run is executed by exactly one Execute call.
type Executor struct {
	cfg      Config
	store    Store
	events   EventLog
	collab   Collaborators
	notifier notify.Notifier
	logger   *zap.Logger
}

// New creates an Executor
func New(cfg Config, store Store, events EventLog, collab Collaborators, notifier notify.Notifier, logger *zap.Logger) *Executor {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:      cfg,
		store:    store,
		events:   events,
		collab:   collab,
		notifier: notifier,
		logger:   logger.Named("pipeline"),
	}
}

// runState carries step outputs forward
type runState struct {
	run        *domain.Run
	workDir    string
	artifacts  string
	checkout   *Checkout
	analysis   *Analysis
	generation *Generation
	suites     []*SuiteResult
	summary    domain.RunSummary
}

type step struct {
	status domain.RunStatus
	run    func(ctx context.Context, rs *runState) error
}

func (e *Executor) steps() []step {
	return []step{
		{domain.RunCloning, e.clone},
		{domain.RunAnalyzing, e.analyze},
		{domain.RunGenerating, e.generate},
		{domain.RunTesting, e.test},
		{domain.RunTriaging, e.triage},
		{domain.RunFilingIssues, e.fileIssues},
	}
}

// Execute drives a queued run to a terminal state. Step failures end the run
// as failed and are reported through the event log, not the return value;
// an error is returned only when the outcome could not be recorded.
func (e *Executor) Execute(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	if run.Status != domain.RunQueued {
		return fmt.Errorf("run %s is %s, not queued", runID, run.Status)
	}

	rs := &runState{
		run:       run,
		workDir:   filepath.Join(e.cfg.WorkDir, runID),
		artifacts: filepath.Join(e.cfg.ArtifactsDir, runID),
	}
	if !e.cfg.KeepWorkDir {
		defer os.RemoveAll(rs.workDir)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeat(hbCtx, runID)

	logger := e.logger.With(zap.String("run_id", runID))
	logger.Info("run started", zap.String("repo", run.RepoURL), zap.String("suite", string(run.Suite)))

	for _, st := range e.steps() {
		if err := e.enter(rs, st.status); err != nil {
			return e.fail(rs, st.status, err)
		}
		if err := st.run(ctx, rs); err != nil {
			logger.Warn("step failed", zap.String("step", string(st.status)), zap.Error(err))
			return e.fail(rs, st.status, err)
		}
		if _, err := e.events.Append(runID, domain.StepPayload{Step: st.status, Status: domain.StepFinished}); err != nil {
			return e.fail(rs, st.status, err)
		}
	}
	return e.succeed(rs)
}

func (e *Executor) enter(rs *runState, status domain.RunStatus) error {
	if err := e.store.UpdateRunStatus(rs.run.ID, status); err != nil {
		return err
	}
	rs.run.Status = status
	_, err := e.events.Append(rs.run.ID, domain.StepPayload{Step: status, Status: domain.StepStarted})
	return err
}

func (e *Executor) succeed(rs *runState) error {
	summary := rs.summary
	e.writeSummary(rs, &summary)
	if err := e.store.FinishRun(rs.run.ID, domain.RunSucceeded, &summary, ""); err != nil {
		return e.fail(rs, domain.RunFilingIssues, err)
	}
	rs.run.Status = domain.RunSucceeded
	if _, err := e.events.Append(rs.run.ID, domain.DonePayload{Status: domain.RunSucceeded}); err != nil {
		return fmt.Errorf("recording done event: %w", err)
	}
	e.logger.Info("run succeeded", zap.String("run_id", rs.run.ID), zap.Int("bugs", summary.Bugs))
	e.notify(rs, &summary)
	return nil
}

// fail records the terminal failure: failed event, failed status with the
// error message, then the done event.
func (e *Executor) fail(rs *runState, at domain.RunStatus, cause error) error {
	msg := cause.Error()
	var errs []error

	if _, err := e.events.Append(rs.run.ID, domain.FailedPayload{Step: at, Error: msg}); err != nil {
		errs = append(errs, fmt.Errorf("recording failed event: %w", err))
	}

	summary := rs.summary
	if err := e.store.FinishRun(rs.run.ID, domain.RunFailed, &summary, msg); err != nil {
		errs = append(errs, fmt.Errorf("marking run failed: %w", err))
	} else {
		rs.run.Status = domain.RunFailed
		rs.run.ErrorMessage = msg
	}

	if _, err := e.events.Append(rs.run.ID, domain.DonePayload{Status: domain.RunFailed}); err != nil {
		errs = append(errs, fmt.Errorf("recording done event: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("run %s failed (%v) and could not be recorded: %w", rs.run.ID, cause, errors.Join(errs...))
	}
	e.logger.Info("run failed", zap.String("run_id", rs.run.ID), zap.String("step", string(at)), zap.String("error", msg))
	e.notify(rs, &summary)
	return nil
}

func (e *Executor) notify(rs *runState, summary *domain.RunSummary) {
	if err := e.notifier.Send(notify.RunFinished(rs.run, summary)); err != nil {
		e.logger.Warn("notification failed", zap.String("run_id", rs.run.ID), zap.Error(err))
	}
}

func (e *Executor) heartbeat(ctx context.Context, runID string) {
	interval := e.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.TouchRun(runID); err != nil {
				e.logger.Warn("heartbeat failed", zap.String("run_id", runID), zap.Error(err))
			}
		}
	}
}

// stepContext bounds one collaborator call
func (e *Executor) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.StepTimeout)
}

func (e *Executor) logf(rs *runState, format string, args ...any) error {
	_, err := e.events.Append(rs.run.ID, domain.LogPayload{Level: "info", Message: fmt.Sprintf(format, args...)})
	return err
}

func (e *Executor) writeSummary(rs *runState, summary *domain.RunSummary) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err == nil {
		err = writeArtifact(filepath.Join(rs.artifacts, "summary.json"), data)
	}
	if err != nil {
		e.logger.Warn("writing summary artifact", zap.String("run_id", rs.run.ID), zap.Error(err))
	}
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
