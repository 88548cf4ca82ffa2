// Package queue accepts run submissions and dispatches queued runs to the
// executor, at most one execution per run and FIFO within a concurrency limit.
package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

// OrphanedRunMessage is recorded on runs whose worker died mid-run
const OrphanedRunMessage = "worker terminated before run finished"

// Store is the run persistence the queue needs
type Store interface {
	CreateRun(run *domain.Run) error
	ListQueuedRuns(limit int) ([]*domain.Run, error)
	ClaimRun(id, owner string) (bool, error)
	ListStaleRuns(cutoff time.Time) ([]*domain.Run, error)
	FinishRun(id string, status domain.RunStatus, summary *domain.RunSummary, errMsg string) error
}

// Executor runs one claimed run to completion
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// EventLog records recovery events
type EventLog interface {
	Append(runID string, payload domain.Payload) (domain.Event, error)
}

// Config controls dispatch
type Config struct {
	MaxConcurrent int
	PollInterval  time.Duration
	StaleAfter    time.Duration
	// Owner identifies this dispatcher in claims; generated when empty
	Owner string
}

// Queue is the job queue
type Queue struct {
	cfg    Config
	store  Store
	pool   *Pool
	wake   chan struct{}
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// New creates a Queue
func New(store Store, cfg Config, logger *zap.Logger) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:     cfg,
		store:   store,
		pool:    NewPool(cfg.MaxConcurrent),
		wake:    make(chan struct{}, 1),
		logger:  logger.Named("queue"),
		running: make(map[string]struct{}),
	}
}

// Owner returns the claim owner id of this queue
func (q *Queue) Owner() string {
	return q.cfg.Owner
}

// Submit validates params and enqueues a new run with a fresh id
func (q *Queue) Submit(params domain.RunParams) (*domain.Run, error) {
	return q.SubmitWithID(uuid.NewString(), params)
}

// SubmitWithID enqueues a run under a caller chosen id. Reusing an id is
// rejected by the store.
func (q *Queue) SubmitWithID(id string, params domain.RunParams) (*domain.Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: run id is empty", domain.ErrInvalidParams)
	}
	params.Normalize()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	run := &domain.Run{
		ID:        id,
		RunParams: params,
		Status:    domain.RunQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.store.CreateRun(run); err != nil {
		return nil, err
	}
	q.logger.Info("run queued", zap.String("run_id", id), zap.String("repo", params.RepoURL), zap.String("suite", string(params.Suite)))
	q.Notify()
	return run, nil
}

// Notify wakes the dispatch loop
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Running returns the ids of runs executing in this process
func (q *Queue) Running() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.running))
	for id := range q.running {
		ids = append(ids, id)
	}
	return ids
}

// Run dispatches queued runs until ctx is done, then waits for in-flight
// runs. Orphaned runs are recovered before the first dispatch.
func (q *Queue) Run(ctx context.Context, exec Executor, events EventLog) error {
	if _, err := q.RecoverOrphans(events); err != nil {
		q.logger.Error("orphan recovery failed", zap.Error(err))
	}

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.logger.Info("dispatcher started", zap.String("owner", q.cfg.Owner), zap.Int("max_concurrent", q.pool.MaxRuns()))
	for {
		if err := q.dispatch(ctx, exec); err != nil {
			q.logger.Warn("dispatch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			q.wg.Wait()
			q.logger.Info("dispatcher stopped")
			return nil
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatch claims queued runs in submission order while slots are free
func (q *Queue) dispatch(ctx context.Context, exec Executor) error {
	for ctx.Err() == nil {
		free := q.pool.Available()
		if free == 0 {
			return nil
		}
		runs, err := q.store.ListQueuedRuns(free)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return nil
		}

		started := 0
		for _, run := range runs {
			if !q.pool.Acquire() {
				return nil
			}
			claimed, err := q.store.ClaimRun(run.ID, q.cfg.Owner)
			if err != nil || !claimed {
				q.pool.Release()
				if err != nil {
					return err
				}
				continue
			}
			q.start(ctx, exec, run.ID)
			started++
		}
		if started == 0 {
			return nil
		}
	}
	return nil
}

func (q *Queue) start(ctx context.Context, exec Executor, runID string) {
	q.mu.Lock()
	q.running[runID] = struct{}{}
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.Notify()
		defer q.pool.Release()
		defer func() {
			q.mu.Lock()
			delete(q.running, runID)
			q.mu.Unlock()
		}()

		logger := q.logger.With(zap.String("run_id", runID))
		logger.Info("run dispatched")
		if err := exec.Execute(ctx, runID); err != nil {
			logger.Error("run execution failed", zap.Error(err))
		}
	}()
}

// RecoverOrphans fails claimed, unfinished runs whose heartbeat is older
// than StaleAfter. It returns the ids it recovered.
func (q *Queue) RecoverOrphans(events EventLog) ([]string, error) {
	if q.cfg.StaleAfter <= 0 {
		return nil, nil
	}
	stale, err := q.store.ListStaleRuns(time.Now().Add(-q.cfg.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("listing stale runs: %w", err)
	}

	var recovered []string
	for _, run := range stale {
		q.mu.Lock()
		_, mine := q.running[run.ID]
		q.mu.Unlock()
		if mine {
			continue
		}

		if _, err := events.Append(run.ID, domain.FailedPayload{Step: run.Status, Error: OrphanedRunMessage}); err != nil {
			return recovered, fmt.Errorf("recording failure of %s: %w", run.ID, err)
		}
		if err := q.store.FinishRun(run.ID, domain.RunFailed, run.Summary, OrphanedRunMessage); err != nil {
			return recovered, fmt.Errorf("failing %s: %w", run.ID, err)
		}
		if _, err := events.Append(run.ID, domain.DonePayload{Status: domain.RunFailed}); err != nil {
			return recovered, fmt.Errorf("closing %s: %w", run.ID, err)
		}
		q.logger.Warn("recovered orphaned run",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.String("owner", run.ClaimedBy))
		recovered = append(recovered, run.ID)
	}
	return recovered, nil
}
