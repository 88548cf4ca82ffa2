// Package batch submits runs on cron schedules.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/runstore"
)

// Submitter enqueues runs
type Submitter interface {
	SubmitWithID(id string, params domain.RunParams) (*domain.Run, error)
}

// Entry describes a loaded schedule
type Entry struct {
	Schedule Schedule
	Next     time.Time
	Prev     time.Time
}

// Scheduler fires schedule submissions
type Scheduler struct {
	cron    *cron.Cron
	submit  Submitter
	logger  *zap.Logger
	entries map[string]cron.EntryID
	configs map[string]Schedule
	mu      sync.RWMutex
}

// NewScheduler creates a scheduler with the given schedules
func NewScheduler(schedules []Schedule, submit Submitter, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		submit:  submit,
		logger:  logger.Named("batch"),
		entries: make(map[string]cron.EntryID),
		configs: make(map[string]Schedule),
	}
	if err := s.Reload(schedules); err != nil {
		return nil, err
	}
	return s, nil
}

// RunID is the id submitted for a schedule tick. Several schedulers firing
// the same tick produce the same id, so only one run is created.
func RunID(name string, tick time.Time) string {
	return fmt.Sprintf("%s-%s", name, tick.UTC().Format("20060102T1504"))
}

// Fire submits one run for the named schedule
func (s *Scheduler) Fire(name string, tick time.Time) (*domain.Run, error) {
	s.mu.RLock()
	cfg, ok := s.configs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown schedule %q", name)
	}

	run, err := s.submit.SubmitWithID(RunID(name, tick), cfg.Params())
	switch {
	case errors.Is(err, runstore.ErrDuplicateRun):
		s.logger.Debug("scheduled run already submitted", zap.String("schedule", name))
		return nil, nil
	case err != nil:
		s.logger.Error("scheduled submit failed", zap.String("schedule", name), zap.Error(err))
		return nil, err
	}
	s.logger.Info("scheduled run submitted", zap.String("schedule", name), zap.String("run_id", run.ID))
	return run, nil
}

// Reload replaces all schedules. Nothing changes when any schedule is invalid.
func (s *Scheduler) Reload(schedules []Schedule) error {
	parsed := make(map[string]cron.Schedule, len(schedules))
	for _, cfg := range schedules {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("schedule %q: %w", cfg.Name, err)
		}
		sched, _ := ParseCron(cfg.Cron)
		parsed[cfg.Name] = sched
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	s.configs = make(map[string]Schedule, len(schedules))
	for _, cfg := range schedules {
		name := cfg.Name
		s.configs[name] = cfg
		s.entries[name] = s.cron.Schedule(parsed[name], cron.FuncJob(func() {
			s.Fire(name, time.Now().Truncate(time.Minute))
		}))
	}
	return nil
}

// Entries returns the loaded schedules sorted by name
func (s *Scheduler) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.configs))
	for name, cfg := range s.configs {
		e := Entry{Schedule: cfg}
		if ce := s.cron.Entry(s.entries[name]); ce.Valid() {
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		if e.Next.IsZero() {
			if sched, err := ParseCron(cfg.Cron); err == nil {
				e.Next = sched.Next(time.Now())
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Schedule.Name < out[j].Schedule.Name })
	return out
}

// Run starts the cron loop and blocks until ctx is done. In-flight
// submissions finish before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("schedules", len(s.Entries())))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
