// Package eventlog is the append-only per-run event log. Appends are durable in
// the store before they return; followers are tailing readers over the store, so
// a slow follower never holds up the writer.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

const batchSize = 200

// Store is the persistence the log is built on
type Store interface {
	AppendEvent(runID string, typ domain.EventType, payload json.RawMessage) (domain.Event, error)
	EventsSince(runID string, fromSeq int64, limit int) ([]domain.Event, error)
}

// Log appends events and lets any number of followers tail them
type Log struct {
	store Store
	poll  time.Duration

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// Option configures a Log
type Option func(*Log)

// WithPollInterval sets how often followers re-read the store when no
// in-process append woke them. Appends from another process are only seen
// through polling.
func WithPollInterval(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.poll = d
		}
	}
}

// New creates a Log over store
func New(store Store, opts ...Option) *Log {
	l := &Log{
		store:   store,
		poll:    time.Second,
		waiters: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records payload as the next event of runID
func (l *Log) Append(runID string, payload domain.Payload) (domain.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("encoding %s payload: %w", payload.EventType(), err)
	}
	ev, err := l.store.AppendEvent(runID, payload.EventType(), data)
	if err != nil {
		return domain.Event{}, err
	}
	l.wake(runID)
	return ev, nil
}

// Tail returns every stored event of runID with seq >= fromSeq
func (l *Log) Tail(runID string, fromSeq int64) ([]domain.Event, error) {
	return l.store.EventsSince(runID, fromSeq, 0)
}

// Follow delivers events of runID starting at fromSeq to fn, in order and
// without gaps, then keeps delivering new events as they are appended. It
// returns nil once the done event was delivered, ctx.Err() on cancellation,
// or the first error from fn or the store.
func (l *Log) Follow(ctx context.Context, runID string, fromSeq int64, fn func(domain.Event) error) error {
	next := fromSeq
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		// Grab the wait channel before reading so an append that lands
		// between the read and the select still wakes us.
		wait := l.waitChan(runID)

		events, err := l.store.EventsSince(runID, next, batchSize)
		if err != nil {
			return fmt.Errorf("reading events of run %s: %w", runID, err)
		}
		for _, ev := range events {
			if err := fn(ev); err != nil {
				return err
			}
			next = ev.Seq + 1
			if ev.Type == domain.EventDone {
				return nil
			}
		}
		if len(events) == batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		case <-ticker.C:
		}
	}
}

func (l *Log) waitChan(runID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.waiters[runID]
	if !ok {
		ch = make(chan struct{})
		l.waiters[runID] = ch
	}
	return ch
}

// wake releases every follower currently waiting on runID
func (l *Log) wake(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.waiters[runID]; ok {
		close(ch)
		delete(l.waiters, runID)
	}
}
