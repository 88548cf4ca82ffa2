package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/runstore"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	seen map[string]domain.RunParams
}

func (f *fakeSubmitter) SubmitWithID(id string, params domain.RunParams) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]domain.RunParams)
	}
	if _, ok := f.seen[id]; ok {
		return nil, fmt.Errorf("%w: %s", runstore.ErrDuplicateRun, id)
	}
	f.seen[id] = params
	return &domain.Run{ID: id, RunParams: params}, nil
}

func nightly() Schedule {
	return Schedule{
		Name:    "nightly",
		Cron:    "0 22 * * *",
		RepoURL: "https://github.com/acme/shop",
		Suite:   domain.SuiteRegression,
	}
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 22 * * *", false},   // 10 PM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"*/5 * * * *", false},  // every 5 minutes
		{"@daily", false},
		{"invalid", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestSchedule_Validate(t *testing.T) {
	s := nightly()
	if err := s.Validate(); err != nil {
		t.Errorf("Valid schedule should not error: %v", err)
	}

	s.Name = ""
	if err := s.Validate(); err == nil {
		t.Error("Empty name should error")
	}

	s = nightly()
	s.RepoURL = ""
	if err := s.Validate(); err == nil {
		t.Error("Missing repo should error")
	}

	s = nightly()
	s.Suite = "weekly"
	if err := s.Validate(); err == nil {
		t.Error("Unknown suite should error")
	}
}

func TestLoadScheduleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedules.toml")

	f, err := LoadScheduleFile(path)
	if err != nil || len(f.Schedules) != 0 {
		t.Fatalf("missing file = (%v, %v), want empty", f, err)
	}

	os.WriteFile(path, []byte(`
[[schedule]]
name = "nightly"
cron = "0 22 * * *"
repo_url = "https://github.com/acme/shop"
suite = "regression"
create_github_issues = true

[[schedule]]
name = "smoke-hourly"
cron = "@hourly"
repo_url = "https://github.com/acme/shop"
branch = "develop"
suite = "smoke"
`), 0644)

	f, err = LoadScheduleFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Schedules) != 2 {
		t.Fatalf("schedules = %d, want 2", len(f.Schedules))
	}
	p := f.Schedules[0].Params()
	if p.Branch != "main" || !p.CreateGitHubIssues || p.Suite != domain.SuiteRegression {
		t.Errorf("params = %+v", p)
	}

	os.WriteFile(path, []byte(`
[[schedule]]
name = "a"
cron = "@daily"
repo_url = "https://github.com/acme/shop"
[[schedule]]
name = "a"
cron = "@daily"
repo_url = "https://github.com/acme/shop"
`), 0644)
	if _, err := LoadScheduleFile(path); err == nil {
		t.Error("duplicate names should error")
	}
}

func TestScheduler_Fire(t *testing.T) {
	sub := &fakeSubmitter{}
	s, err := NewScheduler([]Schedule{nightly()}, sub, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	tick := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	run, err := s.Fire("nightly", tick)
	if err != nil {
		t.Fatal(err)
	}
	if run == nil || run.ID != "nightly-20260301T2200" {
		t.Fatalf("run = %+v", run)
	}
	if sub.seen[run.ID].Suite != domain.SuiteRegression {
		t.Errorf("submitted params = %+v", sub.seen[run.ID])
	}

	// the same tick from a second scheduler is absorbed
	run, err = s.Fire("nightly", tick)
	if err != nil || run != nil {
		t.Errorf("duplicate tick = (%v, %v), want (nil, nil)", run, err)
	}

	if _, err := s.Fire("unknown", tick); err == nil {
		t.Error("unknown schedule should error")
	}
}

func TestScheduler_EntriesAndReload(t *testing.T) {
	s, err := NewScheduler([]Schedule{nightly()}, &fakeSubmitter{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	entries := s.Entries()
	if len(entries) != 1 || entries[0].Schedule.Name != "nightly" {
		t.Fatalf("entries = %+v", entries)
	}
	if !entries[0].Next.After(time.Now()) {
		t.Error("Next should be in the future")
	}

	bad := nightly()
	bad.Cron = "nope"
	if err := s.Reload([]Schedule{bad}); err == nil {
		t.Fatal("invalid reload should error")
	}
	if len(s.Entries()) != 1 {
		t.Error("failed reload must keep previous schedules")
	}

	other := nightly()
	other.Name = "weekly"
	other.Cron = "@weekly"
	if err := s.Reload([]Schedule{nightly(), other}); err != nil {
		t.Fatal(err)
	}
	entries = s.Entries()
	if len(entries) != 2 || entries[1].Schedule.Name != "weekly" {
		t.Errorf("entries after reload = %+v", entries)
	}
}

func TestScheduler_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedules.toml")

	s, err := NewScheduler(nil, &fakeSubmitter{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, path, 20*time.Millisecond) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	os.WriteFile(path, []byte(`
[[schedule]]
name = "nightly"
cron = "0 22 * * *"
repo_url = "https://github.com/acme/shop"
`), 0644)

	deadline := time.Now().Add(5 * time.Second)
	for len(s.Entries()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("schedule file change not picked up")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// broken file keeps what was loaded
	os.WriteFile(path, []byte(`[[schedule]`), 0644)
	time.Sleep(200 * time.Millisecond)
	if len(s.Entries()) != 1 {
		t.Error("invalid file should keep previous schedules")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

func TestScheduler_RunStops(t *testing.T) {
	s, err := NewScheduler([]Schedule{nightly()}, &fakeSubmitter{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
