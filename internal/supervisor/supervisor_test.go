package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/settings"
)

type fakeProcess struct {
	id         int
	out        *io.PipeReader
	w          *io.PipeWriter
	done       chan struct{}
	once       sync.Once
	ignoreTerm bool
	mu         sync.Mutex
	terms      int
	kills      int
}

func newFakeProcess(id int) *fakeProcess {
	pr, pw := io.Pipe()
	return &fakeProcess{id: id, out: pr, w: pw, done: make(chan struct{})}
}

func (p *fakeProcess) ID() string        { return fmt.Sprint(p.id) }
func (p *fakeProcess) PID() int          { return p.id }
func (p *fakeProcess) Output() io.Reader { return p.out }

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		p.w.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terms++
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) say(lines ...string) {
	for _, l := range lines {
		fmt.Fprintln(p.w, l)
	}
}

type fakeLauncher struct {
	mu      sync.Mutex
	specs   []LaunchSpec
	procs   []*fakeProcess
	err     error
	prepare func(*fakeProcess)
	nextPID int
}

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.nextPID++
	p := newFakeProcess(1000 + l.nextPID)
	if l.prepare != nil {
		l.prepare(p)
	}
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

type memPersister struct{ values map[string]string }

func (m *memPersister) LoadSettings() (map[string]string, error) { return map[string]string{}, nil }
func (m *memPersister) SaveSettings(v map[string]string) error   { return nil }

func newSupervisor(t *testing.T, local, docker Launcher, cfg Config) (*Supervisor, *settings.Store) {
	t.Helper()
	st, err := settings.New(&memPersister{}, domain.Settings{})
	require.NoError(t, err)
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 200 * time.Millisecond
	}
	cfg.Command = "uiqa"
	cfg.Args = []string{"worker"}
	launchers := map[domain.WorkerMode]Launcher{domain.WorkerLocal: local}
	if docker != nil {
		launchers[domain.WorkerDocker] = docker
	}
	return New(cfg, launchers, st, zaptest.NewLogger(t)), st
}

func TestSupervisor_StartTwiceKeepsOneWorker(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, _ := newSupervisor(t, launcher, nil, Config{})
	defer sup.Stop()

	first := sup.Start(context.Background(), StartRequest{})
	require.True(t, first.Success, first.Error)
	assert.Equal(t, domain.WorkerLocal, first.Mode)

	second := sup.Start(context.Background(), StartRequest{})
	assert.False(t, second.Success)
	assert.Equal(t, "Worker is already running", second.Error)
	assert.Equal(t, 1, launcher.launches())
	assert.True(t, sup.Status().Running)
}

func TestSupervisor_ConcurrentStartsLaunchOnce(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, _ := newSupervisor(t, launcher, nil, Config{StartupGrace: 20 * time.Millisecond})
	defer sup.Stop()

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = sup.Start(context.Background(), StartRequest{})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r.Success {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, launcher.launches())
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	sup, _ := newSupervisor(t, &fakeLauncher{}, nil, Config{})

	assert.True(t, sup.Stop().Success, "stop before start")

	require.True(t, sup.Start(context.Background(), StartRequest{}).Success)
	assert.True(t, sup.Stop().Success)
	assert.False(t, sup.Status().Running)
	assert.True(t, sup.Stop().Success, "second stop")

	// a fresh start works after stop
	assert.True(t, sup.Start(context.Background(), StartRequest{}).Success)
	sup.Stop()
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	launcher := &fakeLauncher{prepare: func(p *fakeProcess) { p.ignoreTerm = true }}
	sup, _ := newSupervisor(t, launcher, nil, Config{StopTimeout: 30 * time.Millisecond})

	require.True(t, sup.Start(context.Background(), StartRequest{}).Success)
	res := sup.Stop()
	assert.True(t, res.Success, res.Error)

	p := launcher.procs[0]
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 1, p.terms)
	assert.Equal(t, 1, p.kills)
}

func TestSupervisor_LogTailBounded(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, _ := newSupervisor(t, launcher, nil, Config{LogLines: 5})
	defer sup.Stop()

	require.True(t, sup.Start(context.Background(), StartRequest{}).Success)
	p := launcher.procs[0]
	for i := 1; i <= 8; i++ {
		p.say(fmt.Sprintf("line %d", i))
	}

	require.Eventually(t, func() bool {
		logs := sup.Logs(0)
		return len(logs) == 5 && logs[4] == "line 8"
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"line 4", "line 5", "line 6", "line 7", "line 8"}, sup.Logs(0))
	assert.Equal(t, []string{"line 7", "line 8"}, sup.Logs(2))
}

func TestSupervisor_OverlongLineKeepsReading(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, _ := newSupervisor(t, launcher, nil, Config{})
	defer sup.Stop()

	require.True(t, sup.Start(context.Background(), StartRequest{}).Success)
	p := launcher.procs[0]
	go p.say(strings.Repeat("x", 2*1024*1024), "after")

	require.Eventually(t, func() bool {
		logs := sup.Logs(0)
		return len(logs) == 2 && logs[1] == "after"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, sup.Logs(0)[0], maxLogLine)

	p.exit()
	require.Eventually(t, func() bool { return !sup.Status().Running }, time.Second, 5*time.Millisecond)
}

func TestReadLines(t *testing.T) {
	var got []string
	readLines(strings.NewReader("short\n"+strings.Repeat("y", 10)+"\nlast"), 4, func(l string) {
		got = append(got, l)
	})
	assert.Equal(t, []string{"shor", "yyyy", "last"}, got)
}

func TestSupervisor_StatusUptime(t *testing.T) {
	sup, _ := newSupervisor(t, &fakeLauncher{}, nil, Config{})
	defer sup.Stop()

	st := sup.Status()
	assert.False(t, st.Running)
	assert.Zero(t, st.UptimeSeconds)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sup.now = func() time.Time { return base }
	require.True(t, sup.Start(context.Background(), StartRequest{}).Success)

	sup.now = func() time.Time { return base.Add(90 * time.Second) }
	st = sup.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 90.0, st.UptimeSeconds)
	assert.Equal(t, 1001, st.PID)
	require.NotNil(t, st.StartedAt)
	assert.Equal(t, base, *st.StartedAt)
}

func TestSupervisor_ExitDuringStartup(t *testing.T) {
	launcher := &fakeLauncher{prepare: func(p *fakeProcess) {
		go func() {
			p.say("panic: missing ANTHROPIC_API_KEY")
			p.exit()
		}()
	}}
	sup, _ := newSupervisor(t, launcher, nil, Config{StartupGrace: 500 * time.Millisecond})

	res := sup.Start(context.Background(), StartRequest{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exited during startup")
	assert.Contains(t, res.Logs, "panic: missing ANTHROPIC_API_KEY")
	assert.False(t, sup.Status().Running)
}

func TestSupervisor_LaunchError(t *testing.T) {
	sup, _ := newSupervisor(t, &fakeLauncher{err: errors.New("exec: not found")}, nil, Config{})

	res := sup.Start(context.Background(), StartRequest{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
	assert.False(t, sup.Running())

	// a failed start does not block the next one
	sup.launchers[domain.WorkerLocal] = &fakeLauncher{}
	assert.True(t, sup.Start(context.Background(), StartRequest{}).Success)
	sup.Stop()
}

func TestSupervisor_UnavailableMode(t *testing.T) {
	sup, _ := newSupervisor(t, &fakeLauncher{}, nil, Config{})
	res := sup.Start(context.Background(), StartRequest{Mode: domain.WorkerDocker})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "docker workers are not available")
}

func TestSupervisor_DockerUsesStoredToken(t *testing.T) {
	docker := &fakeLauncher{}
	sup, st := newSupervisor(t, &fakeLauncher{}, docker, Config{
		DockerImage: "uiqa-worker:test",
		DockerArgs:  []string{"worker"},
		DockerEnv:   map[string]string{"UIQA_DATABASE_PATH": "/data/uiqa.db"},
	})
	defer sup.Stop()

	token := "ghp_tokenfromsettings"
	view, err := st.Update(settings.Update{GitHubToken: &token})
	require.NoError(t, err)
	require.NotNil(t, view.GitHubToken)
	assert.NotEqual(t, token, *view.GitHubToken)

	res := sup.Start(context.Background(), StartRequest{Mode: domain.WorkerDocker, AnthropicAPIKey: "sk-ant-override"})
	require.True(t, res.Success, res.Error)

	spec := docker.specs[0]
	assert.Equal(t, domain.WorkerDocker, spec.Mode)
	assert.Equal(t, "uiqa-worker:test", spec.Image)
	assert.Equal(t, token, spec.Env["UIQA_GITHUB_TOKEN"])
	assert.Equal(t, "sk-ant-override", spec.Env["ANTHROPIC_API_KEY"])
	assert.Equal(t, "/data/uiqa.db", spec.Env["UIQA_DATABASE_PATH"])
}

func TestSupervisor_ModeFromSettings(t *testing.T) {
	docker := &fakeLauncher{}
	sup, st := newSupervisor(t, &fakeLauncher{}, docker, Config{DockerImage: "img"})
	defer sup.Stop()

	mode := domain.WorkerDocker
	_, err := st.Update(settings.Update{WorkerMode: &mode})
	require.NoError(t, err)

	res := sup.Start(context.Background(), StartRequest{})
	require.True(t, res.Success)
	assert.Equal(t, domain.WorkerDocker, res.Mode)
	assert.Equal(t, 1, docker.launches())
}

func TestRing(t *testing.T) {
	r := NewRing(3)
	assert.Empty(t, r.Tail(0))
	r.Append("a")
	r.Append("b")
	assert.Equal(t, []string{"a", "b"}, r.Tail(10))
	r.Append("c")
	r.Append("d")
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"b", "c", "d"}, r.Tail(0))
	assert.Equal(t, []string{"d"}, r.Tail(1))
	r.Reset()
	assert.Equal(t, 0, r.Len())
}
