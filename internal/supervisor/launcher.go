package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"syscall"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

// LaunchSpec describes the worker to start
type LaunchSpec struct {
	Mode    domain.WorkerMode
	Command string
	Args    []string
	Env     map[string]string
	Image   string
	Binds   []string
}

// Process is a running worker
type Process interface {
	// ID is the pid for local workers and the container id for docker workers
	ID() string
	PID() int
	// Output yields combined stdout/stderr and reaches EOF when the worker exits
	Output() io.Reader
	Wait() error
	Terminate() error
	Kill() error
}

// Launcher starts worker processes in one execution environment
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// LocalLauncher runs the worker as a child process on this host
type LocalLauncher struct{}

// Launch starts the worker command. The child is not bound to ctx; it lives
// until it exits or is stopped.
func (LocalLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("no worker command configured")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), envList(spec.Env)...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	p := &localProcess{cmd: cmd, out: pr, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		pw.Close()
		close(p.done)
	}()
	return p, nil
}

type localProcess struct {
	cmd  *exec.Cmd
	out  *io.PipeReader
	done chan struct{}
	err  error
}

func (p *localProcess) ID() string        { return strconv.Itoa(p.cmd.Process.Pid) }
func (p *localProcess) PID() int          { return p.cmd.Process.Pid }
func (p *localProcess) Output() io.Reader { return p.out }

func (p *localProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *localProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *localProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
