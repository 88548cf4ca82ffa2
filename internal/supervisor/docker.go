package supervisor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerLauncher runs the worker in a container
type DockerLauncher struct {
	cli *client.Client
}

// NewDockerLauncher connects to the docker daemon at host, or the
// environment's default when host is empty.
func NewDockerLauncher(host string) (*DockerLauncher, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return &DockerLauncher{cli: cli}, nil
}

// Launch creates and starts the worker container and follows its logs
func (d *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("no worker image configured")
	}

	name := fmt.Sprintf("uiqa-worker-%d", time.Now().Unix())
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.Image,
			Cmd:    spec.Args,
			Env:    envList(spec.Env),
			Labels: map[string]string{"uiqa.role": "worker"},
		},
		&container.HostConfig{
			Binds: spec.Binds,
		},
		nil, nil, name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating worker container: %w", err)
	}
	id := resp.ID

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		d.remove(id)
		return nil, fmt.Errorf("starting worker container: %w", err)
	}

	logs, err := d.cli.ContainerLogs(context.Background(), id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		d.cli.ContainerKill(context.Background(), id, "SIGKILL")
		d.remove(id)
		return nil, fmt.Errorf("attaching to worker logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		logs.Close()
		pw.CloseWithError(err)
	}()

	p := &containerProcess{d: d, id: id, out: pr, done: make(chan struct{})}
	go p.watch()
	return p, nil
}

func (d *DockerLauncher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

type containerProcess struct {
	d    *DockerLauncher
	id   string
	out  *io.PipeReader
	done chan struct{}
	err  error
}

func (p *containerProcess) watch() {
	statusCh, errCh := p.d.cli.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		p.err = err
	case st := <-statusCh:
		if st.Error != nil {
			p.err = fmt.Errorf("container wait: %s", st.Error.Message)
		} else if st.StatusCode != 0 {
			p.err = fmt.Errorf("container exited with status %d", st.StatusCode)
		}
	}
	p.d.remove(p.id)
	close(p.done)
}

func (p *containerProcess) ID() string {
	if len(p.id) > 12 {
		return p.id[:12]
	}
	return p.id
}

func (p *containerProcess) PID() int          { return 0 }
func (p *containerProcess) Output() io.Reader { return p.out }

func (p *containerProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *containerProcess) Terminate() error {
	return p.d.cli.ContainerKill(context.Background(), p.id, "SIGTERM")
}

func (p *containerProcess) Kill() error {
	return p.d.cli.ContainerKill(context.Background(), p.id, "SIGKILL")
}
