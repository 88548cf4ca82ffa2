package playwright

import (
	"os"
	"os/exec"
	"time"
)

// devServer is a started dev server process group
type devServer struct {
	cmd    *exec.Cmd
	log    *os.File
	exited chan struct{}
}

func startServer(command, dir string, env []string, logPath string) (*devServer, error) {
	f, err := os.Create(logPath)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = f
	cmd.Stderr = f
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		f.Close()
		return nil, err
	}

	s := &devServer{cmd: cmd, log: f, exited: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(s.exited)
	}()
	return s, nil
}

// stop terminates the process group, killing it after timeout
func (s *devServer) stop(timeout time.Duration) {
	defer s.log.Close()
	select {
	case <-s.exited:
		return
	default:
	}
	terminateGroup(s.cmd)
	select {
	case <-s.exited:
	case <-time.After(timeout):
		killGroup(s.cmd)
		<-s.exited
	}
}
