package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/foundryhq/agentpool/internal/ipc"
)

// execProcess is the default Process implementation: a plain os/exec child
// talking newline-delimited JSON over its stdin/stdout.
type execProcess struct {
	cmd    *exec.Cmd
	framer *ipc.Framer
	reader *ipc.Reader
	stdin  io.WriteCloser

	mu       sync.Mutex
	waitErr  error
	waitOnce sync.Once
	waitCh   chan struct{}
}

func (p *execProcess) Send(m ipc.Message) error {
	return p.framer.Write(m)
}

func (p *execProcess) Recv() (ipc.Message, error) {
	return p.reader.Read()
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return terminateProcess(p.cmd)
}

func (p *execProcess) Kill() error {
	return killProcess(p.cmd)
}

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.waitCh)
	})
	<-p.waitCh
	return p.waitErr
}

// pipeLauncher is the default Launcher, spawning children with os/exec and
// plain stdio pipes.
type pipeLauncher struct{}

func NewPipeLauncher() Launcher {
	return pipeLauncher{}
}

func (pipeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: starting %q: %w", spec.Command, err)
	}

	go drainStderr(stderr)

	return &execProcess{
		cmd:    cmd,
		framer: ipc.NewFramer(stdin),
		reader: ipc.NewReader(stdout),
		stdin:  stdin,
		waitCh: make(chan struct{}),
	}, nil
}

// drainStderr discards child stderr so a chatty child cannot deadlock on a
// full pipe; real deployments may want to forward this to the log package.
func drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 4096)
	scanner.Buffer(buf, 1<<20)
	for scanner.Scan() {
	}
}
