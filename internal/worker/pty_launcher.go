package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/foundryhq/agentpool/internal/ipc"
)

// ptyProcess backs a child launched with a controlling terminal, for
// children (e.g. interactive CLI agents) that refuse to run without a tty.
// The pty is put into raw mode so the IPC framing on top of it is not
// mangled by line discipline translation (CRLF rewriting, echo).
type ptyProcess struct {
	cmd      *exec.Cmd
	pty      *os.File
	oldState *term.State
	framer   *ipc.Framer
	reader   *ipc.Reader

	waitOnce sync.Once
	waitErr  error
	waitCh   chan struct{}
}

func (p *ptyProcess) Send(m ipc.Message) error { return p.framer.Write(m) }
func (p *ptyProcess) Recv() (ipc.Message, error) { return p.reader.Read() }

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Terminate() error { return terminateProcess(p.cmd) }
func (p *ptyProcess) Kill() error      { return killProcess(p.cmd) }

func (p *ptyProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		if p.oldState != nil {
			_ = term.Restore(int(p.pty.Fd()), p.oldState)
		}
		_ = p.pty.Close()
		close(p.waitCh)
	})
	<-p.waitCh
	return p.waitErr
}

// ptyLauncher launches children attached to a pseudo-terminal instead of
// plain pipes.
type ptyLauncher struct{}

func NewPtyLauncher() Launcher {
	return ptyLauncher{}
}

func (ptyLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = sysProcAttr()

	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("worker: starting %q under pty: %w", spec.Command, err)
	}

	state, err := term.MakeRaw(int(f.Fd()))
	if err != nil {
		state = nil
	}

	return &ptyProcess{
		cmd:      cmd,
		pty:      f,
		oldState: state,
		framer:   ipc.NewFramer(f),
		reader:   ipc.NewReader(f),
		waitCh:   make(chan struct{}),
	}, nil
}
