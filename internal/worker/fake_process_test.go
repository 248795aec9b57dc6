package worker

import (
	"context"
	"io"
	"sync"

	"github.com/foundryhq/agentpool/internal/ipc"
)

// fakeProcess is an in-memory Process used to test AgentWorker without
// spawning a real OS process.
type fakeProcess struct {
	mu     sync.Mutex
	inbox  chan ipc.Message // messages parent sends, visible to the test via Sent()
	outbox chan ipc.Message // messages the fake child "emits"
	closed bool
	sent   []ipc.Message
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		inbox:  make(chan ipc.Message, 16),
		outbox: make(chan ipc.Message, 16),
	}
}

func (f *fakeProcess) Send(m ipc.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	select {
	case f.inbox <- m:
	default:
	}
	return nil
}

func (f *fakeProcess) Recv() (ipc.Message, error) {
	m, ok := <-f.outbox
	if !ok {
		return ipc.Message{}, io.EOF
	}
	return m, nil
}

func (f *fakeProcess) Pid() int { return 4242 }

func (f *fakeProcess) Terminate() error {
	f.close()
	return nil
}

func (f *fakeProcess) Kill() error {
	f.close()
	return nil
}

func (f *fakeProcess) Wait() error {
	f.close()
	return nil
}

func (f *fakeProcess) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.outbox)
	}
}

// emit pushes a message as if the child sent it.
func (f *fakeProcess) emit(m ipc.Message) {
	f.outbox <- m
}

func (f *fakeProcess) Sent() []ipc.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ipc.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeLauncher hands back a pre-built fakeProcess.
type fakeLauncher struct {
	proc *fakeProcess
}

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	return l.proc, nil
}
