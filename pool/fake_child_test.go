package pool

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/foundryhq/agentpool/internal/ipc"
	"github.com/foundryhq/agentpool/internal/worker"
)

// childBehavior decides the fake child's reply to one task message.
// Returning respond=false leaves the task hanging until the test aborts
// the task or crashes the child.
type childBehavior func(task Task) (result Result, respond bool)

// fakeChildProc is an in-memory worker.Process whose "child" side is
// driven by a behavior function: it emits ready on startup, answers
// heartbeats, and replies to task messages.
type fakeChildProc struct {
	behave childBehavior

	mu     sync.Mutex
	closed bool
	outbox chan ipc.Message
	inbox  chan ipc.Message
	done   chan struct{}
}

func newFakeChildProc(behave childBehavior) *fakeChildProc {
	p := &fakeChildProc{
		behave: behave,
		outbox: make(chan ipc.Message, 64),
		inbox:  make(chan ipc.Message, 64),
		done:   make(chan struct{}),
	}
	go p.childLoop()
	return p
}

func (p *fakeChildProc) childLoop() {
	p.emit(mustMessage(ipc.TypeReady, "", nil))
	for {
		select {
		case <-p.done:
			return
		case m := <-p.inbox:
			switch m.Type {
			case ipc.TypeHeartbeat:
				p.emit(mustMessage(ipc.TypeHeartbeat, "", ipc.HeartbeatPayload{CPU: 0.1, Memory: 42}))
			case ipc.TypeTask:
				var task Task
				_ = m.Decode(&task)
				if result, respond := p.behave(task); respond {
					result.TaskID = task.ID
					p.emit(mustMessage(ipc.TypeResult, task.ID, result))
				}
			case ipc.TypeControl:
				var action string
				if err := m.Decode(&action); err == nil && action == ipc.ControlShutdown {
					p.crash()
					return
				}
			}
		}
	}
}

func mustMessage(typ ipc.Type, id string, payload any) ipc.Message {
	m, err := ipc.NewMessage(typ, id, time.Now().UnixMilli(), payload)
	if err != nil {
		panic(err)
	}
	return m
}

func (p *fakeChildProc) emit(m ipc.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.outbox <- m:
	default:
	}
}

// crash closes the child's output stream, which the worker's read loop
// observes as an unexpected exit.
func (p *fakeChildProc) crash() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.outbox)
	close(p.done)
}

func (p *fakeChildProc) Send(m ipc.Message) error {
	select {
	case p.inbox <- m:
	default:
	}
	return nil
}

func (p *fakeChildProc) Recv() (ipc.Message, error) {
	m, ok := <-p.outbox
	if !ok {
		return ipc.Message{}, io.EOF
	}
	return m, nil
}

func (p *fakeChildProc) Pid() int         { return 4242 }
func (p *fakeChildProc) Terminate() error { p.crash(); return nil }
func (p *fakeChildProc) Kill() error      { p.crash(); return nil }
func (p *fakeChildProc) Wait() error      { return nil }

// fakeChildLauncher creates one fakeChildProc per Launch and keeps them
// for tests to crash at will.
type fakeChildLauncher struct {
	behave childBehavior

	mu    sync.Mutex
	procs []*fakeChildProc
}

func newFakeChildLauncher(behave childBehavior) *fakeChildLauncher {
	return &fakeChildLauncher{behave: behave}
}

func (l *fakeChildLauncher) Launch(ctx context.Context, spec worker.LaunchSpec) (worker.Process, error) {
	proc := newFakeChildProc(l.behave)
	l.mu.Lock()
	l.procs = append(l.procs, proc)
	l.mu.Unlock()
	return proc, nil
}

func (l *fakeChildLauncher) proc(i int) *fakeChildProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.procs) {
		return nil
	}
	return l.procs[i]
}
