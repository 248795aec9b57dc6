package worker

import (
	"context"

	"github.com/foundryhq/agentpool/internal/ipc"
)

// LaunchSpec describes the child process a Launcher should start.
type LaunchSpec struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Process is the parent-side handle to a running child. Exactly one result
// message flows back per task sent; Recv surfaces every
// message the child emits in order, including ready/heartbeat/log/error.
type Process interface {
	// Send writes one framed message to the child's input stream.
	Send(m ipc.Message) error
	// Recv blocks for the next framed message from the child, returning
	// io.EOF once the child's output stream closes.
	Recv() (ipc.Message, error)
	// Pid returns the child's process id, or 0 if it has not started.
	Pid() int
	// Terminate sends SIGTERM to the child's process group.
	Terminate() error
	// Kill sends SIGKILL to the child's process group.
	Kill() error
	// Wait blocks until the child exits and returns its exit error, if any.
	Wait() error
}

// Launcher starts a child process implementing the wire contract. It is
// the seam that lets AgentWorker be tested without a real OS process.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}
