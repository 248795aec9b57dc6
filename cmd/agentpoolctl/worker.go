package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/foundryhq/agentpool/internal/ipc"
	"github.com/foundryhq/agentpool/pool"
)

// childState is the worker-child side of the IPC contract: it owns at most
// one sub-process at a time and answers heartbeats while it runs.
type childState struct {
	out *ipc.Framer

	mu            sync.Mutex
	current       *exec.Cmd
	currentTaskID string
	aborted       bool
}

// runWorkerChild speaks the wire protocol on stdin/stdout: one ready
// message, then a loop answering heartbeats, executing tasks, and honoring
// control messages until shutdown or stream close.
func runWorkerChild() error {
	reader := ipc.NewReader(os.Stdin)
	c := &childState{out: ipc.NewFramer(os.Stdout)}

	if err := c.send(ipc.TypeReady, "", nil); err != nil {
		return err
	}

	for {
		msg, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch msg.Type {
		case ipc.TypeHeartbeat:
			c.sendHeartbeat()
		case ipc.TypeTask:
			var task pool.Task
			if err := msg.Decode(&task); err != nil {
				_ = c.send(ipc.TypeError, "", map[string]string{"message": err.Error()})
				continue
			}
			go c.runTask(task)
		case ipc.TypeControl:
			var action string
			if err := msg.Decode(&action); err == nil && action == ipc.ControlShutdown {
				return nil
			}
			var abort ipc.ControlAbort
			if err := msg.Decode(&abort); err == nil && abort.Action == "abort" {
				c.abort(abort.TaskID)
			}
		}
	}
}

func (c *childState) send(typ ipc.Type, id string, payload any) error {
	msg, err := ipc.NewMessage(typ, id, time.Now().UnixMilli(), payload)
	if err != nil {
		return err
	}
	return c.out.Write(msg)
}

// sendHeartbeat replies with this process's cumulative CPU seconds and
// resident memory in whole MB.
func (c *childState) sendHeartbeat() {
	payload := ipc.HeartbeatPayload{}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if times, err := proc.Times(); err == nil {
			payload.CPU = times.User + times.System
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			payload.Memory = int(mem.RSS / (1024 * 1024))
		}
	}
	_ = c.send(ipc.TypeHeartbeat, "", payload)
}

// invocation maps a task type to the sub-process to run.
func invocation(task pool.Task) (string, []string, bool) {
	switch task.Type {
	case pool.TaskShell, pool.TaskScript:
		return task.Command, task.Args, true
	case pool.TaskClaudeCode, pool.TaskAgent:
		return "claude", append([]string{task.Command}, task.Args...), true
	default:
		return "", nil, false
	}
}

func (c *childState) runTask(task pool.Task) {
	start := time.Now()
	result := pool.Result{TaskID: task.ID, ExitCode: 1}

	command, args, ok := invocation(task)
	if !ok {
		result.Error = pool.ErrInvalidTaskType
		result.Stderr = fmt.Sprintf("unknown task type %q", task.Type)
		c.finish(task.ID, result, start)
		return
	}

	cmd := exec.Command(command, args...)
	if task.Cwd != "" {
		cmd.Dir = task.Cwd
	}
	env := os.Environ()
	for k, v := range task.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		result.Error = pool.ErrSpawnError
		result.Stderr = err.Error()
		c.finish(task.ID, result, start)
		return
	}

	c.mu.Lock()
	c.current = cmd
	c.currentTaskID = task.ID
	c.aborted = false
	c.mu.Unlock()

	waitErr := cmd.Wait()

	c.mu.Lock()
	aborted := c.aborted
	c.current = nil
	c.currentTaskID = ""
	c.mu.Unlock()

	result.Stdout = strings.TrimRight(stdout.String(), " \t\r\n")
	result.Stderr = strings.TrimRight(stderr.String(), " \t\r\n")

	switch {
	case aborted:
		result.Error = pool.ErrAborted
	case waitErr == nil:
		result.Success = true
		result.ExitCode = 0
		result.Error = ""
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = pool.ErrNonZeroExit
		} else {
			result.Error = pool.ErrExecutionError
			if result.Stderr == "" {
				result.Stderr = waitErr.Error()
			}
		}
	}

	c.finish(task.ID, result, start)
}

func (c *childState) finish(taskID string, result pool.Result, start time.Time) {
	result.Duration = time.Since(start).Milliseconds()
	_ = c.send(ipc.TypeResult, taskID, result)
}

// abort terminates the in-flight sub-process: SIGTERM first, SIGKILL if it
// is still alive after the 5 s grace period. The terminal result for the
// task is emitted by runTask once Wait returns, carrying ABORTED.
func (c *childState) abort(taskID string) {
	c.mu.Lock()
	cmd := c.current
	if cmd == nil || c.currentTaskID != taskID || cmd.Process == nil {
		c.mu.Unlock()
		return
	}
	c.aborted = true
	proc := cmd.Process
	c.mu.Unlock()

	_ = proc.Signal(syscall.SIGTERM)

	go func() {
		time.Sleep(5 * time.Second)
		c.mu.Lock()
		stillRunning := c.current == cmd
		c.mu.Unlock()
		if stillRunning {
			_ = proc.Kill()
		}
	}()
}
