package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects every event published by a pool.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(p *Pool) *eventRecorder {
	r := &eventRecorder{}
	p.Subscribe(EventAny, func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *eventRecorder) count(topic EventTopic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

func (r *eventRecorder) countFor(topic EventTopic, taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Topic != topic {
			continue
		}
		switch p := e.Payload.(type) {
		case TaskAssignedEvent:
			if p.TaskID == taskID {
				n++
			}
		case TaskCompletedEvent:
			if p.TaskID == taskID {
				n++
			}
		case TaskFailedEvent:
			if p.TaskID == taskID {
				n++
			}
		case TaskCancelledEvent:
			if p.TaskID == taskID {
				n++
			}
		}
	}
	return n
}

func testConfig(launcher *fakeChildLauncher) Config {
	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	cfg.InitialWorkers = 1
	cfg.DispatchInterval = 10 * time.Millisecond
	cfg.HealthCheckInterval = 25 * time.Millisecond
	cfg.TaskTimeout = 5 * time.Second
	cfg.WorkerReadyTimeout = time.Second
	cfg.ChildCommand = "fake-child"
	cfg.WorkerLauncher = launcher
	return cfg
}

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	cfg.WorkerBaseDir = t.TempDir()
	p := New(cfg)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func succeedAll(task Task) (Result, bool) {
	return Result{Success: true, ExitCode: 0, Stdout: "ok"}, true
}

func TestInitializeTwiceFails(t *testing.T) {
	launcher := newFakeChildLauncher(succeedAll)
	p := startPool(t, testConfig(launcher))
	assert.ErrorIs(t, p.Initialize(context.Background()), ErrAlreadyInitialized)
}

func TestSubmitRunsTaskToCompletion(t *testing.T) {
	launcher := newFakeChildLauncher(succeedAll)
	p := startPool(t, testConfig(launcher))
	rec := recordEvents(p)

	id, err := p.SubmitTask(Task{Type: TaskShell, Command: "echo", Args: []string{"hi"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := p.GetTaskStatus(id)
		return ok && status == AssignmentCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, rec.countFor(EventTaskCompleted, id))
	assert.Equal(t, int64(1), p.GetMetrics().TotalTasksCompleted)
}

func TestPriorityDominatesFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})

	launcher := newFakeChildLauncher(func(task Task) (Result, bool) {
		if task.Command == "gate" {
			<-gate
			return Result{Success: true}, true
		}
		mu.Lock()
		order = append(order, task.Command)
		mu.Unlock()
		return Result{Success: true}, true
	})
	p := startPool(t, testConfig(launcher))

	// Occupy the only worker so the four probes queue up behind it.
	_, err := p.SubmitTask(Task{Type: TaskShell, Command: "gate"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.GetMetrics().BusyWorkers == 1
	}, 2*time.Second, 5*time.Millisecond)

	for _, spec := range []struct {
		name     string
		priority Priority
	}{
		{"bg", Background}, {"low", Low}, {"med", Medium}, {"hi", High},
	} {
		_, err := p.SubmitTask(Task{Type: TaskShell, Command: spec.name, Priority: spec.priority})
		require.NoError(t, err)
	}
	close(gate)

	require.Eventually(t, func() bool {
		return p.GetMetrics().TotalTasksCompleted == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hi", "med", "low", "bg"}, order)
}

func TestRetryThenSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	launcher := newFakeChildLauncher(func(task Task) (Result, bool) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return Result{Success: false, ExitCode: 2, Error: ErrNonZeroExit}, true
		}
		return Result{Success: true}, true
	})
	p := startPool(t, testConfig(launcher))
	rec := recordEvents(p)

	id, err := p.SubmitTask(Task{Type: TaskShell, Command: "flaky", MaxRetries: 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := p.GetTaskStatus(id)
		return ok && status == AssignmentCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, rec.countFor(EventTaskAssigned, id))
	assert.Equal(t, 1, rec.countFor(EventTaskCompleted, id))
	assert.Equal(t, 0, rec.countFor(EventTaskFailed, id))
	assert.Equal(t, int64(1), p.GetMetrics().TotalTasksCompleted)
	assert.Equal(t, int64(0), p.GetMetrics().TotalTasksFailed)
}

func TestRetriesExhaustedFailsOnce(t *testing.T) {
	launcher := newFakeChildLauncher(func(task Task) (Result, bool) {
		return Result{Success: false, ExitCode: 1, Error: ErrNonZeroExit}, true
	})
	p := startPool(t, testConfig(launcher))
	rec := recordEvents(p)

	id, err := p.SubmitTask(Task{Type: TaskShell, Command: "doomed", MaxRetries: 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := p.GetTaskStatus(id)
		return ok && status == AssignmentFailed
	}, 2*time.Second, 10*time.Millisecond)

	// maxRetries=2 means three attempts total.
	assert.Equal(t, 3, rec.countFor(EventTaskAssigned, id))
	assert.Equal(t, 1, rec.countFor(EventTaskFailed, id))
	assert.Equal(t, int64(1), p.GetMetrics().TotalTasksFailed)
}

func TestBlockedCommandFailsWithoutRetry(t *testing.T) {
	var mu sync.Mutex
	delivered := 0
	launcher := newFakeChildLauncher(func(task Task) (Result, bool) {
		mu.Lock()
		delivered++
		mu.Unlock()
		return Result{Success: true}, true
	})
	p := startPool(t, testConfig(launcher))
	rec := recordEvents(p)

	id, err := p.SubmitTask(Task{Type: TaskShell, Command: "rm -rf /"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := p.GetTaskStatus(id)
		return ok && status == AssignmentFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, rec.countFor(EventTaskAssigned, id))
	assert.Equal(t, 1, rec.countFor(EventTaskFailed, id))
	mu.Lock()
	assert.Zero(t, delivered, "blocked command must never reach the child")
	mu.Unlock()

	workers := p.GetAllWorkers()
	require.Len(t, workers, 1)
	assert.Equal(t, "idle", string(workers[0].Status))
}

func TestCancelWhileQueued(t *testing.T) {
	gate := make(chan struct{})
	launcher := newFakeChildLauncher(func(task Task) (Result, bool) {
		<-gate
		return Result{Success: true}, true
	})
	p := startPool(t, testConfig(launcher))

	_, err := p.SubmitTask(Task{Type: TaskShell, Command: "gate"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.GetMetrics().BusyWorkers == 1
	}, 2*time.Second, 5*time.Millisecond)

	id, err := p.SubmitTask(Task{Type: TaskShell, Command: "queued"})
	require.NoError(t, err)
	before := p.GetMetrics().QueueSize

	assert.True(t, p.CancelTask(id))
	status, ok := p.GetTaskStatus(id)
	require.True(t, ok)
	assert.Equal(t, AssignmentCancelled, status)
	assert.Equal(t, before-1, p.GetMetrics().QueueSize)

	close(gate)
}

func TestCancelWhileRunningAborts(t *testing.T) {
	launcher := newFakeChildLauncher(func(task Task) (Result, bool) {
		return Result{}, false // hang until aborted
	})
	p := startPool(t, testConfig(launcher))
	rec := recordEvents(p)

	id, err := p.SubmitTask(Task{Type: TaskShell, Command: "long-running"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := p.GetTaskStatus(id)
		return ok && status == AssignmentRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, p.CancelTask(id))

	require.Eventually(t, func() bool {
		status, ok := p.GetTaskStatus(id)
		return ok && status == AssignmentCancelled
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, rec.countFor(EventTaskCancelled, id))
	assert.Equal(t, 0, rec.countFor(EventTaskFailed, id))

	// The worker returns to idle and keeps serving new work.
	require.Eventually(t, func() bool {
		workers := p.GetAllWorkers()
		return len(workers) == 1 && string(workers[0].Status) == "idle"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelUnknownTask(t *testing.T) {
	launcher := newFakeChildLauncher(succeedAll)
	p := startPool(t, testConfig(launcher))
	assert.False(t, p.CancelTask("no-such-task"))
}

func TestWorkerCrashRequeuesTask(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	launcher := newFakeChildLauncher(func(task Task) (Result, bool) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return Result{}, false // hang; the test crashes the child
		}
		return Result{Success: true}, true
	})
	p := startPool(t, testConfig(launcher))
	rec := recordEvents(p)

	id, err := p.SubmitTask(Task{Type: TaskShell, Command: "x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 1
	}, 2*time.Second, 5*time.Millisecond)

	launcher.proc(0).crash()

	require.Eventually(t, func() bool {
		status, ok := p.GetTaskStatus(id)
		return ok && status == AssignmentCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, rec.count(EventWorkerCrashed), 1)
	assert.Equal(t, 2, rec.countFor(EventTaskAssigned, id))
	assert.GreaterOrEqual(t, len(p.GetAllWorkers()), 1)
}

func TestAutoscaleUpThenCooldown(t *testing.T) {
	launcher := newFakeChildLauncher(func(task Task) (Result, bool) {
		return Result{}, false // keep every worker busy
	})
	cfg := testConfig(launcher)
	cfg.MinWorkers = 2
	cfg.MaxWorkers = 5
	cfg.InitialWorkers = 2
	cfg.ScaleUpThreshold = 0.5
	cfg.ScaleUpStep = 1
	cfg.CooldownPeriod = time.Minute
	p := startPool(t, cfg)
	rec := recordEvents(p)

	for i := 0; i < 10; i++ {
		_, err := p.SubmitTask(Task{Type: TaskShell, Command: "busy"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return rec.count(EventPoolScaled) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Utilisation stays at 1.0, but the cooldown must suppress further
	// scale-ups across many scale ticks.
	time.Sleep(10 * cfg.HealthCheckInterval)
	assert.Equal(t, 1, rec.count(EventPoolScaled))
	assert.Equal(t, 3, p.GetMetrics().WorkerCount)
}

func TestExplicitScaleRespectsBounds(t *testing.T) {
	launcher := newFakeChildLauncher(succeedAll)
	cfg := testConfig(launcher)
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 3
	p := startPool(t, cfg)

	added, err := p.ScaleUp(10)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 3, p.GetMetrics().WorkerCount)

	removed, err := p.ScaleDown(10)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, p.GetMetrics().WorkerCount)

	op := p.GetMetrics().LastScaleOperation
	require.NotNil(t, op)
	assert.Equal(t, ScaleDownDirection, op.Direction)
}

func TestShutdownIsIdempotent(t *testing.T) {
	launcher := newFakeChildLauncher(succeedAll)
	p := startPool(t, testConfig(launcher))

	require.NoError(t, p.Shutdown())
	assert.Equal(t, StatusStopped, p.GetStatus())
	require.NoError(t, p.Shutdown())
	assert.Equal(t, StatusStopped, p.GetStatus())
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	launcher := newFakeChildLauncher(succeedAll)
	p := startPool(t, testConfig(launcher))
	require.NoError(t, p.Shutdown())

	_, err := p.SubmitTask(Task{Type: TaskShell, Command: "echo"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestTaskIDsAreUnique(t *testing.T) {
	launcher := newFakeChildLauncher(succeedAll)
	p := startPool(t, testConfig(launcher))

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := p.SubmitTask(Task{Type: TaskShell, Command: "echo"})
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestCrashRecoveryRestoresCapacity(t *testing.T) {
	launcher := newFakeChildLauncher(succeedAll)
	cfg := testConfig(launcher)
	cfg.MinWorkers = 2
	cfg.MaxWorkers = 2
	cfg.InitialWorkers = 2
	p := startPool(t, cfg)

	rec := recordEvents(p)

	// Crash both children: the health tick (or the crash handler's failed
	// restart path) must not leave the pool without workers for long, and
	// the crash events must surface.
	launcher.proc(0).crash()
	launcher.proc(1).crash()

	require.Eventually(t, func() bool {
		return rec.count(EventWorkerCrashed) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Restarts re-launch fresh children; the pool recovers to capacity.
	require.Eventually(t, func() bool {
		workers := p.GetAllWorkers()
		if len(workers) < cfg.MinWorkers {
			return false
		}
		for _, w := range workers {
			if string(w.Status) != "idle" {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}
