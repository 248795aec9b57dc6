package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	applog "github.com/foundryhq/agentpool/log"

	"github.com/foundryhq/agentpool/internal/events"
	"github.com/foundryhq/agentpool/internal/queue"
	"github.com/foundryhq/agentpool/internal/worker"
)

var (
	ErrAlreadyInitialized = errors.New("pool: already initialized")
	ErrNotRunning         = errors.New("pool: not running")
)

const maxTaskDurations = 100

// Pool is the AgentWorkerPool supervisor. It owns the task
// queue and all workers; dispatch, retry, autoscaling, and health run as
// background ticks started by Initialize and stopped by Shutdown.
type Pool struct {
	cfg Config
	bus *events.Bus

	mu             sync.Mutex
	status         Status
	workers        map[string]*worker.AgentWorker
	unsubscribes   map[string]func()
	queue          *queue.Queue
	running        map[string]runningEntry
	assignments    map[string]AssignmentStatus
	durations      []time.Duration
	lastScale      *ScaleOperation
	totalCompleted int64
	totalFailed    int64
	startedAt      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	kickCh chan struct{}
	wg     sync.WaitGroup

	// dispatchMu serialises dispatch passes so two ticks cannot hand the
	// same idle worker two tasks.
	dispatchMu sync.Mutex
}

// New constructs a stopped pool. Call Initialize to spawn workers and
// start the background ticks.
func New(cfg Config) *Pool {
	if cfg.MinWorkers < 0 {
		cfg.MinWorkers = 0
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.InitialWorkers <= 0 {
		cfg.InitialWorkers = cfg.MinWorkers
	}
	if cfg.InitialWorkers > cfg.MaxWorkers {
		cfg.InitialWorkers = cfg.MaxWorkers
	}
	if cfg.ScaleUpStep < 1 {
		cfg.ScaleUpStep = 1
	}
	if cfg.ScaleDownStep < 1 {
		cfg.ScaleDownStep = 1
	}

	return &Pool{
		cfg:          cfg,
		bus:          events.NewBus(),
		status:       StatusStopped,
		workers:      make(map[string]*worker.AgentWorker),
		unsubscribes: make(map[string]func()),
		queue:        queue.New(),
		running:      make(map[string]runningEntry),
		assignments:  make(map[string]AssignmentStatus),
		kickCh:       make(chan struct{}, 1),
	}
}

// Events exposes the pool's event bus for subscription.
func (p *Pool) Events() *events.Bus { return p.bus }

// Subscribe is shorthand for Events().Subscribe.
func (p *Pool) Subscribe(topic events.Topic, l events.Listener) func() {
	return p.bus.Subscribe(topic, l)
}

// Initialize spawns the initial workers and starts the dispatch, scale,
// and health ticks. It fails if the pool is not stopped, and does not
// report running until every initial worker has reached idle or failed
// to spawn.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.status != StatusStopped {
		p.mu.Unlock()
		return ErrAlreadyInitialized
	}
	p.status = StatusStarting
	p.startedAt = time.Now()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.bus.Publish(events.TopicPoolStatus, PoolStatusEvent{Status: StatusStarting})

	var g errgroup.Group
	for i := 0; i < p.cfg.InitialWorkers; i++ {
		g.Go(func() error {
			return p.spawnWorker(ctx)
		})
	}
	spawnErr := g.Wait()

	p.mu.Lock()
	started := len(p.workers)
	p.mu.Unlock()
	if started == 0 && p.cfg.InitialWorkers > 0 {
		p.mu.Lock()
		p.status = StatusStopped
		p.cancel()
		p.mu.Unlock()
		return fmt.Errorf("pool: no workers started: %w", spawnErr)
	}
	if spawnErr != nil {
		applog.WarningLog.Printf("pool: %d/%d initial workers started: %v", started, p.cfg.InitialWorkers, spawnErr)
	}

	p.mu.Lock()
	p.status = StatusRunning
	p.mu.Unlock()
	p.bus.Publish(events.TopicPoolStatus, PoolStatusEvent{Status: StatusRunning})

	p.wg.Add(3)
	go p.dispatchLoop()
	go p.healthLoop()
	go p.scaleLoop()

	applog.InfoLog.Printf("pool: running with %d workers", started)
	return nil
}

// Shutdown terminates all workers in parallel, clears all task state, and
// stops the background ticks. It is idempotent.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.status == StatusStopped || p.status == StatusStopping {
		p.mu.Unlock()
		return nil
	}
	p.status = StatusStopping
	stopCh := p.stopCh
	cancel := p.cancel
	p.mu.Unlock()

	p.bus.Publish(events.TopicPoolStatus, PoolStatusEvent{Status: StatusStopping})

	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}
	p.wg.Wait()

	p.mu.Lock()
	workers := make([]*worker.AgentWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	unsubs := p.unsubscribes
	p.workers = make(map[string]*worker.AgentWorker)
	p.unsubscribes = make(map[string]func())
	p.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	var g errgroup.Group
	for _, w := range workers {
		g.Go(w.Terminate)
	}
	if err := g.Wait(); err != nil {
		applog.WarningLog.Printf("pool: worker terminate during shutdown: %v", err)
	}

	p.mu.Lock()
	p.queue.Clear()
	p.running = make(map[string]runningEntry)
	p.assignments = make(map[string]AssignmentStatus)
	p.status = StatusStopped
	p.mu.Unlock()

	p.bus.Publish(events.TopicPoolStatus, PoolStatusEvent{Status: StatusStopped})
	return nil
}

// SubmitTask assigns a fresh id, applies defaults, enqueues, and triggers
// an immediate dispatch pass. A zero MaxRetries means "use the pool
// default"; pass a negative value for no retries.
func (p *Pool) SubmitTask(spec Task) (string, error) {
	p.mu.Lock()
	if p.status == StatusStopped || p.status == StatusStopping {
		p.mu.Unlock()
		return "", ErrNotRunning
	}
	p.mu.Unlock()

	task := spec.Clone()
	task.ID = uuid.NewString()
	task.CreatedAt = time.Now()
	task.RetryCount = 0
	if task.MaxRetries == 0 {
		task.MaxRetries = p.cfg.MaxTaskRetries
	} else if task.MaxRetries < 0 {
		task.MaxRetries = 0
	}
	if task.Priority < Background || task.Priority > High {
		task.Priority = Medium
	}

	p.mu.Lock()
	if err := p.queue.Enqueue(task); err != nil {
		p.mu.Unlock()
		return "", err
	}
	p.assignments[task.ID] = AssignmentQueued
	p.mu.Unlock()

	p.bus.Publish(events.TopicTaskQueued, TaskQueuedEvent{Task: task})
	p.kickDispatch()
	return task.ID, nil
}

// CancelTask removes a queued task or aborts a running one. Returns false
// if the id is in neither state (terminal statuses cannot be cancelled).
func (p *Pool) CancelTask(id string) bool {
	p.mu.Lock()
	if p.queue.Remove(id) {
		p.assignments[id] = AssignmentCancelled
		p.mu.Unlock()
		p.bus.Publish(events.TopicTaskCancelled, TaskCancelledEvent{TaskID: id, Reason: "cancelled while queued"})
		return true
	}

	entry, ok := p.running[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	p.assignments[id] = AssignmentCancelled
	w := p.workers[entry.WorkerID]
	p.mu.Unlock()

	if w != nil {
		if err := w.Abort(id); err != nil {
			applog.WarningLog.Printf("pool: abort task %s on worker %s: %v", id, entry.WorkerID, err)
		}
	}
	p.bus.Publish(events.TopicTaskCancelled, TaskCancelledEvent{TaskID: id, Reason: "aborted while running"})
	return true
}

// GetTaskStatus returns the current assignment status of a task id, or
// false if the pool has no record of it (never submitted, or cleared by
// Shutdown).
func (p *Pool) GetTaskStatus(id string) (AssignmentStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.queue.GetTask(id); ok {
		return AssignmentQueued, true
	}
	if _, ok := p.running[id]; ok {
		return AssignmentRunning, true
	}
	status, ok := p.assignments[id]
	return status, ok
}

// GetWorker returns a copy-on-read snapshot of one worker.
func (p *Pool) GetWorker(id string) (WorkerSnapshot, bool) {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return WorkerSnapshot{}, false
	}
	return snapshotWorker(w), true
}

// GetAllWorkers returns snapshots of every live worker, ordered by id.
func (p *Pool) GetAllWorkers() []WorkerSnapshot {
	p.mu.Lock()
	workers := make([]*worker.AgentWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	out := make([]WorkerSnapshot, 0, len(workers))
	for _, w := range workers {
		out = append(out, snapshotWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func snapshotWorker(w *worker.AgentWorker) WorkerSnapshot {
	snap := WorkerSnapshot{
		ID:      w.ID(),
		Pid:     w.Pid(),
		Status:  w.Status(),
		Metrics: w.Metrics(),
	}
	if task, ok := w.CurrentTask(); ok {
		snap.CurrentTask = &task
	}
	return snap
}

// GetStatus returns the pool-level status.
func (p *Pool) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// GetMetrics returns an aggregate snapshot; it never blocks dispatch.
func (p *Pool) GetMetrics() Metrics {
	p.mu.Lock()
	m := Metrics{
		Status:              p.status,
		WorkerCount:         len(p.workers),
		BusyWorkers:         len(p.running),
		QueueSize:           p.queue.Size(),
		QueueSizeByPriority: p.queue.SizeByPriority(),
		TotalTasksCompleted: p.totalCompleted,
		TotalTasksFailed:    p.totalFailed,
	}
	if p.lastScale != nil {
		op := *p.lastScale
		m.LastScaleOperation = &op
	}
	if !p.startedAt.IsZero() {
		m.Uptime = time.Since(p.startedAt)
	}
	if len(p.durations) > 0 {
		var total time.Duration
		for _, d := range p.durations {
			total += d
		}
		m.AverageTaskDuration = total / time.Duration(len(p.durations))
	}
	p.mu.Unlock()

	m.IdleWorkers = m.WorkerCount - m.BusyWorkers
	if m.IdleWorkers < 0 {
		m.IdleWorkers = 0
	}
	return m
}

// Queue exposes the pool's task queue for introspection (sizes, wait
// times, the completion ledger). Mutations belong to the pool.
func (p *Pool) Queue() *queue.Queue { return p.queue }

// ---- worker lifecycle ----

func (p *Pool) workerConfig(id string) worker.Config {
	wcfg := worker.DefaultConfig(id)
	wcfg.BaseDir = p.cfg.WorkerBaseDir
	if p.cfg.WorkerMemoryLimitMB > 0 {
		wcfg.MemoryLimitMB = p.cfg.WorkerMemoryLimitMB
	}
	if p.cfg.WorkerCPULimit > 0 {
		wcfg.CPULimitPercent = p.cfg.WorkerCPULimit
	}
	if p.cfg.WorkerReadyTimeout > 0 {
		wcfg.ReadyTimeout = p.cfg.WorkerReadyTimeout
	}
	if p.cfg.TaskTimeout > 0 {
		wcfg.DefaultTaskTimeout = p.cfg.TaskTimeout
	}
	if p.cfg.WorkerLaunchMode == "pty" {
		wcfg.Launcher = worker.NewPtyLauncher()
	}
	if p.cfg.WorkerLauncher != nil {
		wcfg.Launcher = p.cfg.WorkerLauncher
	}
	return wcfg
}

// spawnWorker creates, subscribes, and spawns one worker, blocking until
// it is ready or its spawn fails.
func (p *Pool) spawnWorker(ctx context.Context) error {
	id := "worker-" + uuid.NewString()[:8]
	w := worker.New(p.workerConfig(id))

	unsub := w.Subscribe(func(evt worker.Event) {
		if evt.Type == worker.EventCrashed {
			p.handleWorkerCrash(evt)
		}
	})

	if err := w.Spawn(ctx, p.cfg.ChildCommand, p.cfg.ChildArgs); err != nil {
		unsub()
		return fmt.Errorf("pool: spawn worker %s: %w", id, err)
	}

	p.mu.Lock()
	p.workers[id] = w
	p.unsubscribes[id] = unsub
	p.mu.Unlock()

	p.bus.Publish(events.TopicWorkerStarted, WorkerStartedEvent{WorkerID: id, Pid: w.Pid()})
	return nil
}

// removeWorker unsubscribes and drops a worker from the pool map. The
// caller is responsible for terminating it.
func (p *Pool) removeWorker(id string) {
	p.mu.Lock()
	unsub := p.unsubscribes[id]
	delete(p.workers, id)
	delete(p.unsubscribes, id)
	p.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// handleWorkerCrash reacts to an unexpected child exit. The
// in-flight task, if any, is resolved by the worker itself with an
// execution error and funnels through the normal retry policy; here we
// emit the crash event and restart or replace the worker.
func (p *Pool) handleWorkerCrash(evt worker.Event) {
	p.mu.Lock()
	if p.status == StatusStopping || p.status == StatusStopped {
		p.mu.Unlock()
		return
	}
	w := p.workers[evt.WorkerID]
	p.mu.Unlock()
	if w == nil {
		return
	}

	applog.WarningLog.Printf("pool: worker %s crashed (code %d)", evt.WorkerID, evt.ExitCode)
	p.bus.Publish(events.TopicWorkerCrashed, WorkerCrashedEvent{
		WorkerID: evt.WorkerID,
		Code:     evt.ExitCode,
		Signal:   evt.Signal,
	})

	go p.recoverWorker(evt.WorkerID, w)
}

// recoverWorker restarts a crashed worker; if the restart fails, the
// worker is removed and replaced when that would leave the pool below
// MinWorkers.
func (p *Pool) recoverWorker(id string, w *worker.AgentWorker) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if err := w.Restart(ctx, p.cfg.ChildCommand, p.cfg.ChildArgs); err != nil {
		applog.ErrorLog.Printf("pool: restart worker %s: %v", id, err)
		_ = w.Terminate()
		p.removeWorker(id)

		p.mu.Lock()
		needReplacement := p.status == StatusRunning && len(p.workers) < p.cfg.MinWorkers
		p.mu.Unlock()
		if needReplacement {
			if err := p.spawnWorker(ctx); err != nil {
				applog.ErrorLog.Printf("pool: replace crashed worker: %v", err)
			}
		}
		return
	}

	p.bus.Publish(events.TopicWorkerStarted, WorkerStartedEvent{WorkerID: id, Pid: w.Pid()})
	p.kickDispatch()
}

// ---- dispatch ----

func (p *Pool) kickDispatch() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.dispatchTasks()
		case <-p.kickCh:
			p.dispatchTasks()
		}
	}
}

// dispatchTasks drains the queue while idle workers exist. A
// worker counts as idle only when it reports StateIdle and has no entry
// in the running map, so concurrent passes cannot double-book it.
func (p *Pool) dispatchTasks() {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	for {
		p.mu.Lock()
		if p.status != StatusRunning && p.status != StatusDegraded && p.status != StatusScaling {
			p.mu.Unlock()
			return
		}
		w := p.pickIdleWorkerLocked()
		if w == nil {
			p.mu.Unlock()
			return
		}
		task, ok := p.queue.Dequeue()
		if !ok {
			p.mu.Unlock()
			return
		}
		p.running[task.ID] = runningEntry{Task: task, WorkerID: w.ID(), StartTime: time.Now()}
		p.assignments[task.ID] = AssignmentAssigned
		p.mu.Unlock()

		p.bus.Publish(events.TopicTaskAssigned, TaskAssignedEvent{TaskID: task.ID, WorkerID: w.ID()})
		p.bus.Publish(events.TopicTaskStarted, TaskStartedEvent{TaskID: task.ID})

		p.mu.Lock()
		if p.assignments[task.ID] == AssignmentAssigned {
			p.assignments[task.ID] = AssignmentRunning
		}
		p.mu.Unlock()

		go p.runTask(w, task)
	}
}

// pickIdleWorkerLocked selects the least-recently-used idle worker, ties
// broken by id. Callers hold p.mu.
func (p *Pool) pickIdleWorkerLocked() *worker.AgentWorker {
	booked := make(map[string]bool, len(p.running))
	for _, entry := range p.running {
		booked[entry.WorkerID] = true
	}

	var best *worker.AgentWorker
	var bestActivity time.Time
	for _, w := range p.workers {
		if booked[w.ID()] || w.Status() != worker.StateIdle {
			continue
		}
		activity := w.LastActivity()
		if best == nil || activity.Before(bestActivity) ||
			(activity.Equal(bestActivity) && w.ID() < best.ID()) {
			best = w
			bestActivity = activity
		}
	}
	return best
}

func (p *Pool) runTask(w *worker.AgentWorker, task Task) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		return
	}

	result, err := w.Execute(ctx, task)
	if err != nil {
		if errors.Is(err, worker.ErrNotIdle) {
			// Lost a race with the worker's own state machine; put the
			// task back without charging a retry.
			p.mu.Lock()
			delete(p.running, task.ID)
			if enqErr := p.queue.Enqueue(task); enqErr == nil {
				p.assignments[task.ID] = AssignmentQueued
			}
			p.mu.Unlock()
			p.kickDispatch()
			return
		}
		if ctx.Err() != nil {
			return // shutdown in progress; state is cleared wholesale
		}
		result = Result{
			TaskID:   task.ID,
			Success:  false,
			ExitCode: 1,
			Stderr:   err.Error(),
			Error:    queue.ErrExecutionError,
		}
	}

	p.handleResult(task, result)
}

// handleResult applies completion bookkeeping and the retry policy to
// one terminal task result.
func (p *Pool) handleResult(task Task, result Result) {
	p.mu.Lock()
	delete(p.running, task.ID)
	status, known := p.assignments[task.ID]
	p.mu.Unlock()

	if !known {
		return // cleared by shutdown
	}

	switch {
	case status == AssignmentCancelled || result.Error == queue.ErrAborted:
		// Cancelled is terminal; CancelTask already emitted the event.
		p.mu.Lock()
		p.assignments[task.ID] = AssignmentCancelled
		p.queue.Complete(task.ID, task, result)
		p.mu.Unlock()

	case result.Success:
		p.mu.Lock()
		p.totalCompleted++
		p.durations = append(p.durations, time.Duration(result.Duration)*time.Millisecond)
		if len(p.durations) > maxTaskDurations {
			p.durations = p.durations[len(p.durations)-maxTaskDurations:]
		}
		p.assignments[task.ID] = AssignmentCompleted
		p.queue.Complete(task.ID, task, result)
		p.mu.Unlock()
		p.bus.Publish(events.TopicTaskCompleted, TaskCompletedEvent{TaskID: task.ID, Result: result})

	case p.shouldRetry(task, result):
		retry := task.Clone()
		retry.RetryCount++
		p.mu.Lock()
		if err := p.queue.Enqueue(retry); err != nil {
			p.mu.Unlock()
			applog.ErrorLog.Printf("pool: re-enqueue task %s: %v", task.ID, err)
			return
		}
		p.assignments[task.ID] = AssignmentQueued
		p.mu.Unlock()
		applog.DebugLog.Printf("pool: retrying task %s (%d/%d)", task.ID, retry.RetryCount, retry.MaxRetries)

	default:
		p.mu.Lock()
		p.totalFailed++
		p.assignments[task.ID] = AssignmentFailed
		p.queue.Complete(task.ID, task, result)
		p.mu.Unlock()
		p.bus.Publish(events.TopicTaskFailed, TaskFailedEvent{
			TaskID:       task.ID,
			Error:        result.Error,
			FinalAttempt: true,
		})
	}

	p.kickDispatch()
}

// shouldRetry implements the no-retry carve-outs: policy rejections
// and aborts are terminal on the first attempt.
func (p *Pool) shouldRetry(task Task, result Result) bool {
	switch result.Error {
	case queue.ErrBlockedCommand, queue.ErrInvalidTaskType, queue.ErrAborted:
		return false
	}
	return task.RetryCount < task.MaxRetries
}

// ---- scaling ----

// ScaleUp adds up to n workers, clamped to MaxWorkers, and records the
// operation. n<=0 means one ScaleUpStep.
func (p *Pool) ScaleUp(n int) (int, error) {
	if n <= 0 {
		n = p.cfg.ScaleUpStep
	}

	p.mu.Lock()
	if p.status != StatusRunning && p.status != StatusDegraded {
		p.mu.Unlock()
		return 0, ErrNotRunning
	}
	from := len(p.workers)
	if from+n > p.cfg.MaxWorkers {
		n = p.cfg.MaxWorkers - from
	}
	if n <= 0 {
		p.mu.Unlock()
		return 0, nil
	}
	prev := p.status
	p.status = StatusScaling
	ctx := p.ctx
	p.mu.Unlock()

	p.bus.Publish(events.TopicPoolStatus, PoolStatusEvent{Status: StatusScaling})

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error { return p.spawnWorker(ctx) })
	}
	err := g.Wait()

	p.mu.Lock()
	to := len(p.workers)
	added := to - from
	if p.status == StatusScaling {
		p.status = prev
	}
	if added > 0 {
		p.lastScale = &ScaleOperation{Direction: ScaleUpDirection, Count: added, From: from, To: to, Timestamp: time.Now()}
	}
	p.mu.Unlock()

	p.bus.Publish(events.TopicPoolStatus, PoolStatusEvent{Status: prev})
	if added > 0 {
		p.bus.Publish(events.TopicPoolScaled, PoolScaledEvent{Direction: ScaleUpDirection, Count: added, From: from, To: to})
		p.kickDispatch()
	}
	return added, err
}

// ScaleDown removes up to n idle workers, clamped to MinWorkers. Busy
// workers are never removed. n<=0 means one ScaleDownStep.
func (p *Pool) ScaleDown(n int) (int, error) {
	if n <= 0 {
		n = p.cfg.ScaleDownStep
	}

	p.mu.Lock()
	if p.status != StatusRunning && p.status != StatusDegraded {
		p.mu.Unlock()
		return 0, ErrNotRunning
	}
	from := len(p.workers)
	if from-n < p.cfg.MinWorkers {
		n = from - p.cfg.MinWorkers
	}
	if n <= 0 {
		p.mu.Unlock()
		return 0, nil
	}
	victims := p.pickIdleVictimsLocked(n, 0)
	prev := p.status
	if len(victims) > 0 {
		p.status = StatusScaling
	}
	p.mu.Unlock()

	if len(victims) == 0 {
		return 0, nil
	}

	p.bus.Publish(events.TopicPoolStatus, PoolStatusEvent{Status: StatusScaling})

	for _, w := range victims {
		p.removeWorker(w.ID())
	}
	var g errgroup.Group
	for _, w := range victims {
		g.Go(w.Terminate)
	}
	err := g.Wait()

	p.mu.Lock()
	to := len(p.workers)
	removed := len(victims)
	if p.status == StatusScaling {
		p.status = prev
	}
	p.lastScale = &ScaleOperation{Direction: ScaleDownDirection, Count: removed, From: from, To: to, Timestamp: time.Now()}
	p.mu.Unlock()

	p.bus.Publish(events.TopicPoolStatus, PoolStatusEvent{Status: prev})
	p.bus.Publish(events.TopicPoolScaled, PoolScaledEvent{Direction: ScaleDownDirection, Count: removed, From: from, To: to})
	return removed, err
}

// pickIdleVictimsLocked returns up to n idle workers that have been idle
// at least minIdle, least-recently-active first. Callers hold p.mu.
func (p *Pool) pickIdleVictimsLocked(n int, minIdle time.Duration) []*worker.AgentWorker {
	booked := make(map[string]bool, len(p.running))
	for _, entry := range p.running {
		booked[entry.WorkerID] = true
	}

	candidates := make([]*worker.AgentWorker, 0, len(p.workers))
	now := time.Now()
	for _, w := range p.workers {
		if booked[w.ID()] || w.Status() != worker.StateIdle {
			continue
		}
		if minIdle > 0 && now.Sub(w.LastActivity()) < minIdle {
			continue
		}
		candidates = append(candidates, w)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i].LastActivity(), candidates[j].LastActivity()
		if ai.Equal(aj) {
			return candidates[i].ID() < candidates[j].ID()
		}
		return ai.Before(aj)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func (p *Pool) scaleLoop() {
	defer p.wg.Done()
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evaluateScaling()
		}
	}
}

// evaluateScaling is the autoscale tick.
func (p *Pool) evaluateScaling() {
	p.mu.Lock()
	if p.status != StatusRunning && p.status != StatusDegraded {
		p.mu.Unlock()
		return
	}
	if p.lastScale != nil && time.Since(p.lastScale.Timestamp) < p.cfg.CooldownPeriod {
		p.mu.Unlock()
		return
	}
	total := len(p.workers)
	busy := 0
	seen := make(map[string]bool, len(p.running))
	for _, entry := range p.running {
		if !seen[entry.WorkerID] {
			seen[entry.WorkerID] = true
			busy++
		}
	}
	p.mu.Unlock()

	var utilisation float64
	if total > 0 {
		utilisation = float64(busy) / float64(total)
	}

	switch {
	case utilisation >= p.cfg.ScaleUpThreshold && total < p.cfg.MaxWorkers:
		if _, err := p.ScaleUp(p.cfg.ScaleUpStep); err != nil {
			applog.WarningLog.Printf("pool: autoscale up: %v", err)
		}
	case utilisation <= p.cfg.ScaleDownThreshold && total > p.cfg.MinWorkers:
		p.mu.Lock()
		eligible := len(p.pickIdleVictimsLocked(p.cfg.ScaleDownStep, p.cfg.IdleTimeout))
		p.mu.Unlock()
		if eligible > 0 {
			if _, err := p.ScaleDown(eligible); err != nil {
				applog.WarningLog.Printf("pool: autoscale down: %v", err)
			}
		}
	}
}

// ---- health ----

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkWorkerHealth()
		}
	}
}

// checkWorkerHealth fans CheckHealth out across all workers and applies
// the degraded-majority rule.
func (p *Pool) checkWorkerHealth() {
	p.mu.Lock()
	if p.status != StatusRunning && p.status != StatusDegraded {
		p.mu.Unlock()
		return
	}
	workers := make([]*worker.AgentWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()
	if len(workers) == 0 {
		return
	}

	results := make([]worker.HealthResult, len(workers))
	var g errgroup.Group
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			results[i] = w.CheckHealth()
			return nil
		})
	}
	_ = g.Wait()

	unhealthy := 0
	for i, res := range results {
		if res.Healthy {
			continue
		}
		unhealthy++
		for _, issue := range res.Issues {
			if issue == "process not running" {
				w := workers[i]
				applog.WarningLog.Printf("pool: health check: worker %s process not running", w.ID())
				go p.recoverWorker(w.ID(), w)
				break
			}
		}
	}

	p.mu.Lock()
	var transition *PoolStatusEvent
	if unhealthy*2 > len(workers) {
		if p.status == StatusRunning {
			p.status = StatusDegraded
			transition = &PoolStatusEvent{Status: StatusDegraded}
		}
	} else if p.status == StatusDegraded {
		p.status = StatusRunning
		transition = &PoolStatusEvent{Status: StatusRunning}
	}
	p.mu.Unlock()

	if transition != nil {
		applog.InfoLog.Printf("pool: status -> %s (%d/%d unhealthy)", transition.Status, unhealthy, len(workers))
		p.bus.Publish(events.TopicPoolStatus, *transition)
	}
}
