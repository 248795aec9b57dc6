// Package pool implements AgentWorkerPool: the supervisor that
// owns workers and the task queue, dispatches tasks to idle workers,
// applies retry policy, autoscales within configured bounds, monitors
// worker health, and surfaces a unified event stream.
package pool

import (
	"time"

	"github.com/foundryhq/agentpool/internal/events"
	"github.com/foundryhq/agentpool/internal/queue"
	"github.com/foundryhq/agentpool/internal/worker"
)

// Re-exported types so collaborators only need to import this package.
type (
	Task      = queue.Task
	Result    = queue.Result
	Priority  = queue.Priority
	TaskQueue = queue.Queue
	TaskType  = queue.TaskType
	ErrorKind = queue.ErrorKind

	Event         = events.Event
	EventTopic    = events.Topic
	EventListener = events.Listener
	EventBus      = events.Bus
)

// NewTaskQueue returns an empty standalone TaskQueue (exported for
// reuse outside the pool).
func NewTaskQueue() *TaskQueue { return queue.New() }

// Event topics, re-exported from the internal bus so subscribers never
// import internal packages.
const (
	EventPoolStatus    = events.TopicPoolStatus
	EventPoolScaled    = events.TopicPoolScaled
	EventWorkerStarted = events.TopicWorkerStarted
	EventWorkerCrashed = events.TopicWorkerCrashed
	EventTaskQueued    = events.TopicTaskQueued
	EventTaskAssigned  = events.TopicTaskAssigned
	EventTaskStarted   = events.TopicTaskStarted
	EventTaskCompleted = events.TopicTaskCompleted
	EventTaskFailed    = events.TopicTaskFailed
	EventTaskCancelled = events.TopicTaskCancelled
	EventAny           = events.TopicAny
)

const (
	High       = queue.High
	Medium     = queue.Medium
	Low        = queue.Low
	Background = queue.Background
)

const (
	TaskShell      = queue.TaskShell
	TaskScript     = queue.TaskScript
	TaskClaudeCode = queue.TaskClaudeCode
	TaskAgent      = queue.TaskAgent
)

// Result error kinds, re-exported for consumers branching on
// Result.Error.
const (
	ErrNonZeroExit     = queue.ErrNonZeroExit
	ErrSpawnError      = queue.ErrSpawnError
	ErrAborted         = queue.ErrAborted
	ErrBlockedCommand  = queue.ErrBlockedCommand
	ErrInvalidTaskType = queue.ErrInvalidTaskType
	ErrExecutionError  = queue.ErrExecutionError
)

// Status is the pool-level state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusScaling  Status = "scaling"
	StatusStopping Status = "stopping"
)

// AssignmentStatus is the lifecycle of one submitted task.
type AssignmentStatus string

const (
	AssignmentQueued    AssignmentStatus = "queued"
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentRunning   AssignmentStatus = "running"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// ScaleDirection is "up" or "down".
type ScaleDirection string

const (
	ScaleUpDirection   ScaleDirection = "up"
	ScaleDownDirection ScaleDirection = "down"
)

// ScaleOperation records the most recent autoscale or explicit scale call.
type ScaleOperation struct {
	Direction ScaleDirection
	Count     int
	From      int
	To        int
	Timestamp time.Time
}

// WorkerSnapshot is a copy-on-read view of one worker, safe to hand to
// callers without risking a data race with the worker's own goroutines.
type WorkerSnapshot struct {
	ID          string
	Pid         int
	Status      worker.State
	CurrentTask *Task
	Metrics     worker.Metrics
}

// Metrics is the pool-level introspection snapshot returned by GetMetrics.
type Metrics struct {
	Status              Status
	WorkerCount         int
	IdleWorkers         int
	BusyWorkers         int
	QueueSize           int
	QueueSizeByPriority map[Priority]int
	TotalTasksCompleted int64
	TotalTasksFailed    int64
	AverageTaskDuration time.Duration
	LastScaleOperation  *ScaleOperation
	Uptime              time.Duration
}

type runningEntry struct {
	Task      Task
	WorkerID  string
	StartTime time.Time
}
