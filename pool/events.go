package pool

import "github.com/foundryhq/agentpool/internal/queue"

// Payloads carried on the event bus, one struct per catalogue entry.
// Consumers type-assert Event.Payload against these.

type PoolStatusEvent struct {
	Status Status `json:"status"`
}

type PoolScaledEvent struct {
	Direction ScaleDirection `json:"direction"`
	Count     int            `json:"count"`
	From      int            `json:"from"`
	To        int            `json:"to"`
}

type WorkerStartedEvent struct {
	WorkerID string `json:"workerId"`
	Pid      int    `json:"pid"`
}

type WorkerCrashedEvent struct {
	WorkerID string `json:"workerId"`
	Code     int    `json:"code"`
	Signal   string `json:"signal"`
}

type TaskQueuedEvent struct {
	Task Task `json:"task"`
}

type TaskAssignedEvent struct {
	TaskID   string `json:"taskId"`
	WorkerID string `json:"workerId"`
}

type TaskStartedEvent struct {
	TaskID string `json:"taskId"`
}

type TaskCompletedEvent struct {
	TaskID string `json:"taskId"`
	Result Result `json:"result"`
}

type TaskFailedEvent struct {
	TaskID       string          `json:"taskId"`
	Error        queue.ErrorKind `json:"error"`
	FinalAttempt bool            `json:"finalAttempt"`
}

type TaskCancelledEvent struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}
