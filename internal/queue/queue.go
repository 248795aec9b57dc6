// Package queue implements TaskQueue: a multi-level priority FIFO store
// with O(1) id lookup, removal, priority promotion, and completion
// bookkeeping. It is lock-protected lists rather than channels, since
// dequeue must support peek, removal by id, and priority promotion,
// none of which a channel can express.
package queue

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

const defaultCompletedLimit = 100

// node is the id-indexed handle into a priority list.
type node struct {
	priority Priority
	elem     *list.Element // holds *Task
}

// Queue is the priority-ordered multi-class FIFO store.
type Queue struct {
	mu         sync.Mutex
	lists      map[Priority]*list.List
	index      map[string]*node
	completed  []CompletedEntry // most-recent-last; trimmed to defaultCompletedLimit
	now        func() time.Time
}

// New returns an empty TaskQueue.
func New() *Queue {
	q := &Queue{
		lists: make(map[Priority]*list.List, len(orderedPriorities)),
		index: make(map[string]*node),
		now:   time.Now,
	}
	for _, p := range orderedPriorities {
		q.lists[p] = list.New()
	}
	return q
}

// Enqueue appends task to the back of the FIFO for task.Priority. It fails
// with a duplicate-id error if a task with the same id is currently queued.
func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[task.ID]; exists {
		return fmt.Errorf("task %q already exists in queue", task.ID)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = q.now()
	}

	l := q.lists[task.Priority]
	elem := l.PushBack(&task)
	q.index[task.ID] = &node{priority: task.Priority, elem: elem}
	return nil
}

// Dequeue removes and returns the head of the highest non-empty priority in
// precedence order high > medium > low > background. Returns false if all
// lists are empty.
func (q *Queue) Dequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range orderedPriorities {
		l := q.lists[p]
		if front := l.Front(); front != nil {
			l.Remove(front)
			task := *front.Value.(*Task)
			delete(q.index, task.ID)
			return task, true
		}
	}
	return Task{}, false
}

// Peek returns the same selection as Dequeue without removing it.
func (q *Queue) Peek() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range orderedPriorities {
		if front := q.lists[p].Front(); front != nil {
			return *front.Value.(*Task), true
		}
	}
	return Task{}, false
}

// GetTask returns the queued task with this id, not including completed
// tasks.
func (q *Queue) GetTask(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, ok := q.index[id]
	if !ok {
		return Task{}, false
	}
	return *n.elem.Value.(*Task), true
}

// Remove removes the task with this id from whichever priority list holds
// it. Returns true iff the task was present.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(id)
}

func (q *Queue) removeLocked(id string) bool {
	n, ok := q.index[id]
	if !ok {
		return false
	}
	q.lists[n.priority].Remove(n.elem)
	delete(q.index, id)
	return true
}

// UpdatePriority moves the task to the tail of newPriority's list,
// preserving all other fields. Returns false if the id is unknown.
func (q *Queue) UpdatePriority(id string, newPriority Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, ok := q.index[id]
	if !ok {
		return false
	}
	task := *n.elem.Value.(*Task)
	q.lists[n.priority].Remove(n.elem)

	task.Priority = newPriority
	elem := q.lists[newPriority].PushBack(&task)
	q.index[id] = &node{priority: newPriority, elem: elem}
	return true
}

// Complete removes the task from queued state if still present and appends
// an entry to the completion ledger. The entry is appended whether or not
// the id was still queued; an unknown id is not an error.
func (q *Queue) Complete(id string, task Task, result Result) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeLocked(id)

	q.completed = append(q.completed, CompletedEntry{
		Task:        task,
		Result:      result,
		CompletedAt: q.now(),
	})
	if len(q.completed) > defaultCompletedLimit {
		q.completed = q.completed[len(q.completed)-defaultCompletedLimit:]
	}
}

// Size returns the total number of queued tasks across all priorities.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// IsEmpty reports whether no tasks are queued.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// SizeByPriority returns the queued count per priority.
func (q *Queue) SizeByPriority() map[Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	sizes := make(map[Priority]int, len(orderedPriorities))
	for _, p := range orderedPriorities {
		sizes[p] = q.lists[p].Len()
	}
	return sizes
}

// GetAllTasks returns every queued task in dequeue order.
func (q *Queue) GetAllTasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]Task, 0, len(q.index))
	for _, p := range orderedPriorities {
		for e := q.lists[p].Front(); e != nil; e = e.Next() {
			tasks = append(tasks, *e.Value.(*Task))
		}
	}
	return tasks
}

// GetTasksByWorkstream returns queued tasks tagged with wsID, in dequeue
// order.
func (q *Queue) GetTasksByWorkstream(wsID string) []Task {
	all := q.GetAllTasks()
	out := make([]Task, 0)
	for _, t := range all {
		if t.WorkstreamID == wsID {
			out = append(out, t)
		}
	}
	return out
}

// GetAverageWaitTime returns the mean of now-createdAt over queued tasks.
func (q *Queue) GetAverageWaitTime() time.Duration {
	q.mu.Lock()
	now := q.now()
	var total time.Duration
	var count int
	for _, n := range q.index {
		task := n.elem.Value.(*Task)
		total += now.Sub(task.CreatedAt)
		count++
	}
	q.mu.Unlock()

	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// GetOldestTaskAge returns the age of the oldest queued task, or 0 if the
// queue is empty.
func (q *Queue) GetOldestTaskAge() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var oldest time.Time
	for _, n := range q.index {
		task := n.elem.Value.(*Task)
		if oldest.IsZero() || task.CreatedAt.Before(oldest) {
			oldest = task.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}

// Clear removes all queued tasks. The completion ledger is untouched.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range orderedPriorities {
		q.lists[p].Init()
	}
	q.index = make(map[string]*node)
}

// GetCompletedTasks returns the most recently completed entries first,
// bounded to limit. limit<=0 defaults to 100.
func (q *Queue) GetCompletedTasks(limit int) []CompletedEntry {
	if limit <= 0 {
		limit = defaultCompletedLimit
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.completed)
	if n > limit {
		n = limit
	}
	out := make([]CompletedEntry, n)
	for i := 0; i < n; i++ {
		out[i] = q.completed[len(q.completed)-1-i]
	}
	return out
}

// CleanupCompleted evicts ledger entries older than maxAge.
func (q *Queue) CleanupCompleted(maxAge time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	kept := q.completed[:0]
	for _, e := range q.completed {
		if !e.CompletedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	q.completed = kept
}
