// Package events implements the pool's event stream: a
// small pub/sub bus with a bounded replay buffer, typed for the pool's
// closed event catalogue instead of an open wildcard-topic scheme.
package events

import (
	"sync"
	"time"

	applog "github.com/foundryhq/agentpool/log"
)

// Topic is the closed set of event kinds the pool emits.
type Topic string

const (
	TopicPoolStatus    Topic = "pool.status"
	TopicPoolScaled    Topic = "pool.scaled"
	TopicWorkerStarted Topic = "worker.started"
	TopicWorkerCrashed Topic = "worker.crashed"
	TopicTaskQueued    Topic = "task.queued"
	TopicTaskAssigned  Topic = "task.assigned"
	TopicTaskStarted   Topic = "task.started"
	TopicTaskCompleted Topic = "task.completed"
	TopicTaskFailed    Topic = "task.failed"
	TopicTaskCancelled Topic = "task.cancelled"

	// TopicAny is the generic passthrough channel every event is also
	// published to, so one subscriber can observe every event without
	// enumerating the specific topics.
	TopicAny Topic = "event"
)

// Event is one published occurrence.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   any
}

// Listener receives events. A panicking listener is recovered and logged,
// never propagated: a broken consumer must not affect the pool.
type Listener func(Event)

const defaultHistorySize = 256

// Bus is a multi-consumer, single-producer-per-topic event stream.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Topic]map[int]Listener
	seq       int
	history   []Event
	histSize  int
	now       func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		listeners: make(map[Topic]map[int]Listener),
		histSize:  defaultHistorySize,
		now:       time.Now,
	}
}

// Subscribe registers l for topic and returns an unsubscribe function.
// Subscribing to TopicAny receives every event regardless of its own topic.
func (b *Bus) Subscribe(topic Topic, l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listeners[topic] == nil {
		b.listeners[topic] = make(map[int]Listener)
	}
	id := b.seq
	b.seq++
	b.listeners[topic][id] = l

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners[topic], id)
	}
}

// Publish emits an event to topic subscribers and to TopicAny subscribers,
// and appends it to the bounded replay history.
func (b *Bus) Publish(topic Topic, payload any) {
	evt := Event{Topic: topic, Timestamp: b.now(), Payload: payload}

	b.mu.Lock()
	b.history = append(b.history, evt)
	if len(b.history) > b.histSize {
		b.history = b.history[len(b.history)-b.histSize:]
	}
	specific := cloneListeners(b.listeners[topic])
	generic := cloneListeners(b.listeners[TopicAny])
	b.mu.Unlock()

	deliver(specific, evt)
	deliver(generic, evt)
}

func cloneListeners(m map[int]Listener) []Listener {
	out := make([]Listener, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	return out
}

func deliver(ls []Listener, evt Event) {
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					applog.ErrorLog.Printf("events: listener panic on %s: %v", evt.Topic, r)
				}
			}()
			l(evt)
		}()
	}
}

// History returns up to limit of the most recently published events,
// most recent first. limit<=0 returns the full bounded history.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = b.history[len(b.history)-1-i]
	}
	return out
}
