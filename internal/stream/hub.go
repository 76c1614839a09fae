// Package stream fans reasoning-log entries out to live per-task subscribers.
// Delivery is best effort: a slow subscriber loses its oldest buffered entries.
// The durable record is the persisted reasoning log.
package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"foreman/internal/domain"
)

const DefaultQueueCapacity = 200

type Option func(*Hub)

// WithQueueCapacity overrides the buffered queue size per subscriber.
func WithQueueCapacity(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.capacity = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// Hub holds one bounded queue per live subscriber, grouped by task.
type Hub struct {
	mu       sync.Mutex
	tasks    map[string]map[*Subscription]struct{}
	capacity int
	logger   *slog.Logger
}

// Subscription is a live tail of one task.
type Subscription struct {
	TaskID  string
	ch      chan domain.ReasoningLogEntry
	dropped atomic.Int64
	closed  bool
}

// C yields entries until the subscription is removed.
func (s *Subscription) C() <-chan domain.ReasoningLogEntry { return s.ch }

// Dropped counts entries discarded because the queue was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		tasks:    map[string]map[*Subscription]struct{}{},
		capacity: DefaultQueueCapacity,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Hub) Subscribe(taskID string) *Subscription {
	sub := &Subscription{TaskID: taskID, ch: make(chan domain.ReasoningLogEntry, h.capacity)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tasks[taskID] == nil {
		h.tasks[taskID] = map[*Subscription]struct{}{}
	}
	h.tasks[taskID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. The task entry is pruned
// once its last subscriber leaves. Unknown or repeated calls are no-ops.
func (h *Hub) Unsubscribe(taskID string, sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.tasks[taskID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.tasks, taskID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish never blocks. A full queue drops its oldest entry to make room.
func (h *Hub) Publish(taskID string, entry domain.ReasoningLogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.tasks[taskID] {
		select {
		case sub.ch <- entry:
			continue
		default:
		}
		select {
		case <-sub.ch:
			if n := sub.dropped.Add(1); n == 1 || n%100 == 0 {
				h.logger.Warn("stream: subscriber lagging, dropping oldest", "task_id", taskID, "dropped", n)
			}
		default:
		}
		select {
		case sub.ch <- entry:
		default:
		}
	}
}

// Subscribers reports live subscribers for a task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks[taskID])
}

// Tasks reports how many tasks currently have subscribers.
func (h *Hub) Tasks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}
