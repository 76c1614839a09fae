package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind names a lifecycle event. The set is closed.
type Kind string

const (
	TaskCreated   Kind = "task.created"
	TaskAssigned  Kind = "task.assigned"
	TaskStarted   Kind = "task.started"
	TaskProgress  Kind = "task.progress"
	TaskCompleted Kind = "task.completed"
	TaskFailed    Kind = "task.failed"
	TaskCancelled Kind = "task.cancelled"
	TaskRetried   Kind = "task.retried"

	PlanCreated   Kind = "plan.created"
	PlanSubmitted Kind = "plan.submitted"
	PlanApproved  Kind = "plan.approved"
	PlanRejected  Kind = "plan.rejected"

	SubtaskCreated         Kind = "subtask.created"
	SubtaskDispatched      Kind = "subtask.dispatched"
	SubtaskDraftGenerated  Kind = "subtask.draft_generated"
	SubtaskFailed          Kind = "subtask.failed"
	SubtaskReviewRequested Kind = "subtask.review_requested"
	SubtaskApproved        Kind = "subtask.approved"
	SubtaskRejected        Kind = "subtask.rejected"
	SubtaskFinalized       Kind = "subtask.finalized"

	AgentRegistered    Kind = "agent.registered"
	AgentStatusChanged Kind = "agent.status_changed"

	RiskDetected Kind = "risk.detected"
	RiskResolved Kind = "risk.resolved"

	GithubSyncStarted   Kind = "github.sync_started"
	GithubSyncCompleted Kind = "github.sync_completed"
	GithubSyncFailed    Kind = "github.sync_failed"
)

var allKinds = []Kind{
	TaskCreated, TaskAssigned, TaskStarted, TaskProgress, TaskCompleted, TaskFailed, TaskCancelled, TaskRetried,
	PlanCreated, PlanSubmitted, PlanApproved, PlanRejected,
	SubtaskCreated, SubtaskDispatched, SubtaskDraftGenerated, SubtaskFailed, SubtaskReviewRequested, SubtaskApproved, SubtaskRejected, SubtaskFinalized,
	AgentRegistered, AgentStatusChanged,
	RiskDetected, RiskResolved,
	GithubSyncStarted, GithubSyncCompleted, GithubSyncFailed,
}

// AllKinds returns every known kind.
func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// TaskLifecycleKinds returns the kinds that belong to a task's reasoning log.
func TaskLifecycleKinds() []Kind {
	var out []Kind
	for _, k := range allKinds {
		switch k.Scope() {
		case "task", "plan", "subtask":
			out = append(out, k)
		}
	}
	return out
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Scope is the entity prefix of the kind, e.g. "task".
func (k Kind) Scope() string {
	for i := 0; i < len(k); i++ {
		if k[i] == '.' {
			return string(k[:i])
		}
	}
	return string(k)
}

// Event is published after the change it describes has been committed.
type Event struct {
	Kind      Kind
	TaskID    string
	SubtaskID string
	ProjectID string
	ActorID   string
	Source    string
	Payload   map[string]any
	At        time.Time
}

// Handler consumes events. Returned errors are logged, never propagated.
type Handler func(ctx context.Context, evt Event) error

type subscription struct {
	id      int
	handler Handler
}

// Bus is a process-wide typed publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscription
	nextID int
	logger *slog.Logger
	now    func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   map[Kind][]subscription{},
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers h for each of kinds and returns a function removing it.
// With no kinds the handler receives every event.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) func() {
	if len(kinds) == 0 {
		kinds = allKinds
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	for _, k := range kinds {
		b.subs[k] = append(b.subs[k], subscription{id: id, handler: h})
	}
	b.mu.Unlock()
	return func() { b.unsubscribe(id, kinds) }
}

func (b *Bus) unsubscribe(id int, kinds []Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		list := b.subs[k]
		kept := list[:0:0]
		for _, s := range list {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subs, k)
		} else {
			b.subs[k] = kept
		}
	}
}

// Publish delivers evt to every handler subscribed to its kind. A failing or
// panicking handler does not prevent the others from running.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if !evt.Kind.Valid() {
		b.logger.Warn("events: unknown kind dropped", "kind", evt.Kind)
		return
	}
	if evt.At.IsZero() {
		evt.At = b.now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[evt.Kind]))
	for _, s := range b.subs[evt.Kind] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		if err := b.invoke(ctx, h, evt); err != nil {
			b.logger.Error("events: handler failed", "kind", evt.Kind, "task_id", evt.TaskID, "err", err)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

// Publisher is the narrow view producers depend on.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
