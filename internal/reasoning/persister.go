package reasoning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/repo"
)

const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusInfo    = "info"

	DefaultPageLimit = 100
	MaxPageLimit     = 500
)

// Broadcaster receives every persisted entry for live delivery.
type Broadcaster interface {
	Publish(taskID string, entry domain.ReasoningLogEntry)
}

// Persister turns lifecycle events into the durable per-task reasoning log.
type Persister struct {
	Repo   repo.Repo
	Hub    Broadcaster
	Logger *slog.Logger
	Now    func() time.Time
}

// Attach subscribes the persister to every task, plan and subtask event.
func (p *Persister) Attach(bus *events.Bus) func() {
	return bus.Subscribe(p.Handle, events.TaskLifecycleKinds()...)
}

// Handle appends one entry. Events without a task are ignored.
func (p *Persister) Handle(ctx context.Context, evt events.Event) error {
	if evt.TaskID == "" {
		return nil
	}
	entry, err := p.Append(ctx, evt)
	if err != nil {
		return err
	}
	if p.Hub != nil {
		p.Hub.Publish(entry.TaskID, entry)
	}
	return nil
}

// Append persists the entry derived from evt with the next sequence number.
func (p *Persister) Append(ctx context.Context, evt events.Event) (domain.ReasoningLogEntry, error) {
	payload := map[string]any{}
	for k, v := range evt.Payload {
		payload[k] = v
	}
	if evt.ProjectID != "" {
		payload["project_id"] = evt.ProjectID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.ReasoningLogEntry{}, fmt.Errorf("marshal reasoning payload: %w", err)
	}
	source := evt.Source
	if source == "" {
		source = "system"
	}
	entry := domain.ReasoningLogEntry{
		ID:        uuid.NewString(),
		TaskID:    evt.TaskID,
		EventType: string(evt.Kind),
		Message:   Message(evt),
		Status:    Status(evt),
		Payload:   raw,
		Source:    source,
		CreatedAt: p.now().UTC().Format(time.RFC3339Nano),
	}
	if evt.SubtaskID != "" {
		sid := evt.SubtaskID
		entry.SubtaskID = &sid
	}
	err = p.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		max, err := p.Repo.MaxReasoningSequence(ctx, tx, evt.TaskID)
		if err != nil {
			return err
		}
		entry.Sequence = max + 1
		return p.Repo.InsertReasoning(ctx, tx, entry)
	})
	if err != nil {
		return domain.ReasoningLogEntry{}, fmt.Errorf("append reasoning for %s: %w", evt.TaskID, err)
	}
	p.logger().Debug("reasoning: appended", "task_id", entry.TaskID, "sequence", entry.Sequence, "event_type", entry.EventType)
	return entry, nil
}

// Page is one cursor page of a task's reasoning log.
type Page struct {
	Items        []domain.ReasoningLogEntry `json:"items"`
	HasMore      bool                       `json:"has_more"`
	LastSequence int64                      `json:"last_sequence"`
}

// List returns entries with sequence > after, ascending.
func (p *Persister) List(ctx context.Context, taskID string, after int64, limit int) (Page, error) {
	return ListPage(ctx, p.Repo, taskID, after, limit)
}

func ListPage(ctx context.Context, r repo.Repo, taskID string, after int64, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if after < 0 {
		after = 0
	}
	items, err := r.ReasoningAfter(ctx, taskID, after, limit+1)
	if err != nil {
		return Page{}, err
	}
	page := Page{Items: []domain.ReasoningLogEntry{}, LastSequence: after}
	if len(items) > limit {
		page.HasMore = true
		items = items[:limit]
	}
	if len(items) > 0 {
		page.Items = items
		page.LastSequence = items[len(items)-1].Sequence
	}
	return page, nil
}

func (p *Persister) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Persister) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
