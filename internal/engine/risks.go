package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
)

type RiskCreateOptions struct {
	ProjectID string
	TaskID    string
	SubtaskID string
	Severity  string
	Source    string
	Title     string
	Detail    string
	ActorID   string
}

func validSeverity(s string) bool {
	switch s {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
		return true
	}
	return false
}

// CreateRiskSignal records a risk against a project, optionally tied to a task
// or subtask.
func (e Engine) CreateRiskSignal(ctx context.Context, opts RiskCreateOptions) (domain.RiskSignal, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.RiskSignal{}, invalid("title", "is required")
	}
	if opts.Severity == "" {
		opts.Severity = domain.SeverityMedium
	}
	if !validSeverity(opts.Severity) {
		return domain.RiskSignal{}, invalid("severity", "must be low, medium, high or critical")
	}
	if opts.Source == "" {
		opts.Source = sourceFor(opts.ActorID)
	}
	if opts.ProjectID == "" && opts.TaskID != "" {
		t, err := e.Repo.GetTask(ctx, opts.TaskID)
		if err != nil {
			return domain.RiskSignal{}, err
		}
		opts.ProjectID = t.ProjectID
	}
	if opts.ProjectID == "" {
		return domain.RiskSignal{}, invalid("project_id", "is required")
	}
	rs := domain.RiskSignal{
		ID:        uuid.NewString(),
		ProjectID: opts.ProjectID,
		TaskID:    optionalString(opts.TaskID),
		SubtaskID: optionalString(opts.SubtaskID),
		Severity:  opts.Severity,
		Source:    opts.Source,
		Title:     opts.Title,
		Detail:    opts.Detail,
		CreatedAt: e.stamp(),
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.RiskSignal{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRisk(ctx, tx, rs); err != nil {
		return domain.RiskSignal{}, err
	}
	if err := e.audit().Append(ctx, tx, events.Audit{Type: string(events.RiskDetected), ProjectID: rs.ProjectID, EntityKind: "risk", EntityID: rs.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"severity": rs.Severity, "title": rs.Title, "source": rs.Source}}); err != nil {
		return domain.RiskSignal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RiskSignal{}, err
	}
	e.publish(ctx, events.Event{Kind: events.RiskDetected, TaskID: opts.TaskID, SubtaskID: opts.SubtaskID, ProjectID: rs.ProjectID, ActorID: opts.ActorID,
		Payload: map[string]any{"risk_id": rs.ID, "severity": rs.Severity, "title": rs.Title}})
	return rs, nil
}

// ResolveRiskSignal closes a risk. Resolving twice returns the stored signal.
func (e Engine) ResolveRiskSignal(ctx context.Context, id, actorID string) (domain.RiskSignal, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.RiskSignal{}, err
	}
	defer tx.Rollback()

	rs, err := e.Repo.GetRisk(ctx, tx, id)
	if err != nil {
		return domain.RiskSignal{}, err
	}
	if rs.Resolved {
		return rs, nil
	}
	now := e.stamp()
	if err := e.Repo.ResolveRisk(ctx, tx, id, now); err != nil {
		return domain.RiskSignal{}, err
	}
	rs.Resolved = true
	rs.ResolvedAt = &now
	if err := e.audit().Append(ctx, tx, events.Audit{Type: string(events.RiskResolved), ProjectID: rs.ProjectID, EntityKind: "risk", EntityID: rs.ID, ActorID: actorID}); err != nil {
		return domain.RiskSignal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RiskSignal{}, err
	}
	taskID := ""
	if rs.TaskID != nil {
		taskID = *rs.TaskID
	}
	e.publish(ctx, events.Event{Kind: events.RiskResolved, TaskID: taskID, ProjectID: rs.ProjectID, ActorID: actorID, Payload: map[string]any{"risk_id": rs.ID}})
	return rs, nil
}
