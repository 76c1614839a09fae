package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/repo"
)

// PlanCreateOptions are parameters for drafting a new plan version.
type PlanCreateOptions struct {
	TaskID    string
	Items     []domain.PlanItem
	Rationale string
	ActorID   string
	// Submit sends the plan straight to PM approval.
	Submit bool
}

// CreatePlan stores the next plan version for a task. A task that already has
// an approved plan cannot get another.
func (e Engine) CreatePlan(ctx context.Context, opts PlanCreateOptions) (domain.Plan, error) {
	if len(opts.Items) == 0 {
		return domain.Plan{}, invalid("plan_data", "must contain at least one item")
	}
	for i, it := range opts.Items {
		if strings.TrimSpace(it.Title) == "" {
			return domain.Plan{}, invalid(fmt.Sprintf("plan_data[%d].title", i), "is required")
		}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Plan{}, err
	}
	if _, err := e.Repo.ApprovedPlan(ctx, tx, t.ID); err == nil {
		return domain.Plan{}, ErrApprovedPlanExists
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Plan{}, err
	}
	version, err := e.Repo.MaxPlanVersion(ctx, tx, t.ID)
	if err != nil {
		return domain.Plan{}, err
	}
	now := e.stamp()
	p := domain.Plan{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		Items:     opts.Items,
		Rationale: opts.Rationale,
		Version:   version + 1,
		Status:    domain.PlanDraft,
		CreatedBy: actorOrSystem(opts.ActorID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.Submit {
		p.Status = domain.PlanPendingPMApproval
	}
	if err := e.Repo.InsertPlan(ctx, tx, p); err != nil {
		return domain.Plan{}, err
	}
	if err := e.audit().Append(ctx, tx, events.Audit{Type: string(events.PlanCreated), ProjectID: p.ProjectID, EntityKind: "plan", EntityID: p.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"task_id": p.TaskID, "version": p.Version, "status": p.Status}}); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	e.publish(ctx, events.Event{Kind: events.PlanCreated, TaskID: p.TaskID, ProjectID: p.ProjectID, ActorID: opts.ActorID,
		Payload: map[string]any{"plan_id": p.ID, "version": p.Version, "items": len(p.Items)}})
	if opts.Submit {
		e.publish(ctx, events.Event{Kind: events.PlanSubmitted, TaskID: p.TaskID, ProjectID: p.ProjectID, ActorID: opts.ActorID,
			Payload: map[string]any{"plan_id": p.ID, "version": p.Version}})
	}
	return p, nil
}

func (e Engine) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	return e.Repo.GetPlan(ctx, id)
}

func ensurePlanTransition(from, to string) error {
	switch from {
	case domain.PlanDraft:
		if to == domain.PlanPendingPMApproval {
			return nil
		}
	case domain.PlanPendingPMApproval:
		if to == domain.PlanApproved || to == domain.PlanRejected {
			return nil
		}
	}
	return TransitionError{Entity: "plan", From: from, To: to}
}

// movePlan loads a plan, checks the transition and lets decide run role
// checks and field updates before the write.
func (e Engine) movePlan(ctx context.Context, tx *sql.Tx, id, to string, decide func(p *domain.Plan) error) (domain.Plan, string, error) {
	p, err := e.Repo.GetPlanTx(ctx, tx, id)
	if err != nil {
		return domain.Plan{}, "", err
	}
	from := p.Status
	if err := ensurePlanTransition(from, to); err != nil {
		te := err.(TransitionError)
		te.ID = id
		return p, from, te
	}
	if decide != nil {
		if err := decide(&p); err != nil {
			return p, from, err
		}
	}
	p.Status = to
	p.UpdatedAt = e.stamp()
	if err := e.Repo.UpdatePlanStatus(ctx, tx, p); err != nil {
		return p, from, err
	}
	return p, from, nil
}

func (e Engine) SubmitPlan(ctx context.Context, id, actorID string) (domain.Plan, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()

	p, from, err := e.movePlan(ctx, tx, id, domain.PlanPendingPMApproval, nil)
	if err != nil {
		return p, err
	}
	if err := e.auditPlanStatus(ctx, tx, p, from, actorID, nil); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	e.publish(ctx, events.Event{Kind: events.PlanSubmitted, TaskID: p.TaskID, ProjectID: p.ProjectID, ActorID: actorID,
		Payload: map[string]any{"plan_id": p.ID, "version": p.Version}})
	return p, nil
}

// ApprovalResult is an approved plan with the subtasks it produced.
type ApprovalResult struct {
	Plan     domain.Plan
	Subtasks []domain.Subtask
	Created  bool
}

// ApprovePlan approves a pending plan. Only a PM or admin of the plan's
// project, or a superuser, may approve. Subtasks are materialized in the
// same transaction. Dispatch is left to the caller.
func (e Engine) ApprovePlan(ctx context.Context, id, actorID string) (ApprovalResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return ApprovalResult{}, err
	}
	defer tx.Rollback()

	p, from, err := e.movePlan(ctx, tx, id, domain.PlanApproved, func(p *domain.Plan) error {
		if err := e.Auth.RequireApprover(ctx, tx, p.ProjectID, actorID); err != nil {
			return err
		}
		if err := e.ensureLatestPlan(ctx, tx, *p); err != nil {
			return err
		}
		now := e.stamp()
		approver := actorOrSystem(actorID)
		p.ApprovedBy = &approver
		p.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return ApprovalResult{Plan: p}, err
	}
	if err := e.auditPlanStatus(ctx, tx, p, from, actorID, events.EventPayload{"approved_by": *p.ApprovedBy, "approved_at": *p.ApprovedAt}); err != nil {
		return ApprovalResult{}, err
	}
	subtasks, created, err := e.materializeTx(ctx, tx, p)
	if err != nil {
		return ApprovalResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApprovalResult{}, err
	}
	e.publish(ctx, events.Event{Kind: events.PlanApproved, TaskID: p.TaskID, ProjectID: p.ProjectID, ActorID: actorID,
		Payload: map[string]any{"plan_id": p.ID, "version": p.Version, "approved_by": *p.ApprovedBy}})
	if created {
		e.publishSubtasksCreated(ctx, p, subtasks, actorID)
	}
	return ApprovalResult{Plan: p, Subtasks: subtasks, Created: created}, nil
}

// RejectPlan rejects a pending plan with a reason. The same roles as approval apply.
func (e Engine) RejectPlan(ctx context.Context, id, reason, actorID string) (domain.Plan, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Plan{}, invalid("reason", "is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()

	p, from, err := e.movePlan(ctx, tx, id, domain.PlanRejected, func(p *domain.Plan) error {
		if err := e.Auth.RequireApprover(ctx, tx, p.ProjectID, actorID); err != nil {
			return err
		}
		p.RejectionReason = reason
		return nil
	})
	if err != nil {
		return p, err
	}
	if err := e.auditPlanStatus(ctx, tx, p, from, actorID, events.EventPayload{"reason": reason}); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	e.publish(ctx, events.Event{Kind: events.PlanRejected, TaskID: p.TaskID, ProjectID: p.ProjectID, ActorID: actorID,
		Payload: map[string]any{"plan_id": p.ID, "version": p.Version, "reason": reason}})
	return p, nil
}

// ensureLatestPlan keeps approval on the newest version, which is the one the
// plan-first gate reads.
func (e Engine) ensureLatestPlan(ctx context.Context, q repo.Querier, p domain.Plan) error {
	latest, err := e.Repo.MaxPlanVersion(ctx, q, p.TaskID)
	if err != nil {
		return err
	}
	if p.Version < latest {
		return fmt.Errorf("%w: plan %s is v%d, latest is v%d", ErrPlanSuperseded, p.ID, p.Version, latest)
	}
	return nil
}

func (e Engine) auditPlanStatus(ctx context.Context, tx *sql.Tx, p domain.Plan, from, actorID string, extra events.EventPayload) error {
	payload := events.EventPayload{"from": from, "to": p.Status, "task_id": p.TaskID, "version": p.Version}
	for k, v := range extra {
		payload[k] = v
	}
	return e.audit().Append(ctx, tx, events.Audit{Type: "plan.status", ProjectID: p.ProjectID, EntityKind: "plan", EntityID: p.ID, ActorID: actorID, Payload: payload})
}
