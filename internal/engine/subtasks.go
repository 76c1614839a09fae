package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/repo"
)

func ensureSubtaskTransition(from, to string) error {
	switch from {
	case domain.SubtaskPending:
		if to == domain.SubtaskDraftGenerated || to == domain.SubtaskFailed {
			return nil
		}
	case domain.SubtaskDraftGenerated:
		switch to {
		case domain.SubtaskDraftGenerated, domain.SubtaskInReview, domain.SubtaskFinalized, domain.SubtaskFailed:
			return nil
		}
	case domain.SubtaskInReview:
		switch to {
		case domain.SubtaskApproved, domain.SubtaskFinalized, domain.SubtaskRejected, domain.SubtaskFailed:
			return nil
		}
	case domain.SubtaskApproved:
		if to == domain.SubtaskFinalized {
			return nil
		}
	case domain.SubtaskFailed:
		if to == domain.SubtaskDraftGenerated {
			return nil
		}
	}
	return TransitionError{Entity: "subtask", From: from, To: to}
}

// dispatchable statuses may receive a (new) agent draft.
func dispatchable(status string) bool {
	return status == domain.SubtaskPending || status == domain.SubtaskFailed || status == domain.SubtaskDraftGenerated
}

func (e Engine) GetSubtask(ctx context.Context, id string) (domain.Subtask, error) {
	return e.Repo.GetSubtask(ctx, id)
}

// MaterializeSubtasks creates one subtask per plan item of an approved plan.
// Existing subtasks are returned unchanged.
func (e Engine) MaterializeSubtasks(ctx context.Context, planID, actorID string) ([]domain.Subtask, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPlanTx(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.PlanApproved {
		return nil, GateError{TaskID: p.TaskID, PlanID: p.ID, PlanStatus: p.Status}
	}
	subtasks, created, err := e.materializeTx(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if created {
		e.publishSubtasksCreated(ctx, p, subtasks, actorID)
	}
	return subtasks, nil
}

func (e Engine) materializeTx(ctx context.Context, tx *sql.Tx, p domain.Plan) ([]domain.Subtask, bool, error) {
	n, err := e.Repo.CountPlanSubtasks(ctx, tx, p.ID)
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		existing, err := e.listPlanSubtasks(ctx, tx, p.ID)
		return existing, false, err
	}
	now := e.stamp()
	out := make([]domain.Subtask, 0, len(p.Items))
	for i, it := range p.Items {
		s := domain.Subtask{
			ID:          uuid.NewString(),
			TaskID:      p.TaskID,
			PlanID:      p.ID,
			Title:       it.Title,
			Description: it.Description,
			Priority:    it.Priority,
			Status:      domain.SubtaskPending,
			RiskFlags:   it.RiskFlags,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertSubtask(ctx, tx, s, i); err != nil {
			return nil, false, err
		}
		out = append(out, s)
	}
	return out, true, nil
}

func (e Engine) listPlanSubtasks(ctx context.Context, q repo.Querier, planID string) ([]domain.Subtask, error) {
	return e.Repo.ListSubtasksTx(ctx, q, repo.SubtaskFilters{PlanID: planID})
}

func (e Engine) publishSubtasksCreated(ctx context.Context, p domain.Plan, subtasks []domain.Subtask, actorID string) {
	for _, s := range subtasks {
		e.publish(ctx, events.Event{Kind: events.SubtaskCreated, TaskID: s.TaskID, SubtaskID: s.ID, ProjectID: p.ProjectID, ActorID: actorID,
			Payload: map[string]any{"title": s.Title, "plan_id": p.ID}})
	}
}

// moveSubtask runs one validated subtask transition in its own transaction.
func (e Engine) moveSubtask(ctx context.Context, id, to, actorID string, apply func(tx *sql.Tx, s *domain.Subtask) error) (domain.Subtask, string, string, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Subtask{}, "", "", err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSubtaskTx(ctx, tx, id)
	if err != nil {
		return domain.Subtask{}, "", "", err
	}
	from := s.Status
	if err := ensureSubtaskTransition(from, to); err != nil {
		te := err.(TransitionError)
		te.ID = id
		return s, from, "", te
	}
	if apply != nil {
		if err := apply(tx, &s); err != nil {
			return s, from, "", err
		}
	}
	s.Status = to
	s.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateSubtask(ctx, tx, s); err != nil {
		return domain.Subtask{}, from, "", err
	}
	projectID, err := e.taskProject(ctx, tx, s.TaskID)
	if err != nil {
		return domain.Subtask{}, from, "", err
	}
	if err := e.audit().Append(ctx, tx, events.Audit{Type: "subtask.status", ProjectID: projectID, EntityKind: "subtask", EntityID: s.ID, ActorID: actorID,
		Payload: events.EventPayload{"from": from, "to": to, "task_id": s.TaskID}}); err != nil {
		return domain.Subtask{}, from, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subtask{}, from, "", err
	}
	return s, from, projectID, nil
}

func (e Engine) taskProject(ctx context.Context, q repo.Querier, taskID string) (string, error) {
	t, err := e.Repo.GetTaskTx(ctx, q, taskID)
	if err != nil {
		return "", err
	}
	return t.ProjectID, nil
}

// AssignSubtask sets the agent that will draft the subtask. An empty agent id
// runs the assignment against the parent task's type.
func (e Engine) AssignSubtask(ctx context.Context, subtaskID, agentID, actorID string) (domain.Subtask, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Subtask{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSubtaskTx(ctx, tx, subtaskID)
	if err != nil {
		return domain.Subtask{}, err
	}
	if !dispatchable(s.Status) {
		return s, TransitionError{Entity: "subtask", ID: s.ID, From: s.Status, To: "assigned"}
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, s.TaskID)
	if err != nil {
		return domain.Subtask{}, err
	}
	chosen, err := e.pickAgent(ctx, tx, t.Type, t.ProjectID, agentID)
	if err != nil {
		return s, err
	}
	s.AssignedAgentID = &chosen
	s.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateSubtask(ctx, tx, s); err != nil {
		return domain.Subtask{}, err
	}
	if err := e.audit().Append(ctx, tx, events.Audit{Type: "subtask.assigned", ProjectID: t.ProjectID, EntityKind: "subtask", EntityID: s.ID, ActorID: actorID,
		Payload: events.EventPayload{"agent_id": chosen}}); err != nil {
		return domain.Subtask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subtask{}, err
	}
	return s, nil
}

// DispatchSubtask validates that a subtask can be sent to its agent and
// announces the dispatch. It never starts the work itself.
func (e Engine) DispatchSubtask(ctx context.Context, subtaskID, actorID string) (domain.Subtask, error) {
	s, err := e.CheckSubtaskDispatch(ctx, subtaskID)
	if err != nil {
		return s, err
	}
	return s, e.AnnounceSubtaskDispatch(ctx, s, actorID)
}

// CheckSubtaskDispatch returns the subtask when it has an agent and is in a
// dispatchable status. Nothing is published.
func (e Engine) CheckSubtaskDispatch(ctx context.Context, subtaskID string) (domain.Subtask, error) {
	s, err := e.Repo.GetSubtask(ctx, subtaskID)
	if err != nil {
		return domain.Subtask{}, err
	}
	if s.AssignedAgentID == nil || *s.AssignedAgentID == "" {
		return s, invalid("assigned_agent_id", "must be set before dispatch")
	}
	if !dispatchable(s.Status) {
		return s, TransitionError{Entity: "subtask", ID: s.ID, From: s.Status, To: domain.SubtaskDraftGenerated}
	}
	return s, nil
}

// AnnounceSubtaskDispatch publishes subtask.dispatched for s.
func (e Engine) AnnounceSubtaskDispatch(ctx context.Context, s domain.Subtask, actorID string) error {
	projectID, err := e.taskProject(ctx, e.DB, s.TaskID)
	if err != nil {
		return err
	}
	agentID := ""
	if s.AssignedAgentID != nil {
		agentID = *s.AssignedAgentID
	}
	e.publish(ctx, events.Event{Kind: events.SubtaskDispatched, TaskID: s.TaskID, SubtaskID: s.ID, ProjectID: projectID, ActorID: actorID,
		Payload: map[string]any{"agent_id": agentID}})
	return nil
}

// DraftOptions carry an agent's draft for a subtask.
type DraftOptions struct {
	SubtaskID string
	Content   string
	AgentID   string
	RiskFlags []string
	Summary   string
	ActorID   string
}

// RecordSubtaskDraft stores a new draft version.
func (e Engine) RecordSubtaskDraft(ctx context.Context, opts DraftOptions) (domain.Subtask, error) {
	if strings.TrimSpace(opts.Content) == "" {
		return domain.Subtask{}, invalid("draft_content", "is required")
	}
	s, _, projectID, err := e.moveSubtask(ctx, opts.SubtaskID, domain.SubtaskDraftGenerated, opts.ActorID, func(tx *sql.Tx, s *domain.Subtask) error {
		now := e.stamp()
		agentID := opts.AgentID
		if agentID == "" && s.AssignedAgentID != nil {
			agentID = *s.AssignedAgentID
		}
		s.DraftContent = opts.Content
		s.DraftGeneratedAt = &now
		s.DraftAgentID = optionalString(agentID)
		s.DraftVersion++
		s.Error = ""
		if len(opts.RiskFlags) > 0 {
			s.RiskFlags = opts.RiskFlags
		}
		return nil
	})
	if err != nil {
		return s, err
	}
	payload := map[string]any{"draft_version": s.DraftVersion}
	if opts.Summary != "" {
		payload["summary"] = opts.Summary
	}
	if len(opts.RiskFlags) > 0 {
		payload["risk_flags"] = opts.RiskFlags
	}
	e.publish(ctx, events.Event{Kind: events.SubtaskDraftGenerated, TaskID: s.TaskID, SubtaskID: s.ID, ProjectID: projectID, ActorID: opts.ActorID, Payload: payload})
	return s, nil
}

func (e Engine) FailSubtask(ctx context.Context, id, reason, actorID string) (domain.Subtask, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "agent error"
	}
	s, _, projectID, err := e.moveSubtask(ctx, id, domain.SubtaskFailed, actorID, func(tx *sql.Tx, s *domain.Subtask) error {
		s.Error = reason
		return nil
	})
	if err != nil {
		return s, err
	}
	e.publish(ctx, events.Event{Kind: events.SubtaskFailed, TaskID: s.TaskID, SubtaskID: s.ID, ProjectID: projectID, ActorID: actorID,
		Payload: map[string]any{"error": reason}})
	return s, nil
}

func (e Engine) SubmitSubtaskForReview(ctx context.Context, id, actorID string) (domain.Subtask, error) {
	s, _, projectID, err := e.moveSubtask(ctx, id, domain.SubtaskInReview, actorID, nil)
	if err != nil {
		return s, err
	}
	e.publish(ctx, events.Event{Kind: events.SubtaskReviewRequested, TaskID: s.TaskID, SubtaskID: s.ID, ProjectID: projectID, ActorID: actorID})
	return s, nil
}

func (e Engine) ApproveSubtask(ctx context.Context, id, actorID string) (domain.Subtask, error) {
	s, _, projectID, err := e.moveSubtask(ctx, id, domain.SubtaskApproved, actorID, nil)
	if err != nil {
		return s, err
	}
	e.publish(ctx, events.Event{Kind: events.SubtaskApproved, TaskID: s.TaskID, SubtaskID: s.ID, ProjectID: projectID, ActorID: actorID})
	return s, nil
}

func (e Engine) RejectSubtask(ctx context.Context, id, reason, actorID string) (domain.Subtask, error) {
	s, _, projectID, err := e.moveSubtask(ctx, id, domain.SubtaskRejected, actorID, nil)
	if err != nil {
		return s, err
	}
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	e.publish(ctx, events.Event{Kind: events.SubtaskRejected, TaskID: s.TaskID, SubtaskID: s.ID, ProjectID: projectID, ActorID: actorID, Payload: payload})
	return s, nil
}

// FinalizeSubtask records the accepted content. The parent task status is
// not consulted.
func (e Engine) FinalizeSubtask(ctx context.Context, id, finalContent, actorID string) (domain.Subtask, error) {
	if strings.TrimSpace(finalContent) == "" {
		return domain.Subtask{}, invalid("final_content", "is required")
	}
	s, _, projectID, err := e.moveSubtask(ctx, id, domain.SubtaskFinalized, actorID, func(tx *sql.Tx, s *domain.Subtask) error {
		now := e.stamp()
		by := actorOrSystem(actorID)
		s.FinalContent = finalContent
		s.FinalizedAt = &now
		s.FinalizedBy = &by
		return nil
	})
	if err != nil {
		return s, err
	}
	e.publish(ctx, events.Event{Kind: events.SubtaskFinalized, TaskID: s.TaskID, SubtaskID: s.ID, ProjectID: projectID, ActorID: actorID})
	return s, nil
}
