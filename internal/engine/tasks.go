package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/google/uuid"

	"foreman/internal/assign"
	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Type        string
	InputData   json.RawMessage
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, invalid("title", "is required")
	}
	if opts.Type == "" {
		opts.Type = domain.TypeCodeGeneration
	}
	if len(opts.InputData) > 0 && !json.Valid(opts.InputData) {
		return domain.Task{}, invalid("input_data", "must be valid JSON")
	}
	if opts.ProjectID != "" {
		if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
			return domain.Task{}, err
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	t := domain.Task{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Description: opts.Description,
		Type:        opts.Type,
		Status:      domain.TaskPending,
		CreatedBy:   actorOrSystem(opts.ActorID),
		InputData:   opts.InputData,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.audit().Append(ctx, tx, events.Audit{Type: string(events.TaskCreated), ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"title": t.Title, "status": t.Status, "task_type": t.Type}}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish(ctx, events.Event{Kind: events.TaskCreated, TaskID: t.ID, ProjectID: t.ProjectID, ActorID: opts.ActorID,
		Payload: map[string]any{"title": t.Title, "task_type": t.Type}})
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func ensureTaskTransition(from, to string) error {
	switch from {
	case domain.TaskPending:
		if to == domain.TaskAssigned || to == domain.TaskInProgress || to == domain.TaskCancelled {
			return nil
		}
	case domain.TaskAssigned:
		if to == domain.TaskInProgress || to == domain.TaskCancelled {
			return nil
		}
	case domain.TaskInProgress:
		if to == domain.TaskCompleted || to == domain.TaskFailed || to == domain.TaskCancelled {
			return nil
		}
	case domain.TaskCompleted:
		if to == domain.TaskCancelled {
			return nil
		}
	case domain.TaskFailed:
		if to == domain.TaskPending || to == domain.TaskCancelled {
			return nil
		}
	case domain.TaskCancelled:
		if to == domain.TaskPending {
			return nil
		}
	}
	return TransitionError{Entity: "task", From: from, To: to}
}

// enterTaskStatus applies the timestamps and resets tied to entering a status.
func enterTaskStatus(t *domain.Task, to, now string) error {
	switch to {
	case domain.TaskAssigned:
		if t.AssignedAgentID == nil || *t.AssignedAgentID == "" {
			return invalid("agent_id", "is required to assign a task")
		}
		t.AssignedAt = &now
	case domain.TaskInProgress:
		t.StartedAt = &now
	case domain.TaskCompleted:
		t.Progress = 1.0
		t.CompletedAt = &now
	case domain.TaskFailed:
		t.CompletedAt = &now
	case domain.TaskPending:
		t.Progress = 0
		t.Error = ""
		t.Result = nil
		t.StartedAt = nil
		t.CompletedAt = nil
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// moveTask runs one validated task transition in its own transaction. apply
// may adjust the task before the new status is entered.
func (e Engine) moveTask(ctx context.Context, id, to, actorID string, apply func(tx *sql.Tx, t *domain.Task) error) (domain.Task, string, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, "", err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, "", err
	}
	from := t.Status
	if err := ensureTaskTransition(from, to); err != nil {
		te := err.(TransitionError)
		te.ID = id
		return t, from, te
	}
	if apply != nil {
		if err := apply(tx, &t); err != nil {
			return domain.Task{}, from, err
		}
	}
	if err := enterTaskStatus(&t, to, e.stamp()); err != nil {
		return domain.Task{}, from, err
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, from, err
	}
	if err := e.auditTaskStatus(ctx, tx, t, from, actorID); err != nil {
		return domain.Task{}, from, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, from, err
	}
	return t, from, nil
}

func (e Engine) auditTaskStatus(ctx context.Context, tx *sql.Tx, t domain.Task, from, actorID string) error {
	return e.audit().Append(ctx, tx, events.Audit{Type: "task.status", ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: actorID,
		Payload: events.EventPayload{"from": from, "to": t.Status}})
}

// AssignOptions selects an agent for a task. An empty AgentID picks one.
type AssignOptions struct {
	TaskID  string
	AgentID string
	ActorID string
}

// AssignTask moves a pending task to assigned. When no agent is given the
// selection runs against online agents and the project allowlist; an empty
// pool leaves the task untouched.
func (e Engine) AssignTask(ctx context.Context, opts AssignOptions) (domain.Task, error) {
	t, _, err := e.moveTask(ctx, opts.TaskID, domain.TaskAssigned, opts.ActorID, func(tx *sql.Tx, t *domain.Task) error {
		agentID, err := e.pickAgent(ctx, tx, t.Type, t.ProjectID, opts.AgentID)
		if err != nil {
			return err
		}
		t.AssignedAgentID = &agentID
		return nil
	})
	if err != nil {
		return t, err
	}
	e.publish(ctx, events.Event{Kind: events.TaskAssigned, TaskID: t.ID, ProjectID: t.ProjectID, ActorID: opts.ActorID,
		Payload: map[string]any{"agent_id": *t.AssignedAgentID}})
	return t, nil
}

// SelectAgent runs the assignment for a task type and project without
// assigning anything.
func (e Engine) SelectAgent(ctx context.Context, taskType, projectID string) (domain.Agent, error) {
	id, err := e.pickAgent(ctx, e.DB, taskType, projectID, "")
	if err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, id)
}

func (e Engine) pickAgent(ctx context.Context, q repo.Querier, taskType, projectID, agentID string) (string, error) {
	if agentID != "" {
		if _, err := e.Repo.GetAgentTx(ctx, q, agentID); err != nil {
			return "", err
		}
		return agentID, nil
	}
	agents, err := e.Repo.ListAgents(ctx, q, domain.AgentOnline)
	if err != nil {
		return "", err
	}
	var allow []string
	if projectID != "" {
		if allow, err = e.Repo.Allowlist(ctx, q, projectID); err != nil {
			return "", err
		}
	}
	a, err := assign.Select(assign.Request{TaskType: taskType, ProjectID: projectID, Agents: agents, Allowlist: allow})
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// StartTask moves a pending or assigned task into execution, subject to the
// plan-first gate.
func (e Engine) StartTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	t, _, err := e.moveTask(ctx, id, domain.TaskInProgress, actorID, func(tx *sql.Tx, t *domain.Task) error {
		return e.checkPlanGate(ctx, tx, *t)
	})
	if err != nil {
		return t, err
	}
	e.publish(ctx, events.Event{Kind: events.TaskStarted, TaskID: t.ID, ProjectID: t.ProjectID, ActorID: actorID})
	return t, nil
}

// ClaimTask is StartTask for dispatchers racing on the same task: it reports
// false instead of failing when the task already left pending/assigned.
func (e Engine) ClaimTask(ctx context.Context, id, actorID string) (domain.Task, bool, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, false, err
	}
	if t.Status != domain.TaskPending && t.Status != domain.TaskAssigned {
		return t, false, nil
	}
	if err := e.checkPlanGate(ctx, tx, t); err != nil {
		return t, false, err
	}
	now := e.stamp()
	ok, err := e.Repo.ClaimTask(ctx, tx, id, now, domain.TaskPending, domain.TaskAssigned)
	if err != nil || !ok {
		return t, false, err
	}
	from := t.Status
	t.Status = domain.TaskInProgress
	t.StartedAt = &now
	t.UpdatedAt = now
	t.Error = ""
	if err := e.auditTaskStatus(ctx, tx, t, from, actorID); err != nil {
		return t, false, err
	}
	if err := tx.Commit(); err != nil {
		return t, false, err
	}
	e.publish(ctx, events.Event{Kind: events.TaskStarted, TaskID: t.ID, ProjectID: t.ProjectID, ActorID: actorID})
	return t, true, nil
}

// UpdateProgress records progress for an assigned or running task. Reaching
// 1.0 completes it, starting an assigned task first.
func (e Engine) UpdateProgress(ctx context.Context, id string, progress float64, message, actorID string) (domain.Task, error) {
	if math.IsNaN(progress) || progress < 0 {
		return domain.Task{}, invalid("progress", "must be between 0 and 1")
	}
	if progress > 1 {
		progress = 1
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	from := t.Status
	if from != domain.TaskInProgress && from != domain.TaskAssigned {
		return t, TransitionError{Entity: "task", ID: id, From: from, To: "progress"}
	}
	now := e.stamp()
	started := false
	if progress >= 1 && from == domain.TaskAssigned {
		if err := e.checkPlanGate(ctx, tx, t); err != nil {
			return t, err
		}
		if err := enterTaskStatus(&t, domain.TaskInProgress, now); err != nil {
			return t, err
		}
		started = true
	}
	t.Progress = progress
	t.UpdatedAt = now
	completed := progress >= 1
	if completed {
		if err := enterTaskStatus(&t, domain.TaskCompleted, now); err != nil {
			return t, err
		}
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if t.Status != from {
		if err := e.auditTaskStatus(ctx, tx, t, from, actorID); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	if started {
		e.publish(ctx, events.Event{Kind: events.TaskStarted, TaskID: t.ID, ProjectID: t.ProjectID, ActorID: actorID})
	}
	payload := map[string]any{"progress": progress}
	if message != "" {
		payload["message"] = message
	}
	e.publish(ctx, events.Event{Kind: events.TaskProgress, TaskID: t.ID, ProjectID: t.ProjectID, ActorID: actorID, Payload: payload})
	if completed {
		e.publish(ctx, events.Event{Kind: events.TaskCompleted, TaskID: t.ID, ProjectID: t.ProjectID, ActorID: actorID})
	}
	return t, nil
}

// CompleteTask finishes a running task with an optional JSON result.
func (e Engine) CompleteTask(ctx context.Context, id string, result json.RawMessage, actorID string) (domain.Task, error) {
	if len(result) > 0 && !json.Valid(result) {
		return domain.Task{}, invalid("result", "must be valid JSON")
	}
	t, _, err := e.moveTask(ctx, id, domain.TaskCompleted, actorID, func(tx *sql.Tx, t *domain.Task) error {
		t.Result = result
		t.Error = ""
		return nil
	})
	if err != nil {
		return t, err
	}
	payload := map[string]any{}
	var summary struct {
		Summary string `json:"summary"`
	}
	if len(result) > 0 && json.Unmarshal(result, &summary) == nil && summary.Summary != "" {
		payload["summary"] = summary.Summary
	}
	e.publish(ctx, events.Event{Kind: events.TaskCompleted, TaskID: t.ID, ProjectID: t.ProjectID, ActorID: actorID, Payload: payload})
	return t, nil
}

// FailTask finishes a running task with an error message.
func (e Engine) FailTask(ctx context.Context, id, reason, actorID string) (domain.Task, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "task failed"
	}
	t, _, err := e.moveTask(ctx, id, domain.TaskFailed, actorID, func(tx *sql.Tx, t *domain.Task) error {
		t.Error = reason
		return nil
	})
	if err != nil {
		return t, err
	}
	e.publish(ctx, events.Event{Kind: events.TaskFailed, TaskID: t.ID, ProjectID: t.ProjectID, ActorID: actorID,
		Payload: map[string]any{"error": reason}})
	return t, nil
}

// CancelTask cancels a task and signals any in-flight dispatch for it.
func (e Engine) CancelTask(ctx context.Context, id, reason, actorID string) (domain.Task, error) {
	t, from, err := e.moveTask(ctx, id, domain.TaskCancelled, actorID, nil)
	if err != nil {
		return t, err
	}
	signalled := false
	if e.Inflight != nil {
		signalled = e.Inflight.Cancel(t.ID)
	}
	payload := map[string]any{"from": from, "signalled": signalled}
	if reason != "" {
		payload["reason"] = reason
	}
	e.publish(ctx, events.Event{Kind: events.TaskCancelled, TaskID: t.ID, ProjectID: t.ProjectID, ActorID: actorID, Payload: payload})
	return t, nil
}

// RetryTask returns a failed or cancelled task to pending with its progress,
// error and result cleared.
func (e Engine) RetryTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	t, from, err := e.moveTask(ctx, id, domain.TaskPending, actorID, nil)
	if err != nil {
		return t, err
	}
	e.publish(ctx, events.Event{Kind: events.TaskRetried, TaskID: t.ID, ProjectID: t.ProjectID, ActorID: actorID,
		Payload: map[string]any{"from": from}})
	return t, nil
}

// IsInvalidTransition reports whether err came from the state machine.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
