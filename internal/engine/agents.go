package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/repo"
)

func validAgentStatus(s string) bool {
	switch s {
	case domain.AgentOnline, domain.AgentOffline, domain.AgentBusy, domain.AgentError, domain.AgentPending:
		return true
	}
	return false
}

type AgentRegisterOptions struct {
	ID        string
	Name      string
	Endpoint  string
	Model     string
	Status    string
	Skills    []string
	ExtraData map[string]any
	ActorID   string
}

// RegisterAgent adds an agent to the pool. New agents are online unless told otherwise.
func (e Engine) RegisterAgent(ctx context.Context, opts AgentRegisterOptions) (domain.Agent, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Agent{}, invalid("name", "is required")
	}
	if opts.Status == "" {
		opts.Status = domain.AgentOnline
	}
	if !validAgentStatus(opts.Status) {
		return domain.Agent{}, invalid("status", "is invalid: "+opts.Status)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	skills := opts.Skills
	if skills == nil {
		skills = []string{}
	}
	a := domain.Agent{
		ID:        id,
		Name:      opts.Name,
		Endpoint:  opts.Endpoint,
		Model:     opts.Model,
		Status:    opts.Status,
		Skills:    skills,
		ExtraData: opts.ExtraData,
		CreatedAt: e.stamp(),
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	if err := e.audit().Append(ctx, tx, events.Audit{Type: string(events.AgentRegistered), EntityKind: "agent", EntityID: a.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"name": a.Name, "skills": a.Skills, "status": a.Status}}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	e.publish(ctx, events.Event{Kind: events.AgentRegistered, ActorID: opts.ActorID, Payload: map[string]any{"agent_id": a.ID, "name": a.Name}})
	return a, nil
}

func (e Engine) SetAgentStatus(ctx context.Context, id, status, actorID string) (domain.Agent, error) {
	if !validAgentStatus(status) {
		return domain.Agent{}, invalid("status", "is invalid: "+status)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgentTx(ctx, tx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	from := a.Status
	if from == status {
		return a, nil
	}
	if err := e.Repo.SetAgentStatus(ctx, tx, id, status); err != nil {
		return domain.Agent{}, err
	}
	a.Status = status
	if err := e.audit().Append(ctx, tx, events.Audit{Type: string(events.AgentStatusChanged), EntityKind: "agent", EntityID: id, ActorID: actorID,
		Payload: events.EventPayload{"from": from, "to": status}}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	e.publish(ctx, events.Event{Kind: events.AgentStatusChanged, ActorID: actorID, Payload: map[string]any{"agent_id": id, "from": from, "to": status}})
	return a, nil
}

// AllowAgent adds the agent to the project's allowlist. Repeats are no-ops.
func (e Engine) AllowAgent(ctx context.Context, projectID, agentID, actorID string) error {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetAgentTx(ctx, tx, agentID); err != nil {
		return err
	}
	if err := e.Repo.AllowAgent(ctx, tx, projectID, agentID, e.stamp()); err != nil {
		return err
	}
	if err := e.audit().Append(ctx, tx, events.Audit{Type: "project.agent_allowed", ProjectID: projectID, EntityKind: "agent", EntityID: agentID, ActorID: actorID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) DisallowAgent(ctx context.Context, projectID, agentID, actorID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DisallowAgent(ctx, tx, projectID, agentID); err != nil {
		return err
	}
	if err := e.audit().Append(ctx, tx, events.Audit{Type: "project.agent_disallowed", ProjectID: projectID, EntityKind: "agent", EntityID: agentID, ActorID: actorID}); err != nil {
		return err
	}
	return tx.Commit()
}

func validRole(role string) bool {
	return role == domain.RolePM || role == domain.RoleAdmin || role == domain.RoleMember
}

// AddMember grants a project role. Once a project has members only its PMs,
// admins or a superuser may change membership.
func (e Engine) AddMember(ctx context.Context, projectID, memberID, role, actorID string) (domain.ProjectMember, error) {
	if strings.TrimSpace(memberID) == "" {
		return domain.ProjectMember{}, invalid("actor_id", "is required")
	}
	if !validRole(role) {
		return domain.ProjectMember{}, invalid("role", "must be pm, admin or member")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.ProjectMember{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.ProjectMember{}, err
	}
	defer tx.Rollback()

	if err := e.requireMembershipAdmin(ctx, tx, projectID, actorID); err != nil {
		return domain.ProjectMember{}, err
	}
	m := domain.ProjectMember{ProjectID: projectID, ActorID: memberID, Role: role, CreatedAt: e.stamp()}
	if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
		return domain.ProjectMember{}, err
	}
	if err := e.audit().Append(ctx, tx, events.Audit{Type: "project.member_added", ProjectID: projectID, EntityKind: "member", EntityID: memberID, ActorID: actorID,
		Payload: events.EventPayload{"role": role}}); err != nil {
		return domain.ProjectMember{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectMember{}, err
	}
	return m, nil
}

func (e Engine) RemoveMember(ctx context.Context, projectID, memberID, actorID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.requireMembershipAdmin(ctx, tx, projectID, actorID); err != nil {
		return err
	}
	if err := e.Repo.RemoveMember(ctx, tx, projectID, memberID); err != nil {
		return err
	}
	if err := e.audit().Append(ctx, tx, events.Audit{Type: "project.member_removed", ProjectID: projectID, EntityKind: "member", EntityID: memberID, ActorID: actorID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) requireMembershipAdmin(ctx context.Context, q repo.Querier, projectID, actorID string) error {
	n, err := e.Repo.CountMembers(ctx, q, projectID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return e.Auth.RequireRole(ctx, q, projectID, actorID, domain.RolePM, domain.RoleAdmin)
}
