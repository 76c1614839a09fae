package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"foreman/internal/domain"
	"foreman/internal/repo"
)

// ForbiddenError indicates the actor lacks a required project role.
type ForbiddenError struct {
	ProjectID string
	Roles     []string
}

func (e ForbiddenError) Error() string {
	need := strings.Join(e.Roles, " or ")
	if e.ProjectID == "" {
		return fmt.Sprintf("superuser required (%s on a project is not enough without a project scope)", need)
	}
	return fmt.Sprintf("role %s required on project %s", need, e.ProjectID)
}

// Service answers role questions from project membership.
type Service struct {
	Repo       repo.Repo
	Superusers []string
}

func (s Service) IsSuperuser(actorID string) bool {
	if actorID == "" {
		return false
	}
	for _, id := range s.Superusers {
		if id == actorID {
			return true
		}
	}
	return false
}

// Role returns the actor's role on the project, or "" when not a member.
func (s Service) Role(ctx context.Context, q repo.Querier, projectID, actorID string) (string, error) {
	if projectID == "" || actorID == "" {
		return "", nil
	}
	role, err := s.Repo.MemberRole(ctx, q, projectID, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	return role, err
}

// RequireRole passes superusers and members holding one of roles.
// Without a project only superusers pass.
func (s Service) RequireRole(ctx context.Context, q repo.Querier, projectID, actorID string, roles ...string) error {
	if s.IsSuperuser(actorID) {
		return nil
	}
	role, err := s.Role(ctx, q, projectID, actorID)
	if err != nil {
		return err
	}
	for _, r := range roles {
		if role != "" && role == r {
			return nil
		}
	}
	return ForbiddenError{ProjectID: projectID, Roles: roles}
}

// RequireApprover gates plan approval and rejection.
func (s Service) RequireApprover(ctx context.Context, q repo.Querier, projectID, actorID string) error {
	return s.RequireRole(ctx, q, projectID, actorID, domain.RolePM, domain.RoleAdmin)
}
