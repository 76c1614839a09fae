package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"foreman/internal/domain"
	"foreman/internal/engine/auth"
	"foreman/internal/events"
	"foreman/internal/repo"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrPlanNotApproved    = errors.New("plan not approved")
	ErrApprovedPlanExists = errors.New("task already has an approved plan")
	ErrPlanSuperseded     = errors.New("plan superseded by a newer version")
)

// TransitionError reports a move the state machine does not allow.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

func (e TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// GateError blocks execution of a project task whose latest plan is not approved.
type GateError struct {
	TaskID     string
	PlanID     string
	PlanStatus string
}

func (e GateError) Error() string {
	return fmt.Sprintf("task %s cannot start: latest plan %s is %s", e.TaskID, e.PlanID, e.PlanStatus)
}

func (e GateError) Is(target error) bool { return target == ErrPlanNotApproved }

// ValidationError is a rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + " " + e.Message
}

func invalid(field, msg string) error {
	return ValidationError{Field: field, Message: msg}
}

// Canceller signals in-flight work registered under a task id.
type Canceller interface {
	Cancel(key string) bool
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    events.Writer
	Events   events.Publisher
	Auth     auth.Service
	Inflight Canceller
	Now      func() time.Time
}

func New(db *sql.DB, bus events.Publisher) Engine {
	if bus == nil {
		bus = events.Discard{}
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: bus,
		Auth:   auth.Service{Repo: r},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) audit() events.Writer {
	if e.Audit.Now == nil {
		return events.Writer{Now: e.now}
	}
	return e.Audit
}

func (e Engine) publish(ctx context.Context, evt events.Event) {
	if e.Events == nil {
		return
	}
	if evt.Source == "" {
		evt.Source = sourceFor(evt.ActorID)
	}
	e.Events.Publish(ctx, evt)
}

func sourceFor(actorID string) string {
	switch {
	case actorID == "" || actorID == "system":
		return "system"
	case strings.HasPrefix(actorID, "agent:"):
		return "agent"
	default:
		return "user"
	}
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return "system"
	}
	return actorID
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	ActorID     string
}

// CreateProject stores a project. A human creator becomes its PM.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.ID) == "" {
		return domain.Project{}, invalid("id", "is required")
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	now := e.stamp()
	p := domain.Project{ID: opts.ID, Name: opts.Name, Description: opts.Description, CreatedAt: now}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if sourceFor(opts.ActorID) == "user" {
		if err := e.Repo.UpsertMember(ctx, tx, domain.ProjectMember{ProjectID: p.ID, ActorID: opts.ActorID, Role: domain.RolePM, CreatedAt: now}); err != nil {
			return domain.Project{}, err
		}
	}
	if err := e.audit().Append(ctx, tx, events.Audit{Type: "project.created", ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"name": p.Name}}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// checkPlanGate enforces plan-first execution for project tasks. Tasks with no
// plan for their (task, project) pair are ungated.
func (e Engine) checkPlanGate(ctx context.Context, q repo.Querier, t domain.Task) error {
	if t.ProjectID == "" {
		return nil
	}
	p, err := e.Repo.LatestPlan(ctx, q, t.ID, t.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status != domain.PlanApproved {
		return GateError{TaskID: t.ID, PlanID: p.ID, PlanStatus: p.Status}
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
