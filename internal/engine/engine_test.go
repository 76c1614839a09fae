package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/assign"
	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/engine/auth"
	"foreman/internal/events"
	"foreman/internal/migrate"
	"foreman/internal/repo"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ctx context.Context, evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type fakeCanceller struct{ keys []string }

func (f *fakeCanceller) Cancel(key string) bool {
	f.keys = append(f.keys, key)
	return true
}

type testEnv struct {
	Engine engine.Engine
	Events *recorder
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	rec := &recorder{}
	eng := engine.New(conn, rec)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Auth.Superusers = []string{"root"}

	_, err = eng.CreateProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", Name: "Project One", ActorID: "pm-user"})
	require.NoError(t, err)
	_, err = eng.AddMember(ctx, "proj-1", "dev", domain.RoleMember, "pm-user")
	require.NoError(t, err)
	return testEnv{Engine: eng, Events: rec, Ctx: ctx}
}

func (env testEnv) agent(t *testing.T, id string, skills ...string) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{ID: id, Name: id, Skills: skills, ActorID: "root"})
	require.NoError(t, err)
	return a
}

func (env testEnv) task(t *testing.T, projectID string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: projectID, Title: "Review module", Type: domain.TypeCodeReview, ActorID: "pm-user"})
	require.NoError(t, err)
	return task
}

func (env testEnv) submittedPlan(t *testing.T, taskID string) domain.Plan {
	t.Helper()
	p, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		TaskID:  taskID,
		Items:   []domain.PlanItem{{Title: "Read code"}, {Title: "Write review", RiskFlags: []string{"large diff"}}},
		ActorID: "agent:planner",
		Submit:  true,
	})
	require.NoError(t, err)
	require.Equal(t, domain.PlanPendingPMApproval, p.Status)
	return p
}

func TestCreateTaskStartsPending(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "proj-1")
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Zero(t, task.Progress)
	assert.Contains(t, env.Events.kinds(), events.TaskCreated)

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: " "})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "title", ve.Field)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", ProjectID: "missing"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInvalidTransitionLeavesTaskUnchanged(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "")
	_, err := env.Engine.CompleteTask(env.Ctx, task.ID, nil, "dev")
	require.Error(t, err)
	assert.True(t, engine.IsInvalidTransition(err))

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestProgressReachingOneCompletesAssignedTask(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "reviewer", "review_code")
	task := env.task(t, "")

	_, err := env.Engine.UpdateProgress(env.Ctx, task.ID, 0.2, "", "dev")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	task, err = env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: task.ID, ActorID: "dev"})
	require.NoError(t, err)
	require.NotNil(t, task.AssignedAgentID)
	assert.Equal(t, "reviewer", *task.AssignedAgentID)
	assert.NotNil(t, task.AssignedAt)

	task, err = env.Engine.UpdateProgress(env.Ctx, task.ID, 0.5, "halfway", "dev")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, task.Status)
	assert.Equal(t, 0.5, task.Progress)

	task, err = env.Engine.UpdateProgress(env.Ctx, task.ID, 1.0, "", "dev")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, 1.0, task.Progress)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.CompletedAt)
	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, stored.Status)
	assert.NotNil(t, stored.StartedAt)

	kinds := env.Events.kinds()
	assert.Contains(t, kinds, events.TaskStarted)
	assert.Equal(t, events.TaskCompleted, kinds[len(kinds)-1])

	_, err = env.Engine.UpdateProgress(env.Ctx, task.ID, 0.1, "", "dev")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestCompleteForcesFullProgressAndRetryResets(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "")
	_, err := env.Engine.StartTask(env.Ctx, task.ID, "dev")
	require.NoError(t, err)
	_, err = env.Engine.UpdateProgress(env.Ctx, task.ID, 0.3, "", "dev")
	require.NoError(t, err)

	failed, err := env.Engine.FailTask(env.Ctx, task.ID, "agent timeout", "system")
	require.NoError(t, err)
	assert.Equal(t, "agent timeout", failed.Error)
	assert.NotNil(t, failed.CompletedAt)

	retried, err := env.Engine.RetryTask(env.Ctx, task.ID, "dev")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, retried.Status)
	assert.Zero(t, retried.Progress)
	assert.Empty(t, retried.Error)
	assert.Nil(t, retried.CompletedAt)

	_, err = env.Engine.StartTask(env.Ctx, task.ID, "dev")
	require.NoError(t, err)
	done, err := env.Engine.CompleteTask(env.Ctx, task.ID, json.RawMessage(`{"summary":"looks good"}`), "dev")
	require.NoError(t, err)
	assert.Equal(t, 1.0, done.Progress)
	assert.JSONEq(t, `{"summary":"looks good"}`, string(done.Result))
}

func TestAssignWithoutAgentsKeepsTaskPending(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "proj-1")
	_, err := env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: task.ID, ActorID: "dev"})
	require.Error(t, err)
	assert.ErrorIs(t, err, assign.ErrNoAgentsAvailable)
	assert.Contains(t, err.Error(), "proj-1")

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Nil(t, got.AssignedAgentID)
}

func TestAssignHonoursAllowlist(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agentY", "generate_code")
	env.agent(t, "agentX", "review_code")
	env.agent(t, "outsider", "review_code")
	require.NoError(t, env.Engine.AllowAgent(env.Ctx, "proj-1", "agentY", "pm-user"))
	require.NoError(t, env.Engine.AllowAgent(env.Ctx, "proj-1", "agentX", "pm-user"))

	task := env.task(t, "proj-1")
	task, err := env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: task.ID, ActorID: "dev"})
	require.NoError(t, err)
	assert.Equal(t, "agentX", *task.AssignedAgentID)
}

func TestPlanFirstGate(t *testing.T) {
	env := newTestEnv(t)
	ungated := env.task(t, "proj-1")
	_, err := env.Engine.StartTask(env.Ctx, ungated.ID, "dev")
	require.NoError(t, err)

	task := env.task(t, "proj-1")
	p := env.submittedPlan(t, task.ID)
	_, err = env.Engine.StartTask(env.Ctx, task.ID, "dev")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrPlanNotApproved)
	_, claimed, err := env.Engine.ClaimTask(env.Ctx, task.ID, "system")
	assert.ErrorIs(t, err, engine.ErrPlanNotApproved)
	assert.False(t, claimed)

	_, err = env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-user")
	require.NoError(t, err)
	started, err := env.Engine.StartTask(env.Ctx, task.ID, "dev")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, started.Status)
}

func TestApprovalRequiresProjectRole(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "proj-1")
	p := env.submittedPlan(t, task.ID)

	_, err := env.Engine.ApprovePlan(env.Ctx, p.ID, "dev")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []string{domain.RolePM, domain.RoleAdmin}, fe.Roles)
	stored, err := env.Engine.GetPlan(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPendingPMApproval, stored.Status)
	assert.Nil(t, stored.ApprovedBy)

	res, err := env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-user")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanApproved, res.Plan.Status)
	require.NotNil(t, res.Plan.ApprovedBy)
	assert.Equal(t, "pm-user", *res.Plan.ApprovedBy)
	assert.NotNil(t, res.Plan.ApprovedAt)
	assert.True(t, res.Created)
	require.Len(t, res.Subtasks, 2)
	assert.Equal(t, "Read code", res.Subtasks[0].Title)
	assert.Equal(t, []string{"large diff"}, res.Subtasks[1].RiskFlags)

	audits, err := env.Engine.Repo.LatestAudit(env.Ctx, repo.AuditFilters{EntityKind: "plan", EntityID: p.ID, Type: "plan.status"})
	require.NoError(t, err)
	require.NotEmpty(t, audits)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(audits[0].Payload), &payload))
	assert.Equal(t, domain.PlanPendingPMApproval, payload["from"])
	assert.Equal(t, domain.PlanApproved, payload["to"])

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)

	again, err := env.Engine.MaterializeSubtasks(env.Ctx, p.ID, "pm-user")
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestSuperuserApprovesWithoutMembership(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "")
	p := env.submittedPlan(t, task.ID)
	_, err := env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-user")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	_, err = env.Engine.ApprovePlan(env.Ctx, p.ID, "root")
	require.NoError(t, err)
}

func TestRejectPlan(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "proj-1")
	p := env.submittedPlan(t, task.ID)

	_, err := env.Engine.RejectPlan(env.Ctx, p.ID, "  ", "pm-user")
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)

	rejected, err := env.Engine.RejectPlan(env.Ctx, p.ID, "too broad", "pm-user")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanRejected, rejected.Status)
	assert.Equal(t, "too broad", rejected.RejectionReason)

	_, err = env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-user")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	_, err = env.Engine.StartTask(env.Ctx, task.ID, "dev")
	assert.ErrorIs(t, err, engine.ErrPlanNotApproved)

	v2 := env.submittedPlan(t, task.ID)
	assert.Equal(t, 2, v2.Version)
}

func TestPlanVersioning(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "proj-1")
	v1 := env.submittedPlan(t, task.ID)
	v2 := env.submittedPlan(t, task.ID)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)

	_, err := env.Engine.ApprovePlan(env.Ctx, v1.ID, "pm-user")
	assert.ErrorIs(t, err, engine.ErrPlanSuperseded)

	_, err = env.Engine.ApprovePlan(env.Ctx, v2.ID, "pm-user")
	require.NoError(t, err)

	_, err = env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{TaskID: task.ID, Items: []domain.PlanItem{{Title: "again"}}})
	assert.ErrorIs(t, err, engine.ErrApprovedPlanExists)

	_, err = env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{TaskID: task.ID})
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestDraftPlanNeedsSubmitBeforeApproval(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "proj-1")
	p, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{TaskID: task.ID, Items: []domain.PlanItem{{Title: "one"}}})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanDraft, p.Status)

	_, err = env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-user")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	_, err = env.Engine.SubmitPlan(env.Ctx, p.ID, "dev")
	require.NoError(t, err)
	_, err = env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-user")
	require.NoError(t, err)
}

func approvedSubtask(t *testing.T, env testEnv) domain.Subtask {
	t.Helper()
	task := env.task(t, "proj-1")
	p := env.submittedPlan(t, task.ID)
	res, err := env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-user")
	require.NoError(t, err)
	return res.Subtasks[0]
}

func TestDispatchRequiresAssignedAgent(t *testing.T) {
	env := newTestEnv(t)
	s := approvedSubtask(t, env)

	_, err := env.Engine.DispatchSubtask(env.Ctx, s.ID, "pm-user")
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "assigned_agent_id", ve.Field)
	assert.NotContains(t, env.Events.kinds(), events.SubtaskDispatched)

	env.agent(t, "reviewer", "review_code")
	_, err = env.Engine.AssignSubtask(env.Ctx, s.ID, "", "pm-user")
	require.NoError(t, err)
	_, err = env.Engine.CheckSubtaskDispatch(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.NotContains(t, env.Events.kinds(), events.SubtaskDispatched)
	s, err = env.Engine.DispatchSubtask(env.Ctx, s.ID, "pm-user")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", *s.AssignedAgentID)
	assert.Contains(t, env.Events.kinds(), events.SubtaskDispatched)
}

func TestSubtaskReviewLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "reviewer", "review_code")
	s := approvedSubtask(t, env)
	_, err := env.Engine.AssignSubtask(env.Ctx, s.ID, "reviewer", "pm-user")
	require.NoError(t, err)

	_, err = env.Engine.SubmitSubtaskForReview(env.Ctx, s.ID, "dev")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	s, err = env.Engine.RecordSubtaskDraft(env.Ctx, engine.DraftOptions{SubtaskID: s.ID, Content: "draft one", ActorID: "agent:reviewer"})
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskDraftGenerated, s.Status)
	assert.Equal(t, 1, s.DraftVersion)
	assert.Equal(t, "reviewer", *s.DraftAgentID)
	assert.NotNil(t, s.DraftGeneratedAt)

	s, err = env.Engine.RecordSubtaskDraft(env.Ctx, engine.DraftOptions{SubtaskID: s.ID, Content: "draft two", AgentID: "reviewer"})
	require.NoError(t, err)
	assert.Equal(t, 2, s.DraftVersion)

	s, err = env.Engine.SubmitSubtaskForReview(env.Ctx, s.ID, "dev")
	require.NoError(t, err)
	s, err = env.Engine.ApproveSubtask(env.Ctx, s.ID, "pm-user")
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskApproved, s.Status)

	_, err = env.Engine.FinalizeSubtask(env.Ctx, s.ID, "", "pm-user")
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)

	s, err = env.Engine.FinalizeSubtask(env.Ctx, s.ID, "final text", "pm-user")
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskFinalized, s.Status)
	assert.Equal(t, "final text", s.FinalContent)
	assert.Equal(t, "pm-user", *s.FinalizedBy)

	_, err = env.Engine.FailSubtask(env.Ctx, s.ID, "late error", "system")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestFailedSubtaskCanBeRedrafted(t *testing.T) {
	env := newTestEnv(t)
	s := approvedSubtask(t, env)
	s, err := env.Engine.FailSubtask(env.Ctx, s.ID, "upstream 502", "system")
	require.NoError(t, err)
	assert.Equal(t, "upstream 502", s.Error)

	s, err = env.Engine.RecordSubtaskDraft(env.Ctx, engine.DraftOptions{SubtaskID: s.ID, Content: "retry", AgentID: "a"})
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskDraftGenerated, s.Status)
	assert.Empty(t, s.Error)
}

func TestCancelSignalsInflightWork(t *testing.T) {
	env := newTestEnv(t)
	c := &fakeCanceller{}
	env.Engine.Inflight = c
	task := env.task(t, "")
	_, err := env.Engine.StartTask(env.Ctx, task.ID, "dev")
	require.NoError(t, err)

	cancelled, err := env.Engine.CancelTask(env.Ctx, task.ID, "no longer needed", "dev")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, cancelled.Status)
	assert.Equal(t, []string{task.ID}, c.keys)

	_, err = env.Engine.CancelTask(env.Ctx, task.ID, "", "dev")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestClaimTaskSkipsTasksAlreadyRunning(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "")
	_, ok, err := env.Engine.ClaimTask(env.Ctx, task.ID, "system")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = env.Engine.ClaimTask(env.Ctx, task.ID, "system")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRiskSignals(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "proj-1")
	rs, err := env.Engine.CreateRiskSignal(env.Ctx, engine.RiskCreateOptions{TaskID: task.ID, Title: "Secrets in diff", Severity: domain.SeverityHigh, ActorID: "agent:scanner"})
	require.NoError(t, err)
	assert.Equal(t, "proj-1", rs.ProjectID)
	assert.Equal(t, "agent", rs.Source)

	_, err = env.Engine.CreateRiskSignal(env.Ctx, engine.RiskCreateOptions{ProjectID: "proj-1", Title: "x", Severity: "extreme"})
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)

	resolved, err := env.Engine.ResolveRiskSignal(env.Ctx, rs.ID, "pm-user")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	again, err := env.Engine.ResolveRiskSignal(env.Ctx, rs.ID, "pm-user")
	require.NoError(t, err)
	assert.Equal(t, resolved.ResolvedAt, again.ResolvedAt)
}

func TestMembershipChangesNeedProjectAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddMember(env.Ctx, "proj-1", "intruder", domain.RolePM, "dev")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	_, err = env.Engine.AddMember(env.Ctx, "proj-1", "lead", domain.RoleAdmin, "pm-user")
	require.NoError(t, err)
	_, err = env.Engine.AddMember(env.Ctx, "proj-1", "x", "owner", "pm-user")
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestAgentStatusChange(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "a1")
	a, err := env.Engine.SetAgentStatus(env.Ctx, "a1", domain.AgentOffline, "root")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOffline, a.Status)

	_, err = env.Engine.SetAgentStatus(env.Ctx, "a1", "sleeping", "root")
	assert.Error(t, err)
	_, err = env.Engine.SetAgentStatus(env.Ctx, "nope", domain.AgentOnline, "root")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

type taskMove func(env testEnv, id string) (domain.Task, error)

func taskMoves() map[string]taskMove {
	return map[string]taskMove{
		domain.TaskAssigned: func(env testEnv, id string) (domain.Task, error) {
			return env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: id, AgentID: "reviewer", ActorID: "dev"})
		},
		domain.TaskInProgress: func(env testEnv, id string) (domain.Task, error) {
			return env.Engine.StartTask(env.Ctx, id, "dev")
		},
		domain.TaskCompleted: func(env testEnv, id string) (domain.Task, error) {
			return env.Engine.CompleteTask(env.Ctx, id, nil, "dev")
		},
		domain.TaskFailed: func(env testEnv, id string) (domain.Task, error) {
			return env.Engine.FailTask(env.Ctx, id, "agent error", "dev")
		},
		domain.TaskCancelled: func(env testEnv, id string) (domain.Task, error) {
			return env.Engine.CancelTask(env.Ctx, id, "", "dev")
		},
		domain.TaskPending: func(env testEnv, id string) (domain.Task, error) {
			return env.Engine.RetryTask(env.Ctx, id, "dev")
		},
	}
}

// taskIn creates a task and drives it into status through the engine.
func taskIn(t *testing.T, env testEnv, status string) domain.Task {
	t.Helper()
	moves := taskMoves()
	paths := map[string][]string{
		domain.TaskPending:    nil,
		domain.TaskAssigned:   {domain.TaskAssigned},
		domain.TaskInProgress: {domain.TaskInProgress},
		domain.TaskCompleted:  {domain.TaskInProgress, domain.TaskCompleted},
		domain.TaskFailed:     {domain.TaskInProgress, domain.TaskFailed},
		domain.TaskCancelled:  {domain.TaskCancelled},
	}
	task := env.task(t, "")
	for _, to := range paths[status] {
		var err error
		task, err = moves[to](env, task.ID)
		require.NoError(t, err, "drive to %s", to)
	}
	require.Equal(t, status, task.Status)
	return task
}

func TestTaskOperationsFollowTransitionTable(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "reviewer", "review_code")
	allowed := map[string][]string{
		domain.TaskPending:    {domain.TaskAssigned, domain.TaskInProgress, domain.TaskCancelled},
		domain.TaskAssigned:   {domain.TaskInProgress, domain.TaskCancelled},
		domain.TaskInProgress: {domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled},
		domain.TaskCompleted:  {domain.TaskCancelled},
		domain.TaskFailed:     {domain.TaskPending, domain.TaskCancelled},
		domain.TaskCancelled:  {domain.TaskPending},
	}
	statuses := []string{domain.TaskPending, domain.TaskAssigned, domain.TaskInProgress, domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled}
	moves := taskMoves()
	for _, from := range statuses {
		for _, to := range statuses {
			task := taskIn(t, env, from)
			got, err := moves[to](env, task.ID)
			declared := false
			for _, s := range allowed[from] {
				declared = declared || s == to
			}
			if declared {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, got.Status, "%s -> %s", from, to)
				continue
			}
			assert.True(t, engine.IsInvalidTransition(err), "%s -> %s should be rejected, got %v", from, to, err)
			stored, err := env.Engine.GetTask(env.Ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, from, stored.Status, "%s -> %s left the task changed", from, to)
		}
	}
}
