package scheduler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/db"
	"foreman/internal/dispatch"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/migrate"
	"foreman/internal/orchestrator"
	"foreman/internal/repo"
	"foreman/internal/scheduler"
)

type pipelineFunc func(ctx context.Context, task domain.Task, plan domain.Plan) orchestrator.Result

func (f pipelineFunc) ExecuteTask(ctx context.Context, task domain.Task, plan domain.Plan) orchestrator.Result {
	return f(ctx, task, plan)
}

func completed(ctx context.Context, task domain.Task, plan domain.Plan) orchestrator.Result {
	return orchestrator.Result{Status: orchestrator.StatusCompleted, Output: map[string]any{"summary": "all drafted", "plan_id": plan.ID}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ctx context.Context
	eng engine.Engine
}

func newFixture(t *testing.T, agents bool) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	eng := engine.New(conn, nil)
	_, err = eng.CreateProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", Name: "Project One", ActorID: "pm-user"})
	require.NoError(t, err)
	if agents {
		_, err = eng.RegisterAgent(ctx, engine.AgentRegisterOptions{ID: "coder", Name: "Coder", Skills: []string{"code_generation"}})
		require.NoError(t, err)
	}
	return fixture{ctx: ctx, eng: eng}
}

// approvedTask creates a project task whose single plan is approved.
func (f fixture) approvedTask(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := f.eng.CreateTask(f.ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: title, ActorID: "pm-user"})
	require.NoError(t, err)
	p, err := f.eng.CreatePlan(f.ctx, engine.PlanCreateOptions{TaskID: task.ID, Items: []domain.PlanItem{{Title: "Implement"}}, Submit: true})
	require.NoError(t, err)
	_, err = f.eng.ApprovePlan(f.ctx, p.ID, "pm-user")
	require.NoError(t, err)
	return task
}

func (f fixture) status(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := f.eng.Repo.GetTask(f.ctx, id)
	require.NoError(t, err)
	return task
}

func TestStartStopAreIdempotent(t *testing.T) {
	f := newFixture(t, true)
	s := scheduler.New(f.eng, pipelineFunc(completed), nil, scheduler.Config{Interval: time.Hour}, quietLogger())

	s.Start(f.ctx)
	s.Start(f.ctx)
	assert.True(t, s.Running())
	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	assert.GreaterOrEqual(t, s.Stats().Cycles, int64(1))
}

func TestCycleCompletesApprovedTask(t *testing.T) {
	f := newFixture(t, true)
	task := f.approvedTask(t, "Add endpoint")
	s := scheduler.New(f.eng, pipelineFunc(completed), nil, scheduler.Config{}, quietLogger())

	s.RunCycle(f.ctx)

	got := f.status(t, task.ID)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, "coder", *got.AssignedAgentID)
	var result map[string]any
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.Equal(t, "all drafted", result["summary"])
	assert.Equal(t, int64(1), s.Stats().Processed)
}

func TestOneFailingTaskDoesNotStopTheCycle(t *testing.T) {
	f := newFixture(t, true)
	bad := f.approvedTask(t, "Explodes")
	good := f.approvedTask(t, "Works")
	var mu sync.Mutex
	calls := map[string]int{}
	pipeline := pipelineFunc(func(ctx context.Context, task domain.Task, plan domain.Plan) orchestrator.Result {
		mu.Lock()
		calls[task.ID]++
		mu.Unlock()
		if task.ID == bad.ID {
			panic("agent crashed")
		}
		return completed(ctx, task, plan)
	})
	s := scheduler.New(f.eng, pipeline, nil, scheduler.Config{Interval: 10 * time.Millisecond}, quietLogger())

	s.Start(f.ctx)
	require.Eventually(t, func() bool { return s.Stats().Cycles >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	failed := f.status(t, bad.ID)
	assert.Equal(t, domain.TaskFailed, failed.Status)
	assert.Contains(t, failed.Error, "agent crashed")
	assert.Equal(t, domain.TaskCompleted, f.status(t, good.ID).Status)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls[bad.ID])
	assert.Equal(t, 1, calls[good.ID])
}

func TestFailedResultMarksTaskFailed(t *testing.T) {
	f := newFixture(t, true)
	task := f.approvedTask(t, "Fails")
	pipeline := pipelineFunc(func(ctx context.Context, task domain.Task, plan domain.Plan) orchestrator.Result {
		return orchestrator.Result{Status: orchestrator.StatusFailed, Error: "draft rejected by agent"}
	})
	s := scheduler.New(f.eng, pipeline, nil, scheduler.Config{}, quietLogger())
	s.RunCycle(f.ctx)

	got := f.status(t, task.ID)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "draft rejected by agent", got.Error)
}

func TestTaskWaitsForAgent(t *testing.T) {
	f := newFixture(t, false)
	task := f.approvedTask(t, "Nobody online")
	called := false
	pipeline := pipelineFunc(func(ctx context.Context, task domain.Task, plan domain.Plan) orchestrator.Result {
		called = true
		return completed(ctx, task, plan)
	})
	s := scheduler.New(f.eng, pipeline, nil, scheduler.Config{}, quietLogger())
	s.RunCycle(f.ctx)

	assert.False(t, called)
	assert.Equal(t, domain.TaskPending, f.status(t, task.ID).Status)
}

func TestUnapprovedTasksAreNotScheduled(t *testing.T) {
	f := newFixture(t, true)
	task, err := f.eng.CreateTask(f.ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "Awaiting PM"})
	require.NoError(t, err)
	_, err = f.eng.CreatePlan(f.ctx, engine.PlanCreateOptions{TaskID: task.ID, Items: []domain.PlanItem{{Title: "Step"}}, Submit: true})
	require.NoError(t, err)

	s := scheduler.New(f.eng, pipelineFunc(completed), nil, scheduler.Config{}, quietLogger())
	s.RunCycle(f.ctx)
	assert.Equal(t, domain.TaskPending, f.status(t, task.ID).Status)
}

func TestCancelDuringDispatchDropsResult(t *testing.T) {
	f := newFixture(t, true)
	pool := dispatch.New(1, 4, quietLogger())
	defer pool.Close(context.Background())
	f.eng.Inflight = pool
	task := f.approvedTask(t, "Long running")

	pipeline := pipelineFunc(func(ctx context.Context, task domain.Task, plan domain.Plan) orchestrator.Result {
		_, err := f.eng.CancelTask(context.Background(), task.ID, "changed my mind", "pm-user")
		require.NoError(t, err)
		select {
		case <-ctx.Done():
			return orchestrator.Result{Status: orchestrator.StatusFailed, Error: "dispatch cancelled"}
		case <-time.After(2 * time.Second):
			return completed(ctx, task, plan)
		}
	})
	s := scheduler.New(f.eng, pipeline, pool, scheduler.Config{}, quietLogger())
	s.RunCycle(f.ctx)

	assert.Equal(t, domain.TaskCancelled, f.status(t, task.ID).Status)
	assert.False(t, pool.Inflight(task.ID))
}

func TestProcessSingleTask(t *testing.T) {
	f := newFixture(t, true)
	task := f.approvedTask(t, "Run now")
	s := scheduler.New(f.eng, pipelineFunc(completed), nil, scheduler.Config{}, quietLogger())

	_, err := s.ProcessSingleTask(f.ctx, task.ID, "other-project")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	res, err := s.ProcessSingleTask(f.ctx, task.ID, "proj-1")
	require.NoError(t, err)
	assert.True(t, res.Completed())
	assert.Equal(t, domain.TaskCompleted, f.status(t, task.ID).Status)

	res, err = s.ProcessSingleTask(f.ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusFailed, res.Status)
}
