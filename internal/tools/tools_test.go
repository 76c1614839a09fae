package tools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/events"
	"foreman/internal/migrate"
	"foreman/internal/orchestrator"
	"foreman/internal/reasoning"
)

type fakeTrigger struct {
	calls []string
	res   orchestrator.Result
}

func (f *fakeTrigger) ProcessSingleTask(ctx context.Context, taskID, projectID string) (orchestrator.Result, error) {
	f.calls = append(f.calls, taskID)
	return f.res, nil
}

func setupEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	e := engine.New(conn, bus)
	p := &reasoning.Persister{Repo: e.Repo, Logger: logger}
	t.Cleanup(p.Attach(bus))
	return e
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	result, err := h(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return result, text.Text
}

func seedTask(t *testing.T, e engine.Engine) domain.Task {
	t.Helper()
	task, err := e.CreateTask(context.Background(), engine.TaskCreateOptions{
		Title:   "Write release notes",
		ActorID: "pm-user",
	})
	require.NoError(t, err)
	return task
}

func TestListTasks(t *testing.T) {
	e := setupEngine(t)
	task := seedTask(t, e)

	_, text := call(t, wrapListTasks(Deps{Engine: e}), "list_tasks", map[string]any{})
	assert.Contains(t, text, task.ID)
	assert.Contains(t, text, "pending")
	assert.Contains(t, text, "Write release notes")

	_, text = call(t, wrapListTasks(Deps{Engine: e}), "list_tasks", map[string]any{"status": "completed"})
	assert.Equal(t, "no tasks", text)
}

func TestGetTaskIncludesLatestPlan(t *testing.T) {
	e := setupEngine(t)
	task := seedTask(t, e)
	ctx := context.Background()
	_, err := e.CreatePlan(ctx, engine.PlanCreateOptions{TaskID: task.ID, Items: []domain.PlanItem{{Title: "draft"}}, ActorID: "pm-user"})
	require.NoError(t, err)
	second, err := e.CreatePlan(ctx, engine.PlanCreateOptions{TaskID: task.ID, Items: []domain.PlanItem{{Title: "draft again"}}, ActorID: "pm-user"})
	require.NoError(t, err)

	result, text := call(t, wrapGetTask(Deps{Engine: e}), "get_task", map[string]any{"task_id": task.ID})
	require.False(t, result.IsError, text)
	var out struct {
		Task domain.Task `json:"task"`
		Plan domain.Plan `json:"plan"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, task.ID, out.Task.ID)
	assert.Equal(t, second.ID, out.Plan.ID)
}

func TestGetTaskErrors(t *testing.T) {
	e := setupEngine(t)

	result, text := call(t, wrapGetTask(Deps{Engine: e}), "get_task", map[string]any{})
	assert.True(t, result.IsError)
	assert.Contains(t, text, "task_id is required")

	result, text = call(t, wrapGetTask(Deps{Engine: e}), "get_task", map[string]any{"task_id": "missing"})
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(text, "not found"), text)
}

func TestReasoningLogPages(t *testing.T) {
	e := setupEngine(t)
	task := seedTask(t, e)
	_, err := e.CancelTask(context.Background(), task.ID, "scope changed", "pm-user")
	require.NoError(t, err)

	_, text := call(t, wrapReasoning(Deps{Engine: e}), "reasoning_log", map[string]any{"task_id": task.ID, "limit": 1})
	assert.Contains(t, text, "#1 ")
	assert.Contains(t, text, "last_sequence=1 has_more=true")

	_, text = call(t, wrapReasoning(Deps{Engine: e}), "reasoning_log", map[string]any{"task_id": task.ID, "after_sequence": 1})
	assert.Contains(t, text, "#2 ")
	assert.Contains(t, text, "has_more=false")
}

func TestListPlansFiltersByStatus(t *testing.T) {
	e := setupEngine(t)
	task := seedTask(t, e)
	_, err := e.CreatePlan(context.Background(), engine.PlanCreateOptions{
		TaskID: task.ID, Items: []domain.PlanItem{{Title: "one"}}, ActorID: "pm-user", Submit: true,
	})
	require.NoError(t, err)

	_, text := call(t, wrapListPlans(Deps{Engine: e}), "list_plans", map[string]any{"task_id": task.ID, "status": "pending_pm_approval"})
	var plans []domain.Plan
	require.NoError(t, json.Unmarshal([]byte(text), &plans))
	require.Len(t, plans, 1)

	_, text = call(t, wrapListPlans(Deps{Engine: e}), "list_plans", map[string]any{"task_id": task.ID, "status": "approved"})
	require.NoError(t, json.Unmarshal([]byte(text), &plans))
	assert.Empty(t, plans)
}

func TestTriggerTask(t *testing.T) {
	e := setupEngine(t)
	trig := &fakeTrigger{res: orchestrator.Result{Status: orchestrator.StatusCompleted}}

	result, text := call(t, wrapTrigger(Deps{Engine: e, Trigger: trig}), "trigger_task", map[string]any{"task_id": "task-9"})
	require.False(t, result.IsError, text)
	assert.Equal(t, []string{"task-9"}, trig.calls)

	trig.res = orchestrator.Result{Status: orchestrator.StatusFailed, Error: "agent unreachable"}
	result, text = call(t, wrapTrigger(Deps{Engine: e, Trigger: trig}), "trigger_task", map[string]any{"task_id": "task-9"})
	assert.True(t, result.IsError)
	assert.Contains(t, text, "agent unreachable")
}

func TestNewServerRegistersTools(t *testing.T) {
	e := setupEngine(t)
	s := NewServer("test", Deps{Engine: e})
	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"list_tasks"`)
	assert.Contains(t, string(data), `"reasoning_log"`)
	assert.NotContains(t, string(data), `"trigger_task"`)
}
