// Package tools exposes read and trigger operations as MCP tools so a coding
// assistant can follow tasks without the HTTP API.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"foreman/internal/engine"
	"foreman/internal/orchestrator"
	"foreman/internal/reasoning"
	"foreman/internal/repo"
)

// Trigger runs one task through the scheduler path.
type Trigger interface {
	ProcessSingleTask(ctx context.Context, taskID, projectID string) (orchestrator.Result, error)
}

type Deps struct {
	Engine  engine.Engine
	Trigger Trigger
}

type ListTasksArgs struct {
	ProjectID string `json:"project_id" jsonschema:"description=Only tasks of this project"`
	Status    string `json:"status" jsonschema:"enum=pending,enum=assigned,enum=in_progress,enum=completed,enum=failed,enum=cancelled,description=Only tasks in this status"`
	Limit     int    `json:"limit" jsonschema:"default=20,description=Maximum tasks returned"`
}

type TaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Task id"`
}

type ReasoningArgs struct {
	TaskID        string `json:"task_id" jsonschema:"required,description=Task id"`
	AfterSequence int64  `json:"after_sequence" jsonschema:"description=Return entries after this sequence"`
	Limit         int    `json:"limit" jsonschema:"default=100,description=Maximum entries returned"`
}

type TriggerArgs struct {
	TaskID    string `json:"task_id" jsonschema:"required,description=Task id"`
	ProjectID string `json:"project_id" jsonschema:"description=Expected project of the task"`
}

type ListPlansArgs struct {
	TaskID    string `json:"task_id" jsonschema:"description=Only plans of this task"`
	ProjectID string `json:"project_id" jsonschema:"description=Only plans of this project"`
	Status    string `json:"status" jsonschema:"enum=draft,enum=pending_pm_approval,enum=approved,enum=rejected"`
}

// Register adds every foreman tool to s.
func Register(s *server.MCPServer, d Deps) {
	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks newest first, optionally filtered by project and status."),
		mcp.WithInputSchema[ListTasksArgs](),
	), wrapListTasks(d))

	s.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Show one task with its latest plan and subtasks."),
		mcp.WithInputSchema[TaskArgs](),
	), wrapGetTask(d))

	s.AddTool(mcp.NewTool("reasoning_log",
		mcp.WithDescription("Read a task's reasoning log in sequence order. Pass after_sequence to continue from a previous call."),
		mcp.WithInputSchema[ReasoningArgs](),
	), wrapReasoning(d))

	s.AddTool(mcp.NewTool("list_plans",
		mcp.WithDescription("List plan versions with their status."),
		mcp.WithInputSchema[ListPlansArgs](),
	), wrapListPlans(d))

	if d.Trigger != nil {
		s.AddTool(mcp.NewTool("trigger_task",
			mcp.WithDescription("Dispatch one task now. The task needs an approved plan."),
			mcp.WithInputSchema[TriggerArgs](),
		), wrapTrigger(d))
	}
}

// NewServer returns an MCP server with the foreman tools registered.
func NewServer(version string, d Deps) *server.MCPServer {
	s := server.NewMCPServer("foreman", version, server.WithToolCapabilities(false))
	Register(s, d)
	return s
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func toolError(err error) *mcp.CallToolResult {
	if errors.Is(err, repo.ErrNotFound) {
		return mcp.NewToolResultError("not found: " + err.Error())
	}
	return mcp.NewToolResultError(err.Error())
}

func requireID(id string) *mcp.CallToolResult {
	if strings.TrimSpace(id) == "" {
		return mcp.NewToolResultError("task_id is required")
	}
	return nil
}

func wrapListTasks(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args ListTasksArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Limit <= 0 || args.Limit > 200 {
			args.Limit = 20
		}
		tasks, err := d.Engine.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: args.ProjectID, Status: args.Status, Limit: args.Limit})
		if err != nil {
			return toolError(err), nil
		}
		if len(tasks) == 0 {
			return mcp.NewToolResultText("no tasks"), nil
		}
		var sb strings.Builder
		for _, t := range tasks {
			agent := "-"
			if t.AssignedAgentID != nil {
				agent = *t.AssignedAgentID
			}
			fmt.Fprintf(&sb, "%s\t%s\t%.0f%%\t%s\t%s\n", t.ID, t.Status, t.Progress*100, agent, t.Title)
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func wrapGetTask(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args TaskArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if res := requireID(args.TaskID); res != nil {
			return res, nil
		}
		t, err := d.Engine.GetTask(ctx, args.TaskID)
		if err != nil {
			return toolError(err), nil
		}
		out := map[string]any{"task": t}
		plans, err := d.Engine.Repo.ListPlans(ctx, repo.PlanFilters{TaskID: t.ID})
		if err != nil {
			return toolError(err), nil
		}
		if len(plans) > 0 {
			latest := plans[0]
			for _, p := range plans[1:] {
				if p.Version > latest.Version {
					latest = p
				}
			}
			out["plan"] = latest
			subtasks, err := d.Engine.Repo.ListSubtasks(ctx, repo.SubtaskFilters{PlanID: latest.ID})
			if err != nil {
				return toolError(err), nil
			}
			out["subtasks"] = subtasks
		}
		return jsonResult(out)
	}
}

func wrapReasoning(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args ReasoningArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if res := requireID(args.TaskID); res != nil {
			return res, nil
		}
		page, err := reasoning.ListPage(ctx, d.Engine.Repo, args.TaskID, args.AfterSequence, args.Limit)
		if err != nil {
			return toolError(err), nil
		}
		var sb strings.Builder
		for _, e := range page.Items {
			fmt.Fprintf(&sb, "#%d [%s] %s: %s\n", e.Sequence, e.Status, e.EventType, e.Message)
		}
		if len(page.Items) == 0 {
			sb.WriteString("no new entries\n")
		}
		fmt.Fprintf(&sb, "last_sequence=%d has_more=%t\n", page.LastSequence, page.HasMore)
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func wrapListPlans(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args ListPlansArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		plans, err := d.Engine.Repo.ListPlans(ctx, repo.PlanFilters{TaskID: args.TaskID, ProjectID: args.ProjectID, Status: args.Status})
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(plans)
	}
}

func wrapTrigger(d Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args TriggerArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if res := requireID(args.TaskID); res != nil {
			return res, nil
		}
		res, err := d.Trigger.ProcessSingleTask(ctx, args.TaskID, args.ProjectID)
		if err != nil {
			return toolError(err), nil
		}
		if !res.Completed() {
			return mcp.NewToolResultError("task failed: " + res.Error), nil
		}
		return jsonResult(res)
	}
}
