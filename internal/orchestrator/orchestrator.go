// Package orchestrator runs the gather, generate, persist pipeline that turns
// a task into a plan and a plan's subtasks into agent drafts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/events"
	"foreman/internal/invoker"
	"foreman/internal/repo"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result is the outcome of one pipeline run. Errors are reported here rather
// than returned.
type Result struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (r Result) Completed() bool { return r.Status == StatusCompleted }

func failed(format string, args ...any) Result {
	return Result{Status: StatusFailed, Error: fmt.Sprintf(format, args...)}
}

type Orchestrator struct {
	Engine  engine.Engine
	Invoker invoker.Invoker
	VCS     VCSProvider
	// Docs holds static documentation per project id.
	Docs          map[string]string
	OpenTaskLimit int
	Logger        *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) openTaskLimit() int {
	if o.OpenTaskLimit > 0 {
		return o.OpenTaskLimit
	}
	return 20
}

func (o *Orchestrator) publish(ctx context.Context, evt events.Event) {
	if o.Engine.Events != nil {
		o.Engine.Events.Publish(ctx, evt)
	}
}

const planSystemPrompt = `You are a planning agent. Break the task into ordered subtasks.
Reply with one JSON object: {"plan": [{"title": "...", "description": "...", "agent_type": "...", "priority": 1, "risk_flags": []}], "rationale": "...", "risk_flags": []}.`

const draftSystemPrompt = `You are an implementation agent. Produce a draft for the subtask.
Reply with one JSON object: {"draft": "...", "summary": "...", "risk_flags": []}.`

func agentActor(a domain.Agent) string { return "agent:" + a.ID }

// generate calls the agent and checks that every required key is present.
func (o *Orchestrator) generate(ctx context.Context, agent domain.Agent, system, user string, required ...string) (map[string]any, error) {
	if o.Invoker == nil {
		return nil, errors.New("no agent invoker configured")
	}
	out, err := o.Invoker.InvokeJSON(ctx, agent, system, user)
	if err != nil {
		return nil, err
	}
	for _, key := range required {
		if _, ok := out[key]; !ok {
			return nil, fmt.Errorf("%w: missing %q", invoker.ErrBadResponse, key)
		}
	}
	return out, nil
}

// stillActive is the advisory cancellation check made before persisting.
func (o *Orchestrator) stillActive(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dispatch cancelled: %w", err)
	}
	t, err := o.Engine.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status == domain.TaskCancelled {
		return errors.New("task was cancelled")
	}
	return nil
}

// GeneratePlan asks an agent for a plan and stores it as the task's next
// plan version. Nothing is stored when the agent fails.
func (o *Orchestrator) GeneratePlan(ctx context.Context, task domain.Task, submit bool) Result {
	log := o.logger().With("task_id", task.ID)
	agent, err := o.planner(ctx, task)
	if err != nil {
		return failed("select planning agent: %v", err)
	}
	bundle := o.GatherContext(ctx, task)
	out, err := o.generate(ctx, agent, planSystemPrompt, bundle.Summary(), "plan")
	if err != nil {
		log.Warn("orchestrator: plan generation failed", "agent_id", agent.ID, "err", err)
		return failed("generate plan: %v", err)
	}
	items, err := parsePlanItems(out["plan"])
	if err != nil {
		return failed("generate plan: %v", err)
	}
	if err := o.stillActive(ctx, task.ID); err != nil {
		return failed("%v", err)
	}
	p, err := o.Engine.CreatePlan(ctx, engine.PlanCreateOptions{
		TaskID:    task.ID,
		Items:     items,
		Rationale: stringField(out, "rationale"),
		ActorID:   agentActor(agent),
		Submit:    submit,
	})
	if err != nil {
		return failed("persist plan: %v", err)
	}
	o.recordRisks(ctx, task, "", stringList(out["risk_flags"]), agent)
	return Result{Status: StatusCompleted, Output: map[string]any{
		"plan_id": p.ID,
		"version": p.Version,
		"status":  p.Status,
		"items":   len(p.Items),
	}}
}

func (o *Orchestrator) planner(ctx context.Context, task domain.Task) (domain.Agent, error) {
	if task.AssignedAgentID != nil {
		return o.Engine.Repo.GetAgent(ctx, *task.AssignedAgentID)
	}
	return o.Engine.SelectAgent(ctx, task.Type, task.ProjectID)
}

// DraftSubtask sends one subtask to its assigned agent. Success stores a new
// draft; failure marks the subtask failed.
func (o *Orchestrator) DraftSubtask(ctx context.Context, subtaskID string) Result {
	s, err := o.Engine.DispatchSubtask(ctx, subtaskID, "system")
	if err != nil {
		return failed("dispatch subtask %s: %v", subtaskID, err)
	}
	return o.Draft(ctx, s)
}

// Draft runs the agent for a subtask that was already dispatched.
func (o *Orchestrator) Draft(ctx context.Context, s domain.Subtask) Result {
	if s.AssignedAgentID == nil {
		return failed("subtask %s has no assigned agent", s.ID)
	}
	agent, err := o.Engine.Repo.GetAgent(ctx, *s.AssignedAgentID)
	if err != nil {
		return failed("load agent: %v", err)
	}
	task, err := o.Engine.Repo.GetTask(ctx, s.TaskID)
	if err != nil {
		return failed("load task: %v", err)
	}
	bundle := o.GatherContext(ctx, task)
	prompt := fmt.Sprintf("%s\n## Subtask\n%s\n%s\n", bundle.Summary(), s.Title, s.Description)
	if s.DraftContent != "" {
		prompt += "\n## Previous draft\n" + s.DraftContent + "\n"
	}
	out, err := o.generate(ctx, agent, draftSystemPrompt, prompt)
	if err == nil {
		if draftText(out) == "" {
			err = fmt.Errorf("%w: missing %q", invoker.ErrBadResponse, "draft")
		}
	}
	if err == nil {
		err = o.stillActive(ctx, task.ID)
	}
	if err != nil {
		o.logger().Warn("orchestrator: subtask draft failed", "subtask_id", s.ID, "agent_id", agent.ID, "err", err)
		if _, ferr := o.Engine.FailSubtask(context.WithoutCancel(ctx), s.ID, err.Error(), agentActor(agent)); ferr != nil && !engine.IsInvalidTransition(ferr) {
			o.logger().Error("orchestrator: mark subtask failed", "subtask_id", s.ID, "err", ferr)
		}
		return failed("draft subtask %s: %v", s.ID, err)
	}
	flags := stringList(out["risk_flags"])
	s, err = o.Engine.RecordSubtaskDraft(ctx, engine.DraftOptions{
		SubtaskID: s.ID,
		Content:   draftText(out),
		AgentID:   agent.ID,
		RiskFlags: flags,
		Summary:   stringField(out, "summary"),
		ActorID:   agentActor(agent),
	})
	if err != nil {
		return failed("persist draft: %v", err)
	}
	o.recordRisks(ctx, task, s.ID, flags, agent)
	return Result{Status: StatusCompleted, Output: map[string]any{
		"subtask_id":    s.ID,
		"draft_version": s.DraftVersion,
		"agent_id":      agent.ID,
	}}
}

// ExecuteTask drafts every subtask of the approved plan that still needs a
// draft. It completes only when all of them succeed.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task domain.Task, plan domain.Plan) Result {
	subtasks, err := o.Engine.MaterializeSubtasks(ctx, plan.ID, "system")
	if err != nil {
		return failed("materialize subtasks: %v", err)
	}
	var drafted, skipped int
	var failures []string
	for _, s := range subtasks {
		if err := ctx.Err(); err != nil {
			return failed("dispatch cancelled: %v", err)
		}
		if s.Status != domain.SubtaskPending && s.Status != domain.SubtaskFailed {
			skipped++
			continue
		}
		if s.AssignedAgentID == nil {
			agentID := ""
			if task.AssignedAgentID != nil {
				agentID = *task.AssignedAgentID
			}
			if _, err := o.Engine.AssignSubtask(ctx, s.ID, agentID, "system"); err != nil {
				failures = append(failures, fmt.Sprintf("%s: assign: %v", s.Title, err))
				continue
			}
		}
		res := o.DraftSubtask(ctx, s.ID)
		if !res.Completed() {
			failures = append(failures, fmt.Sprintf("%s: %s", s.Title, res.Error))
			continue
		}
		drafted++
	}
	output := map[string]any{
		"plan_id":  plan.ID,
		"subtasks": len(subtasks),
		"drafted":  drafted,
		"skipped":  skipped,
	}
	if len(failures) > 0 {
		return Result{Status: StatusFailed, Output: output, Error: strings.Join(failures, "; ")}
	}
	output["summary"] = fmt.Sprintf("%d of %d subtasks drafted", drafted, len(subtasks))
	return Result{Status: StatusCompleted, Output: output}
}

func (o *Orchestrator) recordRisks(ctx context.Context, task domain.Task, subtaskID string, flags []string, agent domain.Agent) {
	if task.ProjectID == "" {
		return
	}
	for _, flag := range flags {
		_, err := o.Engine.CreateRiskSignal(ctx, engine.RiskCreateOptions{
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			SubtaskID: subtaskID,
			Source:    "agent",
			Title:     flag,
			ActorID:   agentActor(agent),
		})
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			o.logger().Warn("orchestrator: record risk flag", "task_id", task.ID, "flag", flag, "err", err)
		}
	}
}

func parsePlanItems(v any) ([]domain.PlanItem, error) {
	raw, ok := v.([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: plan must be a non-empty list", invoker.ErrBadResponse)
	}
	items := make([]domain.PlanItem, 0, len(raw))
	for i, entry := range raw {
		switch x := entry.(type) {
		case string:
			items = append(items, domain.PlanItem{Title: x, Priority: i + 1})
		case map[string]any:
			it := domain.PlanItem{
				Title:       stringField(x, "title"),
				Description: stringField(x, "description"),
				AgentType:   stringField(x, "agent_type"),
				RiskFlags:   stringList(x["risk_flags"]),
				Priority:    i + 1,
			}
			if p, ok := x["priority"].(float64); ok {
				it.Priority = int(p)
			}
			if it.Title == "" {
				return nil, fmt.Errorf("%w: plan item %d has no title", invoker.ErrBadResponse, i)
			}
			items = append(items, it)
		default:
			return nil, fmt.Errorf("%w: plan item %d is not an object", invoker.ErrBadResponse, i)
		}
	}
	return items, nil
}

func draftText(out map[string]any) string {
	for _, key := range []string{"draft", "draft_content", "content"} {
		if s := stringField(out, key); s != "" {
			return s
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func stringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, x := range raw {
		if s, ok := x.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
