package server

import (
	"foreman/internal/domain"
	"foreman/internal/engine"
)

// Request payloads

type DevLoginRequest struct {
	ActorID    string   `json:"actor_id"`
	Roles      []string `json:"roles,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty" minimum:"0"`
}

type RegisterAgentRequest struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Model     string         `json:"model,omitempty"`
	Status    string         `json:"status,omitempty" enum:"online,offline,busy,error,pending"`
	Skills    []string       `json:"skills,omitempty"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type CreateProjectRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type SetMemberRequest struct {
	Role string `json:"role" enum:"pm,admin,member"`
}

type CreateTaskRequest struct {
	ID          string         `json:"id,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"task_type,omitempty"`
	InputData   map[string]any `json:"input_data,omitempty"`
}

type AssignRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

type ProgressRequest struct {
	Progress float64 `json:"progress" minimum:"0"`
	Message  string  `json:"message,omitempty"`
}

type CompleteTaskRequest struct {
	Result map[string]any `json:"result,omitempty"`
}

type FailTaskRequest struct {
	Error string `json:"error"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreatePlanRequest struct {
	Items     []domain.PlanItem `json:"plan_data"`
	Rationale string            `json:"rationale,omitempty"`
	Submit    bool              `json:"submit,omitempty"`
}

type GeneratePlanRequest struct {
	Submit bool `json:"submit,omitempty"`
}

type FinalizeRequest struct {
	FinalContent string `json:"final_content"`
}

type CreateRiskRequest struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id,omitempty"`
	SubtaskID string `json:"subtask_id,omitempty"`
	Severity  string `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Title     string `json:"title"`
	Detail    string `json:"detail,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type ProjectStatusResponse struct {
	Project    domain.Project `json:"project"`
	TaskCounts map[string]int `json:"task_counts"`
	OpenRisks  int            `json:"open_risks"`
}

type ApprovalResponse struct {
	Plan     domain.Plan      `json:"plan"`
	Subtasks []domain.Subtask `json:"subtasks"`
	Created  bool             `json:"created"`
}

func approvalResponse(r engine.ApprovalResult) ApprovalResponse {
	return ApprovalResponse{Plan: r.Plan, Subtasks: nonNilSlice(r.Subtasks), Created: r.Created}
}

// AcceptedResponse acknowledges work queued on the worker pool.
type AcceptedResponse struct {
	Status string `json:"status" enum:"queued"`
	TaskID string `json:"task_id"`
	ID     string `json:"id,omitempty"`
}
