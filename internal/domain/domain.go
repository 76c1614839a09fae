package domain

import "encoding/json"

// Task statuses.
const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// Task types with a known skill preference. Other values are accepted.
const (
	TypeCodeGeneration = "code_generation"
	TypeCodeReview     = "code_review"
	TypeBugFix         = "bug_fix"
	TypeRefactor       = "refactor"
	TypeTestGeneration = "test_generation"
	TypeDocumentation  = "documentation"
	TypeSecurityAudit  = "security_audit"
)

// Plan statuses.
const (
	PlanDraft             = "draft"
	PlanPendingPMApproval = "pending_pm_approval"
	PlanApproved          = "approved"
	PlanRejected          = "rejected"
)

// Subtask statuses.
const (
	SubtaskPending        = "pending"
	SubtaskDraftGenerated = "draft_generated"
	SubtaskInReview       = "in_review"
	SubtaskApproved       = "approved"
	SubtaskFinalized      = "finalized"
	SubtaskRejected       = "rejected"
	SubtaskFailed         = "failed"
)

// Agent statuses.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
	AgentBusy    = "busy"
	AgentError   = "error"
	AgentPending = "pending"
)

// Project roles.
const (
	RolePM     = "pm"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Risk severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ProjectMember struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"pm,admin,member"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id,omitempty"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Type            string          `json:"task_type"`
	Status          string          `json:"status" enum:"pending,assigned,in_progress,completed,failed,cancelled"`
	Progress        float64         `json:"progress"`
	AssignedAgentID *string         `json:"assigned_agent_id,omitempty"`
	CreatedBy       string          `json:"created_by"`
	InputData       json.RawMessage `json:"input_data,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
	AssignedAt      *string         `json:"assigned_at,omitempty" format:"date-time"`
	StartedAt       *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string         `json:"completed_at,omitempty" format:"date-time"`
}

// PlanItem is one proposed subtask inside a plan.
type PlanItem struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	AgentType   string   `json:"agent_type,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	RiskFlags   []string `json:"risk_flags,omitempty"`
}

type Plan struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	ProjectID       string     `json:"project_id,omitempty"`
	Items           []PlanItem `json:"plan_data"`
	Rationale       string     `json:"rationale,omitempty"`
	Version         int        `json:"version"`
	Status          string     `json:"status" enum:"draft,pending_pm_approval,approved,rejected"`
	ApprovedBy      *string    `json:"approved_by,omitempty"`
	ApprovedAt      *string    `json:"approved_at,omitempty" format:"date-time"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
}

type Subtask struct {
	ID               string   `json:"id"`
	TaskID           string   `json:"task_id"`
	PlanID           string   `json:"plan_id"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         int      `json:"priority"`
	Status           string   `json:"status" enum:"pending,draft_generated,in_review,approved,finalized,rejected,failed"`
	AssigneeID       *string  `json:"assignee_id,omitempty"`
	AssignedAgentID  *string  `json:"assigned_agent_id,omitempty"`
	DraftContent     string   `json:"draft_content,omitempty"`
	DraftGeneratedAt *string  `json:"draft_generated_at,omitempty" format:"date-time"`
	DraftAgentID     *string  `json:"draft_agent_id,omitempty"`
	DraftVersion     int      `json:"draft_version"`
	FinalContent     string   `json:"final_content,omitempty"`
	FinalizedAt      *string  `json:"finalized_at,omitempty" format:"date-time"`
	FinalizedBy      *string  `json:"finalized_by,omitempty"`
	RiskFlags        []string `json:"risk_flags,omitempty"`
	Error            string   `json:"error,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type Agent struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Model     string         `json:"model,omitempty"`
	Status    string         `json:"status" enum:"online,offline,busy,error,pending"`
	Skills    []string       `json:"skills"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

// HasSkill reports whether the agent advertises skill.
func (a Agent) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

type RiskSignal struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	TaskID     *string `json:"task_id,omitempty"`
	SubtaskID  *string `json:"subtask_id,omitempty"`
	Severity   string  `json:"severity" enum:"low,medium,high,critical"`
	Source     string  `json:"source"`
	Title      string  `json:"title"`
	Detail     string  `json:"detail,omitempty"`
	Resolved   bool    `json:"resolved"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

type ReasoningLogEntry struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	SubtaskID *string         `json:"subtask_id,omitempty"`
	EventType string          `json:"event_type"`
	Message   string          `json:"message"`
	Status    string          `json:"status" enum:"running,success,error,info"`
	Sequence  int64           `json:"sequence"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    string          `json:"source"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

// AuditRecord is a row of the append-only audit log.
type AuditRecord struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
