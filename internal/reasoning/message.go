package reasoning

import (
	"fmt"
	"strings"

	"foreman/internal/events"
)

// Message prefers the payload's "message", then "summary", then a
// kind-specific phrase.
func Message(evt events.Event) string {
	for _, key := range []string{"message", "summary"} {
		if s := payloadString(evt.Payload, key); s != "" {
			return s
		}
	}
	p := evt.Payload
	switch evt.Kind {
	case events.TaskCreated:
		return withDetail("Task created", payloadString(p, "title"))
	case events.TaskAssigned:
		return withDetail("Task assigned to agent", payloadString(p, "agent_id"))
	case events.TaskStarted:
		return "Task execution started"
	case events.TaskProgress:
		if v, ok := p["progress"].(float64); ok {
			return fmt.Sprintf("Progress updated to %.0f%%", v*100)
		}
		return "Progress updated"
	case events.TaskCompleted:
		return "Task completed"
	case events.TaskFailed:
		return withDetail("Task failed", payloadString(p, "error"))
	case events.TaskCancelled:
		return "Task cancelled"
	case events.TaskRetried:
		return "Task queued for retry"
	case events.PlanCreated:
		switch v := p["version"].(type) {
		case int:
			return fmt.Sprintf("Plan v%d drafted", v)
		case float64:
			return fmt.Sprintf("Plan v%.0f drafted", v)
		}
		return "Plan drafted"
	case events.PlanSubmitted:
		return "Plan submitted for PM approval"
	case events.PlanApproved:
		return withDetail("Plan approved by", payloadString(p, "approved_by"))
	case events.PlanRejected:
		return withDetail("Plan rejected", payloadString(p, "reason"))
	case events.SubtaskCreated:
		return withDetail("Subtask created", payloadString(p, "title"))
	case events.SubtaskDispatched:
		return withDetail("Subtask dispatched to agent", payloadString(p, "agent_id"))
	case events.SubtaskDraftGenerated:
		return "Subtask draft generated"
	case events.SubtaskFailed:
		return withDetail("Subtask failed", payloadString(p, "error"))
	case events.SubtaskReviewRequested:
		return "Subtask submitted for review"
	case events.SubtaskApproved:
		return "Subtask approved"
	case events.SubtaskRejected:
		return withDetail("Subtask rejected", payloadString(p, "reason"))
	case events.SubtaskFinalized:
		return "Subtask finalized"
	}
	return strings.ReplaceAll(string(evt.Kind), ".", " ")
}

// Status maps an event to running, success, error or info. A payload
// "status" naming one of those wins.
func Status(evt events.Event) string {
	switch s := payloadString(evt.Payload, "status"); s {
	case StatusRunning, StatusSuccess, StatusError, StatusInfo:
		return s
	}
	switch evt.Kind {
	case events.TaskAssigned, events.TaskStarted, events.TaskProgress, events.SubtaskDispatched:
		return StatusRunning
	case events.TaskCompleted, events.PlanApproved, events.SubtaskDraftGenerated, events.SubtaskApproved, events.SubtaskFinalized:
		return StatusSuccess
	case events.TaskFailed, events.SubtaskFailed:
		return StatusError
	}
	return StatusInfo
}

func payloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return strings.TrimSpace(s)
}

func withDetail(base, detail string) string {
	if detail == "" {
		return base
	}
	if strings.HasSuffix(base, " by") || strings.HasSuffix(base, " agent") {
		return base + " " + detail
	}
	return base + ": " + detail
}
