// Package assign picks an agent for a task. Selection is deterministic and
// has no side effects; callers persist the resulting assignment.
package assign

import (
	"errors"
	"fmt"

	"foreman/internal/domain"
)

var ErrNoAgentsAvailable = errors.New("no agents available")

// NoAgentsError reports an empty candidate pool.
type NoAgentsError struct {
	ProjectID string
}

func (e NoAgentsError) Error() string {
	if e.ProjectID != "" {
		return fmt.Sprintf("no online agents allowed for project %s", e.ProjectID)
	}
	return "no online agents available"
}

func (e NoAgentsError) Is(target error) bool {
	return target == ErrNoAgentsAvailable
}

var preferredSkills = map[string][]string{
	domain.TypeCodeGeneration: {"generate_code", "code"},
	domain.TypeCodeReview:     {"review_code", "review"},
	domain.TypeBugFix:         {"fix_bugs", "debug", "generate_code"},
	domain.TypeRefactor:       {"refactor", "generate_code"},
	domain.TypeTestGeneration: {"generate_tests", "testing"},
	domain.TypeDocumentation:  {"write_docs", "documentation"},
	domain.TypeSecurityAudit:  {"security_audit", "security", "review_code"},
}

// PreferredSkills returns the ordered skill tags for a task type.
// Unknown types have no preference.
func PreferredSkills(taskType string) []string {
	skills := preferredSkills[taskType]
	out := make([]string, len(skills))
	copy(out, skills)
	return out
}

// Request carries everything Select needs. Agents must already be in pool
// order (registration order).
type Request struct {
	TaskType  string
	ProjectID string
	Agents    []domain.Agent
	Allowlist []string
}

// Candidates filters to online agents, narrowed by a non-empty allowlist.
// An empty allowlist means the project has not configured one yet.
func Candidates(req Request) []domain.Agent {
	allowed := map[string]struct{}{}
	if req.ProjectID != "" {
		for _, id := range req.Allowlist {
			allowed[id] = struct{}{}
		}
	}
	var pool []domain.Agent
	for _, a := range req.Agents {
		if a.Status != domain.AgentOnline {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[a.ID]; !ok {
				continue
			}
		}
		pool = append(pool, a)
	}
	return pool
}

// Select walks the preferred skills in order and returns the first candidate
// holding one. Without a skill match it returns the first candidate.
func Select(req Request) (domain.Agent, error) {
	pool := Candidates(req)
	if len(pool) == 0 {
		return domain.Agent{}, NoAgentsError{ProjectID: req.ProjectID}
	}
	for _, skill := range preferredSkills[req.TaskType] {
		for _, a := range pool {
			if a.HasSkill(skill) {
				return a, nil
			}
		}
	}
	return pool[0], nil
}
