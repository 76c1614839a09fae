package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/repo"
)

// VCSProvider returns a snapshot of a project's repository state.
type VCSProvider interface {
	Snapshot(ctx context.Context, projectID string) (map[string]any, error)
}

// GitCLI reads recent history and working-tree status with the git binary.
// Repos maps project ids to checkout directories.
type GitCLI struct {
	Repos   map[string]string
	Commits int
	Timeout time.Duration
}

func (g GitCLI) Snapshot(ctx context.Context, projectID string) (map[string]any, error) {
	dir, ok := g.Repos[projectID]
	if !ok || dir == "" {
		return nil, nil
	}
	n := g.Commits
	if n <= 0 {
		n = 10
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	log, err := exec.CommandContext(ctx, "git", "-C", dir, "log", "--oneline", fmt.Sprintf("-n%d", n)).Output()
	if err != nil {
		return nil, fmt.Errorf("git log in %s: %w", dir, err)
	}
	status, err := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain").Output()
	if err != nil {
		return nil, fmt.Errorf("git status in %s: %w", dir, err)
	}
	branch, _ := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD").Output()
	return map[string]any{
		"branch":         strings.TrimSpace(string(branch)),
		"recent_commits": splitLines(string(log)),
		"changed_files":  splitLines(string(status)),
	}, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Bundle is everything an agent is told about a task's surroundings. Missing
// inputs leave their section empty.
type Bundle struct {
	Task      domain.Task            `json:"task"`
	Project   *domain.Project        `json:"project,omitempty"`
	Docs      string                 `json:"docs,omitempty"`
	Team      []domain.ProjectMember `json:"team"`
	OpenTasks []domain.Task          `json:"open_tasks"`
	Risks     []domain.RiskSignal    `json:"risks"`
	VCS       map[string]any         `json:"vcs,omitempty"`
}

// GatherContext never fails; lookups that error are logged and skipped.
func (o *Orchestrator) GatherContext(ctx context.Context, task domain.Task) Bundle {
	b := Bundle{Task: task, Team: []domain.ProjectMember{}, OpenTasks: []domain.Task{}, Risks: []domain.RiskSignal{}}
	if task.ProjectID == "" {
		return b
	}
	r := o.Engine.Repo
	log := o.logger().With("task_id", task.ID, "project_id", task.ProjectID)
	if p, err := r.GetProject(ctx, task.ProjectID); err == nil {
		b.Project = &p
	} else {
		log.Warn("orchestrator: project lookup failed", "err", err)
	}
	b.Docs = o.Docs[task.ProjectID]
	if members, err := r.ListMembers(ctx, task.ProjectID); err == nil && members != nil {
		b.Team = members
	} else if err != nil {
		log.Warn("orchestrator: team lookup failed", "err", err)
	}
	if open, err := r.OpenTasks(ctx, task.ProjectID, o.openTaskLimit()); err == nil {
		for _, t := range open {
			if t.ID != task.ID {
				b.OpenTasks = append(b.OpenTasks, t)
			}
		}
	} else {
		log.Warn("orchestrator: open tasks lookup failed", "err", err)
	}
	if risks, err := r.ListRisks(ctx, repo.RiskFilters{ProjectID: task.ProjectID, OpenOnly: true, Limit: 20}); err == nil && risks != nil {
		b.Risks = risks
	} else if err != nil {
		log.Warn("orchestrator: risk lookup failed", "err", err)
	}
	if o.VCS != nil {
		b.VCS = o.snapshot(ctx, task)
	}
	return b
}

func (o *Orchestrator) snapshot(ctx context.Context, task domain.Task) map[string]any {
	evt := events.Event{TaskID: task.ID, ProjectID: task.ProjectID, Source: "system"}
	evt.Kind = events.GithubSyncStarted
	o.publish(ctx, evt)
	snap, err := o.VCS.Snapshot(ctx, task.ProjectID)
	if err != nil {
		o.logger().Warn("orchestrator: vcs snapshot failed", "project_id", task.ProjectID, "err", err)
		evt.Kind = events.GithubSyncFailed
		evt.Payload = map[string]any{"error": err.Error()}
		o.publish(ctx, evt)
		return nil
	}
	evt.Kind = events.GithubSyncCompleted
	o.publish(ctx, evt)
	return snap
}

// Summary renders the bundle as prompt text.
func (b Bundle) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Task\n%s (%s)\n", b.Task.Title, b.Task.Type)
	if b.Task.Description != "" {
		fmt.Fprintf(&sb, "%s\n", b.Task.Description)
	}
	if len(b.Task.InputData) > 0 {
		fmt.Fprintf(&sb, "Input: %s\n", string(b.Task.InputData))
	}
	if b.Project != nil {
		fmt.Fprintf(&sb, "\n## Project\n%s", b.Project.Name)
		if b.Project.Description != "" {
			fmt.Fprintf(&sb, ": %s", b.Project.Description)
		}
		sb.WriteString("\n")
	}
	if b.Docs != "" {
		fmt.Fprintf(&sb, "\n## Documentation\n%s\n", strings.TrimSpace(b.Docs))
	}
	if len(b.Team) > 0 {
		sb.WriteString("\n## Team\n")
		for _, m := range b.Team {
			fmt.Fprintf(&sb, "- %s (%s)\n", m.ActorID, m.Role)
		}
	}
	if len(b.OpenTasks) > 0 {
		sb.WriteString("\n## Other open tasks\n")
		for _, t := range b.OpenTasks {
			fmt.Fprintf(&sb, "- [%s] %s\n", t.Status, t.Title)
		}
	}
	if len(b.Risks) > 0 {
		sb.WriteString("\n## Open risks\n")
		for _, r := range b.Risks {
			fmt.Fprintf(&sb, "- (%s) %s\n", r.Severity, r.Title)
		}
	}
	if len(b.VCS) > 0 {
		sb.WriteString("\n## Repository\n")
		if branch, _ := b.VCS["branch"].(string); branch != "" {
			fmt.Fprintf(&sb, "Branch: %s\n", branch)
		}
		if commits, ok := b.VCS["recent_commits"].([]string); ok {
			for _, c := range commits {
				fmt.Fprintf(&sb, "- %s\n", c)
			}
		}
	}
	return sb.String()
}
