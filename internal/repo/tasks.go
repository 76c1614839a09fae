package repo

import (
	"context"
	"database/sql"
	"strings"

	"foreman/internal/domain"
)

const taskColumns = `id,project_id,title,description,task_type,status,progress,assigned_agent_id,created_by,input_json,result_json,error,created_at,updated_at,assigned_at,started_at,completed_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var projectID, description, agentID, input, result, errMsg, assignedAt, startedAt, completedAt sql.NullString
	err := row.Scan(&t.ID, &projectID, &t.Title, &description, &t.Type, &t.Status, &t.Progress, &agentID, &t.CreatedBy,
		&input, &result, &errMsg, &t.CreatedAt, &t.UpdatedAt, &assignedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ProjectID = projectID.String
	t.Description = description.String
	t.Error = errMsg.String
	t.AssignedAgentID = ptrFromNull(agentID)
	t.InputData = rawFromNull(input)
	t.Result = rawFromNull(result)
	t.AssignedAt = ptrFromNull(assignedAt)
	t.StartedAt = ptrFromNull(startedAt)
	t.CompletedAt = ptrFromNull(completedAt)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullable(t.ProjectID), t.Title, nullable(t.Description), t.Type, t.Status, t.Progress, nullableStringPtr(t.AssignedAgentID),
		t.CreatedBy, nullableRaw(t.InputData), nullableRaw(t.Result), nullable(t.Error), t.CreatedAt, t.UpdatedAt,
		nullableStringPtr(t.AssignedAt), nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, task_type=?, status=?, progress=?, assigned_agent_id=?, input_json=?, result_json=?, error=?, updated_at=?, assigned_at=?, started_at=?, completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Type, t.Status, t.Progress, nullableStringPtr(t.AssignedAgentID),
		nullableRaw(t.InputData), nullableRaw(t.Result), nullable(t.Error), t.UpdatedAt,
		nullableStringPtr(t.AssignedAt), nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, q Querier, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ClaimTask moves a task to in_progress only while its status is still one of from.
// It reports false when another path already moved the task.
func (r Repo) ClaimTask(ctx context.Context, tx *sql.Tx, id, startedAt string, from ...string) (bool, error) {
	args := []any{startedAt, startedAt, id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='in_progress', started_at=?, updated_at=?, error=NULL
WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type TaskFilters struct {
	ProjectID       string
	Status          string
	Type            string
	AgentID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "task_type=?")
		args = append(args, f.Type)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "assigned_agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, query, args...)
}

// SchedulableTasks returns up to limit tasks in one of statuses that have an
// approved plan. Tasks waiting for dispatch come before in-flight ones.
func (r Repo) SchedulableTasks(ctx context.Context, limit int, statuses ...string) ([]domain.Task, error) {
	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, s)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
WHERE status IN (` + placeholders(len(statuses)) + `)
AND id IN (SELECT task_id FROM plans WHERE status='approved')
ORDER BY CASE WHEN status IN ('pending','assigned') THEN 0 ELSE 1 END, created_at, rowid`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryTasks(ctx, query, args...)
}

// OpenTasks lists non-terminal tasks of a project, oldest first.
func (r Repo) OpenTasks(ctx context.Context, projectID string, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id=? AND status IN ('pending','assigned','in_progress') ORDER BY created_at, rowid`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryTasks(ctx, query, args...)
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM tasks`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
