package repo

import (
	"context"
	"database/sql"

	"foreman/internal/domain"
)

const subtaskColumns = `id,task_id,plan_id,title,description,priority,status,assignee_id,assigned_agent_id,draft_content,draft_generated_at,draft_agent_id,draft_version,final_content,finalized_at,finalized_by,risk_flags_json,error,created_at,updated_at`

func scanSubtask(row rowScanner) (domain.Subtask, error) {
	var s domain.Subtask
	var description, assignee, agentID, draft, draftAt, draftAgent, final, finalizedAt, finalizedBy, flags, errMsg sql.NullString
	err := row.Scan(&s.ID, &s.TaskID, &s.PlanID, &s.Title, &description, &s.Priority, &s.Status, &assignee, &agentID,
		&draft, &draftAt, &draftAgent, &s.DraftVersion, &final, &finalizedAt, &finalizedBy, &flags, &errMsg, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Description = description.String
	s.DraftContent = draft.String
	s.FinalContent = final.String
	s.Error = errMsg.String
	s.AssigneeID = ptrFromNull(assignee)
	s.AssignedAgentID = ptrFromNull(agentID)
	s.DraftGeneratedAt = ptrFromNull(draftAt)
	s.DraftAgentID = ptrFromNull(draftAgent)
	s.FinalizedAt = ptrFromNull(finalizedAt)
	s.FinalizedBy = ptrFromNull(finalizedBy)
	s.RiskFlags, err = decodeStrings(flags)
	return s, err
}

// InsertSubtask stores a subtask at the given position within its plan.
func (r Repo) InsertSubtask(ctx context.Context, tx *sql.Tx, s domain.Subtask, position int) error {
	flags, err := encodeStrings(s.RiskFlags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO subtasks(`+subtaskColumns+`,position) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.PlanID, s.Title, nullable(s.Description), s.Priority, s.Status, nullableStringPtr(s.AssigneeID),
		nullableStringPtr(s.AssignedAgentID), nullable(s.DraftContent), nullableStringPtr(s.DraftGeneratedAt), nullableStringPtr(s.DraftAgentID),
		s.DraftVersion, nullable(s.FinalContent), nullableStringPtr(s.FinalizedAt), nullableStringPtr(s.FinalizedBy), flags, nullable(s.Error),
		s.CreatedAt, s.UpdatedAt, position)
	return err
}

func (r Repo) UpdateSubtask(ctx context.Context, tx *sql.Tx, s domain.Subtask) error {
	flags, err := encodeStrings(s.RiskFlags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE subtasks SET title=?, description=?, priority=?, status=?, assignee_id=?, assigned_agent_id=?, draft_content=?, draft_generated_at=?, draft_agent_id=?, draft_version=?, final_content=?, finalized_at=?, finalized_by=?, risk_flags_json=?, error=?, updated_at=? WHERE id=?`,
		s.Title, nullable(s.Description), s.Priority, s.Status, nullableStringPtr(s.AssigneeID), nullableStringPtr(s.AssignedAgentID),
		nullable(s.DraftContent), nullableStringPtr(s.DraftGeneratedAt), nullableStringPtr(s.DraftAgentID), s.DraftVersion,
		nullable(s.FinalContent), nullableStringPtr(s.FinalizedAt), nullableStringPtr(s.FinalizedBy), flags, nullable(s.Error), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (r Repo) GetSubtask(ctx context.Context, id string) (domain.Subtask, error) {
	return r.GetSubtaskTx(ctx, r.DB, id)
}

func (r Repo) GetSubtaskTx(ctx context.Context, q Querier, id string) (domain.Subtask, error) {
	return scanSubtask(q.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id=?`, id))
}

// CountPlanSubtasks reports how many subtasks were materialized from a plan.
func (r Repo) CountPlanSubtasks(ctx context.Context, q Querier, planID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM subtasks WHERE plan_id=?`, planID).Scan(&n)
	return n, err
}

type SubtaskFilters struct {
	TaskID string
	PlanID string
	Status string
}

func (r Repo) ListSubtasks(ctx context.Context, f SubtaskFilters) ([]domain.Subtask, error) {
	return r.ListSubtasksTx(ctx, r.DB, f)
}

func (r Repo) ListSubtasksTx(ctx context.Context, q Querier, f SubtaskFilters) ([]domain.Subtask, error) {
	query := `SELECT ` + subtaskColumns + ` FROM subtasks WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.PlanID != "" {
		query += ` AND plan_id=?`
		args = append(args, f.PlanID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY plan_id, position, rowid`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
