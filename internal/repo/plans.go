package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"foreman/internal/domain"
)

const planColumns = `id,task_id,project_id,plan_json,rationale,version,status,approved_by,approved_at,rejection_reason,created_by,created_at,updated_at`

func scanPlan(row rowScanner) (domain.Plan, error) {
	var p domain.Plan
	var projectID, rationale, approvedBy, approvedAt, reason sql.NullString
	var planJSON string
	err := row.Scan(&p.ID, &p.TaskID, &projectID, &planJSON, &rationale, &p.Version, &p.Status, &approvedBy, &approvedAt, &reason,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if planJSON != "" {
		if err := json.Unmarshal([]byte(planJSON), &p.Items); err != nil {
			return p, fmt.Errorf("decode plan %s: %w", p.ID, err)
		}
	}
	if p.Items == nil {
		p.Items = []domain.PlanItem{}
	}
	p.ProjectID = projectID.String
	p.Rationale = rationale.String
	p.RejectionReason = reason.String
	p.ApprovedBy = ptrFromNull(approvedBy)
	p.ApprovedAt = ptrFromNull(approvedAt)
	return p, nil
}

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	items := p.Items
	if items == nil {
		items = []domain.PlanItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TaskID, nullable(p.ProjectID), string(data), nullable(p.Rationale), p.Version, p.Status,
		nullableStringPtr(p.ApprovedBy), nullableStringPtr(p.ApprovedAt), nullable(p.RejectionReason), p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdatePlanStatus writes the status-bearing columns of a plan.
func (r Repo) UpdatePlanStatus(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	res, err := tx.ExecContext(ctx, `UPDATE plans SET status=?, approved_by=?, approved_at=?, rejection_reason=?, updated_at=? WHERE id=?`,
		p.Status, nullableStringPtr(p.ApprovedBy), nullableStringPtr(p.ApprovedAt), nullable(p.RejectionReason), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	return r.GetPlanTx(ctx, r.DB, id)
}

func (r Repo) GetPlanTx(ctx context.Context, q Querier, id string) (domain.Plan, error) {
	return scanPlan(q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id))
}

// LatestPlan returns the highest version plan for the (task, project) pair.
func (r Repo) LatestPlan(ctx context.Context, q Querier, taskID, projectID string) (domain.Plan, error) {
	return scanPlan(q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE task_id=? AND COALESCE(project_id,'')=? ORDER BY version DESC LIMIT 1`,
		taskID, projectID))
}

// ApprovedPlan returns the task's approved plan, or ErrNotFound.
func (r Repo) ApprovedPlan(ctx context.Context, q Querier, taskID string) (domain.Plan, error) {
	return scanPlan(q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE task_id=? AND status='approved' ORDER BY version DESC LIMIT 1`, taskID))
}

func (r Repo) MaxPlanVersion(ctx context.Context, q Querier, taskID string) (int, error) {
	var v sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(version) FROM plans WHERE task_id=?`, taskID).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

type PlanFilters struct {
	TaskID    string
	ProjectID string
	Status    string
}

func (r Repo) ListPlans(ctx context.Context, f PlanFilters) ([]domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY task_id, version DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
