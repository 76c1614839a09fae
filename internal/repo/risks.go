package repo

import (
	"context"
	"database/sql"

	"foreman/internal/domain"
)

const riskColumns = `id,project_id,task_id,subtask_id,severity,source,title,detail,resolved,created_at,resolved_at`

func scanRisk(row rowScanner) (domain.RiskSignal, error) {
	var rs domain.RiskSignal
	var taskID, subtaskID, detail, resolvedAt sql.NullString
	err := row.Scan(&rs.ID, &rs.ProjectID, &taskID, &subtaskID, &rs.Severity, &rs.Source, &rs.Title, &detail, &rs.Resolved, &rs.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return rs, ErrNotFound
	}
	if err != nil {
		return rs, err
	}
	rs.TaskID = ptrFromNull(taskID)
	rs.SubtaskID = ptrFromNull(subtaskID)
	rs.Detail = detail.String
	rs.ResolvedAt = ptrFromNull(resolvedAt)
	return rs, nil
}

func (r Repo) InsertRisk(ctx context.Context, tx *sql.Tx, rs domain.RiskSignal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO risk_signals(`+riskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rs.ID, rs.ProjectID, nullableStringPtr(rs.TaskID), nullableStringPtr(rs.SubtaskID), rs.Severity, rs.Source, rs.Title,
		nullable(rs.Detail), rs.Resolved, rs.CreatedAt, nullableStringPtr(rs.ResolvedAt))
	return err
}

func (r Repo) ResolveRisk(ctx context.Context, tx *sql.Tx, id, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE risk_signals SET resolved=1, resolved_at=? WHERE id=? AND resolved=0`, at, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (r Repo) GetRisk(ctx context.Context, q Querier, id string) (domain.RiskSignal, error) {
	return scanRisk(q.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM risk_signals WHERE id=?`, id))
}

type RiskFilters struct {
	ProjectID   string
	TaskID      string
	OpenOnly    bool
	MinSeverity string
	Limit       int
}

var severityRank = map[string]int{"low": 0, "medium": 1, "high": 2, "critical": 3}

func (r Repo) ListRisks(ctx context.Context, f RiskFilters) ([]domain.RiskSignal, error) {
	query := `SELECT ` + riskColumns + ` FROM risk_signals WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.OpenOnly {
		query += ` AND resolved=0`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	min := severityRank[f.MinSeverity]
	var res []domain.RiskSignal
	for rows.Next() {
		rs, err := scanRisk(rows)
		if err != nil {
			return nil, err
		}
		if severityRank[rs.Severity] < min {
			continue
		}
		res = append(res, rs)
	}
	return res, rows.Err()
}
