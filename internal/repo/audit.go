package repo

import (
	"context"
	"database/sql"

	"foreman/internal/domain"
)

type AuditFilters struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

// LatestAudit returns the newest audit records first.
func (r Repo) LatestAudit(ctx context.Context, f AuditFilters) ([]domain.AuditRecord, error) {
	query := `SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM audit_log WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		query += ` AND entity_id=?`
		args = append(args, f.EntityID)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var projectID, entityID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.Type, &projectID, &rec.EntityKind, &entityID, &rec.ActorID, &rec.Payload); err != nil {
			return nil, err
		}
		rec.ProjectID = projectID.String
		rec.EntityID = entityID.String
		res = append(res, rec)
	}
	return res, rows.Err()
}
