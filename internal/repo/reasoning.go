package repo

import (
	"context"
	"database/sql"

	"foreman/internal/domain"
)

const reasoningColumns = `id,task_id,subtask_id,event_type,message,status,sequence,payload_json,source,created_at`

func scanReasoning(row rowScanner) (domain.ReasoningLogEntry, error) {
	var e domain.ReasoningLogEntry
	var subtaskID, payload sql.NullString
	err := row.Scan(&e.ID, &e.TaskID, &subtaskID, &e.EventType, &e.Message, &e.Status, &e.Sequence, &payload, &e.Source, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.SubtaskID = ptrFromNull(subtaskID)
	e.Payload = rawFromNull(payload)
	return e, nil
}

// MaxReasoningSequence returns the highest sequence for a task, or 0.
func (r Repo) MaxReasoningSequence(ctx context.Context, q Querier, taskID string) (int64, error) {
	var v sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(sequence) FROM reasoning_logs WHERE task_id=?`, taskID).Scan(&v); err != nil {
		return 0, err
	}
	return v.Int64, nil
}

func (r Repo) InsertReasoning(ctx context.Context, tx *sql.Tx, e domain.ReasoningLogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reasoning_logs(`+reasoningColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, nullableStringPtr(e.SubtaskID), e.EventType, e.Message, e.Status, e.Sequence, nullableRaw(e.Payload), e.Source, e.CreatedAt)
	return err
}

// ReasoningAfter returns entries with sequence > after in ascending order.
func (r Repo) ReasoningAfter(ctx context.Context, taskID string, after int64, limit int) ([]domain.ReasoningLogEntry, error) {
	query := `SELECT ` + reasoningColumns + ` FROM reasoning_logs WHERE task_id=? AND sequence > ? ORDER BY sequence ASC`
	args := []any{taskID, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReasoningLogEntry
	for rows.Next() {
		e, err := scanReasoning(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
