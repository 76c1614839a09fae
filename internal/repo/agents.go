package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"foreman/internal/domain"
)

const agentColumns = `id,name,endpoint,model,status,skills_json,extra_json,created_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var endpoint, model, skills, extra sql.NullString
	err := row.Scan(&a.ID, &a.Name, &endpoint, &model, &a.Status, &skills, &extra, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Endpoint = endpoint.String
	a.Model = model.String
	if a.Skills, err = decodeStrings(skills); err != nil {
		return a, err
	}
	if a.Skills == nil {
		a.Skills = []string{}
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &a.ExtraData); err != nil {
			return a, fmt.Errorf("decode agent %s extra_data: %w", a.ID, err)
		}
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	skills, err := encodeStrings(a.Skills)
	if err != nil {
		return err
	}
	var extra any
	if len(a.ExtraData) > 0 {
		b, err := json.Marshal(a.ExtraData)
		if err != nil {
			return err
		}
		extra = string(b)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, nullable(a.Endpoint), nullable(a.Model), a.Status, skills, extra, a.CreatedAt)
	return err
}

func (r Repo) SetAgentStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return r.GetAgentTx(ctx, r.DB, id)
}

func (r Repo) GetAgentTx(ctx context.Context, q Querier, id string) (domain.Agent, error) {
	return scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

// ListAgents returns agents in registration order, optionally filtered by status.
func (r Repo) ListAgents(ctx context.Context, q Querier, status string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, rowid`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) AllowAgent(ctx context.Context, tx *sql.Tx, projectID, agentID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO project_agents(project_id,agent_id,created_at) VALUES (?,?,?)`, projectID, agentID, now)
	return err
}

func (r Repo) DisallowAgent(ctx context.Context, tx *sql.Tx, projectID, agentID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM project_agents WHERE project_id=? AND agent_id=?`, projectID, agentID)
	return err
}

// Allowlist returns the agent ids allowed for a project. Empty means not configured.
func (r Repo) Allowlist(ctx context.Context, q Querier, projectID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT agent_id FROM project_agents WHERE project_id=? ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
