package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit records inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Audit is one audit row. Payload usually carries from/to state.
type Audit struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, a Audit) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if a.Payload == nil {
		a.Payload = EventPayload{}
	}
	if a.ActorID == "" {
		a.ActorID = "system"
	}
	data, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_log(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), a.Type, nullable(a.ProjectID), a.EntityKind, nullable(a.EntityID), a.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
