package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends to the events table inside the caller's transaction, so an
// event is visible exactly when the state change that produced it commits.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Entry is one event to append. Emitter is the address of the component
// that raised it (task manager or ledger).
type Entry struct {
	Type       string
	Emitter    string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (int64, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,emitter,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, e.Emitter, e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", e.Type, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
