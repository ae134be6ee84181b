package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Event is one structured transition record. FromStatus/ToStatus are empty
// for events that are not status changes (creation, enqueue).
type Event struct {
	Type       string
	EntityKind string
	EntityID   string
	FromStatus string
	ToStatus   string
	JobID      string
	Actor      string
	Payload    Payload
}

// Append writes the event inside the caller's transaction so the status write
// and its event commit or roll back together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	data := "{}"
	if evt.Payload != nil {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		data = string(b)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,entity_kind,entity_id,from_status,to_status,job_id,actor,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		ts, evt.Type, evt.EntityKind, nullable(evt.EntityID), nullable(evt.FromStatus), nullable(evt.ToStatus), nullable(evt.JobID), nullable(evt.Actor), data)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
