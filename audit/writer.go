package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Writer appends audit events inside the caller's transaction. Callers are
// expected to hold the parent request row lock, which serializes the
// per-request sequence assignment.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts one event. Seq is assigned by the audit_events trigger.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, ev Event) error {
	if ev.RequestID == "" {
		return fmt.Errorf("audit: missing request id")
	}
	if ev.Type == "" {
		return fmt.Errorf("audit: missing event type")
	}

	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO audit_events (request_id, signer_id, type, actor_ip, actor_agent, payload)
VALUES ($1, $2, $3::event_type, $4, $5, $6::jsonb)
`
	if _, err := tx.Exec(ctx, insertSQL, ev.RequestID, ev.SignerID, ev.Type, ev.ActorIP, ev.ActorAgent, body); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// WithActor returns a copy of ev annotated with actor context.
func WithActor(ev Event, actor Actor) Event {
	actor.apply(&ev)
	return ev
}
