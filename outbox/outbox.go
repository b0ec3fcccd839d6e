// Package outbox implements the transactional outbox: workflow transactions
// enqueue events in the same commit as their state change, and an independent
// worker delivers them. Side effects can therefore never corrupt workflow
// state.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is one outbound event row.
type Message struct {
	ID          string
	Topic       string
	Payload     []byte
	Status      string
	Attempts    int
	LastAttempt *time.Time
	CreatedAt   time.Time
}

// Writer enqueues messages inside the caller's transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
