package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sethvargo/go-retry"

	"signflow/notify"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Worker drains pending outbox rows with SKIP LOCKED so multiple instances
// can run side by side, each batch going to exactly one consumer.
type Worker struct {
	pool        TxBeginner
	sender      notify.Sender
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

func NewWorker(pool TxBeginner, sender notify.Sender, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Worker{
		pool:        pool,
		sender:      sender,
		interval:    interval,
		batchSize:   20,
		maxAttempts: 5,
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("outbox: drain: %v", err)
			}
		}
	}
}

// DrainOnce claims one batch and dispatches it. Failed messages accrue
// attempts and go dead after maxAttempts; delivery failure never bubbles past
// the worker.
func (w *Worker) DrainOnce(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT `+fmt.Sprint(w.batchSize))
	if err != nil {
		return fmt.Errorf("outbox: claim batch: %w", err)
	}

	batch := make([]Message, 0, w.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return fmt.Errorf("outbox: scan message: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("outbox: iterate batch: %w", err)
	}

	for _, m := range batch {
		if err := w.dispatch(ctx, m); err != nil {
			log.Printf("outbox: dispatch %s (%s) attempt %d: %v", m.ID, m.Topic, m.Attempts+1, err)
			next := `UPDATE outbox SET attempts = attempts + 1, last_attempt = now() WHERE id = $1`
			if m.Attempts+1 >= w.maxAttempts {
				next = `UPDATE outbox SET status = 'dead', attempts = attempts + 1, last_attempt = now() WHERE id = $1`
			}
			if _, err := tx.Exec(ctx, next, m.ID); err != nil {
				return fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, m.ID); err != nil {
			return fmt.Errorf("outbox: mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit drain: %w", err)
	}
	return nil
}

// dispatch delivers one message with exponential backoff on transient sender
// failures.
func (w *Worker) dispatch(ctx context.Context, m Message) error {
	var payload map[string]any
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return fmt.Errorf("outbox: decode payload: %w", err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := w.sender.Send(ctx, m.Topic, recipients(payload), payload); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// recipients extracts delivery addresses from the payload's recipients list,
// when present.
func recipients(payload map[string]any) []string {
	raw, ok := payload["recipients"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		switch v := r.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if email, ok := v["email"].(string); ok {
				out = append(out, email)
			}
		}
	}
	return out
}
