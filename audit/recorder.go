package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
)

// Recorder is the best-effort asynchronous path for events produced outside a
// workflow transaction (e.g. code verification). Record never blocks and never
// fails the caller; persistence failures are retried, then logged and dropped.
type Recorder struct {
	ch     chan Event
	insert func(ctx context.Context, ev Event) error
}

func NewRecorder(pool *pgxpool.Pool, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{ch: make(chan Event, buffer)}
	r.insert = func(ctx context.Context, ev Event) error {
		return insertEvent(ctx, pool, ev)
	}
	return r
}

// Record enqueues an event for background persistence. Drops (with a log
// line) when the buffer is full rather than backpressuring the workflow.
func (r *Recorder) Record(ev Event) {
	select {
	case r.ch <- ev:
	default:
		log.Printf("audit: recorder buffer full, dropping %s event for request %s", ev.Type, ev.RequestID)
	}
}

// Run consumes the queue until ctx is cancelled, draining what remains.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.ch:
					r.persist(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-r.ch:
			if ctx.Err() != nil {
				r.persist(context.Background(), ev)
				continue
			}
			r.persist(ctx, ev)
		}
	}
}

func (r *Recorder) persist(ctx context.Context, ev Event) {
	backoff := retry.WithMaxRetries(4, retry.NewExponential(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := r.insert(ctx, ev)
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		log.Printf("audit: drop %s event for request %s: %v", ev.Type, ev.RequestID, err)
	}
}

// Seq conflicts (23505) happen when a lock-free insert races a transactional
// writer on the same request; the trigger recomputes seq on the next attempt.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" || pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func insertEvent(ctx context.Context, pool *pgxpool.Pool, ev Event) error {
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
	if _, err := pool.Exec(ctx, insertSQL, ev.RequestID, ev.SignerID, ev.Type, ev.ActorIP, ev.ActorAgent, body); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}
