// Package sweeper drives overdue requests to the expired terminal state and
// emits near-expiry warnings. Sweep is safe to rerun at any time, including
// concurrently with live signer traffic: the expiry transition uses the same
// conditional-update discipline as the tally protocol, so a sweep can never
// race a final signature into an inconsistent state.
package sweeper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"signflow/audit"
	"signflow/request"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ExpiryStore is the request-repository slice the sweeper drives.
type ExpiryStore interface {
	MarkExpired(ctx context.Context, tx pgx.Tx) ([]request.Request, error)
	MarkNearingExpiry(ctx context.Context, tx pgx.Tx, window string) ([]request.Request, error)
}

type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev audit.Event) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Sweeper struct {
	pool     TxBeginner
	store    ExpiryStore
	auditlog AuditWriter
	outbox   OutboxWriter

	interval      time.Duration
	warningWindow time.Duration
}

func New(pool TxBeginner, store ExpiryStore, auditlog AuditWriter, outbox OutboxWriter, interval, warningWindow time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if warningWindow <= 0 {
		warningWindow = 24 * time.Hour
	}
	return &Sweeper{
		pool:          pool,
		store:         store,
		auditlog:      auditlog,
		outbox:        outbox,
		interval:      interval,
		warningWindow: warningWindow,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("sweeper: sweep: %v", err)
			}
		}
	}
}

// Result reports one sweep's work.
type Result struct {
	Expired []string
	Warned  []string
}

// Sweep expires overdue requests and warns nearly overdue ones, all in one
// transaction. Also the backing implementation for the manual
// check-expirations operation; rerunning it is a no-op for rows already
// handled.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("sweeper: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var res Result

	expired, err := s.store.MarkExpired(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	for _, req := range expired {
		res.Expired = append(res.Expired, req.ID)
		if err := s.auditlog.Append(ctx, tx, audit.Event{
			RequestID: req.ID,
			Type:      audit.TypeRequestExpired,
			Payload:   map[string]any{"expires_at": req.ExpiresAt},
		}); err != nil {
			return Result{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, "request.expired", map[string]any{
			"request_id": req.ID,
			"title":      req.Title,
		}); err != nil {
			return Result{}, err
		}
	}

	warned, err := s.store.MarkNearingExpiry(ctx, tx, intervalLiteral(s.warningWindow))
	if err != nil {
		return Result{}, err
	}
	for _, req := range warned {
		res.Warned = append(res.Warned, req.ID)
		if err := s.auditlog.Append(ctx, tx, audit.Event{
			RequestID: req.ID,
			Type:      audit.TypeExpiryWarning,
			Payload:   map[string]any{"expires_at": req.ExpiresAt},
		}); err != nil {
			return Result{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, "request.expiring_soon", map[string]any{
			"request_id": req.ID,
			"title":      req.Title,
			"expires_at": req.ExpiresAt,
		}); err != nil {
			return Result{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("sweeper: commit: %w", err)
	}
	return res, nil
}

func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
