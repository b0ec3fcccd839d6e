package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// The tally protocol. Each increment is a single conditional UPDATE whose
// WHERE clause requires the row to still be non-terminal; the completion flip
// is a CASE expression inside the same statement, so "increment and complete
// if this was the last signer" is indivisible. Read-modify-write of tallies in
// application memory is not permitted anywhere in this codebase.

// IncrementViewedCount bumps viewed_count by one for a first view and lifts a
// pending request into in_progress.
func (r *PGRepository) IncrementViewedCount(ctx context.Context, tx pgx.Tx, id string) (TallyResult, error) {
	const updateSQL = `
UPDATE signature_requests
SET viewed_count = viewed_count + 1,
    status = CASE WHEN status = 'pending' THEN 'in_progress'::request_status ELSE status END,
    version = version + 1,
    updated_at = get_tx_timestamp()
WHERE id = $1
  AND status IN ('pending', 'in_progress')
RETURNING viewed_count, signed_count, declined_count, status
`
	return r.applyTally(ctx, tx, updateSQL, id)
}

// IncrementSignedCount bumps signed_count by one and, when the increment
// reaches total_signers, transitions the request to completed in the same
// statement. Exactly one concurrent caller observes JustCompleted.
func (r *PGRepository) IncrementSignedCount(ctx context.Context, tx pgx.Tx, id string) (TallyResult, error) {
	const updateSQL = `
UPDATE signature_requests
SET signed_count = signed_count + 1,
    status = CASE WHEN signed_count + 1 = total_signers
                  THEN 'completed'::request_status
                  ELSE 'in_progress'::request_status END,
    completed_at = CASE WHEN signed_count + 1 = total_signers
                        THEN get_tx_timestamp()
                        ELSE completed_at END,
    status_updated_at = CASE WHEN signed_count + 1 = total_signers
                             THEN get_tx_timestamp()
                             ELSE status_updated_at END,
    version = version + 1,
    updated_at = get_tx_timestamp()
WHERE id = $1
  AND status IN ('pending', 'in_progress')
RETURNING viewed_count, signed_count, declined_count, status
`
	res, err := r.applyTally(ctx, tx, updateSQL, id)
	if err != nil {
		return TallyResult{}, err
	}
	res.JustCompleted = res.Status == StatusCompleted
	return res, nil
}

// IncrementDeclinedCount bumps declined_count and transitions the whole
// request to declined: a single decline aborts the request under either policy.
func (r *PGRepository) IncrementDeclinedCount(ctx context.Context, tx pgx.Tx, id string) (TallyResult, error) {
	const updateSQL = `
UPDATE signature_requests
SET declined_count = declined_count + 1,
    status = 'declined'::request_status,
    status_updated_at = get_tx_timestamp(),
    version = version + 1,
    updated_at = get_tx_timestamp()
WHERE id = $1
  AND status IN ('pending', 'in_progress')
RETURNING viewed_count, signed_count, declined_count, status
`
	return r.applyTally(ctx, tx, updateSQL, id)
}

// applyTally runs a conditional tally update. Zero rows means the request is
// missing or already terminal; a fresh read disambiguates into the taxonomy.
func (r *PGRepository) applyTally(ctx context.Context, tx pgx.Tx, updateSQL, id string) (TallyResult, error) {
	var res TallyResult
	err := tx.QueryRow(ctx, updateSQL, id).Scan(&res.ViewedCount, &res.SignedCount, &res.DeclinedCount, &res.Status)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return TallyResult{}, fmt.Errorf("request: tally update: %w", err)
	}

	var current Status
	switch err := tx.QueryRow(ctx, `SELECT status FROM signature_requests WHERE id = $1`, id).Scan(&current); {
	case errors.Is(err, pgx.ErrNoRows):
		return TallyResult{}, ErrNotFound
	case err != nil:
		return TallyResult{}, fmt.Errorf("request: tally re-read: %w", err)
	}
	if err := TerminalError(current); err != nil {
		return TallyResult{}, err
	}
	return TallyResult{}, fmt.Errorf("request: tally update matched no rows in status %s: %w", current, ErrConflict)
}
