package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// MarkExpired drives every overdue non-terminal request to expired. The same
// conditional-update discipline as the tally protocol applies: a request whose
// final signature commits first no longer matches the WHERE clause, so an
// expiration can never clobber a completion (or vice versa).
func (r *PGRepository) MarkExpired(ctx context.Context, tx pgx.Tx) ([]Request, error) {
	const updateSQL = `
UPDATE signature_requests
SET status = 'expired'::request_status,
    version = version + 1,
    status_updated_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE status IN ('draft', 'pending', 'in_progress')
  AND expires_at IS NOT NULL
  AND expires_at <= get_tx_timestamp()
RETURNING ` + requestColumns

	return collectRequests(tx.Query(ctx, updateSQL))
}

// MarkNearingExpiry stamps warning_sent_at on requests inside the warning
// window that have not been warned yet. The marker makes sweeper reruns
// idempotent: at most one warning per request per threshold.
func (r *PGRepository) MarkNearingExpiry(ctx context.Context, tx pgx.Tx, window string) ([]Request, error) {
	const updateSQL = `
UPDATE signature_requests
SET warning_sent_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE status IN ('pending', 'in_progress')
  AND expires_at IS NOT NULL
  AND warning_sent_at IS NULL
  AND expires_at > get_tx_timestamp()
  AND expires_at <= get_tx_timestamp() + $1::interval
RETURNING ` + requestColumns

	return collectRequests(tx.Query(ctx, updateSQL, window))
}

// SetArtifact records the finalization result at most once. Zero rows with an
// artifact already present is the idempotent-rerun case and is not an error
// for the caller, which re-reads and returns the stored reference.
func (r *PGRepository) SetArtifact(ctx context.Context, tx pgx.Tx, id, ref, hash string) error {
	const updateSQL = `
UPDATE signature_requests
SET artifact_ref = $2,
    artifact_hash = $3,
    finalized_at = get_tx_timestamp(),
    version = version + 1,
    updated_at = get_tx_timestamp()
WHERE id = $1
  AND status = 'completed'
  AND artifact_ref IS NULL
RETURNING id
`
	var updated string
	err := tx.QueryRow(ctx, updateSQL, id, ref, hash).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("request: set artifact: %w", err)
	}
	return ErrConflict
}

func collectRequests(rows pgx.Rows, err error) ([]Request, error) {
	if err != nil {
		return nil, fmt.Errorf("request: expiry update: %w", err)
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("request: scan expiry row: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate expiry rows: %w", err)
	}
	return out, nil
}
