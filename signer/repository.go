package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (Signer, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Signer, error)
	ListByRequest(ctx context.Context, requestID string) ([]Signer, error)
	MarkViewed(ctx context.Context, tx pgx.Tx, id string) (first bool, err error)
	MarkSigned(ctx context.Context, tx pgx.Tx, id string, payload Payload) (time.Time, error)
	MarkDeclined(ctx context.Context, tx pgx.Tx, id, reason string) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const signerColumns = `id, request_id, email, full_name, signing_order, status::text,
    code_required, access_token_hash, field_schema,
    viewed_at, signed_at, declined_reason, payload, created_at, updated_at`

func (r *PGRepository) GetByID(ctx context.Context, id string) (Signer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+signerColumns+` FROM signers WHERE id = $1`, id)
	s, err := scanSigner(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, ErrNotFound
		}
		return Signer{}, fmt.Errorf("signer: get: %w", err)
	}
	return s, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Signer, error) {
	row := tx.QueryRow(ctx, `SELECT `+signerColumns+` FROM signers WHERE id = $1 FOR UPDATE`, id)
	s, err := scanSigner(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, ErrNotFound
		}
		return Signer{}, fmt.Errorf("signer: get for update: %w", err)
	}
	return s, nil
}

func (r *PGRepository) ListByRequest(ctx context.Context, requestID string) ([]Signer, error) {
	const query = `SELECT ` + signerColumns + ` FROM signers WHERE request_id = $1 ORDER BY signing_order, email`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("signer: list by request: %w", err)
	}
	defer rows.Close()

	signers := make([]Signer, 0, 4)
	for rows.Next() {
		s, err := scanSigner(rows)
		if err != nil {
			return nil, fmt.Errorf("signer: scan list: %w", err)
		}
		signers = append(signers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signer: iterate list: %w", err)
	}
	return signers, nil
}

// MarkViewed sets viewed_at if and only if it is still null. Once set it is
// never cleared; repeat calls report first=false without touching the row.
func (r *PGRepository) MarkViewed(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	const updateSQL = `
UPDATE signers
SET viewed_at = get_tx_timestamp(),
    status = CASE WHEN status = 'pending' THEN 'viewed'::signer_status ELSE status END,
    updated_at = get_tx_timestamp()
WHERE id = $1
  AND viewed_at IS NULL
RETURNING viewed_at
`
	var viewedAt time.Time
	err := tx.QueryRow(ctx, updateSQL, id).Scan(&viewedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("signer: mark viewed: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM signers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("signer: mark viewed re-read: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// MarkSigned performs the signer-side half of the sign transition as one
// conditional UPDATE. The sequential-ordering predicate lives inside the same
// statement, not in a prior read, which closes the stale-read race window: a
// predecessor that has not committed its own sign makes the NOT EXISTS fail.
func (r *PGRepository) MarkSigned(ctx context.Context, tx pgx.Tx, id string, payload Payload) (time.Time, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return time.Time{}, fmt.Errorf("signer: marshal payload: %w", err)
	}

	const updateSQL = `
UPDATE signers AS s
SET status = 'signed'::signer_status,
    signed_at = get_tx_timestamp(),
    payload = $2::jsonb,
    updated_at = get_tx_timestamp()
WHERE s.id = $1
  AND s.status IN ('pending', 'viewed')
  AND NOT EXISTS (
      SELECT 1
      FROM signers p
      JOIN signature_requests r ON r.id = s.request_id
      WHERE r.policy = 'sequential'
        AND p.request_id = s.request_id
        AND p.signing_order < s.signing_order
        AND p.status <> 'signed'
  )
RETURNING signed_at
`
	var signedAt time.Time
	err = tx.QueryRow(ctx, updateSQL, id, body).Scan(&signedAt)
	if err == nil {
		return signedAt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("signer: mark signed: %w", err)
	}
	return time.Time{}, r.diagnoseSignFailure(ctx, tx, id)
}

// diagnoseSignFailure re-reads after a zero-row sign update to pick the right
// taxonomy error.
func (r *PGRepository) diagnoseSignFailure(ctx context.Context, tx pgx.Tx, id string) error {
	s, err := r.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return ErrAlreadyFinal
	}

	const predecessorSQL = `
SELECT EXISTS (
    SELECT 1
    FROM signers p
    JOIN signature_requests r ON r.id = p.request_id
    WHERE r.policy = 'sequential'
      AND p.request_id = $1
      AND p.signing_order < $2
      AND p.status <> 'signed'
)
`
	var blocked bool
	if err := tx.QueryRow(ctx, predecessorSQL, s.RequestID, s.SigningOrder).Scan(&blocked); err != nil {
		return fmt.Errorf("signer: diagnose sign failure: %w", err)
	}
	if blocked {
		return ErrOrderViolation
	}
	return fmt.Errorf("signer: sign update matched no rows for %s in status %s", id, s.Status)
}

// MarkDeclined moves the signer to declined. No ordering predicate: a signer
// may decline out of turn.
func (r *PGRepository) MarkDeclined(ctx context.Context, tx pgx.Tx, id, reason string) error {
	const updateSQL = `
UPDATE signers
SET status = 'declined'::signer_status,
    declined_reason = $2,
    updated_at = get_tx_timestamp()
WHERE id = $1
  AND status IN ('pending', 'viewed')
RETURNING id
`
	var updated string
	err := tx.QueryRow(ctx, updateSQL, id, reason).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("signer: mark declined: %w", err)
	}

	s, err := r.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return ErrAlreadyFinal
	}
	return fmt.Errorf("signer: decline update matched no rows for %s in status %s", id, s.Status)
}

func scanSigner(row pgx.Row) (Signer, error) {
	var (
		s          Signer
		status     string
		payloadRaw []byte
	)
	err := row.Scan(
		&s.ID,
		&s.RequestID,
		&s.Email,
		&s.FullName,
		&s.SigningOrder,
		&status,
		&s.CodeRequired,
		&s.AccessTokenHash,
		&s.FieldSchema,
		&s.ViewedAt,
		&s.SignedAt,
		&s.DeclinedReason,
		&payloadRaw,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return Signer{}, err
	}
	s.Status = Status(status)
	if len(payloadRaw) > 0 {
		var p Payload
		if err := json.Unmarshal(payloadRaw, &p); err != nil {
			return Signer{}, fmt.Errorf("signer: unmarshal payload: %w", err)
		}
		s.Payload = &p
	}
	return s, nil
}
