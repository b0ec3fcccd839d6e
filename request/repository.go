package request

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Filters struct {
	InitiatorID string
	Status      Status
	Page        int
	PageSize    int
}

// CreatedSigner maps a freshly inserted signer back to its email so callers
// can attach access tokens and notification payloads.
type CreatedSigner struct {
	ID           string
	Email        string
	FullName     string
	SigningOrder int
}

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req Request, signers []SignerSeed, fields []FieldSeed) (Request, []CreatedSigner, error)
	Get(ctx context.Context, id string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	List(ctx context.Context, filters Filters) ([]Request, int, error)
	ListFields(ctx context.Context, requestID string) ([]Field, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, next Status) (Request, error)

	IncrementViewedCount(ctx context.Context, tx pgx.Tx, id string) (TallyResult, error)
	IncrementSignedCount(ctx context.Context, tx pgx.Tx, id string) (TallyResult, error)
	IncrementDeclinedCount(ctx context.Context, tx pgx.Tx, id string) (TallyResult, error)

	MarkExpired(ctx context.Context, tx pgx.Tx) ([]Request, error)
	MarkNearingExpiry(ctx context.Context, tx pgx.Tx, window string) ([]Request, error)
	SetArtifact(ctx context.Context, tx pgx.Tx, id, ref, hash string) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, document_ref, title, policy, status, initiator_id,
    total_signers, viewed_count, signed_count, declined_count, version,
    expires_at, warning_sent_at, completed_at, artifact_ref, artifact_hash,
    finalized_at, created_at, updated_at`

// Create persists the request, its signer batch, and its placed fields inside
// the caller's transaction. Field ownership is resolved by signer email.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Request, signers []SignerSeed, fields []FieldSeed) (Request, []CreatedSigner, error) {
	const insertSQL = `
INSERT INTO signature_requests (document_ref, title, policy, status, initiator_id, total_signers, expires_at)
VALUES ($1, $2, $3::ordering_policy, $4::request_status, $5, $6, $7)
RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, insertSQL,
		req.DocumentRef,
		req.Title,
		req.Policy,
		req.Status,
		req.InitiatorID,
		len(signers),
		req.ExpiresAt,
	)
	created, err := scanRequest(row)
	if err != nil {
		return Request{}, nil, fmt.Errorf("request: insert: %w", err)
	}

	const signerSQL = `
INSERT INTO signers (request_id, email, full_name, signing_order, code_required, access_token_hash, field_schema)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id
`
	idsByEmail := make(map[string]string, len(signers))
	out := make([]CreatedSigner, 0, len(signers))
	for _, s := range signers {
		var id string
		if err := tx.QueryRow(ctx, signerSQL,
			created.ID, s.Email, s.FullName, s.SigningOrder, s.CodeRequired, s.AccessTokenHash, s.FieldSchema,
		).Scan(&id); err != nil {
			return Request{}, nil, fmt.Errorf("request: insert signer %s: %w", s.Email, err)
		}
		idsByEmail[s.Email] = id
		out = append(out, CreatedSigner{ID: id, Email: s.Email, FullName: s.FullName, SigningOrder: s.SigningOrder})
	}

	const fieldSQL = `
INSERT INTO placed_fields (request_id, signer_id, name, type, page, pos_x, pos_y, width, height)
VALUES ($1, $2, $3, $4::field_type, $5, $6, $7, $8, $9)
`
	for _, f := range fields {
		signerID, ok := idsByEmail[f.SignerEmail]
		if !ok {
			return Request{}, nil, fmt.Errorf("request: field %q references unknown signer %q", f.Name, f.SignerEmail)
		}
		if _, err := tx.Exec(ctx, fieldSQL, created.ID, signerID, f.Name, f.Type, f.Page, f.X, f.Y, f.W, f.H); err != nil {
			return Request{}, nil, fmt.Errorf("request: insert field %q: %w", f.Name, err)
		}
	}

	return created, out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM signature_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

// GetForUpdate locks the request row; the row lock is the per-request mutex
// that serializes signer transitions and audit sequence assignment.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	row := tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM signature_requests WHERE id = $1 FOR UPDATE`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get for update: %w", err)
	}
	return req, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.InitiatorID != "" {
		where = append(where, fmt.Sprintf("initiator_id=$%d", len(args)+1))
		args = append(args, filters.InitiatorID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d::request_status", len(args)+1))
		args = append(args, filters.Status)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM signature_requests%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		requestColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("request: query list: %w", err)
	}
	defer rows.Close()

	list := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("request: scan list: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("request: iterate list: %w", err)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM signature_requests" + whereClause
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("request: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) ListFields(ctx context.Context, requestID string) ([]Field, error) {
	const query = `
SELECT id, request_id, signer_id, name, type, page, pos_x, pos_y, width, height
FROM placed_fields
WHERE request_id = $1
ORDER BY page, pos_y, pos_x, name
`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("request: list fields: %w", err)
	}
	defer rows.Close()

	fields := make([]Field, 0, 8)
	for rows.Next() {
		var f Field
		if err := rows.Scan(&f.ID, &f.RequestID, &f.SignerID, &f.Name, &f.Type, &f.Page, &f.X, &f.Y, &f.W, &f.H); err != nil {
			return nil, fmt.Errorf("request: scan field: %w", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate fields: %w", err)
	}
	return fields, nil
}

// UpdateStatus applies a validated transition. The database-side transition
// table is consulted inside the same transaction, mirroring the in-process
// check in CanTransition.
func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, next Status) (Request, error) {
	var current Status
	if err := tx.QueryRow(ctx, `SELECT status FROM signature_requests WHERE id=$1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: fetch current status: %w", err)
	}

	var ok bool
	if err := tx.QueryRow(ctx, `SELECT request_validate_transition($1::request_status, $2::request_status)`, current, next).Scan(&ok); err != nil {
		return Request{}, fmt.Errorf("request: validate transition: %w", err)
	}
	if !ok {
		if err := TerminalError(current); err != nil {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("request: invalid transition %s -> %s: %w", current, next, ErrConflict)
	}

	const updateSQL = `
UPDATE signature_requests
SET status = $2::request_status,
    version = version + 1,
    status_updated_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, updateSQL, id, next)
	req, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("request: update status: %w", err)
	}
	return req, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.DocumentRef,
		&req.Title,
		&req.Policy,
		&req.Status,
		&req.InitiatorID,
		&req.TotalSigners,
		&req.ViewedCount,
		&req.SignedCount,
		&req.DeclinedCount,
		&req.Version,
		&req.ExpiresAt,
		&req.WarningSentAt,
		&req.CompletedAt,
		&req.ArtifactRef,
		&req.ArtifactHash,
		&req.FinalizedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
}
