// Package oracles holds the cross-table invariant checks the stress suite
// runs while actors hammer the engine. Each oracle inspects live data and
// returns an error naming the first violation it finds.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name  string
	Check func(ctx context.Context, pool *pgxpool.Pool) error
}

// All returns the full oracle suite.
func All() []Oracle {
	return []Oracle{
		{Name: "tally_bounds", Check: TallyBounds},
		{Name: "completion_consistency", Check: CompletionConsistency},
		{Name: "signed_count_matches_rows", Check: SignedCountMatchesRows},
		{Name: "sequential_order_respected", Check: SequentialOrderRespected},
		{Name: "audit_seq_gapless", Check: AuditSeqGapless},
		{Name: "artifact_only_when_completed", Check: ArtifactOnlyWhenCompleted},
		{Name: "terminal_signers_immutable", Check: TerminalSignersConsistent},
	}
}

// TallyBounds verifies every counter sits inside [0, total_signers].
func TallyBounds(ctx context.Context, pool *pgxpool.Pool) error {
	var violations int
	err := pool.QueryRow(ctx, `
SELECT COUNT(*) FROM signature_requests
WHERE viewed_count < 0 OR viewed_count > total_signers
   OR signed_count < 0 OR signed_count > total_signers
   OR declined_count < 0 OR declined_count > total_signers`).Scan(&violations)
	if err != nil {
		return fmt.Errorf("tally bounds query: %w", err)
	}
	if violations > 0 {
		return fmt.Errorf("%d requests with counters outside [0, total_signers]", violations)
	}
	return nil
}

// CompletionConsistency verifies completed status and a full signed tally
// imply each other.
func CompletionConsistency(ctx context.Context, pool *pgxpool.Pool) error {
	var violations int
	err := pool.QueryRow(ctx, `
SELECT COUNT(*) FROM signature_requests
WHERE (status = 'completed') <> (signed_count = total_signers)`).Scan(&violations)
	if err != nil {
		return fmt.Errorf("completion consistency query: %w", err)
	}
	if violations > 0 {
		return fmt.Errorf("%d requests where completed and full tally disagree", violations)
	}
	return nil
}

// SignedCountMatchesRows verifies the denormalized signed_count equals the
// number of signer rows actually in the signed state.
func SignedCountMatchesRows(ctx context.Context, pool *pgxpool.Pool) error {
	var violations int
	err := pool.QueryRow(ctx, `
SELECT COUNT(*) FROM signature_requests r
WHERE r.signed_count <> (
    SELECT COUNT(*) FROM signers s WHERE s.request_id = r.id AND s.status = 'signed'
)`).Scan(&violations)
	if err != nil {
		return fmt.Errorf("signed count query: %w", err)
	}
	if violations > 0 {
		return fmt.Errorf("%d requests where signed_count disagrees with signer rows", violations)
	}
	return nil
}

// SequentialOrderRespected verifies that on sequential requests no signer
// signed before a lower-ordered one.
func SequentialOrderRespected(ctx context.Context, pool *pgxpool.Pool) error {
	var violations int
	err := pool.QueryRow(ctx, `
SELECT COUNT(*) FROM (
    SELECT s.signed_at,
           LAG(s.signed_at) OVER (PARTITION BY s.request_id ORDER BY s.signing_order) AS prev_signed_at
    FROM signers s
    JOIN signature_requests r ON r.id = s.request_id
    WHERE r.policy = 'sequential' AND s.status = 'signed'
) x
WHERE x.prev_signed_at IS NOT NULL AND x.signed_at < x.prev_signed_at`).Scan(&violations)
	if err != nil {
		return fmt.Errorf("sequential order query: %w", err)
	}
	if violations > 0 {
		return fmt.Errorf("%d signatures recorded before a lower-ordered signer's", violations)
	}
	return nil
}

// AuditSeqGapless verifies per-request audit sequences run 1..N without gaps
// or duplicates.
func AuditSeqGapless(ctx context.Context, pool *pgxpool.Pool) error {
	var violations int
	err := pool.QueryRow(ctx, `
SELECT COUNT(*) FROM (
    SELECT seq, ROW_NUMBER() OVER (PARTITION BY request_id ORDER BY seq) AS expected
    FROM audit_events
) x WHERE x.seq <> x.expected`).Scan(&violations)
	if err != nil {
		return fmt.Errorf("audit seq query: %w", err)
	}
	if violations > 0 {
		return fmt.Errorf("%d audit events with gapped or duplicated seq", violations)
	}
	return nil
}

// ArtifactOnlyWhenCompleted verifies no artifact reference exists on a
// non-completed request.
func ArtifactOnlyWhenCompleted(ctx context.Context, pool *pgxpool.Pool) error {
	var violations int
	err := pool.QueryRow(ctx, `
SELECT COUNT(*) FROM signature_requests
WHERE artifact_ref IS NOT NULL AND status <> 'completed'`).Scan(&violations)
	if err != nil {
		return fmt.Errorf("artifact query: %w", err)
	}
	if violations > 0 {
		return fmt.Errorf("%d non-completed requests holding an artifact", violations)
	}
	return nil
}

// TerminalSignersConsistent verifies signed signers carry a timestamp and a
// payload, and declined signers carry neither.
func TerminalSignersConsistent(ctx context.Context, pool *pgxpool.Pool) error {
	var violations int
	err := pool.QueryRow(ctx, `
SELECT COUNT(*) FROM signers
WHERE (status = 'signed' AND (signed_at IS NULL OR payload IS NULL))
   OR (status = 'declined' AND signed_at IS NOT NULL)`).Scan(&violations)
	if err != nil {
		return fmt.Errorf("terminal signer query: %w", err)
	}
	if violations > 0 {
		return fmt.Errorf("%d signer rows with inconsistent terminal state", violations)
	}
	return nil
}
