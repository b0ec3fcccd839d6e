package signer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"signflow/audit"
	"signflow/request"
)

// RequestStore is the slice of the request repository the state machine needs:
// the row lock and the atomic tally protocol. Implemented by request.PGRepository.
type RequestStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (request.Request, error)
	IncrementViewedCount(ctx context.Context, tx pgx.Tx, id string) (request.TallyResult, error)
	IncrementSignedCount(ctx context.Context, tx pgx.Tx, id string) (request.TallyResult, error)
	IncrementDeclinedCount(ctx context.Context, tx pgx.Tx, id string) (request.TallyResult, error)
}

// AuditWriter appends an audit event inside the active transaction.
type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev audit.Event) error
}

// OutboxWriter enqueues an outbound event inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// CompletionHandler is notified after the transaction that completed a
// request commits. Implemented by request.Service, which runs finalization.
type CompletionHandler interface {
	HandleCompleted(ctx context.Context, requestID string) (request.ArtifactInfo, error)
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool      TxBeginner
	repo      Repository
	requests  RequestStore
	auditlog  AuditWriter
	outbox    OutboxWriter
	completer CompletionHandler

	compareToken func(hash, token string) error
}

func NewService(pool TxBeginner, repo Repository, requests RequestStore, auditlog AuditWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		requests: requests,
		auditlog: auditlog,
		outbox:   outbox,
		compareToken: func(hash, token string) error {
			return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
		},
	}
}

// WithCompletionHandler attaches the post-commit completion hook.
func (s *Service) WithCompletionHandler(h CompletionHandler) *Service {
	s.completer = h
	return s
}

type ViewParams struct {
	SignerID    string
	AccessToken string
	Actor       audit.Actor
}

type ViewResult struct {
	Signer    Signer
	FirstView bool
	Tally     request.TallyResult
}

// RecordView is idempotent: the first call sets viewed_at and bumps the
// request's viewed_count exactly once; every later call is a no-op.
func (s *Service) RecordView(ctx context.Context, params ViewParams) (ViewResult, error) {
	sg, err := s.authorize(ctx, params.SignerID, params.AccessToken)
	if err != nil {
		return ViewResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ViewResult{}, fmt.Errorf("signer: begin view tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, sg.RequestID)
	if err != nil {
		return ViewResult{}, err
	}
	if req.Status.Terminal() {
		return ViewResult{}, request.TerminalError(req.Status)
	}

	first, err := s.repo.MarkViewed(ctx, tx, sg.ID)
	if err != nil {
		return ViewResult{}, err
	}

	var tally request.TallyResult
	if first {
		tally, err = s.requests.IncrementViewedCount(ctx, tx, sg.RequestID)
		if err != nil {
			return ViewResult{}, err
		}
		ev := audit.WithActor(audit.Event{
			RequestID: sg.RequestID,
			SignerID:  &sg.ID,
			Type:      audit.TypeSignerViewed,
			Payload:   map[string]any{"email": sg.Email},
		}, params.Actor)
		if err := s.auditlog.Append(ctx, tx, ev); err != nil {
			return ViewResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ViewResult{}, fmt.Errorf("signer: commit view: %w", err)
	}

	updated, err := s.repo.GetByID(ctx, sg.ID)
	if err != nil {
		return ViewResult{}, err
	}
	return ViewResult{Signer: updated, FirstView: first, Tally: tally}, nil
}

type SignParams struct {
	SignerID    string
	AccessToken string
	Payload     Payload
	Actor       audit.Actor
}

type SignResult struct {
	SignerID  string
	RequestID string
	SignedAt  time.Time
	Tally     request.TallyResult
	Artifact  *request.ArtifactInfo
}

// RecordSign transitions the signer to signed and bumps signed_count in one
// transaction. Ordering, terminal guards, and the completion flip are all
// re-validated inside the conditional updates, not merely before them.
func (s *Service) RecordSign(ctx context.Context, params SignParams) (SignResult, error) {
	if params.Payload.ImageData == "" && params.Payload.TypedText == "" {
		return SignResult{}, ErrEmptyPayload
	}

	sg, err := s.authorize(ctx, params.SignerID, params.AccessToken)
	if err != nil {
		return SignResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SignResult{}, fmt.Errorf("signer: begin sign tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, sg.RequestID)
	if err != nil {
		return SignResult{}, err
	}
	if req.Status.Terminal() {
		return SignResult{}, request.TerminalError(req.Status)
	}

	signedAt, err := s.repo.MarkSigned(ctx, tx, sg.ID, params.Payload)
	if err != nil {
		return SignResult{}, err
	}

	tally, err := s.requests.IncrementSignedCount(ctx, tx, sg.RequestID)
	if err != nil {
		return SignResult{}, err
	}

	ev := audit.WithActor(audit.Event{
		RequestID: sg.RequestID,
		SignerID:  &sg.ID,
		Type:      audit.TypeSignerSigned,
		Payload: map[string]any{
			"email":        sg.Email,
			"signed_count": tally.SignedCount,
		},
	}, params.Actor)
	if err := s.auditlog.Append(ctx, tx, ev); err != nil {
		return SignResult{}, err
	}

	if tally.JustCompleted {
		if err := s.auditlog.Append(ctx, tx, audit.Event{
			RequestID: sg.RequestID,
			Type:      audit.TypeRequestCompleted,
			Payload:   map[string]any{"signed_count": tally.SignedCount},
		}); err != nil {
			return SignResult{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, "request.completed", map[string]any{
			"request_id": sg.RequestID,
		}); err != nil {
			return SignResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SignResult{}, fmt.Errorf("signer: commit sign: %w", err)
	}

	result := SignResult{SignerID: sg.ID, RequestID: sg.RequestID, SignedAt: signedAt, Tally: tally}
	if tally.JustCompleted && s.completer != nil {
		// The sign itself already succeeded; a finalization failure leaves the
		// request completed-but-unfinalized and retryable.
		artifact, err := s.completer.HandleCompleted(ctx, sg.RequestID)
		if err != nil {
			log.Printf("signer: finalize request %s: %v", sg.RequestID, err)
		} else {
			result.Artifact = &artifact
		}
	}
	return result, nil
}

type DeclineParams struct {
	SignerID    string
	AccessToken string
	Reason      string
	Actor       audit.Actor
}

type DeclineResult struct {
	SignerID  string
	RequestID string
	Tally     request.TallyResult
}

// RecordDecline moves the signer to declined and aborts the whole request.
// Ordering is not checked: a signer may decline out of turn.
func (s *Service) RecordDecline(ctx context.Context, params DeclineParams) (DeclineResult, error) {
	sg, err := s.authorize(ctx, params.SignerID, params.AccessToken)
	if err != nil {
		return DeclineResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DeclineResult{}, fmt.Errorf("signer: begin decline tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, sg.RequestID)
	if err != nil {
		return DeclineResult{}, err
	}
	if req.Status.Terminal() {
		return DeclineResult{}, request.TerminalError(req.Status)
	}

	if err := s.repo.MarkDeclined(ctx, tx, sg.ID, params.Reason); err != nil {
		return DeclineResult{}, err
	}

	tally, err := s.requests.IncrementDeclinedCount(ctx, tx, sg.RequestID)
	if err != nil {
		return DeclineResult{}, err
	}

	ev := audit.WithActor(audit.Event{
		RequestID: sg.RequestID,
		SignerID:  &sg.ID,
		Type:      audit.TypeSignerDeclined,
		Payload: map[string]any{
			"email":  sg.Email,
			"reason": params.Reason,
		},
	}, params.Actor)
	if err := s.auditlog.Append(ctx, tx, ev); err != nil {
		return DeclineResult{}, err
	}
	if err := s.auditlog.Append(ctx, tx, audit.Event{
		RequestID: sg.RequestID,
		Type:      audit.TypeRequestDeclined,
		Payload:   map[string]any{"declined_by": sg.Email},
	}); err != nil {
		return DeclineResult{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "request.declined", map[string]any{
		"request_id": sg.RequestID,
		"signer_id":  sg.ID,
		"reason":     params.Reason,
	}); err != nil {
		return DeclineResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return DeclineResult{}, fmt.Errorf("signer: commit decline: %w", err)
	}
	return DeclineResult{SignerID: sg.ID, RequestID: sg.RequestID, Tally: tally}, nil
}

func (s *Service) Get(ctx context.Context, id string) (Signer, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByRequest(ctx context.Context, requestID string) ([]Signer, error) {
	return s.repo.ListByRequest(ctx, requestID)
}

// authorize loads the signer and checks its access-link token when one is set.
func (s *Service) authorize(ctx context.Context, signerID, token string) (Signer, error) {
	if signerID == "" {
		return Signer{}, ErrNotFound
	}
	sg, err := s.repo.GetByID(ctx, signerID)
	if err != nil {
		return Signer{}, err
	}
	if sg.AccessTokenHash != "" {
		if token == "" {
			return Signer{}, ErrTokenInvalid
		}
		if err := s.compareToken(sg.AccessTokenHash, token); err != nil {
			return Signer{}, ErrTokenInvalid
		}
	}
	return sg, nil
}
