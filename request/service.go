package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"signflow/audit"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditWriter appends an audit event inside the active transaction.
type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev audit.Event) error
}

// OutboxWriter enqueues an outbound event inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// ArtifactInfo is the finalization result stored on a completed request.
type ArtifactInfo struct {
	Ref  string
	Hash string
}

// Finalizer resolves placed fields against signer payloads and produces the
// final artifact. Implemented by the finalize package.
type Finalizer interface {
	Finalize(ctx context.Context, requestID string) (ArtifactInfo, error)
}

type Service struct {
	pool      TxBeginner
	repo      Repository
	auditlog  AuditWriter
	outbox    OutboxWriter
	finalizer Finalizer

	idGenerator func() string
	now         func() time.Time
	hashToken   func(token string) (string, error)
}

func NewService(pool TxBeginner, repo Repository, auditlog AuditWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		auditlog:    auditlog,
		outbox:      outbox,
		idGenerator: uuid.NewString,
		now:         time.Now,
		hashToken: func(token string) (string, error) {
			h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
			return string(h), err
		},
	}
}

// WithFinalizer attaches the finalization engine. Wired separately because the
// engine reads through this package's repository.
func (s *Service) WithFinalizer(f Finalizer) *Service {
	s.finalizer = f
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type SignerInput struct {
	Email        string
	FullName     string
	CodeRequired bool
}

type CreateParams struct {
	DocumentRef   string
	Title         string
	Policy        Policy
	InitiatorID   string
	ExpiresInDays int
	Signers       []SignerInput
	Fields        []FieldSeed
}

// SignerAccess pairs a created signer with its one-time-visible access token.
// The token is never stored in clear; only the bcrypt hash persists.
type SignerAccess struct {
	SignerID    string
	Email       string
	AccessToken string
}

// Create validates the full input (collecting every violation), assigns
// sequential order numbers, and persists request + signers + fields in one
// transaction.
func (s *Service) Create(ctx context.Context, params CreateParams) (Request, []SignerAccess, error) {
	if v := validateCreate(params); len(v) > 0 {
		return Request{}, nil, &ValidationError{Violations: v}
	}

	var expiresAt *time.Time
	if params.ExpiresInDays > 0 {
		t := s.now().AddDate(0, 0, params.ExpiresInDays)
		expiresAt = &t
	}

	seeds := make([]SignerSeed, 0, len(params.Signers))
	tokens := make(map[string]string, len(params.Signers))
	for i, in := range params.Signers {
		order := 0
		if params.Policy == PolicySequential {
			order = i + 1
		}
		token := s.idGenerator()
		hash, err := s.hashToken(token)
		if err != nil {
			return Request{}, nil, fmt.Errorf("request: hash access token: %w", err)
		}
		tokens[in.Email] = token
		seeds = append(seeds, SignerSeed{
			Email:           strings.ToLower(strings.TrimSpace(in.Email)),
			FullName:        in.FullName,
			SigningOrder:    order,
			CodeRequired:    in.CodeRequired,
			AccessTokenHash: hash,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, nil, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req := Request{
		DocumentRef: params.DocumentRef,
		Title:       params.Title,
		Policy:      params.Policy,
		Status:      StatusPending,
		InitiatorID: params.InitiatorID,
		ExpiresAt:   expiresAt,
	}
	created, signers, err := s.repo.Create(ctx, tx, req, seeds, params.Fields)
	if err != nil {
		return Request{}, nil, err
	}

	if err := s.auditlog.Append(ctx, tx, audit.Event{
		RequestID: created.ID,
		Type:      audit.TypeRequestCreated,
		Payload: map[string]any{
			"title":         created.Title,
			"policy":        created.Policy,
			"total_signers": created.TotalSigners,
			"initiator_id":  created.InitiatorID,
		},
	}); err != nil {
		return Request{}, nil, err
	}

	accesses := make([]SignerAccess, 0, len(signers))
	recipients := make([]map[string]any, 0, len(signers))
	for _, sg := range signers {
		accesses = append(accesses, SignerAccess{SignerID: sg.ID, Email: sg.Email, AccessToken: tokens[sg.Email]})
		recipients = append(recipients, map[string]any{
			"signer_id":     sg.ID,
			"email":         sg.Email,
			"signing_order": sg.SigningOrder,
			"access_token":  tokens[sg.Email],
		})
	}
	if err := s.outbox.Enqueue(ctx, tx, "request.created", map[string]any{
		"request_id": created.ID,
		"title":      created.Title,
		"recipients": recipients,
	}); err != nil {
		return Request{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, nil, fmt.Errorf("request: commit create: %w", err)
	}
	return created, accesses, nil
}

func validateCreate(params CreateParams) []string {
	var v []string
	if params.InitiatorID == "" {
		v = append(v, "initiator id is required")
	}
	if params.DocumentRef == "" {
		v = append(v, "document ref is required")
	}
	if params.Title == "" {
		v = append(v, "title is required")
	}
	if !params.Policy.Valid() {
		v = append(v, fmt.Sprintf("policy must be %q or %q", PolicySequential, PolicyParallel))
	}
	if len(params.Signers) == 0 {
		v = append(v, "at least one signer is required")
	}
	if params.ExpiresInDays < 0 {
		v = append(v, "expires_in_days must not be negative")
	}

	emails := make(map[string]bool, len(params.Signers))
	for i, in := range params.Signers {
		email := strings.ToLower(strings.TrimSpace(in.Email))
		if email == "" {
			v = append(v, fmt.Sprintf("signer %d: email is required", i+1))
			continue
		}
		if emails[email] {
			v = append(v, fmt.Sprintf("duplicate signer email %q", email))
		}
		emails[email] = true
	}

	names := make(map[string]bool, len(params.Fields))
	for _, f := range params.Fields {
		if f.Name == "" {
			v = append(v, "field name is required")
			continue
		}
		if names[f.Name] {
			v = append(v, fmt.Sprintf("duplicate field name %q", f.Name))
		}
		names[f.Name] = true
		if !f.Type.Valid() {
			v = append(v, fmt.Sprintf("field %q: unknown type %q", f.Name, f.Type))
		}
		if !emails[strings.ToLower(strings.TrimSpace(f.SignerEmail))] {
			v = append(v, fmt.Sprintf("field %q references unknown signer %q", f.Name, f.SignerEmail))
		}
	}
	return v
}

// Cancel transitions the request to cancelled. Cancelling an already
// cancelled request is a no-op, not an error.
func (s *Service) Cancel(ctx context.Context, requestID, actorID string, actor audit.Actor) (Request, error) {
	if requestID == "" {
		return Request{}, fmt.Errorf("request: cancel missing request id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if current.Status == StatusCancelled {
		return current, nil
	}
	if current.Status.Terminal() {
		return Request{}, TerminalError(current.Status)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, requestID, StatusCancelled)
	if err != nil {
		return Request{}, err
	}

	ev := audit.WithActor(audit.Event{
		RequestID: requestID,
		Type:      audit.TypeRequestCancelled,
		Payload: map[string]any{
			"previous_status": current.Status,
			"actor_id":        actorID,
		},
	}, actor)
	if err := s.auditlog.Append(ctx, tx, ev); err != nil {
		return Request{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "request.cancelled", map[string]any{
		"request_id": requestID,
		"actor_id":   actorID,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit cancel: %w", err)
	}
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Fields(ctx context.Context, requestID string) ([]Field, error) {
	return s.repo.ListFields(ctx, requestID)
}

// HandleCompleted is invoked exactly once per request, by the signer service
// whose increment won the completion race. Finalization failures are returned
// so callers can log and retry; the request stays completed-but-unfinalized.
func (s *Service) HandleCompleted(ctx context.Context, requestID string) (ArtifactInfo, error) {
	if s.finalizer == nil {
		return ArtifactInfo{}, fmt.Errorf("request: no finalizer configured")
	}
	return s.finalizer.Finalize(ctx, requestID)
}

// RetryFinalize re-runs finalization for a completed request. Idempotent: a
// request that already holds an artifact reference gets it back unchanged.
func (s *Service) RetryFinalize(ctx context.Context, requestID string) (ArtifactInfo, error) {
	req, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return ArtifactInfo{}, err
	}
	if req.Status != StatusCompleted {
		if err := TerminalError(req.Status); err != nil && !errors.Is(err, ErrConflict) {
			return ArtifactInfo{}, err
		}
		return ArtifactInfo{}, fmt.Errorf("request: finalize in status %s: %w", req.Status, ErrConflict)
	}
	return s.HandleCompleted(ctx, requestID)
}
