// Package finalize resolves every placed field against its owning signer's
// captured payload and produces the completed artifact.
package finalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signflow/audit"
	"signflow/render"
	"signflow/request"
	"signflow/signer"
)

// ErrInternal marks an invariant violation: a completed request whose field
// resolution cannot proceed. Logged with full context, never shown verbatim
// to end users, and never "repaired" by borrowing another signer's data.
var ErrInternal = errors.New("finalize: internal consistency error")

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RequestStore is the request-repository slice the engine reads and writes.
type RequestStore interface {
	Get(ctx context.Context, id string) (request.Request, error)
	ListFields(ctx context.Context, requestID string) ([]request.Field, error)
	SetArtifact(ctx context.Context, tx pgx.Tx, id, ref, hash string) error
}

// SignerStore provides the signed signers and their payloads.
type SignerStore interface {
	ListByRequest(ctx context.Context, requestID string) ([]signer.Signer, error)
}

type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev audit.Event) error
}

type Engine struct {
	pool      TxBeginner
	requests  RequestStore
	signers   SignerStore
	renderer  render.Renderer
	artifacts render.ArtifactStore
	auditlog  AuditWriter
}

func NewEngine(pool TxBeginner, requests RequestStore, signers SignerStore, renderer render.Renderer, artifacts render.ArtifactStore, auditlog AuditWriter) *Engine {
	return &Engine{
		pool:      pool,
		requests:  requests,
		signers:   signers,
		renderer:  renderer,
		artifacts: artifacts,
		auditlog:  auditlog,
	}
}

// Finalize is idempotent: a completed request that already holds an artifact
// reference gets the stored reference back, never a regenerated one.
func (e *Engine) Finalize(ctx context.Context, requestID string) (request.ArtifactInfo, error) {
	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return request.ArtifactInfo{}, err
	}
	if req.Status != request.StatusCompleted {
		return request.ArtifactInfo{}, fmt.Errorf("finalize: request %s in status %s: %w", requestID, req.Status, request.ErrConflict)
	}
	if req.ArtifactRef != nil {
		return storedArtifact(req), nil
	}

	fields, err := e.requests.ListFields(ctx, requestID)
	if err != nil {
		return request.ArtifactInfo{}, err
	}
	signers, err := e.signers.ListByRequest(ctx, requestID)
	if err != nil {
		return request.ArtifactInfo{}, err
	}

	values, err := Resolve(req, fields, signers)
	if err != nil {
		return request.ArtifactInfo{}, err
	}

	content, err := e.renderer.Render(ctx, req.DocumentRef, values)
	if err != nil {
		return request.ArtifactInfo{}, fmt.Errorf("finalize: render: %w", err)
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	ref, err := e.artifacts.Put(ctx, "artifacts/"+requestID, content)
	if err != nil {
		return request.ArtifactInfo{}, fmt.Errorf("finalize: store artifact: %w", err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return request.ArtifactInfo{}, fmt.Errorf("finalize: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := e.requests.SetArtifact(ctx, tx, requestID, ref, hash); err != nil {
		if errors.Is(err, request.ErrConflict) {
			// Lost a finalization race; the renderer is deterministic so the
			// stored artifact is byte-identical. Return what won.
			current, gerr := e.requests.Get(ctx, requestID)
			if gerr != nil {
				return request.ArtifactInfo{}, gerr
			}
			if current.ArtifactRef != nil {
				return storedArtifact(current), nil
			}
		}
		return request.ArtifactInfo{}, err
	}

	if err := e.auditlog.Append(ctx, tx, audit.Event{
		RequestID: requestID,
		Type:      audit.TypeRequestFinalized,
		Payload: map[string]any{
			"artifact_ref":  ref,
			"artifact_hash": hash,
		},
	}); err != nil {
		return request.ArtifactInfo{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return request.ArtifactInfo{}, fmt.Errorf("finalize: commit: %w", err)
	}
	return request.ArtifactInfo{Ref: ref, Hash: hash}, nil
}

func storedArtifact(req request.Request) request.ArtifactInfo {
	info := request.ArtifactInfo{Ref: *req.ArtifactRef}
	if req.ArtifactHash != nil {
		info.Hash = *req.ArtifactHash
	}
	return info
}

// Resolve maps every field to a value drawn strictly from its own owning
// signer's payload. A completed request with an ownerless or payload-less
// field is an invariant breach, surfaced as ErrInternal.
func Resolve(req request.Request, fields []request.Field, signers []signer.Signer) ([]render.FieldValue, error) {
	byID := make(map[string]signer.Signer, len(signers))
	for _, s := range signers {
		byID[s.ID] = s
	}

	values := make([]render.FieldValue, 0, len(fields))
	for _, f := range fields {
		owner, ok := byID[f.SignerID]
		if !ok {
			return nil, fmt.Errorf("finalize: field %q of request %s owned by unknown signer %s: %w", f.Name, req.ID, f.SignerID, ErrInternal)
		}
		value, err := resolveField(f, owner)
		if err != nil {
			return nil, err
		}
		values = append(values, render.FieldValue{
			Name:  f.Name,
			Type:  string(f.Type),
			Value: value,
			Page:  f.Page,
			X:     f.X,
			Y:     f.Y,
			W:     f.W,
			H:     f.H,
		})
	}
	return values, nil
}

func resolveField(f request.Field, owner signer.Signer) (string, error) {
	switch f.Type {
	case request.FieldSignature, request.FieldInitials:
		if owner.Payload == nil {
			return "", fmt.Errorf("finalize: field %q: signer %s has no captured payload: %w", f.Name, owner.ID, ErrInternal)
		}
		if owner.Payload.ImageData != "" {
			return owner.Payload.ImageData, nil
		}
		if owner.Payload.TypedText != "" {
			return owner.Payload.TypedText, nil
		}
		return "", fmt.Errorf("finalize: field %q: signer %s payload is empty: %w", f.Name, owner.ID, ErrInternal)
	case request.FieldText:
		return owner.FullName, nil
	case request.FieldDate:
		if owner.SignedAt == nil {
			return "", fmt.Errorf("finalize: field %q: signer %s has no signed timestamp: %w", f.Name, owner.ID, ErrInternal)
		}
		return owner.SignedAt.UTC().Format(time.RFC3339), nil
	case request.FieldCheckbox:
		if owner.Payload != nil && owner.Payload.Metadata != nil {
			if v, ok := owner.Payload.Metadata[f.Name]; ok {
				return fmt.Sprint(v), nil
			}
		}
		return "", nil
	}
	return "", fmt.Errorf("finalize: field %q: unknown type %q: %w", f.Name, f.Type, ErrInternal)
}
