package finalize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"signflow/audit"
	"signflow/render"
	"signflow/request"
	"signflow/signer"
)

func signedAt(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func completedFixture() (request.Request, []request.Field, []signer.Signer) {
	req := request.Request{
		ID:           "req-1",
		DocumentRef:  "doc-1",
		Status:       request.StatusCompleted,
		TotalSigners: 2,
		SignedCount:  2,
	}
	fields := []request.Field{
		{ID: "f1", RequestID: "req-1", SignerID: "sg-a", Name: "sig_a", Type: request.FieldSignature, Page: 1},
		{ID: "f2", RequestID: "req-1", SignerID: "sg-b", Name: "sig_b", Type: request.FieldSignature, Page: 2},
		{ID: "f3", RequestID: "req-1", SignerID: "sg-a", Name: "date_a", Type: request.FieldDate, Page: 1},
		{ID: "f4", RequestID: "req-1", SignerID: "sg-b", Name: "name_b", Type: request.FieldText, Page: 2},
	}
	signers := []signer.Signer{
		{
			ID:        "sg-a",
			RequestID: "req-1",
			FullName:  "Alice",
			Status:    signer.StatusSigned,
			SignedAt:  signedAt("2026-03-01T10:00:00Z"),
			Payload:   &signer.Payload{Kind: "image", ImageData: "img-alice"},
		},
		{
			ID:        "sg-b",
			RequestID: "req-1",
			FullName:  "Bob",
			Status:    signer.StatusSigned,
			SignedAt:  signedAt("2026-03-01T11:00:00Z"),
			Payload:   &signer.Payload{Kind: "typed", TypedText: "Bob B."},
		},
	}
	return req, fields, signers
}

func TestResolve_FieldIsolation(t *testing.T) {
	req, fields, signers := completedFixture()

	values, err := Resolve(req, fields, signers)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	byName := make(map[string]render.FieldValue, len(values))
	for _, v := range values {
		byName[v.Name] = v
	}

	if byName["sig_a"].Value != "img-alice" {
		t.Errorf("sig_a must resolve from Alice's payload, got %q", byName["sig_a"].Value)
	}
	if byName["sig_b"].Value != "Bob B." {
		t.Errorf("sig_b must resolve from Bob's payload, got %q", byName["sig_b"].Value)
	}
	if byName["date_a"].Value != "2026-03-01T10:00:00Z" {
		t.Errorf("date_a must carry Alice's signed timestamp, got %q", byName["date_a"].Value)
	}
	if byName["name_b"].Value != "Bob" {
		t.Errorf("name_b must carry Bob's full name, got %q", byName["name_b"].Value)
	}
}

func TestResolve_MissingPayloadIsInternal(t *testing.T) {
	req, fields, signers := completedFixture()
	signers[1].Payload = nil

	_, err := Resolve(req, fields, signers)
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if !strings.Contains(err.Error(), "sg-b") {
		t.Errorf("expected error to name the broken signer, got %v", err)
	}
}

func TestResolve_UnknownOwnerIsInternal(t *testing.T) {
	req, fields, signers := completedFixture()
	fields[0].SignerID = "sg-ghost"

	_, err := Resolve(req, fields, signers)
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
}

func TestFinalize_NotCompleted(t *testing.T) {
	req, fields, signers := completedFixture()
	req.Status = request.StatusInProgress
	store := &fakeStore{req: req, fields: fields, signers: signers}
	engine := newTestEngine(store, &memArtifacts{})

	_, err := engine.Finalize(context.Background(), "req-1")
	if !errors.Is(err, request.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestFinalize_Success(t *testing.T) {
	req, fields, signers := completedFixture()
	store := &fakeStore{req: req, fields: fields, signers: signers}
	artifacts := &memArtifacts{}
	engine := newTestEngine(store, artifacts)

	info, err := engine.Finalize(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if info.Ref == "" || info.Hash == "" {
		t.Fatalf("expected artifact ref and hash, got %+v", info)
	}
	if store.artifactRef != info.Ref || store.artifactHash != info.Hash {
		t.Errorf("expected artifact persisted on request row")
	}
	if len(artifacts.keys) != 1 || artifacts.keys[0] != "artifacts/req-1" {
		t.Errorf("unexpected artifact keys: %v", artifacts.keys)
	}
	if len(store.auditlog.events) != 1 || store.auditlog.events[0].Type != audit.TypeRequestFinalized {
		t.Errorf("expected REQUEST_FINALIZED event, got %+v", store.auditlog.events)
	}
}

func TestFinalize_IdempotentReturnsStored(t *testing.T) {
	req, fields, signers := completedFixture()
	ref, hash := "s3://bucket/artifacts/req-1", "deadbeef"
	req.ArtifactRef = &ref
	req.ArtifactHash = &hash
	store := &fakeStore{req: req, fields: fields, signers: signers}
	artifacts := &memArtifacts{}
	engine := newTestEngine(store, artifacts)

	info, err := engine.Finalize(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if info.Ref != ref || info.Hash != hash {
		t.Errorf("expected stored artifact back, got %+v", info)
	}
	if len(artifacts.keys) != 0 {
		t.Errorf("expected no re-render on idempotent rerun, wrote %v", artifacts.keys)
	}
}

func TestFinalize_LosesRaceReturnsWinner(t *testing.T) {
	req, fields, signers := completedFixture()
	winnerRef, winnerHash := "s3://bucket/artifacts/req-1", "cafebabe"
	store := &fakeStore{
		req:            req,
		fields:         fields,
		signers:        signers,
		setArtifactErr: request.ErrConflict,
		raceWinner:     &request.ArtifactInfo{Ref: winnerRef, Hash: winnerHash},
	}
	engine := newTestEngine(store, &memArtifacts{})

	info, err := engine.Finalize(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("finalize after lost race: %v", err)
	}
	if info.Ref != winnerRef || info.Hash != winnerHash {
		t.Errorf("expected the winner's artifact, got %+v", info)
	}
}

func TestOverlayRenderer_Deterministic(t *testing.T) {
	req, fields, signers := completedFixture()
	values, err := Resolve(req, fields, signers)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	r := render.OverlayRenderer{}
	first, err := r.Render(context.Background(), req.DocumentRef, values)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	// Same inputs in a different order must yield identical bytes.
	reversed := make([]render.FieldValue, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		reversed = append(reversed, values[i])
	}
	second, err := r.Render(context.Background(), req.DocumentRef, reversed)
	if err != nil {
		t.Fatalf("render reversed: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("renderer is not deterministic across input order")
	}
}

func newTestEngine(store *fakeStore, artifacts render.ArtifactStore) *Engine {
	store.auditlog = &fakeAudit{}
	return NewEngine(&fakePool{}, store, store, render.OverlayRenderer{}, artifacts, store.auditlog)
}

type fakeStore struct {
	req     request.Request
	fields  []request.Field
	signers []signer.Signer

	artifactRef    string
	artifactHash   string
	setArtifactErr error
	raceWinner     *request.ArtifactInfo
	gets           int

	auditlog *fakeAudit
}

func (f *fakeStore) Get(_ context.Context, _ string) (request.Request, error) {
	f.gets++
	req := f.req
	// The re-read after a lost SetArtifact race sees the winner's artifact.
	if f.raceWinner != nil && f.gets > 1 {
		ref, hash := f.raceWinner.Ref, f.raceWinner.Hash
		req.ArtifactRef = &ref
		req.ArtifactHash = &hash
	}
	return req, nil
}

func (f *fakeStore) ListFields(_ context.Context, _ string) ([]request.Field, error) {
	return f.fields, nil
}

func (f *fakeStore) SetArtifact(_ context.Context, _ pgx.Tx, _, ref, hash string) error {
	if f.setArtifactErr != nil {
		return f.setArtifactErr
	}
	f.artifactRef = ref
	f.artifactHash = hash
	return nil
}

func (f *fakeStore) ListByRequest(_ context.Context, _ string) ([]signer.Signer, error) {
	return f.signers, nil
}

type memArtifacts struct {
	keys []string
}

func (m *memArtifacts) Put(_ context.Context, key string, _ []byte) (string, error) {
	m.keys = append(m.keys, key)
	return "mem://" + key, nil
}

type fakeAudit struct {
	events []audit.Event
}

func (f *fakeAudit) Append(_ context.Context, _ pgx.Tx, ev audit.Event) error {
	f.events = append(f.events, ev)
	return nil
}

type fakePool struct{}

func (f *fakePool) Begin(_ context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

type fakeTx struct {
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
