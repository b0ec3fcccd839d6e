package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"signflow/audit"
	"signflow/request"
)

func TestSweep_ExpiresAndWarns(t *testing.T) {
	pool := &fakePool{}
	store := &fakeExpiryStore{
		expired: []request.Request{{ID: "r1", Title: "Overdue"}},
		warned:  []request.Request{{ID: "r2", Title: "Soon"}, {ID: "r3", Title: "Also soon"}},
	}
	auditlog := &fakeAudit{}
	box := &fakeOutbox{}
	s := New(pool, store, auditlog, box, time.Hour, 24*time.Hour)

	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(res.Expired) != 1 || res.Expired[0] != "r1" {
		t.Errorf("unexpected expired set: %v", res.Expired)
	}
	if len(res.Warned) != 2 {
		t.Errorf("unexpected warned set: %v", res.Warned)
	}

	types := make([]string, 0, len(auditlog.events))
	for _, ev := range auditlog.events {
		types = append(types, ev.Type)
	}
	want := []string{audit.TypeRequestExpired, audit.TypeExpiryWarning, audit.TypeExpiryWarning}
	if len(types) != len(want) {
		t.Fatalf("expected %v audit events, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("audit event %d: expected %s, got %s", i, want[i], types[i])
		}
	}

	wantTopics := []string{"request.expired", "request.expiring_soon", "request.expiring_soon"}
	if len(box.topics) != len(wantTopics) {
		t.Fatalf("expected outbox topics %v, got %v", wantTopics, box.topics)
	}
	for i := range wantTopics {
		if box.topics[i] != wantTopics[i] {
			t.Errorf("outbox topic %d: expected %s, got %s", i, wantTopics[i], box.topics[i])
		}
	}

	if !pool.tx.committed {
		t.Errorf("expected single committed transaction")
	}
	if store.window != "86400 seconds" {
		t.Errorf("unexpected warning window literal: %q", store.window)
	}
}

func TestSweep_NothingDue(t *testing.T) {
	pool := &fakePool{}
	auditlog := &fakeAudit{}
	box := &fakeOutbox{}
	s := New(pool, &fakeExpiryStore{}, auditlog, box, time.Hour, 24*time.Hour)

	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Expired) != 0 || len(res.Warned) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
	if len(auditlog.events) != 0 || len(box.topics) != 0 {
		t.Errorf("expected no events on an empty sweep")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit even when nothing is due")
	}
}

func TestSweep_StoreErrorRollsBack(t *testing.T) {
	pool := &fakePool{}
	store := &fakeExpiryStore{expireErr: errors.New("db down")}
	s := New(pool, store, &fakeAudit{}, &fakeOutbox{}, time.Hour, 24*time.Hour)

	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if pool.tx.committed {
		t.Errorf("expected rollback on store error")
	}
}

type fakeExpiryStore struct {
	expired   []request.Request
	warned    []request.Request
	expireErr error
	window    string
}

func (f *fakeExpiryStore) MarkExpired(_ context.Context, _ pgx.Tx) ([]request.Request, error) {
	return f.expired, f.expireErr
}

func (f *fakeExpiryStore) MarkNearingExpiry(_ context.Context, _ pgx.Tx, window string) ([]request.Request, error) {
	f.window = window
	return f.warned, nil
}

type fakeAudit struct {
	events []audit.Event
}

func (f *fakeAudit) Append(_ context.Context, _ pgx.Tx, ev audit.Event) error {
	f.events = append(f.events, ev)
	return nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(_ context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
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
