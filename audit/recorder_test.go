package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func newTestRecorder(buffer int, insert func(ctx context.Context, ev Event) error) *Recorder {
	return &Recorder{ch: make(chan Event, buffer), insert: insert}
}

func TestRecorder_RetriesSeqConflict(t *testing.T) {
	calls := 0
	r := newTestRecorder(4, func(_ context.Context, _ Event) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "23505"}
		}
		return nil
	})

	r.persist(context.Background(), Event{RequestID: "req-1", Type: TypeCodeVerified})

	if calls != 3 {
		t.Fatalf("expected 2 seq conflicts then success, got %d attempts", calls)
	}
}

func TestRecorder_NonRetryableDropsAfterOneAttempt(t *testing.T) {
	calls := 0
	r := newTestRecorder(4, func(_ context.Context, _ Event) error {
		calls++
		return errors.New("enum value missing")
	})

	r.persist(context.Background(), Event{RequestID: "req-1", Type: TypeCodeVerified})

	if calls != 1 {
		t.Fatalf("expected a single attempt for a non-retryable error, got %d", calls)
	}
}

func TestRecorder_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	r := newTestRecorder(1, func(_ context.Context, _ Event) error { return nil })

	r.Record(Event{RequestID: "req-1", Type: TypeCodeVerified})
	r.Record(Event{RequestID: "req-2", Type: TypeCodeVerified})

	if got := len(r.ch); got != 1 {
		t.Fatalf("expected the overflow event dropped, %d queued", got)
	}
	ev := <-r.ch
	if ev.RequestID != "req-1" {
		t.Fatalf("expected the first event retained, got %s", ev.RequestID)
	}
}

func TestRecorder_RunDrainsBacklogOnShutdown(t *testing.T) {
	var mu sync.Mutex
	var inserted []string
	r := newTestRecorder(4, func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		inserted = append(inserted, ev.RequestID)
		return nil
	})

	r.Record(Event{RequestID: "req-1", Type: TypeCodeVerified})
	r.Record(Event{RequestID: "req-2", Type: TypeCodeVerified})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(inserted) != 2 {
		t.Fatalf("expected the backlog persisted on shutdown, got %v", inserted)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"constraint violation", &pgconn.PgError{Code: "23514"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Errorf("%s: isRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
