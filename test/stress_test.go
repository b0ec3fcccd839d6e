package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"signflow/audit"
	"signflow/gate"
	"signflow/notify"
	"signflow/outbox"
	"signflow/request"
	"signflow/signer"
	"signflow/sweeper"
	"signflow/test/infra"
	"signflow/test/oracles"
)

var (
	stressDuration = flag.Duration("stress.duration", 20*time.Second, "how long the actor swarm runs")
	stressCreators = flag.Int("stress.creators", 4, "concurrent request creators")
	stressSigners  = flag.Int("stress.signers", 12, "concurrent signing actors")
)

// TestSigningConcurrency boots a real Postgres, lets a swarm of actors create,
// view, sign, decline, cancel and sweep concurrently, and runs the oracle
// suite against the live data throughout.
func TestSigningConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress suite skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *stressDuration+2*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx)
	if err != nil {
		t.Fatalf("boot harness: %v", err)
	}
	defer h.Close(context.Background())
	pool := h.Pool()

	requestRepo := request.NewRepository(pool)
	signerRepo := signer.NewRepository(pool)
	requestSvc := request.NewService(pool, requestRepo, audit.NewWriter(), outbox.NewWriter())
	signerSvc := signer.NewService(pool, signerRepo, requestRepo, audit.NewWriter(), outbox.NewWriter())
	sweep := sweeper.New(pool, requestRepo, audit.NewWriter(), outbox.NewWriter(), time.Hour, 24*time.Hour)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	recorder := audit.NewRecorder(pool, 256)
	codes := gate.NewRedisCodeStore(rdb, time.Minute)
	tokens := gate.NewTokenStore(rdb, []byte("stress-secret"), time.Minute)
	signingGate := gate.New(codes, tokens, signerRepo, signerSvc, recorder)
	worker := outbox.NewWorker(pool, notify.LogSender{}, 250*time.Millisecond)

	reg := &registry{}

	runCtx, stopActors := context.WithTimeout(ctx, *stressDuration)
	defer stopActors()

	g, gctx := errgroup.WithContext(runCtx)

	for i := 0; i < *stressCreators; i++ {
		actor := i
		g.Go(func() error {
			return runCreator(gctx, actor, requestSvc, reg)
		})
	}
	for i := 0; i < *stressSigners; i++ {
		g.Go(func() error {
			return runSigner(gctx, signerSvc, signingGate, codes, reg)
		})
	}
	g.Go(func() error {
		return runCanceller(gctx, requestSvc, reg)
	})
	g.Go(func() error {
		// Drains the rows the workflow transactions enqueue, concurrently
		// with the transactions themselves.
		err := worker.Run(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		recorder.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// Manual sweeps interleave with live signing traffic.
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
				if _, err := sweep.Sweep(gctx); err != nil && gctx.Err() == nil {
					return fmt.Errorf("sweep: %w", err)
				}
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := runOracles(gctx, pool); err != nil && gctx.Err() == nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Fatalf("actor swarm: %v", err)
	}

	// Deliver whatever was still pending when the worker stopped.
	for i := 0; i < 100; i++ {
		var pending int
		if err := pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE status = 'pending'`).Scan(&pending); err != nil {
			t.Fatalf("count pending outbox: %v", err)
		}
		if pending == 0 {
			break
		}
		if err := worker.DrainOnce(ctx); err != nil {
			t.Fatalf("final drain: %v", err)
		}
	}

	// Final full oracle pass on quiesced data.
	if err := runOracles(ctx, pool); err != nil {
		t.Fatalf("final oracle pass: %v", err)
	}

	var processed, dead int
	if err := pool.QueryRow(ctx, `SELECT count(*) FILTER (WHERE status = 'processed'), count(*) FILTER (WHERE status = 'dead') FROM outbox`).Scan(&processed, &dead); err != nil {
		t.Fatalf("count outbox outcomes: %v", err)
	}
	if processed == 0 {
		t.Fatalf("worker processed no outbox rows")
	}
	if dead != 0 {
		t.Errorf("logging sender never fails, yet %d rows went dead", dead)
	}

	if verified := reg.verifiedCount(); verified > 0 {
		var recorded int
		if err := pool.QueryRow(ctx, `SELECT count(*) FROM audit_events WHERE type = 'CODE_VERIFIED'`).Scan(&recorded); err != nil {
			t.Fatalf("count verification events: %v", err)
		}
		if recorded == 0 {
			t.Errorf("gate verified %d codes but the recorder persisted none", verified)
		}
	}

	created, completed := reg.stats()
	t.Logf("stress run: %d requests created, %d observed completed", created, completed)
	if created == 0 {
		t.Fatalf("swarm created no requests; harness misconfigured")
	}
}

func runOracles(ctx context.Context, pool *pgxpool.Pool) error {
	for _, o := range oracles.All() {
		if err := o.Check(ctx, pool); err != nil {
			return fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return nil
}

// liveRequest is one request the swarm is working on, with everything a
// signing actor needs.
type liveRequest struct {
	id         string
	sequential bool
	signers    []liveSigner
}

type liveSigner struct {
	id           string
	token        string
	order        int
	codeRequired bool
}

// registry is the shared pool of live requests actors pick work from.
type registry struct {
	mu        sync.Mutex
	live      []*liveRequest
	created   int
	completed int
	verified  int
}

func (r *registry) add(lr *liveRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = append(r.live, lr)
	r.created++
}

func (r *registry) pick(rnd *rand.Rand) *liveRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.live) == 0 {
		return nil
	}
	return r.live[rnd.Intn(len(r.live))]
}

func (r *registry) markCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *registry) markVerified() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verified++
}

func (r *registry) verifiedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verified
}

func (r *registry) stats() (created, completed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created, r.completed
}

func runCreator(ctx context.Context, actor int, svc *request.Service, reg *registry) error {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(actor)))
	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(50+rnd.Intn(200)) * time.Millisecond):
		}
		n++

		policy := request.PolicyParallel
		if rnd.Intn(2) == 0 {
			policy = request.PolicySequential
		}
		total := 1 + rnd.Intn(4)
		params := request.CreateParams{
			DocumentRef: fmt.Sprintf("doc-%d-%d", actor, n),
			Title:       fmt.Sprintf("Stress request %d/%d", actor, n),
			Policy:      policy,
			InitiatorID: fmt.Sprintf("creator-%d", actor),
		}
		if rnd.Intn(10) == 0 {
			params.ExpiresInDays = 1
		}
		for s := 0; s < total; s++ {
			params.Signers = append(params.Signers, request.SignerInput{
				Email:        fmt.Sprintf("s%d-%d-%d@example.com", actor, n, s),
				FullName:     fmt.Sprintf("Signer %d", s),
				CodeRequired: rnd.Intn(4) == 0,
			})
		}

		created, access, err := svc.Create(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("creator %d: %w", actor, err)
		}

		lr := &liveRequest{id: created.ID, sequential: policy == request.PolicySequential}
		for i, a := range access {
			order := 0
			if lr.sequential {
				order = i + 1
			}
			lr.signers = append(lr.signers, liveSigner{
				id:           a.SignerID,
				token:        a.AccessToken,
				order:        order,
				codeRequired: params.Signers[i].CodeRequired,
			})
		}
		reg.add(lr)
	}
}

// runSigner repeatedly picks a live request and drives a random signer: view,
// then usually sign (through the gate, clearing code verification when the
// signer demands it), occasionally decline, sometimes deliberately out of
// order. Every error outside the engine's taxonomy fails the run.
func runSigner(ctx context.Context, svc *signer.Service, signingGate *gate.Gate, codes *gate.RedisCodeStore, reg *registry) error {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(10+rnd.Intn(80)) * time.Millisecond):
		}

		lr := reg.pick(rnd)
		if lr == nil {
			continue
		}
		sg := lr.signers[rnd.Intn(len(lr.signers))]

		if _, err := svc.RecordView(ctx, signer.ViewParams{SignerID: sg.id, AccessToken: sg.token}); err != nil {
			if !expectedSignerErr(err) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("view: %w", err)
			}
			continue
		}

		if rnd.Intn(20) == 0 {
			_, err := svc.RecordDecline(ctx, signer.DeclineParams{
				SignerID:    sg.id,
				AccessToken: sg.token,
				Reason:      "stress decline",
			})
			if err != nil && !expectedSignerErr(err) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("decline: %w", err)
			}
			continue
		}

		var sessionToken string
		if sg.codeRequired {
			code, err := codes.Generate(ctx, sg.id)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("generate code: %w", err)
			}
			sessionToken, err = signingGate.VerifyCode(ctx, sg.id, code)
			if err != nil {
				// Another actor regenerating the same signer's code between
				// our Generate and VerifyCode invalidates ours.
				if expectedGateErr(err) || expectedSignerErr(err) {
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("verify code: %w", err)
			}
			reg.markVerified()
		}

		res, err := signingGate.Sign(ctx, gate.SignRequest{
			SessionToken: sessionToken,
			Params: signer.SignParams{
				SignerID:    sg.id,
				AccessToken: sg.token,
				Payload:     signer.Payload{Kind: "typed", TypedText: "stress"},
			},
		})
		if err != nil {
			if !expectedSignerErr(err) && !expectedGateErr(err) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("sign: %w", err)
			}
			continue
		}
		if res.Tally.JustCompleted {
			reg.markCompleted()
		}
	}
}

func runCanceller(ctx context.Context, svc *request.Service, reg *registry) error {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() ^ 0x5eed))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(300+rnd.Intn(700)) * time.Millisecond):
		}

		lr := reg.pick(rnd)
		if lr == nil {
			continue
		}
		if _, err := svc.Cancel(ctx, lr.id, "stress-canceller", audit.Actor{}); err != nil {
			if !expectedRequestErr(err) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("cancel: %w", err)
			}
		}
	}
}

// expectedSignerErr reports whether err belongs to the engine's documented
// rejection taxonomy; anything else is a bug.
func expectedSignerErr(err error) bool {
	return errors.Is(err, signer.ErrAlreadyFinal) ||
		errors.Is(err, signer.ErrOrderViolation) ||
		errors.Is(err, signer.ErrNotFound) ||
		expectedRequestErr(err)
}

func expectedGateErr(err error) bool {
	return errors.Is(err, gate.ErrCodeRequired) ||
		errors.Is(err, gate.ErrCodeInvalid) ||
		errors.Is(err, gate.ErrCodeExpired)
}

func expectedRequestErr(err error) bool {
	return errors.Is(err, request.ErrConflict) ||
		errors.Is(err, request.ErrRequestExpired) ||
		errors.Is(err, request.ErrRequestCancelled) ||
		errors.Is(err, request.ErrRequestDeclined) ||
		errors.Is(err, request.ErrNotFound)
}
