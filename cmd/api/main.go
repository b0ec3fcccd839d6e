package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"signflow/audit"
	"signflow/config"
	"signflow/db"
	"signflow/finalize"
	"signflow/gate"
	"signflow/notify"
	"signflow/outbox"
	"signflow/render"
	"signflow/request"
	"signflow/signer"
	"signflow/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("bootstrap config: %v", err)
	}

	if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
		log.Fatalf("bootstrap migrations: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("bootstrap redis: %v", err)
	}

	var artifacts render.ArtifactStore
	if cfg.MinioEndpoint != "" {
		store, err := render.NewMinioStore(ctx, render.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("bootstrap artifact store: %v", err)
		}
		artifacts = store
	} else {
		artifacts = render.DirStore{Root: cfg.ArtifactDir}
	}

	auditWriter := audit.NewWriter()
	recorder := audit.NewRecorder(pool, 256)
	outboxWriter := outbox.NewWriter()

	requestRepo := request.NewRepository(pool)
	signerRepo := signer.NewRepository(pool)

	requestSvc := request.NewService(pool, requestRepo, auditWriter, outboxWriter)
	engine := finalize.NewEngine(pool, requestRepo, signerRepo, render.OverlayRenderer{}, artifacts, auditWriter)
	requestSvc.WithFinalizer(engine)

	signerSvc := signer.NewService(pool, signerRepo, requestRepo, auditWriter, outboxWriter).
		WithCompletionHandler(requestSvc)

	tokens := gate.NewTokenStore(rdb, []byte(cfg.GateSecret), cfg.GateTokenTTL)
	codes := gate.NewRedisCodeStore(rdb, cfg.GateTokenTTL)
	signingGate := gate.New(codes, tokens, signerRepo, signerSvc, recorder)

	sweep := sweeper.New(pool, requestRepo, auditWriter, outboxWriter, cfg.SweepInterval, cfg.WarningWindow)
	worker := outbox.NewWorker(pool, notify.LogSender{}, cfg.OutboxInterval)

	server := &Server{
		requests: requestSvc,
		signers:  signerSvc,
		gate:     signingGate,
		sweeper:  sweep,
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recorder.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := sweep.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("api listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	log.Printf("shutdown complete")
}
