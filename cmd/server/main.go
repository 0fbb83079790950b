package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"club_billing/internal/config"
	"club_billing/internal/diagnostics"
	"club_billing/internal/logger"
	"club_billing/internal/materialize"
	"club_billing/internal/middleware"
	"club_billing/internal/planmap"
	"club_billing/internal/provider"
	"club_billing/internal/queue"
	"club_billing/internal/reconcile"
	"club_billing/internal/renewal"
	"club_billing/internal/router"
	"club_billing/internal/store"
	rediskey "club_billing/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	zaplog, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = zaplog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open migrates and folds stored status aliases
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	st := store.New(db)

	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	providerClient := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)

	mapper := planmap.NewMapper(st, zaplog.Named("planmap"))
	mat := materialize.New(st,
		rediskey.NewLocker(rdb, cfg.LockTTL),
		queue.NewOutbox(rdb, cfg.AccessGrantStream),
		materialize.Options{LockTTL: cfg.LockTTL, GrantTelegramOnPayment: cfg.GrantTelegramOnPayment},
		zaplog.Named("materialize"))
	proc := reconcile.NewProcessor(st, mapper, mat, reconcile.Options{
		Interval:    cfg.ProcessInterval,
		BatchSize:   cfg.ProcessBatchSize,
		MaxAttempts: cfg.MaxProcessAttempts,
	}, zaplog.Named("reconcile"))
	scheduler := renewal.NewScheduler(st, providerClient, renewal.Options{
		Interval:      cfg.RenewalInterval,
		MaxAttempts:   cfg.RenewalMaxAttempts,
		Backoff:       cfg.RenewalBackoff,
		ClaimTTL:      cfg.RenewalClaimTTL,
		ChargeTimeout: cfg.ProviderTimeout,
		BatchSize:     cfg.RenewalBatchSize,
	}, zaplog.Named("renewal"))
	detector := diagnostics.NewDetector(st, providerClient, zaplog.Named("diagnostics"))

	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.AccessGrantsTopic)
	defer func() { _ = producer.Close() }()
	relay := queue.NewRelay(rdb, producer, cfg.AccessGrantStream, cfg.AccessGrantGroup, cfg.AccessGrantConsumer, zaplog.Named("relay"))
	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.PaymentEventsTopic, cfg.PaymentEventsGroup, proc, zaplog.Named("consumer"))
	defer func() { _ = consumer.Close() }()

	var wg sync.WaitGroup
	for _, worker := range []func(context.Context){proc.Run, scheduler.Run, relay.Run, consumer.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx)
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), logger.RequestLog(zaplog.Named("http")))
	router.Setup(r, router.Deps{
		Store:        st,
		Processor:    proc,
		Mapper:       mapper,
		Materializer: mat,
		Renewals:     scheduler,
		Detector:     detector,
		WebhookLimit: middleware.WebhookRateLimit(rdb, cfg.WebhookRateLimit, cfg.WebhookRateWindow, zaplog.Named("ratelimit")),
		AdminToken:   cfg.AdminToken,
		Log:          zaplog.Named("router"),
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		zaplog.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
	}

	zaplog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}
