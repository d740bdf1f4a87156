package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/service-matching/internal/config"
	"github.com/example/service-matching/internal/dispatch"
	"github.com/example/service-matching/internal/expansion"
	httpapi "github.com/example/service-matching/internal/http"
	"github.com/example/service-matching/internal/ingest"
	"github.com/example/service-matching/internal/logging"
	"github.com/example/service-matching/internal/matcher"
	"github.com/example/service-matching/internal/mirror"
	"github.com/example/service-matching/internal/payments"
	"github.com/example/service-matching/internal/queue"
	"github.com/example/service-matching/internal/requests"
	"github.com/example/service-matching/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "service-matching")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	wsreg := dispatch.NewWSRegistry()
	mux := queue.NewMux()

	var (
		durable mirror.Mirror
		lane    queue.Lane
		worker  *queue.Worker
	)
	retry := queue.RetryPolicy{MaxRetries: cfg.QueueMaxRetries, Backoff: cfg.QueueBackoff}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		durable = mirror.NewRedisMirror(rc, cfg.MirrorTTL, cfg.MirrorTimeout)
		rl := queue.NewRedisLane(rc, "")
		lane = rl
		worker = &queue.Worker{
			Source:       rl,
			Lane:         cfg.ExpansionLane,
			Handler:      mux.Dispatch,
			Retry:        retry,
			PollInterval: cfg.QueuePollInterval,
			Logger:       logger,
		}
		logger.Info("using redis mirror and queue", "addr", cfg.RedisAddr)
	} else {
		durable = mirror.NewMemoryMirror()
		ml := queue.NewMemoryLane(mux.Dispatch, retry, logger)
		defer ml.Close()
		lane = ml
		logger.Warn("REDIS_ADDR not set; using in-process mirror and queue")
	}

	var push dispatch.Gateway
	if cfg.FCMEndpoint != "" {
		push = dispatch.NewFCMGateway(cfg.FCMEndpoint, cfg.FCMKey, cfg.PushTimeout)
	} else {
		pushLog := logging.Component(logger, "push")
		push = &dispatch.LogGateway{Logf: func(format string, args ...any) { pushLog.Debug("push skipped", "detail", fmt.Sprintf(format, args...)) }}
	}

	var holder payments.Holder
	if cfg.StripeAPIKey != "" {
		holder = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	var producer *ingest.KafkaProducer
	var updates httpapi.UpdatePublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		updates = producer
	}

	engine := &matcher.Engine{
		Store:         store,
		Push:          push,
		Mirror:        mirror.Fanout{durable, &mirror.WSMirror{Pusher: wsreg}},
		Logger:        logger,
		Concurrency:   cfg.DeliveryConcurrency,
		MirrorTimeout: cfg.MirrorTimeout,
	}
	scheduler := &expansion.Scheduler{
		Requests:    store,
		Matcher:     engine,
		Lane:        lane,
		LaneName:    cfg.ExpansionLane,
		Tiers:       cfg.RadiusTiers,
		Delay:       cfg.ExpansionDelay,
		StopOnMatch: cfg.StopOnMatch,
		Logger:      logger,
	}
	mux.Handle(expansion.TaskKind, scheduler.HandleTask)

	svc := &requests.Service{
		Store:     store,
		Matcher:   engine,
		Expansion: scheduler,
		Payments:  holder,
		Currency:  cfg.PaymentCurrency,
		FirstTier: cfg.RadiusTiers.First(),
		Logger:    logger,
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(logger, svc, store, updates, wsreg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	workerDone := make(chan struct{})
	if worker != nil {
		go func() {
			defer close(workerDone)
			_ = worker.Run(ctx)
		}()
	} else {
		close(workerDone)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("service-matching listening", "addr", cfg.HTTPAddr, "tiers_km", []int(cfg.RadiusTiers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-workerDone
	return err
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := ps.Migrate(mctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("schema applied")
	}
	return ps, nil
}
