/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the wallet ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, flags, environment)
  2. Initialize the zap logger
  3. Open the store (SQLite or Postgres)
  4. Connect optional backends: Redis, RabbitMQ, MongoDB
  5. Build services, HTTP router and scheduler
  6. Run server and scheduler under one errgroup until SIGINT/SIGTERM

OPTIONAL BACKENDS:
  REDIS_ADDR   Idempotency-Key response cache (in-process cache otherwise)
  AMQP_URL     Domain events (discarded otherwise)
  MONGO_URI    Audit log (store's audit_log table otherwise)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close backends

EXAMPLES:
  # Run with file database
  ./server -db="./data/wallet.db" -jwt-secret=dev -gateway-key-secret=dev -gateway-webhook-secret=dev

  # Run against Postgres
  STORE_DRIVER=postgres DATABASE_URI=postgres://... ./server

SEE ALSO:
  - config/config.go: Flags and environment variables
  - api/server.go: Router configuration
  - api/scheduler.go: Background jobs
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/wallet-ledger/api"
	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/auth"
	"github.com/warp/wallet-ledger/config"
	"github.com/warp/wallet-ledger/events"
	"github.com/warp/wallet-ledger/gateway"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/logger"
	"github.com/warp/wallet-ledger/metrics"
	"github.com/warp/wallet-ledger/store/postgres"
	"github.com/warp/wallet-ledger/store/sqlite"
	"github.com/warp/wallet-ledger/topup"
	"github.com/warp/wallet-ledger/withdrawal"
)

// backend is what both SQL stores provide.
type backend interface {
	ledger.Store
	withdrawal.Store
	topup.Inbox
	audit.Log
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		panic(fmt.Errorf("method main: %v", err))
	}
	defer logger.Log.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal("invalid configuration", zap.Error(err))
	}
	logger.Log.Info("starting wallet ledger",
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.StoreDriver),
		zap.String("currency", cfg.Currency))

	if err := run(cfg); err != nil {
		logger.Log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ledgerSvc := ledger.NewService(store, cfg.Currency)
	ledgerSvc.Metrics = m
	ledgerSvc.Audit = store

	if cfg.MongoURI != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		defer client.Disconnect(context.Background())
		ledgerSvc.Audit = audit.NewMongoLog(client, cfg.MongoDatabase)
		logger.Log.Info("audit log stored in mongodb", zap.String("database", cfg.MongoDatabase))
	}

	if cfg.AMQPURL != "" {
		pub, err := events.DialRabbit(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		ledgerSvc.Events = pub
		logger.Log.Info("publishing events to rabbitmq", zap.String("exchange", cfg.AMQPExchange))
	}

	var cache api.ResponseCache = api.NewMemoryCache()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Log.Warn("redis unreachable, using in-process idempotency cache", zap.Error(err))
		} else {
			cache = api.NewRedisCache(rdb)
		}
	}

	wf := withdrawal.NewWorkflow(store, ledgerSvc, cfg.MinWithdrawal)
	wf.Events = ledgerSvc.Events
	wf.Metrics = m

	gw := gateway.NewClient(gateway.Config{
		BaseURL:       cfg.GatewayBaseURL,
		KeyID:         cfg.GatewayKeyID,
		KeySecret:     cfg.GatewayKeySecret,
		WebhookSecret: cfg.GatewayWebhookSecret,
	})
	tu := topup.NewService(ledgerSvc, gw, store)
	tu.KeyID = cfg.GatewayKeyID
	tu.Metrics = m
	if cfg.MaxTopUp > 0 {
		tu.MaxAmount = cfg.MaxTopUp
	}

	h := api.NewHandler(ledgerSvc, wf, tu, ledgerSvc.Audit)
	h.Health = store.Ping
	router := api.NewRouter(h, api.RouterOptions{
		Verifier:       auth.NewVerifier(cfg.JWTSecret),
		Metrics:        m,
		Gatherer:       reg,
		CORSOrigins:    cfg.CORSOrigins,
		Cache:          cache,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	sched := api.NewScheduler(ledgerSvc, tu, m)
	sched.RetryInterval = cfg.RetryInterval
	sched.ReconcileInterval = cfg.ReconcileInterval
	sched.PendingTTL = cfg.PendingTTL

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Log.Info("server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	if cfg.StoreDriver == config.DriverPostgres {
		s, err := postgres.New(ctx, cfg.DatabaseURI)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := sqlite.New(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}
