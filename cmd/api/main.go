package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"settleflow/auth"
	"settleflow/catalog"
	"settleflow/config"
	"settleflow/db"
	"settleflow/dispatch"
	"settleflow/ledger"
	"settleflow/notify"
	"settleflow/orchestrator"
	"settleflow/orders"
	"settleflow/payment"
)

func main() {
	configPath := flag.String("config", envOrDefault("CONFIG_PATH", "configs/settleflow.yaml"), "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, logger); err != nil {
		logger.Error("service exited", "module", "bootstrap", "outcome", "failure", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger = logger.With("service", cfg.ServiceID)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	store, closeStore, err := openLedger(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier, closeNotifier, err := openNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	var payments payment.Capturer = payment.Sandbox{}
	if cfg.PaymentBaseURL != "" {
		payments = payment.NewClient(cfg.PaymentBaseURL, cfg.PaymentAPIKey, cfg.PaymentTimeout)
	} else {
		logger.Warn("PAYMENT_BASE_URL not set; captures use the sandbox", "module", "bootstrap")
	}

	dispatcher := dispatch.New(logger, dispatch.Options{
		Workers:     cfg.DispatchWorkers,
		QueueSize:   cfg.DispatchQueue,
		TaskTimeout: cfg.DispatchTimeout,
	})

	products := catalog.NewService(catalog.NewRepository(pool))
	settlements := orchestrator.NewService(store, orchestrator.Deps{
		Payments:   payments,
		Products:   products,
		Orders:     orders.NewStatusSync(pool),
		Notifier:   notifier,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	accounts := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, cfg.TokenTTL)

	server := NewServer(settlements, accounts, products, logger).WithReadiness(pool.Ping)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", "module", "bootstrap", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server starting", "module", "bootstrap", "addr", grpcListener.Addr().String())
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if cfg.SweepInterval > 0 {
		g.Go(func() error {
			return settlements.NewSweeper().Run(gctx, cfg.SweepInterval)
		})
	} else {
		logger.Info("expiry sweeper disabled", "module", "bootstrap")
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "module", "bootstrap")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		logger.Warn("dispatcher drain incomplete", "module", "bootstrap", "error", err)
	}
	return runErr
}

func openLedger(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger) (ledger.Store, func(), error) {
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		return ledger.NewPostgresStore(pool), func() {}, nil
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return ledger.NewRedisStore(client), func() { _ = client.Close() }, nil
	case config.BackendSQLite:
		store, err := ledger.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case config.BackendMemory:
		logger.Warn("ledger is in memory; records are lost on restart", "module", "bootstrap")
		return ledger.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func openNotifier(cfg config.Config, logger *slog.Logger) (notify.Notifier, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		return notify.NewLogNotifier(logger), func() {}, nil
	}
	n, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.NotifyTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka notifier: %w", err)
	}
	return n, func() {
		if err := n.Close(); err != nil {
			logger.Warn("close kafka writer", "module", "bootstrap", "error", err)
		}
	}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
