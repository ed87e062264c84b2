// Command entitled serves the entitlement API, the Stripe webhook and an optional
// guarded gateway in front of the content generation service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/goentitle/internal/config"
	billingmetrics "github.com/mihaimyh/goentitle/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/entitle"
	zlogadapter "github.com/mihaimyh/goentitle/pkg/entitle/logger/zerolog"
	entitlemetrics "github.com/mihaimyh/goentitle/pkg/entitle/metrics/prometheus"
	"github.com/mihaimyh/goentitle/storage/firestore"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/postgres"
	redisstore "github.com/mihaimyh/goentitle/storage/redis"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (default: ./entitle.yml or /etc/entitle/entitle.yml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "entitled:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer backend.close()

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	managerConfig := entitle.Config{
		Catalog:              catalog,
		EnforceSearchQueries: cfg.Entitlements.EnforceSearchQueries,
		AutoRollover:         cfg.Entitlements.AutoRollover,
		Locker:               backend.locker,
		Logger:               zlogadapter.NewLogger(logger),
	}
	if cb := cfg.Entitlements.CircuitBreaker; cb.Enabled {
		managerConfig.CircuitBreakerConfig = &entitle.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: cb.FailureThreshold,
			ResetTimeout:     cb.ResetTimeout,
		}
	}

	deps := routerDeps{cfg: cfg, logger: logger, ping: backend.ping}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		managerConfig.Metrics = entitlemetrics.NewMetrics(reg, cfg.Metrics.Namespace)
		deps.registry = reg
		deps.billingMetrics = billingmetrics.NewMetrics(reg, cfg.Metrics.Namespace)
	}

	manager, err := entitle.NewManager(backend.storage, managerConfig)
	if err != nil {
		return err
	}
	deps.manager = manager

	router, err := newRouter(deps)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("storage", cfg.Storage.Backend).
			Bool("stripe", cfg.Stripe.WebhookSecret != "").
			Bool("gateway", cfg.Gateway.Upstream != "").
			Msg("entitled listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log.level: %w", err)
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "entitled").Logger(), nil
}

// storageBackend is the opened storage plus what the server needs around it
type storageBackend struct {
	storage entitle.Storage
	locker  entitle.Locker // shared across replicas; nil only for memory
	ping    func(*http.Request) error
	close   func()
}

func openStorage(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (*storageBackend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return &storageBackend{storage: memory.New(), close: func() {}}, nil

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err := redisstore.New(client, redisstore.Config{KeyPrefix: cfg.Redis.KeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		locker, err := redisstore.NewLocker(client, redisstore.LockerConfig{
			KeyPrefix: cfg.Redis.KeyPrefix + "lock:",
			TTL:       cfg.Redis.LockTTL,
			Logger:    zlogadapter.NewLogger(logger),
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &storageBackend{
			storage: store,
			locker:  locker,
			ping:    func(r *http.Request) error { return store.Ping(r.Context()) },
			close:   func() { _ = store.Close() },
		}, nil

	case config.BackendPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.Postgres.DSN
		pgConfig.AutoMigrate = cfg.Postgres.AutoMigrate
		if cfg.Postgres.MaxConns > 0 {
			pgConfig.MaxConns = cfg.Postgres.MaxConns
		}
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, err
		}
		locker, err := postgres.NewLocker(store, postgres.LockerConfig{Logger: zlogadapter.NewLogger(logger)})
		if err != nil {
			store.Close()
			return nil, err
		}
		return &storageBackend{
			storage: store,
			locker:  locker,
			ping:    func(r *http.Request) error { return store.Ping(r.Context()) },
			close:   store.Close,
		}, nil

	case config.BackendFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{
			ProjectsCollection: cfg.Firestore.ProjectsCollection,
			UsageCollection:    cfg.Firestore.UsageCollection,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		locker, err := firestore.NewLocker(client, firestore.LockerConfig{
			Collection: cfg.Firestore.LocksCollection,
			Logger:     zlogadapter.NewLogger(logger),
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &storageBackend{storage: store, locker: locker, close: func() { _ = client.Close() }}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
