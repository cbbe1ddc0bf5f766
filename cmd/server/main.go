/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the lot ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse -config flag and load config (viper: defaults, file, LEDGER_* env)
  2. Build the zerolog logger
  3. Open the lot store (memory, sqlite or postgres)
  4. Pick the per-key lock (redis when redis.addr is set, in-process otherwise)
  5. Start the recompute worker
  6. Build the ledger, handler and router
  7. Start server with graceful shutdown

EXAMPLES:
  # SQLite file, defaults
  ./server

  # PostgreSQL + redis lock, from env
  LEDGER_DB_DRIVER=postgres LEDGER_DB_DSN=postgres://... LEDGER_REDIS_ADDR=localhost:6379 ./server

  # Config file
  ./server -config=./ledger.yaml

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain and stop the recompute worker
  4. Close redis and the database

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/warp/lot-ledger/api"
	"github.com/warp/lot-ledger/config"
	"github.com/warp/lot-ledger/costlot"
	"github.com/warp/lot-ledger/costlot/store"
	"github.com/warp/lot-ledger/factory"
	"github.com/warp/lot-ledger/lock"
	"github.com/warp/lot-ledger/logger"
	"github.com/warp/lot-ledger/recompute"
	"github.com/warp/lot-ledger/store/postgres"
	"github.com/warp/lot-ledger/store/sqlite"
)

// ledgerStore is what every backend provides.
type ledgerStore interface {
	costlot.TxStore
	costlot.StatsStore
}

func main() {
	configPath := flag.String("config", "", "Config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx := context.Background()

	policy, err := factory.NewPolicyFactory().FromJSON(cfg.Policy)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	st, closeStore, err := openStore(ctx, cfg.DB, log)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLocker()

	worker := recompute.NewWorker(st, st, recompute.Options{
		SweepInterval: cfg.Recompute.SweepInterval,
		QueueSize:     cfg.Recompute.QueueSize,
		Logger:        log.With().Str("component", "recompute").Logger(),
	})
	worker.Start()
	defer worker.Stop()

	ledger := costlot.NewLedger(st,
		costlot.WithLocker(locker),
		costlot.WithRecompute(worker),
		costlot.WithLogger(log.With().Str("component", "ledger").Logger()),
	)

	handler := api.NewHandler(ledger, st, policy)
	handler.Worker = worker
	handler.Log = log.With().Str("component", "api").Logger()

	router := api.NewRouter(handler, api.RouterOptions{RequestLog: cfg.Log.Env == "development"})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("db", cfg.DB.Driver).
			Str("ordering", string(policy.Ordering.Column)+" "+string(policy.Ordering.Direction)).
			Str("registration", string(policy.Registration)).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-quit:
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DBConfig, log zerolog.Logger) (ledgerStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		log.Warn().Msg("using in-memory store, lots are lost on restart")
		return store.NewTxMemory(), func() {}, nil

	case "sqlite":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, func() { s.Close() }, nil

	case "postgres":
		s, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
}

func openLocker(ctx context.Context, cfg *config.Config, log zerolog.Logger) (costlot.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		return lock.NewKeyedMutex(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Lock.TTL).Msg("using redis lot lock")

	return lock.NewRedis(client, lock.RedisOptions{
		TTL:     cfg.Lock.TTL,
		Backoff: cfg.Lock.Backoff,
		Logger:  log.With().Str("component", "lock").Logger(),
	}), func() { client.Close() }, nil
}
