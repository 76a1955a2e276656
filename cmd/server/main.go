package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/game"
	"github.com/atmx/settlement-engine/internal/hub"
	"github.com/atmx/settlement-engine/internal/identity"
	"github.com/atmx/settlement-engine/internal/sequence"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/trade"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("settlement-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("settlement-engine stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cleanups run in reverse order of registration.
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (sequence, lease, balance cache) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("connected to Redis")
	}

	// --- Ledger and trades ---
	var ledger store.Ledger
	var trades store.Trades
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		ledger, trades = pg, pg
		logger.Info("connected to PostgreSQL")

		if rdb != nil {
			ledger = store.NewCachedLedger(pg, rdb, cfg.Redis.CacheTTL)
			logger.Info("Redis balance cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		ledger, trades = ms, ms
	}

	// --- Shared sequence ---
	var seq store.Sequence
	var leader sequence.Leader = sequence.AlwaysLeader{}
	if rdb != nil {
		seq = store.NewRedisSequence(rdb, cfg.Redis.SequenceKey)
		lease := sequence.NewRedisLease(rdb, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL)
		leader = lease
		cleanup = append(cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := lease.Release(ctx); err != nil {
				logger.Warn("lease release failed", "err", err)
			}
		})
		logger.Info("sequence stored in Redis", "key", cfg.Redis.SequenceKey, "lease_id", lease.ID())
	} else {
		seq = store.NewMemorySequence()
	}

	// --- Events ---
	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		cleanup = append(cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			kp.Close(ctx)
		})
		publisher = kp
		logger.Info("publishing events to Kafka", "topic", cfg.Kafka.Topic)
	}

	// --- Services ---
	wsHub := hub.New(logger)
	loops := []func(context.Context){wsHub.Run}
	var notifier hub.Notifier = wsHub
	if rdb != nil {
		relay := hub.NewRelay(rdb, cfg.Redis.HubChannel, wsHub, logger)
		notifier = relay
		loops = append(loops, relay.Run)
	}
	engine := game.NewEngine(ledger, logger,
		game.WithPublisher(publisher),
		game.WithNotifier(notifier),
	)
	manager := trade.NewManager(trades, ledger, seq, logger,
		trade.WithPublisher(publisher),
		trade.WithNotifier(notifier),
	)
	watcher := trade.NewWatcher(manager, cfg.Watcher.Interval, cfg.Watcher.BatchSize, cfg.Watcher.Retain, logger)
	generator := sequence.NewGenerator(seq, sequence.Walk{
		Seed:    cfg.Sequence.Seed,
		MaxStep: cfg.Sequence.MaxStep,
		Min:     cfg.Sequence.Min,
		Max:     cfg.Sequence.Max,
	}, logger,
		sequence.WithLeader(leader),
		sequence.WithNotifier(notifier),
		sequence.WithInterval(cfg.Sequence.Interval),
	)

	// --- Background loops ---
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, loop := range append(loops, generator.Run, watcher.Run) {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(loopCtx)
		}()
	}
	cleanup = append(cleanup, func() {
		cancelLoops()
		wg.Wait()
	})

	// --- HTTP server ---
	router := api.NewRouter(api.Deps{
		Verifier:       identity.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer),
		Accounts:       api.NewAccounts(ledger, publisher, notifier, logger),
		Ledger:         ledger,
		Games:          engine,
		Trades:         manager,
		Hub:            wsHub,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settlement-engine listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return nil
}
