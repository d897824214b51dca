package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/trading-game/internal/api"
	"github.com/atmx/trading-game/internal/config"
	"github.com/atmx/trading-game/internal/game"
	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/news"
	"github.com/atmx/trading-game/internal/quiz"
	"github.com/atmx/trading-game/internal/report"
	"github.com/atmx/trading-game/internal/seed"
	"github.com/atmx/trading-game/internal/store"
	"github.com/atmx/trading-game/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		slog.Error("trading-game exited with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("trading-game stopped")
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}

	data, err := loadSeed(cfg.Seed)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := st.Seed(ctx, data); err != nil {
		return fmt.Errorf("seed store: %w", err)
	}

	// --- WebSocket hub ---
	hub := api.NewWSHub(cfg.Server.AllowedOrigin, logger)

	// --- Game services ---
	applier := news.NewApplier(st, cfg.Trading.MinPrice, cfg.Trading.MoneyScale, logger)
	applier.OnChange(func(changes []news.PriceChange) {
		hub.Broadcast(api.MessagePriceUpdate, changes)
	})

	scorer := game.NewScorer(st, cfg.Scoring, logger)
	sched := game.NewScheduler(st, data, applier, scorer, cfg.Game, game.SystemClock{}, logger)
	sched.OnChange(func(state model.GameState) {
		hub.Broadcast(api.MessageGameState, state)
	})
	defer sched.Stop()

	trades := trade.NewService(st, sched, cfg.Trading.FeeRate, cfg.Trading.MoneyScale, logger)
	trades.OnTrade(func(res trade.Result) {
		hub.Broadcast(api.MessageTrade, res)
	})

	quizSvc := quiz.NewService(st, sched, cfg.Quiz, cfg.Trading.MoneyScale, logger)
	reports := report.NewService(st, cfg.Scoring, logger)
	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// --- HTTP router ---
	router := api.NewRouter(api.Deps{
		Game:           sched,
		Trades:         trades,
		Quiz:           quizSvc,
		News:           applier,
		Reports:        reports,
		Hub:            hub,
		Limiter:        limiter,
		Logger:         logger,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigin:  cfg.Server.AllowedOrigin,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})

	if limiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					limiter.Sweep()
				}
			}
		})
	}

	g.Go(func() error {
		slog.Info("trading-game listening", "port", cfg.Server.Port, "rounds", cfg.Game.Rounds)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down trading-game...")
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func loadSeed(cfg config.SeedConfig) (*seed.Data, error) {
	if cfg.Path == "" {
		return seed.Default()
	}
	data, err := seed.Load(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load seed %s: %w", cfg.Path, err)
	}
	return data, nil
}

// openStore selects PostgreSQL (optionally behind Redis) when a database URL
// is configured, and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.Database.URL == "" {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, closeAll, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, closeAll, fmt.Errorf("create pool: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		closeAll()
		return nil, func() {}, fmt.Errorf("ping database: %w", err)
	}

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, func() {}, err
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg

	// Wrap with Redis read-through cache if configured.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
	}

	return st, closeAll, nil
}
