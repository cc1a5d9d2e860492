package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cupperp/cupperp-backend/internal/api"
	"github.com/cupperp/cupperp-backend/internal/config"
	"github.com/cupperp/cupperp-backend/internal/engine"
	"github.com/cupperp/cupperp-backend/internal/jobs"
	"github.com/cupperp/cupperp-backend/internal/log"
	"github.com/cupperp/cupperp-backend/internal/markets"
	"github.com/cupperp/cupperp-backend/internal/metrics"
	"github.com/cupperp/cupperp-backend/internal/pricefeed"
	"github.com/cupperp/cupperp-backend/internal/prices"
	"github.com/cupperp/cupperp-backend/internal/repository"
	"github.com/cupperp/cupperp-backend/internal/reserve"
	"github.com/cupperp/cupperp-backend/internal/store"
	"github.com/cupperp/cupperp-backend/internal/ws"
	"github.com/cupperp/cupperp-backend/pkg/kv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	_ "github.com/cupperp/cupperp-backend/pkg/kv/memory"
	_ "github.com/cupperp/cupperp-backend/pkg/kv/redis"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting cup perps API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"custody", cfg.Market.CustodyBackend,
		"policy", cfg.Market.TransferPolicy,
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("cupperp-api")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Redis cache and pubsub, in-memory when Redis is down
	cache, err := store.NewCache(cfg.Cache.RedisAddr, log.Component(logger, "cache"), metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()
	logger.Infow("Cache ready", "inMemory", cache.IsInMemoryMode())

	custody, closeCustody, err := custodyFactory(cfg, logger)
	if err != nil {
		logger.Fatalw("Failed to setup custody", "error", err)
	}
	defer closeCustody()

	checks := map[string]api.Pinger{"cache": cache}

	// Optional Postgres event log
	var (
		recorder markets.Recorder
		events   api.EventLister
	)
	if cfg.Database.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			logger.Fatalw("Failed to open database", "error", err)
		}
		defer db.Close()

		repo := repository.NewRepository(db, log.Component(logger, "repository"))
		if err := repo.Ping(ctx); err != nil {
			logger.Fatalw("Database ping failed", "error", err)
		}
		recorder, events = repo, repo
		checks["postgres"] = repo
		logger.Infow("Event persistence enabled")
	}

	defaults, err := marketDefaults(cfg)
	if err != nil {
		logger.Fatalw("Invalid market defaults", "error", err)
	}

	registry := prices.NewRegistry()
	marketsSvc := markets.NewService(markets.Options{
		Defaults:  defaults,
		Custody:   custody,
		Feeds:     feedFactory(cfg, registry),
		Publisher: cache,
		Recorder:  recorder,
		Metrics:   metricsObj,
		Logger:    log.Component(logger, "markets"),
	})

	if err := bootstrap(ctx, cfg, marketsSvc, logger); err != nil {
		logger.Fatalw("Failed to bootstrap markets", "error", err)
	}

	// Background services
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	wsHub := ws.NewHub(cache, cfg.Security.CORSAllowedOrigins, log.Component(logger, "ws"), metricsObj)
	go wsHub.Run(bgCtx)

	if cfg.Prices.Provider != "none" {
		relay := jobs.NewOracleRelay(marketsSvc, cache, registry, log.Component(logger, "oracle"), jobs.OracleRelayConfig{
			ProviderType:   cfg.Prices.Provider,
			RetryInterval:  cfg.Prices.RetryInterval,
			TTL:            cfg.Oracle.MaxAge,
			MockVolatility: cfg.Prices.MockVolatility,
		})
		go func() {
			if err := relay.Start(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorw("Oracle relay error", "error", err)
			}
		}()
	}

	// Setup API handler and middleware
	handler := api.NewHandler(marketsSvc, events, wsHub, checks, cfg, logger)
	middleware := api.NewMiddleware(logger, metricsObj)
	router := handler.Routes(middleware, metricsHandler, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)

	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())
		bgCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}

// custodyFactory returns the reserve custody for new markets and a closer
// for any backing store.
func custodyFactory(cfg *config.Config, logger *zap.SugaredLogger) (markets.CustodyFactory, func(), error) {
	if cfg.Market.CustodyBackend != "kv" {
		return func(string) reserve.Custody { return reserve.NewMemoryVault() }, func() {}, nil
	}

	kvLogger := log.Component(logger, "kv")
	redisURL := cfg.Cache.RedisURL
	if redisURL == "" {
		redisURL = cfg.Cache.RedisAddr
	}
	kvStore, err := kv.NewStoreFromConfig(kv.Config{
		Backend:          kv.Backend(cfg.Cache.KVBackend),
		RedisURL:         redisURL,
		FallbackToMemory: !cfg.IsProd(),
		Logger:           kvLogger.Warnw,
	})
	if err != nil {
		return nil, nil, err
	}

	factory := func(marketID string) reserve.Custody {
		return reserve.NewKVVault(kvStore, marketID)
	}
	return factory, func() { kvStore.Close() }, nil
}

// feedFactory gives pairs the oracle relay can serve a live feed that goes
// stale after CUP_ORACLE_MAX_AGE; every other pair gets a manual feed.
func feedFactory(cfg *config.Config, registry *prices.Registry) markets.FeedFactory {
	return func(ctx context.Context, pair string, rate decimal.Decimal) (pricefeed.Settable, error) {
		if cfg.Prices.Provider == "none" || !registry.ValidatePair(pair) {
			return pricefeed.NewManual(rate), nil
		}
		feed := pricefeed.NewLive(cfg.Oracle.MaxAge)
		if err := feed.SetRate(ctx, rate); err != nil {
			return nil, err
		}
		return feed, nil
	}
}

func marketDefaults(cfg *config.Config) (markets.Defaults, error) {
	policy, err := engine.ParsePolicy(cfg.Market.TransferPolicy)
	if err != nil {
		return markets.Defaults{}, err
	}
	m := cfg.Market
	return markets.Defaults{
		Leverage:        m.Decimal(m.Leverage),
		FundingCoeff:    m.Decimal(m.FundingCoeff),
		InitialLPSupply: m.Decimal(m.InitialLPSupply),
		Policy:          policy,
		ClampFloor:      m.Decimal(m.ClampFloor),
	}, nil
}

func bootstrap(ctx context.Context, cfg *config.Config, svc *markets.Service, logger *zap.SugaredLogger) error {
	seeds, err := cfg.Seeds()
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		snap, err := svc.Create(ctx, markets.CreateRequest{
			Pair:        seed.Pair,
			InitialRate: seed.Rate,
			Deposit:     seed.Deposit,
		})
		if errors.Is(err, engine.ErrCustodyNotEmpty) {
			// persisted balances from an earlier run; LP supply cannot be rebuilt
			logger.Warnw("Skipping seed over funded custody", "pair", seed.Pair, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("market %s: %w", seed.Pair, err)
		}
		logger.Infow("Bootstrapped market", "market", snap.ID, "rate", seed.Rate.String(), "deposit", seed.Deposit.String())
	}
	return nil
}
