package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cupperp/cupperp-backend/internal/engine"
	"github.com/cupperp/cupperp-backend/internal/prices"
	"github.com/cupperp/cupperp-backend/internal/prices/binance"
	"github.com/cupperp/cupperp-backend/internal/prices/mock"
	"github.com/cupperp/cupperp-backend/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarketRates is the part of the market registry the relay drives.
type MarketRates interface {
	List() []engine.Snapshot
	UpdateRate(ctx context.Context, id string, rate decimal.Decimal) error
}

// TickSink caches and fans out raw ticks.
type TickSink interface {
	SetOracleRate(ctx context.Context, symbol string, value interface{}, ttl time.Duration) error
	Publish(ctx context.Context, channel string, message interface{}) error
}

type OracleRelayConfig struct {
	ProviderType   string        // "binance" or "mock"
	RetryInterval  time.Duration // How long to wait before retrying failed provider
	TTL            time.Duration // Cache TTL for latest prices
	MockVolatility float64
}

func DefaultOracleRelayConfig() OracleRelayConfig {
	return OracleRelayConfig{
		ProviderType:   "binance",
		RetryInterval:  5 * time.Second,
		TTL:            60 * time.Second,
		MockVolatility: 0.002,
	}
}

// OracleRelay streams provider prices into the feeds of every market whose
// pair maps to a provider symbol. While a real primary is unhealthy it
// publishes mock generator prices for display but stops updating market
// feeds, so live feeds go stale instead of moving reserves on synthetic
// prices.
type OracleRelay struct {
	provider     prices.Provider
	mockProvider *mock.Generator
	registry     *prices.Registry
	markets      MarketRates
	sink         TickSink
	logger       *zap.SugaredLogger
	config       OracleRelayConfig

	mu        sync.RWMutex
	usingMock bool
	last      map[string]decimal.Decimal // symbol -> last relayed price
}

func NewOracleRelay(markets MarketRates, sink TickSink, registry *prices.Registry, logger *zap.SugaredLogger, config OracleRelayConfig) *OracleRelay {
	mockProvider := mock.NewGenerator(logger, config.MockVolatility)

	var provider prices.Provider
	switch config.ProviderType {
	case "mock":
		provider = mockProvider
	default:
		provider = binance.NewProvider(logger)
	}

	return NewOracleRelayWithProvider(provider, mockProvider, markets, sink, registry, logger, config)
}

// NewOracleRelayWithProvider wires an explicit primary provider.
func NewOracleRelayWithProvider(provider prices.Provider, fallback *mock.Generator, markets MarketRates, sink TickSink, registry *prices.Registry, logger *zap.SugaredLogger, config OracleRelayConfig) *OracleRelay {
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}
	if registry == nil {
		registry = prices.NewRegistry()
	}
	return &OracleRelay{
		provider:     provider,
		mockProvider: fallback,
		registry:     registry,
		markets:      markets,
		sink:         sink,
		logger:       logger,
		config:       config,
		last:         make(map[string]decimal.Decimal),
	}
}

// Start runs until ctx is cancelled. Markets created after Start are picked
// up on the next retry tick.
func (r *OracleRelay) Start(ctx context.Context) error {
	r.logger.Infow("Starting oracle relay", "provider", r.provider.Name())

	var wg sync.WaitGroup
	subscribed := make(map[string]struct{})
	resync := func() {
		for _, symbol := range r.symbols() {
			if _, ok := subscribed[symbol]; ok {
				continue
			}
			subscribed[symbol] = struct{}{}
			r.logger.Infow("Relaying symbol", "symbol", symbol)
			symbol := symbol
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.subscribe(ctx, symbol)
			}()
		}
	}
	resync()

	retryTicker := time.NewTicker(r.config.RetryInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			r.logger.Infow("Oracle relay stopped")
			return ctx.Err()
		case <-retryTicker.C:
			r.checkProviderHealth()
			resync()
		}
	}
}

func (r *OracleRelay) symbols() []string {
	snaps := r.markets.List()
	pairs := make([]string, 0, len(snaps))
	for _, s := range snaps {
		pairs = append(pairs, s.Pair)
	}
	return r.registry.Symbols(pairs)
}

// subscribe keeps one live stream per symbol open, switching providers as
// their health changes.
func (r *OracleRelay) subscribe(ctx context.Context, symbol string) {
	r.prime(ctx, symbol)

	for {
		provider := r.currentProvider()
		ticks := make(chan prices.Tick, 100)
		subCtx, cancel := context.WithCancel(ctx)

		errCh := make(chan error, 1)
		go func() {
			errCh <- provider.SubscribeLive(subCtx, symbol, ticks)
		}()

	loop:
		for {
			select {
			case tick := <-ticks:
				r.ProcessTick(ctx, tick)
				if r.currentProvider() != provider {
					break loop
				}
			case err := <-errCh:
				if err != nil && !errors.Is(err, context.Canceled) {
					r.logger.Warnw("Live subscription failed", "symbol", symbol, "provider", provider.Name(), "error", err)
					if provider != r.mockProvider {
						r.switchToMock(symbol, "live subscription failed")
					}
				}
				break loop
			case <-ctx.Done():
				cancel()
				return
			}
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.config.RetryInterval):
		}
	}
}

// prime pushes one REST price before the stream delivers its first trade.
func (r *OracleRelay) prime(ctx context.Context, symbol string) {
	provider := r.currentProvider()
	price, err := provider.LatestPrice(ctx, symbol)
	if err != nil {
		r.logger.Warnw("Initial price fetch failed", "symbol", symbol, "provider", provider.Name(), "error", err)
		return
	}
	r.ProcessTick(ctx, prices.Tick{Symbol: symbol, Price: price, TsMs: time.Now().UnixMilli()})
}

// ProcessTick caches the tick and, unless the relay is on the fallback
// generator, pushes it into every matching market feed.
func (r *OracleRelay) ProcessTick(ctx context.Context, tick prices.Tick) {
	if !tick.Price.IsPositive() {
		r.logger.Warnw("Dropping non-positive tick", "symbol", tick.Symbol, "price", tick.Price.String())
		return
	}

	if r.sink != nil {
		if err := r.sink.SetOracleRate(ctx, tick.Symbol, tick, r.config.TTL); err != nil {
			r.logger.Warnw("Failed to cache tick", "symbol", tick.Symbol, "error", err)
		}
		if err := r.sink.Publish(ctx, store.OracleRateKey(tick.Symbol), tick); err != nil {
			r.logger.Warnw("Failed to publish tick", "symbol", tick.Symbol, "error", err)
		}
	}

	if r.onFallback() {
		return
	}

	for _, snap := range r.markets.List() {
		symbol, err := r.registry.ProviderSymbol(snap.Pair)
		if err != nil || symbol != tick.Symbol {
			continue
		}
		if err := r.markets.UpdateRate(ctx, snap.ID, tick.Price); err != nil {
			r.logger.Warnw("Failed to update market rate", "market", snap.ID, "error", err)
		}
	}

	r.mu.Lock()
	r.last[tick.Symbol] = tick.Price
	r.mu.Unlock()
}

func (r *OracleRelay) currentProvider() prices.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.usingMock {
		return r.mockProvider
	}
	return r.provider
}

// onFallback reports whether ticks come from the mock standing in for a
// real primary.
func (r *OracleRelay) onFallback() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usingMock && r.provider != r.mockProvider
}

// UsingMock reports whether the relay is on the fallback generator.
func (r *OracleRelay) UsingMock() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usingMock
}

func (r *OracleRelay) switchToMock(symbol, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.usingMock {
		return
	}
	r.usingMock = true
	r.logger.Warnw("Switching to mock provider; market feeds will not be updated",
		"symbol", symbol,
		"reason", reason,
		"provider", r.provider.Name(),
	)

	// continue the walk from the last real prices
	for sym, price := range r.last {
		r.mockProvider.SetBasePrice(sym, price.InexactFloat64())
	}
}

func (r *OracleRelay) checkProviderHealth() {
	health := r.provider.Health()

	switch {
	case !health.Healthy && !r.UsingMock():
		r.logger.Warnw("Primary provider unhealthy, switching to mock",
			"provider", r.provider.Name(),
			"lastError", health.LastError,
			"reconnects", health.Reconnects,
		)
		r.switchToMock("*", "provider health check failed")
	case health.Healthy && r.UsingMock() && r.provider != r.mockProvider:
		r.logger.Infow("Primary provider recovered, switching back", "provider", r.provider.Name())
		r.mu.Lock()
		r.usingMock = false
		r.mu.Unlock()
	}
}
