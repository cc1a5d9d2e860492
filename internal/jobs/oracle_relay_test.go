package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cupperp/cupperp-backend/internal/engine"
	"github.com/cupperp/cupperp-backend/internal/prices"
	"github.com/cupperp/cupperp-backend/internal/prices/mock"
	"github.com/cupperp/cupperp-backend/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMarkets struct {
	mu      sync.Mutex
	snaps   []engine.Snapshot
	updates map[string][]decimal.Decimal
}

func newFakeMarkets(pairs map[string]string) *fakeMarkets {
	f := &fakeMarkets{updates: make(map[string][]decimal.Decimal)}
	for id, pair := range pairs {
		f.snaps = append(f.snaps, engine.Snapshot{ID: id, Pair: pair})
	}
	return f
}

func (f *fakeMarkets) List() []engine.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Snapshot(nil), f.snaps...)
}

func (f *fakeMarkets) UpdateRate(_ context.Context, id string, rate decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = append(f.updates[id], rate)
	return nil
}

func (f *fakeMarkets) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates[id])
}

type staticProvider struct {
	healthy bool
}

func (p *staticProvider) LatestPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func (p *staticProvider) SubscribeLive(ctx context.Context, _ string, _ chan<- prices.Tick) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *staticProvider) Name() string { return "static" }

func (p *staticProvider) Health() prices.ProviderHealth {
	return prices.ProviderHealth{Healthy: p.healthy}
}

func TestOracleRelay_ProcessTick(t *testing.T) {
	logger := zap.NewNop().Sugar()
	cache := store.NewMemoryCache(logger, nil)
	defer cache.Close()

	markets := newFakeMarkets(map[string]string{
		"btc-usd": "BTC/USD",
		"eth-usd": "ETH/USD",
		"foo-bar": "FOO/BAR",
	})
	relay := NewOracleRelay(markets, cache, nil, logger, OracleRelayConfig{ProviderType: "mock", TTL: time.Minute})

	ctx := context.Background()
	relay.ProcessTick(ctx, prices.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(65000), TsMs: 1})

	assert.Equal(t, 1, markets.count("btc-usd"))
	assert.Equal(t, 0, markets.count("eth-usd"))
	assert.Equal(t, 0, markets.count("foo-bar"))

	var cached prices.Tick
	require.NoError(t, cache.GetOracleRate(ctx, "BTCUSDT", &cached))
	assert.True(t, cached.Price.Equal(decimal.NewFromInt(65000)))
}

func TestOracleRelay_DropsNonPositiveTicks(t *testing.T) {
	logger := zap.NewNop().Sugar()
	markets := newFakeMarkets(map[string]string{"btc-usd": "BTC/USD"})
	relay := NewOracleRelay(markets, nil, nil, logger, OracleRelayConfig{ProviderType: "mock"})

	relay.ProcessTick(context.Background(), prices.Tick{Symbol: "BTCUSDT", Price: decimal.Zero})
	assert.Equal(t, 0, markets.count("btc-usd"))
}

func TestOracleRelay_StreamsFromMock(t *testing.T) {
	logger := zap.NewNop().Sugar()
	markets := newFakeMarkets(map[string]string{"sol-usd": "SOL/USD"})

	gen := mock.NewGenerator(logger, 0.001)
	gen.Interval = 5 * time.Millisecond
	relay := NewOracleRelayWithProvider(gen, gen, markets, nil, prices.NewRegistry(), logger, OracleRelayConfig{
		RetryInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Start(ctx) }()

	require.Eventually(t, func() bool {
		return markets.count("sol-usd") >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestOracleRelay_FallsBackWhenUnhealthy(t *testing.T) {
	logger := zap.NewNop().Sugar()
	markets := newFakeMarkets(map[string]string{"btc-usd": "BTC/USD"})

	primary := &staticProvider{healthy: false}
	gen := mock.NewGenerator(logger, 0.001)
	relay := NewOracleRelayWithProvider(primary, gen, markets, nil, nil, logger, OracleRelayConfig{})

	relay.ProcessTick(context.Background(), prices.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(42000)})
	relay.checkProviderHealth()
	require.True(t, relay.UsingMock())

	// walk resumes from the last relayed price
	latest, err := gen.LatestPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, latest.Equal(decimal.NewFromInt(42000)))

	primary.healthy = true
	relay.checkProviderHealth()
	assert.False(t, relay.UsingMock())
}

func TestOracleRelay_FallbackTicksDoNotMoveMarkets(t *testing.T) {
	logger := zap.NewNop().Sugar()
	cache := store.NewMemoryCache(logger, nil)
	defer cache.Close()
	ctx := context.Background()

	markets := newFakeMarkets(map[string]string{"btc-usd": "BTC/USD"})
	primary := &staticProvider{healthy: false}
	gen := mock.NewGenerator(logger, 0.001)
	relay := NewOracleRelayWithProvider(primary, gen, markets, cache, nil, logger, OracleRelayConfig{TTL: time.Minute})

	relay.ProcessTick(ctx, prices.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(42000)})
	require.Equal(t, 1, markets.count("btc-usd"))

	relay.checkProviderHealth()
	require.True(t, relay.UsingMock())

	relay.ProcessTick(ctx, prices.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(43000)})
	assert.Equal(t, 1, markets.count("btc-usd"), "synthetic prices must not reach market feeds")

	// still shown to clients
	var cached prices.Tick
	require.NoError(t, cache.GetOracleRate(ctx, "BTCUSDT", &cached))
	assert.True(t, cached.Price.Equal(decimal.NewFromInt(43000)))

	primary.healthy = true
	relay.checkProviderHealth()
	relay.ProcessTick(ctx, prices.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(43100)})
	assert.Equal(t, 2, markets.count("btc-usd"))
}
