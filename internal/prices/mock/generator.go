package mock

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cupperp/cupperp-backend/internal/prices"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Generator produces a bounded random walk per symbol, used when no real
// provider is reachable.
type Generator struct {
	// Interval between ticks. Default 1.5s.
	Interval time.Duration

	logger     *zap.SugaredLogger
	mu         sync.Mutex
	prices     map[string]float64
	bases      map[string]float64
	volatility float64
	health     prices.ProviderHealth
	rng        *rand.Rand
}

// DefaultBasePrices seeds the walk for well-known symbols.
var DefaultBasePrices = map[string]float64{
	"BTCUSDT": 65000,
	"ETHUSDT": 3000,
	"SOLUSDT": 150,
	"SUIUSDT": 1,
	"XRDUSDT": 0.05,
}

func NewGenerator(logger *zap.SugaredLogger, volatility float64) *Generator {
	if volatility <= 0 {
		volatility = 0.002 // 0.2% volatility
	}

	g := &Generator{
		Interval:   1500 * time.Millisecond,
		logger:     logger,
		prices:     make(map[string]float64),
		bases:      make(map[string]float64),
		volatility: volatility,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		health: prices.ProviderHealth{
			Healthy:     true,
			LastSuccess: time.Now(),
		},
	}
	for sym, p := range DefaultBasePrices {
		g.bases[sym] = p
	}
	return g
}

func (g *Generator) Name() string {
	return "mock"
}

func (g *Generator) Health() prices.ProviderHealth {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.health
}

// SetBasePrice re-centres the walk of symbol, e.g. on the last real price.
func (g *Generator) SetBasePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	g.bases[symbol] = price
	g.prices[symbol] = price
}

func (g *Generator) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return decimal.NewFromFloat(g.currentLocked(strings.ToUpper(symbol))), nil
}

func (g *Generator) currentLocked(symbol string) float64 {
	if p, ok := g.prices[symbol]; ok {
		return p
	}
	base, ok := g.bases[symbol]
	if !ok {
		base = 1
		g.bases[symbol] = base
	}
	g.prices[symbol] = base
	return base
}

func (g *Generator) SubscribeLive(ctx context.Context, symbol string, out chan<- prices.Tick) error {
	symbol = strings.ToUpper(symbol)
	g.logger.Infow("Starting mock live price feed", "symbol", symbol)

	ticker := time.NewTicker(g.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick := prices.Tick{
				Symbol: symbol,
				Price:  decimal.NewFromFloat(g.step(symbol)).Round(8),
				TsMs:   time.Now().UnixMilli(),
			}

			select {
			case out <- tick:
			case <-ctx.Done():
				return ctx.Err()
			default:
				// Channel full, skip this tick
			}
		}
	}
}

// step advances the walk of symbol and keeps it within ±50% of its base.
func (g *Generator) step(symbol string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	current := g.currentLocked(symbol)
	base := g.bases[symbol]

	change := g.rng.NormFloat64() * g.volatility
	maxChange := g.volatility * 5
	if change > maxChange {
		change = maxChange
	} else if change < -maxChange {
		change = -maxChange
	}

	next := current * (1 + change)
	if next < base*0.5 {
		next = base * 0.5
	} else if next > base*1.5 {
		next = base * 1.5
	}

	g.prices[symbol] = next
	g.health.LastSuccess = time.Now()
	return next
}
