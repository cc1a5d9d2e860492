package prices

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tick represents a single price update
type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	TsMs   int64           `json:"ts"` // milliseconds since epoch
}

// Provider defines the interface for price data sources
type Provider interface {
	// LatestPrice returns the most recent price of a provider symbol
	// (e.g. "BTCUSDT").
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// SubscribeLive streams ticks for symbol into out until ctx ends or the
	// upstream connection fails.
	SubscribeLive(ctx context.Context, symbol string, out chan<- Tick) error

	// Name returns the provider identifier
	Name() string

	// Health returns current provider health status
	Health() ProviderHealth
}

// ProviderHealth represents the current status of a provider
type ProviderHealth struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
	Reconnects  int       `json:"reconnects"`
}
