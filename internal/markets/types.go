package markets

import (
	"context"
	"errors"
	"time"

	"github.com/cupperp/cupperp-backend/internal/engine"
	"github.com/cupperp/cupperp-backend/internal/pricefeed"
	"github.com/cupperp/cupperp-backend/internal/reserve"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMarketExists   = errors.New("market already exists")
	ErrMarketNotFound = errors.New("market not found")
)

type EventType string

const (
	EventCreated    EventType = "market_created"
	EventRebalanced EventType = "rebalanced"
	EventDeposited  EventType = "deposited"
	EventWithdrawn  EventType = "withdrawn"
	EventRateSet    EventType = "rate_set"
)

// Event is one committed market operation.
type Event struct {
	ID       uuid.UUID         `json:"id"`
	MarketID string            `json:"marketId"`
	Seq      int64             `json:"seq"`
	Type     EventType         `json:"type"`
	At       time.Time         `json:"at"`
	Fields   map[string]string `json:"fields"`
}

// CreateRequest opens a market with the service defaults.
type CreateRequest struct {
	Pair        string          `json:"pair"`
	InitialRate decimal.Decimal `json:"initialRate"`
	Deposit     decimal.Decimal `json:"deposit"`
}

// Defaults are the market parameters applied to every new market.
type Defaults struct {
	Leverage        decimal.Decimal
	FundingCoeff    decimal.Decimal
	InitialLPSupply decimal.Decimal
	Policy          engine.TransferPolicy
	ClampFloor      decimal.Decimal
}

// Recorder persists committed events and snapshots.
type Recorder interface {
	RecordEvent(ctx context.Context, event Event) error
	RecordSnapshot(ctx context.Context, snapshot engine.Snapshot) error
}

// Publisher fans snapshots and events out to readers.
type Publisher interface {
	SetMarketSnapshot(ctx context.Context, id string, value interface{}) error
	Publish(ctx context.Context, channel string, message interface{}) error
}

// CustodyFactory returns the custody backing a new market.
type CustodyFactory func(marketID string) reserve.Custody

// FeedFactory returns the price feed of a new market, already holding the
// initial rate.
type FeedFactory func(ctx context.Context, pair string, initialRate decimal.Decimal) (pricefeed.Settable, error)

type nopRecorder struct{}

func (nopRecorder) RecordEvent(context.Context, Event) error              { return nil }
func (nopRecorder) RecordSnapshot(context.Context, engine.Snapshot) error { return nil }
