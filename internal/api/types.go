package api

import (
	"github.com/cupperp/cupperp-backend/internal/engine"
	"github.com/cupperp/cupperp-backend/internal/markets"
)

// Amounts travel as decimal strings.

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CreateMarketRequest struct {
	Pair        string `json:"pair"`
	InitialRate string `json:"initialRate"`
	Deposit     string `json:"deposit"`
}

type MarketsDTO struct {
	Items     []engine.Snapshot `json:"items"`
	UpdatedAt int64             `json:"updatedAt"`
}

type RebalanceDTO struct {
	MarketID   string `json:"marketId"`
	NoOp       bool   `json:"noOp"`
	Delta      string `json:"delta"`
	Funding    string `json:"funding"`
	Minority   string `json:"minority"`
	Multiplier string `json:"multiplier"`
	Transfer   string `json:"transfer"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type DepositRequest struct {
	Side   string `json:"side"`
	Amount string `json:"amount"`
}

type DepositDTO struct {
	MarketID string `json:"marketId"`
	Side     string `json:"side"`
	Minted   string `json:"minted"`
	Resource string `json:"resource"`
	Holding  string `json:"holding"`
}

// WithdrawRequest redeems units out of the holding a deposit returned.
type WithdrawRequest struct {
	Holding string `json:"holding"`
	Units   string `json:"units"`
}

type WithdrawDTO struct {
	MarketID string `json:"marketId"`
	Payout   string `json:"payout"`
}

type ReservesDTO struct {
	MarketID string `json:"marketId"`
	Long     string `json:"long"`
	Short    string `json:"short"`
}

type LPUnitsDTO struct {
	MarketID string `json:"marketId"`
	Long     string `json:"long"`
	Short    string `json:"short"`
}

type ValueDTO struct {
	MarketID   string `json:"marketId"`
	LongUnits  string `json:"longUnits"`
	ShortUnits string `json:"shortUnits"`
	Value      string `json:"value"`
}

type OracleRequest struct {
	Rate string `json:"rate"`
}

type OracleDTO struct {
	MarketID string `json:"marketId"`
	Rate     string `json:"rate"`
}

type EventsDTO struct {
	MarketID   string          `json:"marketId"`
	Items      []markets.Event `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}
