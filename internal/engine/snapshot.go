package engine

import (
	"time"

	"github.com/cupperp/cupperp-backend/internal/calc"
	"github.com/cupperp/cupperp-backend/internal/issuance"
	"github.com/cupperp/cupperp-backend/internal/side"
	"github.com/shopspring/decimal"
)

// CupSnapshot is the public view of one cup.
type CupSnapshot struct {
	Side      side.Side           `json:"side"`
	Reserve   decimal.Decimal     `json:"reserve"`
	LPSupply  decimal.Decimal     `json:"lpSupply"`
	Resource  issuance.ResourceID `json:"resource"`
	UnitPrice decimal.Decimal     `json:"unitPrice"`
}

// Snapshot is a consistent copy of a market's state.
type Snapshot struct {
	ID           string          `json:"id"`
	Pair         string          `json:"pair"`
	Leverage     decimal.Decimal `json:"leverage"`
	FundingCoeff decimal.Decimal `json:"fundingCoeff"`
	Policy       TransferPolicy  `json:"transferPolicy"`
	LastRate     decimal.Decimal `json:"lastRate"`
	CurrentRate  decimal.Decimal `json:"currentRate"`
	Long         CupSnapshot     `json:"long"`
	Short        CupSnapshot     `json:"short"`
	Rebalances   int64           `json:"rebalances"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func (m *Market) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	cup := func(s side.Side) CupSnapshot {
		st := m.sides[s]
		c := CupSnapshot{
			Side:     s,
			Reserve:  st.cachedValue,
			LPSupply: st.lpSupply,
			Resource: st.resource,
		}
		if price, err := calc.UnitPrice(st.lpSupply, st.cachedValue); err == nil {
			c.UnitPrice = price
		}
		return c
	}

	return Snapshot{
		ID:           m.id,
		Pair:         m.pair,
		Leverage:     m.leverage,
		FundingCoeff: m.fundingCoeff,
		Policy:       m.policy,
		LastRate:     m.lastRate,
		CurrentRate:  m.currentRate,
		Long:         cup(side.Long),
		Short:        cup(side.Short),
		Rebalances:   m.rebalances,
		UpdatedAt:    m.updatedAt,
	}
}
