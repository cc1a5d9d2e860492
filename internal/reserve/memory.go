package reserve

import (
	"context"
	"fmt"
	"sync"

	"github.com/cupperp/cupperp-backend/internal/side"
	"github.com/shopspring/decimal"
)

// MemoryVault is in-process custody.
type MemoryVault struct {
	mu       sync.Mutex
	balances [2]decimal.Decimal
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{}
}

func (v *MemoryVault) Balance(_ context.Context, s side.Side) (decimal.Decimal, error) {
	if !s.Valid() {
		return decimal.Zero, fmt.Errorf("invalid side %s", s)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[s], nil
}

func (v *MemoryVault) Deposit(_ context.Context, s side.Side, qty decimal.Decimal) error {
	if !s.Valid() {
		return fmt.Errorf("invalid side %s", s)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[s] = v.balances[s].Add(qty)
	return nil
}

func (v *MemoryVault) Withdraw(_ context.Context, s side.Side, qty decimal.Decimal) error {
	if !s.Valid() {
		return fmt.Errorf("invalid side %s", s)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if qty.GreaterThan(v.balances[s]) {
		return ErrInsufficientReserve
	}
	v.balances[s] = v.balances[s].Sub(qty)
	return nil
}
