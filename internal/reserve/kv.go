package reserve

import (
	"context"
	"errors"
	"fmt"

	"github.com/cupperp/cupperp-backend/internal/side"
	"github.com/cupperp/cupperp-backend/pkg/kv"
	"github.com/shopspring/decimal"
)

// KeyPrefix is the hash key prefix for persisted reserves.
const KeyPrefix = "cup:reserves:"

// KVVault persists both balances in one kv hash, one decimal string per side.
// It relies on the owning market to serialize writers.
type KVVault struct {
	store kv.Store
	key   string
}

func NewKVVault(store kv.Store, marketID string) *KVVault {
	return &KVVault{store: store, key: KeyPrefix + marketID}
}

// Key returns the hash key the vault writes to.
func (v *KVVault) Key() string {
	return v.key
}

func (v *KVVault) Balance(ctx context.Context, s side.Side) (decimal.Decimal, error) {
	if !s.Valid() {
		return decimal.Zero, fmt.Errorf("invalid side %s", s)
	}
	raw, err := v.store.HGet(ctx, v.key, s.String())
	if errors.Is(err, kv.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(string(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode %s balance %q: %w", s, raw, err)
	}
	return amount, nil
}

func (v *KVVault) Deposit(ctx context.Context, s side.Side, qty decimal.Decimal) error {
	balance, err := v.Balance(ctx, s)
	if err != nil {
		return err
	}
	return v.store.HSet(ctx, v.key, s.String(), []byte(balance.Add(qty).String()))
}

func (v *KVVault) Withdraw(ctx context.Context, s side.Side, qty decimal.Decimal) error {
	balance, err := v.Balance(ctx, s)
	if err != nil {
		return err
	}
	if qty.GreaterThan(balance) {
		return ErrInsufficientReserve
	}
	return v.store.HSet(ctx, v.key, s.String(), []byte(balance.Sub(qty).String()))
}
