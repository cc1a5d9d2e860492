package reserve

import (
	"context"
	"errors"
	"testing"

	"github.com/cupperp/cupperp-backend/internal/side"
	"github.com/cupperp/cupperp-backend/pkg/kv/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// flakyCustody fails deposits into one side.
type flakyCustody struct {
	*MemoryVault
	failDepositTo side.Side
}

func (f *flakyCustody) Deposit(ctx context.Context, s side.Side, qty decimal.Decimal) error {
	if s == f.failDepositTo {
		return errors.New("custody offline")
	}
	return f.MemoryVault.Deposit(ctx, s, qty)
}

func vaults(t *testing.T) map[string]Custody {
	store := memory.New(0)
	t.Cleanup(func() { store.Close() })
	return map[string]Custody{
		"memory": NewMemoryVault(),
		"kv":     NewKVVault(store, "btc-usd"),
	}
}

func TestPairDepositWithdraw(t *testing.T) {
	ctx := context.Background()
	for name, custody := range vaults(t) {
		t.Run(name, func(t *testing.T) {
			pair := NewPair(custody)

			require.NoError(t, pair.Deposit(ctx, side.Long, dec("500")))
			require.NoError(t, pair.Deposit(ctx, side.Short, dec("500.25")))
			require.NoError(t, pair.Withdraw(ctx, side.Short, dec("0.25")))

			long, short, err := pair.Amounts(ctx)
			require.NoError(t, err)
			assert.True(t, long.Equal(dec("500")), "long = %s", long)
			assert.True(t, short.Equal(dec("500")), "short = %s", short)

			err = pair.Withdraw(ctx, side.Long, dec("500.0001"))
			assert.ErrorIs(t, err, ErrInsufficientReserve)

			assert.ErrorIs(t, pair.Deposit(ctx, side.Long, decimal.Zero), ErrInvalidQuantity)
			assert.ErrorIs(t, pair.Withdraw(ctx, side.Long, dec("-1")), ErrInvalidQuantity)
		})
	}
}

func TestPairTransfer(t *testing.T) {
	ctx := context.Background()
	for name, custody := range vaults(t) {
		t.Run(name, func(t *testing.T) {
			pair := NewPair(custody)
			require.NoError(t, pair.Deposit(ctx, side.Long, dec("1000")))
			require.NoError(t, pair.Deposit(ctx, side.Short, dec("1000")))

			require.NoError(t, pair.Transfer(ctx, side.Short, side.Long, dec("333.5")))

			long, short, err := pair.Amounts(ctx)
			require.NoError(t, err)
			assert.True(t, long.Equal(dec("1333.5")))
			assert.True(t, short.Equal(dec("666.5")))
			assert.True(t, long.Add(short).Equal(dec("2000")))

			assert.ErrorIs(t, pair.Transfer(ctx, side.Short, side.Long, dec("700")), ErrInsufficientReserve)
			assert.Error(t, pair.Transfer(ctx, side.Long, side.Long, dec("1")))
		})
	}
}

func TestPairTransferRestoresSourceOnFailure(t *testing.T) {
	ctx := context.Background()
	custody := &flakyCustody{MemoryVault: NewMemoryVault(), failDepositTo: side.Long}
	require.NoError(t, custody.MemoryVault.Deposit(ctx, side.Short, dec("100")))

	pair := NewPair(custody)
	err := pair.Transfer(ctx, side.Short, side.Long, dec("40"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custody offline")

	short, err := pair.Amount(ctx, side.Short)
	require.NoError(t, err)
	assert.True(t, short.Equal(dec("100")), "short = %s", short)
}

func TestKVVaultLayout(t *testing.T) {
	ctx := context.Background()
	store := memory.New(0)
	defer store.Close()

	vault := NewKVVault(store, "eth-usd")
	assert.Equal(t, "cup:reserves:eth-usd", vault.Key())

	balance, err := vault.Balance(ctx, side.Long)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	require.NoError(t, vault.Deposit(ctx, side.Long, dec("12.5")))
	raw, err := store.HGet(ctx, vault.Key(), "long")
	require.NoError(t, err)
	assert.Equal(t, "12.5", string(raw))

	require.NoError(t, store.HSet(ctx, vault.Key(), "short", []byte("garbage")))
	_, err = vault.Balance(ctx, side.Short)
	assert.Error(t, err)
}
