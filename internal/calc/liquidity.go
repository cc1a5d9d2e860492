package calc

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// UnitPlaces is the number of decimal places LP amounts are divided to.
const UnitPlaces = 36

// MintAmount returns the LP units issued for depositing funds into a cup:
// supply * ((reserve + funds) / reserve - 1), evaluated as
// supply * funds / reserve so the only rounding is the final division.
// Existing holders keep their share of the post-deposit reserve.
func MintAmount(supply, reserve, funds decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidateAmount(funds, "deposit"); err != nil {
		return decimal.Zero, err
	}
	if !reserve.IsPositive() {
		return decimal.Zero, fmt.Errorf("mint against reserve %s: %w", reserve, ErrZeroReserve)
	}
	if !supply.IsPositive() {
		return decimal.Zero, fmt.Errorf("mint against supply %s: %w", supply, ErrZeroSupply)
	}
	return supply.Mul(funds).DivRound(reserve, UnitPlaces), nil
}

// RedeemPayout returns the backing asset paid for burning units:
// units / supply * reserve.
func RedeemPayout(units, supply, reserve decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidateAmount(units, "withdraw"); err != nil {
		return decimal.Zero, err
	}
	if !supply.IsPositive() {
		return decimal.Zero, fmt.Errorf("redeem against supply %s: %w", supply, ErrZeroSupply)
	}
	return units.Mul(reserve).DivRound(supply, UnitPlaces), nil
}

// UnitPrice is the redemption value of one LP unit.
func UnitPrice(supply, reserve decimal.Decimal) (decimal.Decimal, error) {
	if !supply.IsPositive() {
		return decimal.Zero, ErrZeroSupply
	}
	return reserve.DivRound(supply, UnitPlaces), nil
}

// Pool is one cup as seen by the valuation function.
type Pool struct {
	Reserve decimal.Decimal
	Supply  decimal.Decimal
}

// Value prices arbitrary LP quantities against the current cups without
// requiring ownership of them.
func Value(longUnits, shortUnits decimal.Decimal, long, short Pool) (decimal.Decimal, error) {
	if err := ValidateQuantity(longUnits, "long"); err != nil {
		return decimal.Zero, err
	}
	if err := ValidateQuantity(shortUnits, "short"); err != nil {
		return decimal.Zero, err
	}
	if !long.Supply.IsPositive() {
		return decimal.Zero, fmt.Errorf("long side: %w", ErrZeroSupply)
	}
	if !short.Supply.IsPositive() {
		return decimal.Zero, fmt.Errorf("short side: %w", ErrZeroSupply)
	}

	longValue := longUnits.Mul(long.Reserve).DivRound(long.Supply, UnitPlaces)
	shortValue := shortUnits.Mul(short.Reserve).DivRound(short.Supply, UnitPlaces)
	return longValue.Add(shortValue), nil
}
