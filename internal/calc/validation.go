package calc

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRate is returned for a reference rate that is not strictly positive.
	ErrInvalidRate = errors.New("reference rate must be positive")
	// ErrInvalidAmount is returned for non-positive deposit/withdraw quantities
	// and negative valuation quantities.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidParams is returned for market parameters outside their domain.
	ErrInvalidParams = errors.New("invalid market parameters")
	// ErrZeroReserve guards every division by a reserve amount.
	ErrZeroReserve = errors.New("reserve is zero")
	// ErrZeroSupply guards every division by an LP supply.
	ErrZeroSupply = errors.New("lp supply is zero")
)

// maxAmount bounds user supplied quantities well below anything that could
// lose precision in the intermediate products.
var maxAmount = decimal.New(1, 30)

// ValidateAmount checks that a deposit/withdraw quantity is positive and
// within reasonable bounds.
func ValidateAmount(amount decimal.Decimal, operation string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%s amount %s: must be positive: %w", operation, amount, ErrInvalidAmount)
	}
	if amount.GreaterThan(maxAmount) {
		return fmt.Errorf("%s amount %s: too large: %w", operation, amount, ErrInvalidAmount)
	}
	return nil
}

// ValidateQuantity accepts zero, used for valuation inputs.
func ValidateQuantity(q decimal.Decimal, name string) error {
	if q.IsNegative() {
		return fmt.Errorf("%s quantity %s: cannot be negative: %w", name, q, ErrInvalidAmount)
	}
	return nil
}

// ValidateRate rejects zero and negative reference rates.
func ValidateRate(rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("rate %s: %w", rate, ErrInvalidRate)
	}
	return nil
}

// ValidateParams checks the fixed market parameters: leverage > 0 and the
// funding coefficient in (0, 1].
func ValidateParams(leverage, fundingCoeff decimal.Decimal) error {
	if !leverage.IsPositive() {
		return fmt.Errorf("leverage %s must be positive: %w", leverage, ErrInvalidParams)
	}
	if !fundingCoeff.IsPositive() || fundingCoeff.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("funding coefficient %s must be in (0,1]: %w", fundingCoeff, ErrInvalidParams)
	}
	return nil
}

// ValidateReserves performs basic sanity checks on a market's state.
func ValidateReserves(long, short decimal.Decimal) error {
	if !long.IsPositive() {
		return fmt.Errorf("long reserve %s: %w", long, ErrZeroReserve)
	}
	if !short.IsPositive() {
		return fmt.Errorf("short reserve %s: %w", short, ErrZeroReserve)
	}
	return nil
}
