package calc

import (
	"fmt"

	"github.com/cupperp/cupperp-backend/internal/side"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// RebalanceInput is the market state a rebalance is computed from.
type RebalanceInput struct {
	LongReserve  decimal.Decimal
	ShortReserve decimal.Decimal
	LastRate     decimal.Decimal
	CurrentRate  decimal.Decimal
	Leverage     decimal.Decimal
	FundingCoeff decimal.Decimal
}

// Rebalance is the outcome of one mark-to-market step. Every intermediate
// value is kept so callers can log and assert on it.
type Rebalance struct {
	NoOp bool

	Delta      decimal.Decimal // (current/last - 1) * leverage
	LongD      decimal.Decimal // delta * long reserve
	ShortD     decimal.Decimal // delta * short reserve
	Ratio      decimal.Decimal // long / short
	Funding    decimal.Decimal // coeff * min(ratio, 1/ratio)
	Minority   side.Side       // side whose hypothetical move binds the transfer
	Multiplier decimal.Decimal // funding or 1/funding
	Transfer   decimal.Decimal
	From       side.Side
	To         side.Side
}

// ComputeRebalance returns the transfer between the cups implied by a move of
// the reference rate from LastRate to CurrentRate.
//
// The side with the smaller hypothetical PnL (by magnitude) is the minority;
// on a tie the long side is the minority. The funding rebate always goes to
// the smaller cup: the outflow is dampened by funding when the paying cup is
// the smaller one and amplified by 1/funding when it is the larger one.
//
// The transfer is not bounded by the source reserve here; callers decide what
// to do when Transfer >= reserve of From.
func ComputeRebalance(in RebalanceInput) (Rebalance, error) {
	if err := ValidateRate(in.CurrentRate); err != nil {
		return Rebalance{}, err
	}
	if err := ValidateRate(in.LastRate); err != nil {
		return Rebalance{}, fmt.Errorf("last applied rate: %w", err)
	}
	if in.CurrentRate.Equal(in.LastRate) {
		return Rebalance{NoOp: true, Delta: decimal.Zero, Transfer: decimal.Zero}, nil
	}
	if err := ValidateParams(in.Leverage, in.FundingCoeff); err != nil {
		return Rebalance{}, err
	}
	if err := ValidateReserves(in.LongReserve, in.ShortReserve); err != nil {
		return Rebalance{}, err
	}

	delta := in.CurrentRate.Div(in.LastRate).Sub(one).Mul(in.Leverage)
	longD := delta.Mul(in.LongReserve)
	shortD := delta.Mul(in.ShortReserve)
	ratio := in.LongReserve.Div(in.ShortReserve)

	var funding decimal.Decimal
	if ratio.GreaterThan(one) {
		funding = in.FundingCoeff.Mul(one.Div(ratio))
	} else {
		funding = in.FundingCoeff.Mul(ratio)
	}
	if !funding.IsPositive() {
		return Rebalance{}, fmt.Errorf("funding factor %s: %w", funding, ErrZeroReserve)
	}
	inverse := one.Div(funding)
	up := delta.IsPositive()

	r := Rebalance{
		Delta:   delta,
		LongD:   longD,
		ShortD:  shortD,
		Ratio:   ratio,
		Funding: funding,
	}

	if longD.Abs().GreaterThan(shortD.Abs()) {
		r.Minority = side.Short
		if up {
			r.Multiplier = funding
		} else {
			r.Multiplier = inverse
		}
		r.Transfer = r.Multiplier.Mul(shortD.Abs())
	} else {
		r.Minority = side.Long
		if up {
			r.Multiplier = inverse
		} else {
			r.Multiplier = funding
		}
		r.Transfer = r.Multiplier.Mul(longD.Abs())
	}

	if up {
		r.From, r.To = side.Short, side.Long
	} else {
		r.From, r.To = side.Long, side.Short
	}

	return r, nil
}
