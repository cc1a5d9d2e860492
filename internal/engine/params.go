package engine

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TransferPolicy decides what a rebalance does when the computed transfer is
// at least the paying cup's whole reserve.
type TransferPolicy string

const (
	// PolicyReject fails the rebalance with ErrReserveExhausted.
	PolicyReject TransferPolicy = "reject"
	// PolicyClamp caps the transfer so ClampFloor stays in the paying cup.
	PolicyClamp TransferPolicy = "clamp"
)

var (
	DefaultLeverage        = decimal.NewFromInt(5)
	DefaultFundingCoeff    = decimal.RequireFromString("0.75")
	DefaultInitialLPSupply = decimal.NewFromInt(1000)
	DefaultClampFloor      = decimal.RequireFromString("0.000001")
)

// Params configures a new market. Zero decimals fall back to the defaults.
type Params struct {
	Pair            string
	InitialRate     decimal.Decimal
	Deposit         decimal.Decimal
	Leverage        decimal.Decimal
	FundingCoeff    decimal.Decimal
	InitialLPSupply decimal.Decimal
	Policy          TransferPolicy
	ClampFloor      decimal.Decimal
}

func (p Params) withDefaults() Params {
	if p.Leverage.IsZero() {
		p.Leverage = DefaultLeverage
	}
	if p.FundingCoeff.IsZero() {
		p.FundingCoeff = DefaultFundingCoeff
	}
	if p.InitialLPSupply.IsZero() {
		p.InitialLPSupply = DefaultInitialLPSupply
	}
	if p.Policy == "" {
		p.Policy = PolicyReject
	}
	if p.ClampFloor.IsZero() {
		p.ClampFloor = DefaultClampFloor
	}
	return p
}

// ParsePolicy maps a config string onto a TransferPolicy.
func ParsePolicy(v string) (TransferPolicy, error) {
	switch TransferPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case PolicyReject, "":
		return PolicyReject, nil
	case PolicyClamp:
		return PolicyClamp, nil
	default:
		return "", fmt.Errorf("unknown transfer policy %q (must be reject or clamp)", v)
	}
}

// MarketID derives the registry identifier of a pair label, e.g. "BTC/USD"
// becomes "btc-usd".
func MarketID(pair string) string {
	id := strings.ToLower(strings.TrimSpace(pair))
	return strings.NewReplacer("/", "-", " ", "-").Replace(id)
}
