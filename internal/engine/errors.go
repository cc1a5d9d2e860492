package engine

import "errors"

var (
	// ErrUnitMismatch is returned when LP units do not belong to the cup they
	// are redeemed against.
	ErrUnitMismatch = errors.New("lp units do not belong to this cup")
	// ErrInsufficientSupply is returned when a withdrawal would burn the whole
	// LP supply of a cup.
	ErrInsufficientSupply = errors.New("withdrawal would exhaust lp supply")
	// ErrReserveExhausted is returned when a rebalance transfer would drain the
	// paying cup.
	ErrReserveExhausted = errors.New("rebalance transfer exhausts source reserve")
	// ErrFeedNotSettable is returned by SetReferenceRate on read-only feeds.
	ErrFeedNotSettable = errors.New("price feed does not accept rate updates")
	// ErrCustodyNotEmpty is returned by Create when the custody still holds
	// reserves of an earlier market.
	ErrCustodyNotEmpty = errors.New("custody already holds reserves")
)
