// Package reserve holds the two cups of a market. Balances live in a Custody
// collaborator; Pair adds validation and the compensating transfer.
package reserve

import (
	"context"
	"errors"
	"fmt"

	"github.com/cupperp/cupperp-backend/internal/side"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientReserve is returned when a withdrawal exceeds the cup balance.
	ErrInsufficientReserve = errors.New("insufficient reserve")
	// ErrInvalidQuantity is returned for non-positive custody moves.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Custody stores the backing asset of both cups.
type Custody interface {
	Balance(ctx context.Context, s side.Side) (decimal.Decimal, error)
	Deposit(ctx context.Context, s side.Side, qty decimal.Decimal) error
	Withdraw(ctx context.Context, s side.Side, qty decimal.Decimal) error
}

// Pair is the long/short reserve pair of one market.
type Pair struct {
	custody Custody
}

func NewPair(custody Custody) *Pair {
	return &Pair{custody: custody}
}

// Amount returns the current balance of one cup.
func (p *Pair) Amount(ctx context.Context, s side.Side) (decimal.Decimal, error) {
	if !s.Valid() {
		return decimal.Zero, fmt.Errorf("amount: invalid side %s", s)
	}
	amount, err := p.custody.Balance(ctx, s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s reserve: %w", s, err)
	}
	return amount, nil
}

// Amounts returns (long, short).
func (p *Pair) Amounts(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	long, err := p.Amount(ctx, side.Long)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	short, err := p.Amount(ctx, side.Short)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return long, short, nil
}

func (p *Pair) Deposit(ctx context.Context, s side.Side, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("deposit %s into %s: %w", qty, s, ErrInvalidQuantity)
	}
	if err := p.custody.Deposit(ctx, s, qty); err != nil {
		return fmt.Errorf("deposit %s into %s reserve: %w", qty, s, err)
	}
	return nil
}

func (p *Pair) Withdraw(ctx context.Context, s side.Side, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("withdraw %s from %s: %w", qty, s, ErrInvalidQuantity)
	}
	amount, err := p.Amount(ctx, s)
	if err != nil {
		return err
	}
	if qty.GreaterThan(amount) {
		return fmt.Errorf("withdraw %s from %s reserve holding %s: %w", qty, s, amount, ErrInsufficientReserve)
	}
	if err := p.custody.Withdraw(ctx, s, qty); err != nil {
		return fmt.Errorf("withdraw %s from %s reserve: %w", qty, s, err)
	}
	return nil
}

// Transfer moves qty between the cups. If the deposit leg fails the
// withdrawn amount is put back before returning.
func (p *Pair) Transfer(ctx context.Context, from, to side.Side, qty decimal.Decimal) error {
	if from == to {
		return fmt.Errorf("transfer from %s to itself", from)
	}
	if err := p.Withdraw(ctx, from, qty); err != nil {
		return err
	}
	if err := p.Deposit(ctx, to, qty); err != nil {
		if undoErr := p.custody.Deposit(ctx, from, qty); undoErr != nil {
			return errors.Join(err, fmt.Errorf("restore %s reserve: %w", from, undoErr))
		}
		return err
	}
	return nil
}
