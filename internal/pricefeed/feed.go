// Package pricefeed supplies the reference exchange rate a market rebalances on.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNoRate      = errors.New("no rate published yet")
	ErrStale       = errors.New("rate is stale")
	ErrInvalidRate = errors.New("rate must be positive")
)

// Feed reports the current reference rate.
type Feed interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// Settable is a feed whose rate can be pushed from outside.
type Settable interface {
	Feed
	SetRate(ctx context.Context, rate decimal.Decimal) error
}

// Manual is a feed holding whatever rate was last set on it.
type Manual struct {
	mu   sync.RWMutex
	rate decimal.Decimal
}

func NewManual(rate decimal.Decimal) *Manual {
	return &Manual{rate: rate}
}

func (m *Manual) Rate(_ context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rate.IsZero() {
		return decimal.Zero, ErrNoRate
	}
	return m.rate, nil
}

func (m *Manual) SetRate(_ context.Context, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("set rate %s: %w", rate, ErrInvalidRate)
	}
	m.mu.Lock()
	m.rate = rate
	m.mu.Unlock()
	return nil
}

// Live is fed by an external relay. Reads fail once the last update is older
// than MaxAge; a zero MaxAge disables the check.
type Live struct {
	MaxAge time.Duration

	mu        sync.RWMutex
	rate      decimal.Decimal
	updatedAt time.Time
	now       func() time.Time
}

func NewLive(maxAge time.Duration) *Live {
	return &Live{MaxAge: maxAge, now: time.Now}
}

func (l *Live) Rate(_ context.Context) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.updatedAt.IsZero() {
		return decimal.Zero, ErrNoRate
	}
	if l.MaxAge > 0 {
		if age := l.now().Sub(l.updatedAt); age > l.MaxAge {
			return decimal.Zero, fmt.Errorf("last update %s ago: %w", age.Round(time.Millisecond), ErrStale)
		}
	}
	return l.rate, nil
}

func (l *Live) SetRate(_ context.Context, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("set rate %s: %w", rate, ErrInvalidRate)
	}
	l.mu.Lock()
	l.rate = rate
	l.updatedAt = l.now()
	l.mu.Unlock()
	return nil
}

// UpdatedAt returns when the rate was last set.
func (l *Live) UpdatedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updatedAt
}
