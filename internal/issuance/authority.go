// Package issuance creates LP unit resources and controls their supply.
// Minting and burning a resource requires the Badge handed out when the
// resource was created; the authority keeps only a digest of it.
//
// Minted units land in a holding. Units can only be burned out of the
// holding that owns them, so a caller has to know the holding id to
// redeem anything.
package issuance

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrUnauthorized      = errors.New("badge not authorized for resource")
	ErrWrongResource     = errors.New("units belong to a different resource")
	ErrInsufficientUnits = errors.New("burn exceeds held units")
	ErrUnknownResource   = errors.New("unknown resource")
	ErrUnknownHolding    = errors.New("unknown holding")
	ErrInvalidAmount     = errors.New("unit amount must be positive")
	ErrResourceInUse     = errors.New("resource has circulating units")
)

// ResourceID identifies one kind of LP unit.
type ResourceID = uuid.UUID

// Badge is the mint/burn capability for a single resource. The zero value
// authorizes nothing.
type Badge struct {
	resource ResourceID
	secret   [32]byte
}

// Resource returns the resource this badge controls.
func (b Badge) Resource() ResourceID {
	return b.resource
}

// HoldingID identifies the bucket a mint landed in.
type HoldingID = uuid.UUID

// Units is a claim on part of a holding. Only the authority hands them
// out, through Mint and Take; the zero value claims nothing.
type Units struct {
	holding  HoldingID
	resource ResourceID
	amount   decimal.Decimal
}

func (u Units) Holding() HoldingID { return u.holding }
func (u Units) Resource() ResourceID { return u.resource }
func (u Units) Amount() decimal.Decimal { return u.amount }

// Metadata describes a resource.
type Metadata struct {
	ID     ResourceID      `json:"id"`
	Name   string          `json:"name"`
	Supply decimal.Decimal `json:"supply"`
}

type resource struct {
	name   string
	supply decimal.Decimal
	digest [32]byte
}

type holding struct {
	resource ResourceID
	balance  decimal.Decimal
}

// Authority is an in-process issuance authority.
type Authority struct {
	mu        sync.RWMutex
	resources map[ResourceID]*resource
	holdings  map[HoldingID]*holding
}

func NewAuthority() *Authority {
	return &Authority{
		resources: make(map[ResourceID]*resource),
		holdings:  make(map[HoldingID]*holding),
	}
}

// NewResource registers a resource with zero supply and returns the only
// badge able to mint or burn it.
func (a *Authority) NewResource(_ context.Context, name string) (ResourceID, Badge, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return ResourceID{}, Badge{}, fmt.Errorf("generate badge: %w", err)
	}
	id := uuid.New()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.resources[id] = &resource{
		name:   name,
		supply: decimal.Zero,
		digest: blake2b.Sum256(secret[:]),
	}
	return id, Badge{resource: id, secret: secret}, nil
}

// authorize must be called with a.mu held.
func (a *Authority) authorize(badge Badge) (*resource, error) {
	res, ok := a.resources[badge.resource]
	if !ok {
		return nil, ErrUnauthorized
	}
	digest := blake2b.Sum256(badge.secret[:])
	if subtle.ConstantTimeCompare(digest[:], res.digest[:]) != 1 {
		return nil, ErrUnauthorized
	}
	return res, nil
}

// Mint issues amount units into a fresh holding.
func (a *Authority) Mint(_ context.Context, badge Badge, amount decimal.Decimal) (Units, error) {
	if !amount.IsPositive() {
		return Units{}, fmt.Errorf("mint %s: %w", amount, ErrInvalidAmount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.authorize(badge)
	if err != nil {
		return Units{}, fmt.Errorf("mint: %w", err)
	}
	id := uuid.New()
	a.holdings[id] = &holding{resource: badge.resource, balance: amount}
	res.supply = res.supply.Add(amount)
	return Units{holding: id, resource: badge.resource, amount: amount}, nil
}

// Take claims amount units out of a holding. Nothing moves until the claim
// is burned.
func (a *Authority) Take(_ context.Context, id HoldingID, amount decimal.Decimal) (Units, error) {
	if !amount.IsPositive() {
		return Units{}, fmt.Errorf("take %s: %w", amount, ErrInvalidAmount)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.holdings[id]
	if !ok {
		return Units{}, fmt.Errorf("holding %s: %w", id, ErrUnknownHolding)
	}
	if amount.GreaterThan(h.balance) {
		return Units{}, fmt.Errorf("take %s of %s: %w", amount, h.balance, ErrInsufficientUnits)
	}
	return Units{holding: id, resource: h.resource, amount: amount}, nil
}

// Burn destroys units out of the holding they were claimed from.
func (a *Authority) Burn(_ context.Context, badge Badge, units Units) error {
	if !units.amount.IsPositive() {
		return fmt.Errorf("burn %s: %w", units.amount, ErrInvalidAmount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.authorize(badge)
	if err != nil {
		return fmt.Errorf("burn: %w", err)
	}
	if units.resource != badge.resource {
		return fmt.Errorf("burn %s with badge for %s: %w", units.resource, badge.resource, ErrWrongResource)
	}
	h, ok := a.holdings[units.holding]
	if !ok {
		return fmt.Errorf("burn from holding %s: %w", units.holding, ErrUnknownHolding)
	}
	if h.resource != units.resource {
		return fmt.Errorf("burn %s from holding of %s: %w", units.resource, h.resource, ErrWrongResource)
	}
	if units.amount.GreaterThan(h.balance) || units.amount.GreaterThan(res.supply) {
		return fmt.Errorf("burn %s of %s: %w", units.amount, h.balance, ErrInsufficientUnits)
	}

	h.balance = h.balance.Sub(units.amount)
	if h.balance.IsZero() {
		delete(a.holdings, units.holding)
	}
	res.supply = res.supply.Sub(units.amount)
	return nil
}

// Reissue puts burned units back into their holding.
func (a *Authority) Reissue(_ context.Context, badge Badge, units Units) error {
	if !units.amount.IsPositive() {
		return fmt.Errorf("reissue %s: %w", units.amount, ErrInvalidAmount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.authorize(badge)
	if err != nil {
		return fmt.Errorf("reissue: %w", err)
	}
	if units.resource != badge.resource {
		return fmt.Errorf("reissue %s with badge for %s: %w", units.resource, badge.resource, ErrWrongResource)
	}
	h, ok := a.holdings[units.holding]
	if !ok {
		h = &holding{resource: units.resource, balance: decimal.Zero}
		a.holdings[units.holding] = h
	}
	h.balance = h.balance.Add(units.amount)
	res.supply = res.supply.Add(units.amount)
	return nil
}

// Retire removes a resource nobody holds.
func (a *Authority) Retire(_ context.Context, badge Badge) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.authorize(badge)
	if err != nil {
		return fmt.Errorf("retire: %w", err)
	}
	if !res.supply.IsZero() {
		return fmt.Errorf("retire %s with %s circulating: %w", badge.resource, res.supply, ErrResourceInUse)
	}
	delete(a.resources, badge.resource)
	return nil
}

// Balance returns what is left in a holding.
func (a *Authority) Balance(id HoldingID) (decimal.Decimal, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.holdings[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("holding %s: %w", id, ErrUnknownHolding)
	}
	return h.balance, nil
}

// Supply returns the circulating amount of a resource.
func (a *Authority) Supply(id ResourceID) (decimal.Decimal, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	res, ok := a.resources[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", id, ErrUnknownResource)
	}
	return res.supply, nil
}

func (a *Authority) Metadata(id ResourceID) (Metadata, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	res, ok := a.resources[id]
	if !ok {
		return Metadata{}, fmt.Errorf("%s: %w", id, ErrUnknownResource)
	}
	return Metadata{ID: id, Name: res.name, Supply: res.supply}, nil
}
