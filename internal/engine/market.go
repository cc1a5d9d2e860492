// Package engine implements a cup-perp market: two reserves that trade value
// on every move of a reference rate, and the LP units issued against them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cupperp/cupperp-backend/internal/calc"
	"github.com/cupperp/cupperp-backend/internal/issuance"
	"github.com/cupperp/cupperp-backend/internal/pricefeed"
	"github.com/cupperp/cupperp-backend/internal/reserve"
	"github.com/cupperp/cupperp-backend/internal/side"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Issuer creates LP resources and mints/burns them against a badge.
type Issuer interface {
	NewResource(ctx context.Context, name string) (issuance.ResourceID, issuance.Badge, error)
	Mint(ctx context.Context, badge issuance.Badge, amount decimal.Decimal) (issuance.Units, error)
	Burn(ctx context.Context, badge issuance.Badge, units issuance.Units) error
	Reissue(ctx context.Context, badge issuance.Badge, units issuance.Units) error
	Retire(ctx context.Context, badge issuance.Badge) error
}

// Deps are the collaborators a market is wired to.
type Deps struct {
	Custody reserve.Custody
	Issuer  Issuer
	Feed    pricefeed.Feed
}

type sideState struct {
	lpSupply    decimal.Decimal
	resource    issuance.ResourceID
	badge       issuance.Badge
	cachedValue decimal.Decimal
}

// state is everything a failed operation restores.
type state struct {
	sides       [2]sideState
	lastRate    decimal.Decimal
	currentRate decimal.Decimal
	rebalances  int64
	updatedAt   time.Time
}

// Market is safe for concurrent use; every public method runs under the
// market lock.
type Market struct {
	id           string
	pair         string
	leverage     decimal.Decimal
	fundingCoeff decimal.Decimal
	policy       TransferPolicy
	clampFloor   decimal.Decimal

	reserves *reserve.Pair
	issuer   Issuer
	feed     pricefeed.Feed

	logger *zap.SugaredLogger
	now    func() time.Time

	mu sync.Mutex
	state
}

// Option configures a Market at creation.
type Option func(*Market)

// WithLogger sets the market logger; nil keeps the no-op default.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(m *Market) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Market) { m.now = now }
}

// Create opens a market. The deposit is split between the cups, long gets
// half and short the remainder, and both LP supplies start at
// InitialLPSupply without any units being issued.
func Create(ctx context.Context, p Params, deps Deps, opts ...Option) (*Market, error) {
	p = p.withDefaults()
	if err := calc.ValidateRate(p.InitialRate); err != nil {
		return nil, fmt.Errorf("create %s: %w", p.Pair, err)
	}
	if err := calc.ValidateAmount(p.Deposit, "initial deposit"); err != nil {
		return nil, fmt.Errorf("create %s: %w", p.Pair, err)
	}
	if err := calc.ValidateParams(p.Leverage, p.FundingCoeff); err != nil {
		return nil, fmt.Errorf("create %s: %w", p.Pair, err)
	}
	if !p.InitialLPSupply.IsPositive() {
		return nil, fmt.Errorf("create %s: initial lp supply %s: %w", p.Pair, p.InitialLPSupply, calc.ErrInvalidParams)
	}
	if p.Policy != PolicyReject && p.Policy != PolicyClamp {
		return nil, fmt.Errorf("create %s: transfer policy %q: %w", p.Pair, p.Policy, calc.ErrInvalidParams)
	}
	if !p.ClampFloor.IsPositive() {
		return nil, fmt.Errorf("create %s: clamp floor %s: %w", p.Pair, p.ClampFloor, calc.ErrInvalidParams)
	}
	if deps.Custody == nil || deps.Issuer == nil || deps.Feed == nil {
		return nil, fmt.Errorf("create %s: custody, issuer and feed are required", p.Pair)
	}

	m := &Market{
		id:           MarketID(p.Pair),
		pair:         p.Pair,
		leverage:     p.Leverage,
		fundingCoeff: p.FundingCoeff,
		policy:       p.Policy,
		clampFloor:   p.ClampFloor,
		reserves:     reserve.NewPair(deps.Custody),
		issuer:       deps.Issuer,
		feed:         deps.Feed,
		logger:       zap.NewNop().Sugar(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	long, short, err := m.reserves.Amounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", p.Pair, err)
	}
	if !long.IsZero() || !short.IsZero() {
		return nil, fmt.Errorf("create %s: long %s short %s: %w", p.Pair, long, short, ErrCustodyNotEmpty)
	}

	var uow unitOfWork
	fail := func(err error) (*Market, error) {
		if rbErr := uow.rollback(ctx); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return nil, fmt.Errorf("create %s: %w", p.Pair, err)
	}

	for _, s := range side.All {
		id, badge, err := m.issuer.NewResource(ctx, ResourceName(s, p.Pair))
		if err != nil {
			return fail(fmt.Errorf("%s lp resource: %w", s, err))
		}
		uow.onRollback(s.String()+" lp resource", func(ctx context.Context) error {
			return m.issuer.Retire(ctx, badge)
		})
		m.sides[s] = sideState{lpSupply: p.InitialLPSupply, resource: id, badge: badge}
	}

	half := p.Deposit.Div(decimal.NewFromInt(2))
	split := [2]decimal.Decimal{half, p.Deposit.Sub(half)}
	for _, s := range side.All {
		s := s
		if err := m.reserves.Deposit(ctx, s, split[s]); err != nil {
			return fail(err)
		}
		uow.onRollback("initial "+s.String()+" deposit", func(ctx context.Context) error {
			return m.reserves.Withdraw(ctx, s, split[s])
		})
	}
	if err := m.refreshLocked(ctx); err != nil {
		return fail(err)
	}

	m.lastRate = p.InitialRate
	m.currentRate = p.InitialRate
	m.updatedAt = m.now()

	m.logger.Infow("Market created",
		"market", m.id,
		"rate", p.InitialRate.String(),
		"long", m.sides[side.Long].cachedValue.String(),
		"short", m.sides[side.Short].cachedValue.String())
	return m, nil
}

// ResourceName is the display name of a cup's LP resource.
func ResourceName(s side.Side, pair string) string {
	name := s.String()
	return fmt.Sprintf("CupPerp %s%s %s", strings.ToUpper(name[:1]), name[1:], pair)
}

// ID is the market id derived from the pair.
func (m *Market) ID() string { return m.id }

// Pair is the trading pair the market was created for.
func (m *Market) Pair() string { return m.pair }

// run executes op as one unit of work: on error every collaborator call it
// made is compensated and the in-memory state is restored.
func (m *Market) run(ctx context.Context, name string, op func(uow *unitOfWork) error) error {
	saved := m.state
	var uow unitOfWork
	err := op(&uow)
	if err == nil {
		m.updatedAt = m.now()
		return nil
	}

	if rbErr := uow.rollback(ctx); rbErr != nil {
		m.logger.Errorw("Rollback failed", "market", m.id, "op", name, "error", rbErr)
		err = errors.Join(err, rbErr)
	}
	m.state = saved
	m.logger.Debugw("Operation rolled back", "market", m.id, "op", name, "error", err)
	return err
}

// Rebalance marks both cups to the feed's current rate.
func (m *Market) Rebalance(ctx context.Context) (calc.Rebalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out calc.Rebalance
	err := m.run(ctx, "rebalance", func(uow *unitOfWork) error {
		var err error
		out, err = m.rebalanceLocked(ctx, uow)
		return err
	})
	if err != nil {
		return calc.Rebalance{}, fmt.Errorf("rebalance %s: %w", m.id, err)
	}
	return out, nil
}

func (m *Market) rebalanceLocked(ctx context.Context, uow *unitOfWork) (calc.Rebalance, error) {
	rate, err := m.feed.Rate(ctx)
	if err != nil {
		return calc.Rebalance{}, fmt.Errorf("read rate: %w", err)
	}
	if err := calc.ValidateRate(rate); err != nil {
		return calc.Rebalance{}, err
	}
	m.currentRate = rate

	if rate.Equal(m.lastRate) {
		return calc.Rebalance{NoOp: true, Delta: decimal.Zero, Transfer: decimal.Zero}, nil
	}

	long, short, err := m.reserves.Amounts(ctx)
	if err != nil {
		return calc.Rebalance{}, err
	}
	r, err := calc.ComputeRebalance(calc.RebalanceInput{
		LongReserve:  long,
		ShortReserve: short,
		LastRate:     m.lastRate,
		CurrentRate:  rate,
		Leverage:     m.leverage,
		FundingCoeff: m.fundingCoeff,
	})
	if err != nil {
		return calc.Rebalance{}, err
	}

	source := long
	if r.From == side.Short {
		source = short
	}
	if r.Transfer.GreaterThanOrEqual(source) {
		if m.policy != PolicyClamp {
			return calc.Rebalance{}, fmt.Errorf("transfer %s from %s holding %s: %w",
				r.Transfer, r.From, source, ErrReserveExhausted)
		}
		clamped := source.Sub(m.clampFloor)
		if !clamped.IsPositive() {
			return calc.Rebalance{}, fmt.Errorf("%s reserve %s at clamp floor: %w", r.From, source, ErrReserveExhausted)
		}
		m.logger.Warnw("Clamping rebalance transfer",
			"market", m.id, "from", r.From.String(),
			"computed", r.Transfer.String(), "clamped", clamped.String())
		r.Transfer = clamped
	}

	if r.Transfer.IsPositive() {
		if err := m.reserves.Transfer(ctx, r.From, r.To, r.Transfer); err != nil {
			return calc.Rebalance{}, err
		}
		from, to, qty := r.From, r.To, r.Transfer
		uow.onRollback("rebalance transfer", func(ctx context.Context) error {
			return m.reserves.Transfer(ctx, to, from, qty)
		})
	}

	if err := m.refreshLocked(ctx); err != nil {
		return calc.Rebalance{}, err
	}
	m.lastRate = rate
	m.rebalances++

	m.logger.Debugw("Rebalanced",
		"market", m.id,
		"rate", rate.String(),
		"delta", r.Delta.String(),
		"minority", r.Minority.String(),
		"transfer", r.Transfer.String(),
		"from", r.From.String())
	return r, nil
}

// refreshLocked copies the custody balances into the per-side mirrors.
func (m *Market) refreshLocked(ctx context.Context) error {
	long, short, err := m.reserves.Amounts(ctx)
	if err != nil {
		return err
	}
	m.sides[side.Long].cachedValue = long
	m.sides[side.Short].cachedValue = short
	return nil
}

// Deposit adds funds to one cup after rebalancing and returns the LP units
// minted for them.
func (m *Market) Deposit(ctx context.Context, s side.Side, funds decimal.Decimal) (issuance.Units, error) {
	if !s.Valid() {
		return issuance.Units{}, fmt.Errorf("deposit: invalid side %s: %w", s, calc.ErrInvalidAmount)
	}
	if err := calc.ValidateAmount(funds, "deposit"); err != nil {
		return issuance.Units{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var minted issuance.Units
	err := m.run(ctx, "deposit", func(uow *unitOfWork) error {
		if _, err := m.rebalanceLocked(ctx, uow); err != nil {
			return err
		}

		st := &m.sides[s]
		current, err := m.reserves.Amount(ctx, s)
		if err != nil {
			return err
		}
		amount, err := calc.MintAmount(st.lpSupply, current, funds)
		if err != nil {
			return err
		}
		if !amount.IsPositive() {
			return fmt.Errorf("deposit %s mints nothing against %s: %w", funds, current, calc.ErrInvalidAmount)
		}

		if err := m.reserves.Deposit(ctx, s, funds); err != nil {
			return err
		}
		uow.onRollback("custody deposit", func(ctx context.Context) error {
			return m.reserves.Withdraw(ctx, s, funds)
		})

		units, err := m.issuer.Mint(ctx, st.badge, amount)
		if err != nil {
			return fmt.Errorf("mint %s lp units: %w", s, err)
		}
		uow.onRollback("mint", func(ctx context.Context) error {
			return m.issuer.Burn(ctx, st.badge, units)
		})

		st.lpSupply = st.lpSupply.Add(amount)
		if err := m.refreshLocked(ctx); err != nil {
			return err
		}
		minted = units
		return nil
	})
	if err != nil {
		return issuance.Units{}, fmt.Errorf("deposit into %s %s: %w", m.id, s, err)
	}

	m.logger.Infow("Deposit",
		"market", m.id, "side", s.String(),
		"funds", funds.String(), "minted", minted.Amount().String())
	return minted, nil
}

// Withdraw redeems LP units for their share of the cup they were minted
// against, after rebalancing.
func (m *Market) Withdraw(ctx context.Context, units issuance.Units) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sideOfLocked(units.Resource())
	if !ok {
		return decimal.Zero, fmt.Errorf("withdraw from %s: resource %s: %w", m.id, units.Resource(), ErrUnitMismatch)
	}
	return m.withdrawLocked(ctx, s, units)
}

// WithdrawSide is Withdraw with the cup named by the caller; the units must
// belong to it.
func (m *Market) WithdrawSide(ctx context.Context, s side.Side, units issuance.Units) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !s.Valid() || units.Resource() != m.sides[s].resource {
		return decimal.Zero, fmt.Errorf("withdraw from %s %s: resource %s: %w", m.id, s, units.Resource(), ErrUnitMismatch)
	}
	return m.withdrawLocked(ctx, s, units)
}

func (m *Market) sideOfLocked(id issuance.ResourceID) (side.Side, bool) {
	for _, s := range side.All {
		if m.sides[s].resource == id {
			return s, true
		}
	}
	return 0, false
}

func (m *Market) withdrawLocked(ctx context.Context, s side.Side, units issuance.Units) (decimal.Decimal, error) {
	amount := units.Amount()
	if err := calc.ValidateAmount(amount, "withdraw"); err != nil {
		return decimal.Zero, err
	}

	var payout decimal.Decimal
	err := m.run(ctx, "withdraw", func(uow *unitOfWork) error {
		if _, err := m.rebalanceLocked(ctx, uow); err != nil {
			return err
		}

		st := &m.sides[s]
		if amount.GreaterThanOrEqual(st.lpSupply) {
			return fmt.Errorf("burn %s of %s: %w", amount, st.lpSupply, ErrInsufficientSupply)
		}
		current, err := m.reserves.Amount(ctx, s)
		if err != nil {
			return err
		}
		out, err := calc.RedeemPayout(amount, st.lpSupply, current)
		if err != nil {
			return err
		}

		if err := m.issuer.Burn(ctx, st.badge, units); err != nil {
			return fmt.Errorf("burn %s lp units: %w", s, err)
		}
		uow.onRollback("burn", func(ctx context.Context) error {
			return m.issuer.Reissue(ctx, st.badge, units)
		})
		st.lpSupply = st.lpSupply.Sub(amount)
		st.cachedValue = current.Sub(out)

		if err := m.reserves.Withdraw(ctx, s, out); err != nil {
			return err
		}
		uow.onRollback("custody withdraw", func(ctx context.Context) error {
			return m.reserves.Deposit(ctx, s, out)
		})

		if err := m.refreshLocked(ctx); err != nil {
			return err
		}
		payout = out
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("withdraw from %s %s: %w", m.id, s, err)
	}

	m.logger.Infow("Withdraw",
		"market", m.id, "side", s.String(),
		"units", amount.String(), "payout", payout.String())
	return payout, nil
}

// Reserves returns the (long, short) cup balances.
func (m *Market) Reserves() (decimal.Decimal, decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sides[side.Long].cachedValue, m.sides[side.Short].cachedValue
}

// LPUnitIDs returns the (long, short) LP resource identifiers.
func (m *Market) LPUnitIDs() (issuance.ResourceID, issuance.ResourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sides[side.Long].resource, m.sides[side.Short].resource
}

// Value prices hypothetical LP quantities against the current cups. It does
// not rebalance.
func (m *Market) Value(longUnits, shortUnits decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return calc.Value(longUnits, shortUnits, m.poolLocked(side.Long), m.poolLocked(side.Short))
}

func (m *Market) poolLocked(s side.Side) calc.Pool {
	return calc.Pool{Reserve: m.sides[s].cachedValue, Supply: m.sides[s].lpSupply}
}

// SetReferenceRate pushes a new rate into the market's feed. The market sees
// it on its next rebalance.
func (m *Market) SetReferenceRate(ctx context.Context, rate decimal.Decimal) error {
	settable, ok := m.feed.(pricefeed.Settable)
	if !ok {
		return fmt.Errorf("set rate on %s: %w", m.id, ErrFeedNotSettable)
	}
	if err := calc.ValidateRate(rate); err != nil {
		return err
	}
	return settable.SetRate(ctx, rate)
}
