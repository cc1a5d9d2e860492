package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cupperp/cupperp-backend/internal/calc"
	"github.com/cupperp/cupperp-backend/internal/issuance"
	"github.com/cupperp/cupperp-backend/internal/pricefeed"
	"github.com/cupperp/cupperp-backend/internal/reserve"
	"github.com/cupperp/cupperp-backend/internal/side"
	"github.com/cupperp/cupperp-backend/pkg/kv/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var tolerance = decimal.New(1, -9)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertClose(t *testing.T, want, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, want.Sub(got).Abs().LessThanOrEqual(tolerance),
		append([]interface{}{"want %s, got %s", want, got}, msgAndArgs...)...)
}

// flakyIssuer wraps the real authority and fails on demand.
type flakyIssuer struct {
	*issuance.Authority
	failMint bool
	failBurn bool
	created  []issuance.ResourceID
}

func (f *flakyIssuer) NewResource(ctx context.Context, name string) (issuance.ResourceID, issuance.Badge, error) {
	id, badge, err := f.Authority.NewResource(ctx, name)
	if err == nil {
		f.created = append(f.created, id)
	}
	return id, badge, err
}

func (f *flakyIssuer) Mint(ctx context.Context, badge issuance.Badge, amount decimal.Decimal) (issuance.Units, error) {
	if f.failMint {
		return issuance.Units{}, errors.New("issuer unavailable")
	}
	return f.Authority.Mint(ctx, badge, amount)
}

func (f *flakyIssuer) Burn(ctx context.Context, badge issuance.Badge, units issuance.Units) error {
	if f.failBurn {
		return errors.New("issuer unavailable")
	}
	return f.Authority.Burn(ctx, badge, units)
}

// flakyCustody fails custody moves on demand.
type flakyCustody struct {
	*reserve.MemoryVault
	failWithdraw bool
	failDeposit  bool
}

func (f *flakyCustody) Deposit(ctx context.Context, s side.Side, qty decimal.Decimal) error {
	if f.failDeposit && s == side.Short {
		return errors.New("custody unavailable")
	}
	return f.MemoryVault.Deposit(ctx, s, qty)
}

func (f *flakyCustody) Withdraw(ctx context.Context, s side.Side, qty decimal.Decimal) error {
	if f.failWithdraw {
		return errors.New("custody unavailable")
	}
	return f.MemoryVault.Withdraw(ctx, s, qty)
}

type mockFeed struct {
	mock.Mock
}

func (f *mockFeed) Rate(ctx context.Context) (decimal.Decimal, error) {
	args := f.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type fixture struct {
	market  *Market
	feed    *pricefeed.Manual
	issuer  *flakyIssuer
	custody *flakyCustody
}

func newFixture(t *testing.T, pair string, deposit string, mutate ...func(*Params)) *fixture {
	t.Helper()
	f := &fixture{
		feed:    pricefeed.NewManual(dec("100")),
		issuer:  &flakyIssuer{Authority: issuance.NewAuthority()},
		custody: &flakyCustody{MemoryVault: reserve.NewMemoryVault()},
	}
	p := Params{Pair: pair, InitialRate: dec("100"), Deposit: dec(deposit)}
	for _, fn := range mutate {
		fn(&p)
	}
	m, err := Create(context.Background(), p, Deps{Custody: f.custody, Issuer: f.issuer, Feed: f.feed})
	require.NoError(t, err)
	f.market = m
	return f
}

func (f *fixture) setRate(t *testing.T, rate string) {
	t.Helper()
	require.NoError(t, f.market.SetReferenceRate(context.Background(), dec(rate)))
}

func TestCreate(t *testing.T) {
	f := newFixture(t, "BTC/USD", "2000")
	m := f.market

	assert.Equal(t, "btc-usd", m.ID())
	assert.Equal(t, "BTC/USD", m.Pair())

	long, short := m.Reserves()
	assert.True(t, long.Equal(dec("1000")))
	assert.True(t, short.Equal(dec("1000")))

	snap := m.Snapshot()
	assert.True(t, snap.Long.LPSupply.Equal(DefaultInitialLPSupply))
	assert.True(t, snap.Short.LPSupply.Equal(DefaultInitialLPSupply))
	assert.True(t, snap.Leverage.Equal(dec("5")))
	assert.True(t, snap.FundingCoeff.Equal(dec("0.75")))
	assert.Equal(t, PolicyReject, snap.Policy)
	assert.True(t, snap.LastRate.Equal(dec("100")))

	longID, shortID := m.LPUnitIDs()
	assert.NotEqual(t, longID, shortID)
	meta, err := f.issuer.Metadata(longID)
	require.NoError(t, err)
	assert.Equal(t, "CupPerp Long BTC/USD", meta.Name)
	assert.True(t, meta.Supply.IsZero(), "bootstrap supply is not issued to anyone")
	meta, err = f.issuer.Metadata(shortID)
	require.NoError(t, err)
	assert.Equal(t, "CupPerp Short BTC/USD", meta.Name)
}

func TestCreateSplit(t *testing.T) {
	f := newFixture(t, "ETH/USD", "1001")
	long, short := f.market.Reserves()
	assert.True(t, long.Equal(dec("500.5")))
	assert.True(t, long.Add(short).Equal(dec("1001")))
}

func TestCreateValidation(t *testing.T) {
	deps := Deps{
		Custody: reserve.NewMemoryVault(),
		Issuer:  issuance.NewAuthority(),
		Feed:    pricefeed.NewManual(dec("1")),
	}
	tests := []struct {
		name    string
		params  Params
		wantErr error
	}{
		{"zero rate", Params{Pair: "A/B", InitialRate: decimal.Zero, Deposit: dec("10")}, calc.ErrInvalidRate},
		{"negative rate", Params{Pair: "A/B", InitialRate: dec("-1"), Deposit: dec("10")}, calc.ErrInvalidRate},
		{"zero deposit", Params{Pair: "A/B", InitialRate: dec("1"), Deposit: decimal.Zero}, calc.ErrInvalidAmount},
		{"coefficient above one", Params{Pair: "A/B", InitialRate: dec("1"), Deposit: dec("10"), FundingCoeff: dec("1.5")}, calc.ErrInvalidParams},
		{"negative leverage", Params{Pair: "A/B", InitialRate: dec("1"), Deposit: dec("10"), Leverage: dec("-2")}, calc.ErrInvalidParams},
		{"unknown policy", Params{Pair: "A/B", InitialRate: dec("1"), Deposit: dec("10"), Policy: "yolo"}, calc.ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create(context.Background(), tt.params, deps)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := Create(context.Background(), Params{Pair: "A/B", InitialRate: dec("1"), Deposit: dec("1")}, Deps{})
	assert.Error(t, err)
}

func TestCreateOverFundedCustody(t *testing.T) {
	ctx := context.Background()
	store := memory.New(0)
	t.Cleanup(func() { store.Close() })

	deps := func() Deps {
		return Deps{
			Custody: reserve.NewKVVault(store, "btc-usd"),
			Issuer:  issuance.NewAuthority(),
			Feed:    pricefeed.NewManual(dec("100")),
		}
	}
	p := Params{Pair: "BTC/USD", InitialRate: dec("100"), Deposit: dec("2000")}

	m, err := Create(ctx, p, deps())
	require.NoError(t, err)

	// a second market over the same persisted balances must not hide them
	_, err = Create(ctx, p, deps())
	assert.ErrorIs(t, err, ErrCustodyNotEmpty)

	vault := reserve.NewKVVault(store, "btc-usd")
	custodyLong, err := vault.Balance(ctx, side.Long)
	require.NoError(t, err)
	custodyShort, err := vault.Balance(ctx, side.Short)
	require.NoError(t, err)

	long, short := m.Reserves()
	assert.True(t, long.Equal(custodyLong), "mirror %s, custody %s", long, custodyLong)
	assert.True(t, short.Equal(custodyShort), "mirror %s, custody %s", short, custodyShort)
	assert.True(t, custodyLong.Equal(dec("1000")))
}

func TestCreateRollsBackOnCustodyFailure(t *testing.T) {
	ctx := context.Background()
	issuer := &flakyIssuer{Authority: issuance.NewAuthority()}
	custody := &flakyCustody{MemoryVault: reserve.NewMemoryVault(), failDeposit: true}

	_, err := Create(ctx, Params{Pair: "BTC/USD", InitialRate: dec("100"), Deposit: dec("2000")},
		Deps{Custody: custody, Issuer: issuer, Feed: pricefeed.NewManual(dec("100"))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custody unavailable")

	long, err := custody.Balance(ctx, side.Long)
	require.NoError(t, err)
	assert.True(t, long.IsZero(), "initial long deposit must be undone")

	require.Len(t, issuer.created, 2)
	for _, id := range issuer.created {
		_, err := issuer.Supply(id)
		assert.ErrorIs(t, err, issuance.ErrUnknownResource, "lp resource %s must be retired", id)
	}
}

func TestRebalanceExampleScenario(t *testing.T) {
	f := newFixture(t, "BTC/USD", "2000")
	f.setRate(t, "105")

	r, err := f.market.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, side.Long, r.Minority)
	assert.Equal(t, side.Short, r.From)
	assertClose(t, dec("333.333333333"), r.Transfer)

	long, short := f.market.Reserves()
	assertClose(t, dec("1333.333333333"), long)
	assertClose(t, dec("666.666666667"), short)
	assert.True(t, long.Add(short).Equal(dec("2000")))

	snap := f.market.Snapshot()
	assert.True(t, snap.LastRate.Equal(dec("105")))
	assert.Equal(t, int64(1), snap.Rebalances)
}

func TestRebalanceNoOp(t *testing.T) {
	f := newFixture(t, "BTC/USD", "2000")

	r, err := f.market.Rebalance(context.Background())
	require.NoError(t, err)
	assert.True(t, r.NoOp)

	long, short := f.market.Reserves()
	assert.True(t, long.Equal(dec("1000")))
	assert.True(t, short.Equal(dec("1000")))
	assert.Equal(t, int64(0), f.market.Snapshot().Rebalances)
}

func TestRebalanceFundingAsymmetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "BTC/USD", "1600")

	units, err := f.market.Deposit(ctx, side.Long, dec("400"))
	require.NoError(t, err)
	assertClose(t, dec("500"), units.Amount())

	long, short := f.market.Reserves()
	require.True(t, long.Equal(dec("1200")))
	require.True(t, short.Equal(dec("800")))

	f.setRate(t, "101")
	r, err := f.market.Rebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, side.Short, r.Minority)
	assertClose(t, dec("20"), r.Transfer)

	long, short = f.market.Reserves()
	assertClose(t, dec("1220"), long)
	assertClose(t, dec("780"), short)
}

func TestRebalanceConservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "BTC/USD", "2000")

	for _, rate := range []string{"101", "97.5", "99", "100.01", "98"} {
		f.setRate(t, rate)
		_, err := f.market.Rebalance(ctx)
		require.NoError(t, err, "rate %s", rate)

		long, short := f.market.Reserves()
		assert.True(t, long.Add(short).Equal(dec("2000")), "rate %s: %s + %s", rate, long, short)
		assert.True(t, long.IsPositive())
		assert.True(t, short.IsPositive())
	}
	assert.Equal(t, int64(5), f.market.Snapshot().Rebalances)
}

func TestRebalanceExhaustion(t *testing.T) {
	ctx := context.Background()

	t.Run("reject", func(t *testing.T) {
		f := newFixture(t, "BTC/USD", "2000")
		f.setRate(t, "10")

		_, err := f.market.Rebalance(ctx)
		assert.ErrorIs(t, err, ErrReserveExhausted)

		long, short := f.market.Reserves()
		assert.True(t, long.Equal(dec("1000")))
		assert.True(t, short.Equal(dec("1000")))
		snap := f.market.Snapshot()
		assert.True(t, snap.LastRate.Equal(dec("100")))
		assert.True(t, snap.CurrentRate.Equal(dec("100")))
	})

	t.Run("clamp", func(t *testing.T) {
		f := newFixture(t, "BTC/USD", "2000", func(p *Params) { p.Policy = PolicyClamp })
		f.setRate(t, "10")

		r, err := f.market.Rebalance(ctx)
		require.NoError(t, err)
		assert.True(t, r.Transfer.Equal(dec("999.999999")))

		long, short := f.market.Reserves()
		assert.True(t, long.Equal(DefaultClampFloor))
		assert.True(t, short.Equal(dec("1999.999999")))
	})
}

func TestRebalanceFeedErrors(t *testing.T) {
	ctx := context.Background()

	feed := &mockFeed{}
	m, err := Create(ctx, Params{Pair: "X/Y", InitialRate: dec("2"), Deposit: dec("10")},
		Deps{Custody: reserve.NewMemoryVault(), Issuer: issuance.NewAuthority(), Feed: feed})
	require.NoError(t, err)

	feed.On("Rate", mock.Anything).Return(dec("-1"), nil).Once()
	_, err = m.Rebalance(ctx)
	assert.ErrorIs(t, err, calc.ErrInvalidRate)

	feed.On("Rate", mock.Anything).Return(decimal.Zero, pricefeed.ErrStale).Once()
	_, err = m.Rebalance(ctx)
	assert.ErrorIs(t, err, pricefeed.ErrStale)

	assert.ErrorIs(t, m.SetReferenceRate(ctx, dec("3")), ErrFeedNotSettable)
	feed.AssertExpectations(t)

	long, short := m.Reserves()
	assert.True(t, long.Equal(dec("5")))
	assert.True(t, short.Equal(dec("5")))
}

func TestDepositProportionalMinting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "BTC/USD", "2000")

	units, err := f.market.Deposit(ctx, side.Short, dec("50"))
	require.NoError(t, err)
	_, shortID := f.market.LPUnitIDs()
	assert.Equal(t, shortID, units.Resource())
	assertClose(t, dec("50"), units.Amount())

	// the depositor's share of the new reserve equals what they put in
	snap := f.market.Snapshot()
	share := units.Amount().Mul(snap.Short.Reserve).Div(snap.Short.LPSupply)
	assertClose(t, dec("50"), share)

	// unit price of existing holders is unchanged
	assertClose(t, dec("1"), snap.Short.UnitPrice)

	supply, err := f.issuer.Supply(shortID)
	require.NoError(t, err)
	assert.True(t, supply.Equal(units.Amount()))
}

func TestDepositRebalancesFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "BTC/USD", "2000")
	f.setRate(t, "105")

	units, err := f.market.Deposit(ctx, side.Long, dec("100"))
	require.NoError(t, err)

	// deposit was priced against the post-rebalance long reserve
	want := dec("1000").Mul(dec("100")).Div(dec("1333.333333333333325"))
	assertClose(t, want, units.Amount())
	assert.Equal(t, int64(1), f.market.Snapshot().Rebalances)
}

func TestWithdrawRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "BTC/USD", "2000")

	units, err := f.market.Deposit(ctx, side.Long, dec("100"))
	require.NoError(t, err)

	value, err := f.market.Value(units.Amount(), decimal.Zero)
	require.NoError(t, err)
	assertClose(t, dec("100"), value)

	payout, err := f.market.Withdraw(ctx, units)
	require.NoError(t, err)
	assertClose(t, dec("100"), payout)

	long, short := f.market.Reserves()
	assertClose(t, dec("1000"), long)
	assert.True(t, short.Equal(dec("1000")))

	snap := f.market.Snapshot()
	assertClose(t, dec("1000"), snap.Long.LPSupply)

	supply, err := f.issuer.Supply(units.Resource())
	require.NoError(t, err)
	assert.True(t, supply.IsZero())
}

func TestWithdrawSide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "BTC/USD", "2000")

	units, err := f.market.Deposit(ctx, side.Short, dec("10"))
	require.NoError(t, err)

	_, err = f.market.WithdrawSide(ctx, side.Long, units)
	assert.ErrorIs(t, err, ErrUnitMismatch)

	payout, err := f.market.WithdrawSide(ctx, side.Short, units)
	require.NoError(t, err)
	assertClose(t, dec("10"), payout)
}

func TestWithdrawUnitMismatch(t *testing.T) {
	ctx := context.Background()
	btc := newFixture(t, "BTC/USD", "2000")
	eth := newFixture(t, "ETH/USD", "2000")

	units, err := btc.market.Deposit(ctx, side.Long, dec("10"))
	require.NoError(t, err)

	_, err = eth.market.Withdraw(ctx, units)
	assert.ErrorIs(t, err, ErrUnitMismatch)

	long, short := eth.market.Reserves()
	assert.True(t, long.Equal(dec("1000")))
	assert.True(t, short.Equal(dec("1000")))
}

func TestWithdrawGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "BTC/USD", "2000")

	units, err := f.market.Deposit(ctx, side.Long, dec("100"))
	require.NoError(t, err)

	_, err = f.market.Withdraw(ctx, issuance.Units{})
	assert.ErrorIs(t, err, ErrUnitMismatch)

	// more than the holding was issued
	_, err = f.issuer.Take(ctx, units.Holding(), dec("500"))
	assert.ErrorIs(t, err, issuance.ErrInsufficientUnits)

	long, _ := f.market.Reserves()
	assert.True(t, long.Equal(dec("1100")))
}

func TestWithdrawNeedsTheHolding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "BTC/USD", "2000")

	alice, err := f.market.Deposit(ctx, side.Long, dec("500"))
	require.NoError(t, err)
	bob, err := f.market.Deposit(ctx, side.Long, dec("10"))
	require.NoError(t, err)

	// bob cannot claim alice's units through his own holding
	_, err = f.issuer.Take(ctx, bob.Holding(), alice.Amount())
	assert.ErrorIs(t, err, issuance.ErrInsufficientUnits)

	part, err := f.issuer.Take(ctx, alice.Holding(), dec("200"))
	require.NoError(t, err)
	payout, err := f.market.Withdraw(ctx, part)
	require.NoError(t, err)
	assertClose(t, dec("200"), payout)

	// every burn of a claim draws on the holding again
	_, err = f.market.Withdraw(ctx, part)
	require.NoError(t, err)
	_, err = f.market.Withdraw(ctx, alice)
	assert.ErrorIs(t, err, issuance.ErrInsufficientUnits)

	left, err := f.issuer.Balance(alice.Holding())
	require.NoError(t, err)
	assertClose(t, dec("100"), left)
}

func TestRollbackOnCollaboratorFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("mint fails after rebalance and custody deposit", func(t *testing.T) {
		f := newFixture(t, "BTC/USD", "2000")
		f.setRate(t, "101")
		f.issuer.failMint = true

		_, err := f.market.Deposit(ctx, side.Long, dec("100"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "issuer unavailable")

		long, short := f.market.Reserves()
		assert.True(t, long.Equal(dec("1000")))
		assert.True(t, short.Equal(dec("1000")))
		custodyLong, _ := f.custody.Balance(ctx, side.Long)
		assert.True(t, custodyLong.Equal(dec("1000")))

		snap := f.market.Snapshot()
		assert.True(t, snap.LastRate.Equal(dec("100")))
		assert.Equal(t, int64(0), snap.Rebalances)
		assert.True(t, snap.Long.LPSupply.Equal(dec("1000")))

		// the market recovers once the issuer does
		f.issuer.failMint = false
		_, err = f.market.Deposit(ctx, side.Long, dec("100"))
		require.NoError(t, err)
		assert.True(t, f.market.Snapshot().LastRate.Equal(dec("101")))
	})

	t.Run("custody withdraw fails after burn", func(t *testing.T) {
		f := newFixture(t, "BTC/USD", "2000")
		units, err := f.market.Deposit(ctx, side.Short, dec("100"))
		require.NoError(t, err)

		f.custody.failWithdraw = true
		_, err = f.market.Withdraw(ctx, units)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "custody unavailable")

		supply, err := f.issuer.Supply(units.Resource())
		require.NoError(t, err)
		assert.True(t, supply.Equal(units.Amount()), "burn must be undone")

		snap := f.market.Snapshot()
		assertClose(t, dec("1100"), snap.Short.LPSupply)
		assert.True(t, snap.Short.Reserve.Equal(dec("1100")))
	})

	t.Run("burn fails", func(t *testing.T) {
		f := newFixture(t, "BTC/USD", "2000")
		units, err := f.market.Deposit(ctx, side.Long, dec("100"))
		require.NoError(t, err)
		f.setRate(t, "99")
		f.issuer.failBurn = true

		_, err = f.market.Withdraw(ctx, units)
		require.Error(t, err)

		long, short := f.market.Reserves()
		assert.True(t, long.Equal(dec("1100")))
		assert.True(t, short.Equal(dec("1000")))
		assert.True(t, f.market.Snapshot().LastRate.Equal(dec("100")))
	})
}

func TestValue(t *testing.T) {
	f := newFixture(t, "BTC/USD", "2000")
	f.setRate(t, "105")
	_, err := f.market.Rebalance(context.Background())
	require.NoError(t, err)

	a, err := f.market.Value(dec("10"), dec("20"))
	require.NoError(t, err)
	b, err := f.market.Value(dec("5"), dec("7"))
	require.NoError(t, err)
	sum, err := f.market.Value(dec("15"), dec("27"))
	require.NoError(t, err)
	assertClose(t, a.Add(b), sum)

	scaled, err := f.market.Value(dec("30"), dec("60"))
	require.NoError(t, err)
	assertClose(t, a.Mul(dec("3")), scaled)

	zero, err := f.market.Value(decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = f.market.Value(dec("-1"), decimal.Zero)
	assert.ErrorIs(t, err, calc.ErrInvalidAmount)

	// valuation never rebalances
	f.setRate(t, "110")
	_, err = f.market.Value(dec("1"), dec("1"))
	require.NoError(t, err)
	assert.True(t, f.market.Snapshot().LastRate.Equal(dec("105")))
}

func TestIndependentMarkets(t *testing.T) {
	ctx := context.Background()
	btc := newFixture(t, "BTC/USD", "2000")
	eth := newFixture(t, "ETH/USD", "4000")

	btc.setRate(t, "105")
	_, err := btc.market.Rebalance(ctx)
	require.NoError(t, err)

	long, short := eth.market.Reserves()
	assert.True(t, long.Equal(dec("2000")))
	assert.True(t, short.Equal(dec("2000")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := btc.market.Deposit(ctx, side.Long, dec("1"))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := eth.market.Deposit(ctx, side.Short, dec("1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	long, short = eth.market.Reserves()
	assert.True(t, long.Equal(dec("2000")))
	assert.True(t, short.Equal(dec("2020")))

	long, short = btc.market.Reserves()
	assert.True(t, long.Add(short).Equal(dec("2020")))
}

func TestSnapshotClock(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m, err := Create(context.Background(),
		Params{Pair: "SOL/USD", InitialRate: dec("150"), Deposit: dec("300")},
		Deps{Custody: reserve.NewMemoryVault(), Issuer: issuance.NewAuthority(), Feed: pricefeed.NewManual(dec("150"))},
		WithClock(func() time.Time { return at }))
	require.NoError(t, err)

	snap := m.Snapshot()
	assert.Equal(t, at, snap.UpdatedAt)
	assert.Equal(t, "sol-usd", snap.ID)
	assert.True(t, snap.Long.UnitPrice.Equal(dec("0.15")))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("CLAMP")
	require.NoError(t, err)
	assert.Equal(t, PolicyClamp, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyReject, p)

	_, err = ParsePolicy("maybe")
	assert.Error(t, err)
}
