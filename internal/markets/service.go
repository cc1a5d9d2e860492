package markets

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cupperp/cupperp-backend/internal/calc"
	"github.com/cupperp/cupperp-backend/internal/engine"
	"github.com/cupperp/cupperp-backend/internal/issuance"
	"github.com/cupperp/cupperp-backend/internal/metrics"
	"github.com/cupperp/cupperp-backend/internal/pricefeed"
	"github.com/cupperp/cupperp-backend/internal/reserve"
	"github.com/cupperp/cupperp-backend/internal/side"
	"github.com/cupperp/cupperp-backend/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type entry struct {
	market *engine.Market
	feed   pricefeed.Settable
	seq    atomic.Int64
}

// Service is the registry of live markets. Markets share nothing mutable;
// the registry lock only guards the map.
type Service struct {
	mu      sync.RWMutex
	markets map[string]*entry

	issuer    *issuance.Authority
	custody   CustodyFactory
	feeds     FeedFactory
	defaults  Defaults
	publisher Publisher
	recorder  Recorder
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

type Options struct {
	Defaults  Defaults
	Issuer    *issuance.Authority
	Custody   CustodyFactory
	Feeds     FeedFactory
	Publisher Publisher
	Recorder  Recorder
	Metrics   *metrics.Metrics
	Logger    *zap.SugaredLogger
}

func NewService(opts Options) *Service {
	s := &Service{
		markets:   make(map[string]*entry),
		issuer:    opts.Issuer,
		custody:   opts.Custody,
		feeds:     opts.Feeds,
		defaults:  opts.Defaults,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       time.Now,
	}
	if s.issuer == nil {
		s.issuer = issuance.NewAuthority()
	}
	if s.custody == nil {
		s.custody = func(string) reserve.Custody { return reserve.NewMemoryVault() }
	}
	if s.feeds == nil {
		s.feeds = func(_ context.Context, _ string, rate decimal.Decimal) (pricefeed.Settable, error) {
			return pricefeed.NewManual(rate), nil
		}
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	return s
}

// Issuer exposes the issuance authority for metadata lookups.
func (s *Service) Issuer() *issuance.Authority {
	return s.issuer
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (engine.Snapshot, error) {
	e, err := s.register(ctx, req)
	if err != nil {
		return engine.Snapshot{}, err
	}

	longID, shortID := e.market.LPUnitIDs()
	snap := s.commit(ctx, e, EventCreated, map[string]string{
		"pair":          req.Pair,
		"initialRate":   req.InitialRate.String(),
		"deposit":       req.Deposit.String(),
		"longResource":  longID.String(),
		"shortResource": shortID.String(),
	})
	s.logger.Infow("Market registered", "market", snap.ID, "pair", req.Pair)
	return snap, nil
}

func (s *Service) register(ctx context.Context, req CreateRequest) (*entry, error) {
	id := engine.MarketID(req.Pair)
	if id == "" {
		return nil, fmt.Errorf("empty pair: %w", calc.ErrInvalidParams)
	}
	if err := calc.ValidateRate(req.InitialRate); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, ErrMarketExists)
	}

	feed, err := s.feeds(ctx, req.Pair, req.InitialRate)
	if err != nil {
		return nil, fmt.Errorf("price feed for %s: %w", req.Pair, err)
	}

	m, err := engine.Create(ctx, engine.Params{
		Pair:            req.Pair,
		InitialRate:     req.InitialRate,
		Deposit:         req.Deposit,
		Leverage:        s.defaults.Leverage,
		FundingCoeff:    s.defaults.FundingCoeff,
		InitialLPSupply: s.defaults.InitialLPSupply,
		Policy:          s.defaults.Policy,
		ClampFloor:      s.defaults.ClampFloor,
	}, engine.Deps{
		Custody: s.custody(id),
		Issuer:  s.issuer,
		Feed:    feed,
	}, engine.WithLogger(s.logger.With("market", id)))
	if err != nil {
		s.metrics.RecordFailure(ctx, id, "create")
		return nil, err
	}

	e := &entry{market: m, feed: feed}
	s.markets[id] = e
	return e, nil
}

func (s *Service) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrMarketNotFound)
	}
	return e, nil
}

// Market returns the live market.
func (s *Service) Market(id string) (*engine.Market, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.market, nil
}

func (s *Service) Get(id string) (engine.Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return engine.Snapshot{}, err
	}
	return e.market.Snapshot(), nil
}

// List returns snapshots ordered by market id.
func (s *Service) List() []engine.Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.markets))
	for _, e := range s.markets {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]engine.Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.market.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) Rebalance(ctx context.Context, id string) (calc.Rebalance, error) {
	e, err := s.lookup(id)
	if err != nil {
		return calc.Rebalance{}, err
	}
	r, err := e.market.Rebalance(ctx)
	if err != nil {
		s.fail(ctx, id, "rebalance", err)
		return calc.Rebalance{}, err
	}
	if r.NoOp {
		return r, nil
	}

	s.metrics.RecordRebalance(ctx, id, r.From.String(), r.Transfer.InexactFloat64())
	s.commit(ctx, e, EventRebalanced, map[string]string{
		"delta":    r.Delta.String(),
		"minority": r.Minority.String(),
		"transfer": r.Transfer.String(),
		"from":     r.From.String(),
		"to":       r.To.String(),
	})
	return r, nil
}

func (s *Service) Deposit(ctx context.Context, id string, sd side.Side, amount decimal.Decimal) (issuance.Units, error) {
	e, err := s.lookup(id)
	if err != nil {
		return issuance.Units{}, err
	}
	units, err := e.market.Deposit(ctx, sd, amount)
	if err != nil {
		s.fail(ctx, id, "deposit", err)
		return issuance.Units{}, err
	}

	s.metrics.RecordDeposit(ctx, id, sd.String())
	s.commit(ctx, e, EventDeposited, map[string]string{
		"side":     sd.String(),
		"funds":    amount.String(),
		"minted":   units.Amount().String(),
		"resource": units.Resource().String(),
		"holding":  units.Holding().String(),
	})
	return units, nil
}

func (s *Service) Withdraw(ctx context.Context, id string, units issuance.Units) (decimal.Decimal, error) {
	e, err := s.lookup(id)
	if err != nil {
		return decimal.Zero, err
	}
	payout, err := e.market.Withdraw(ctx, units)
	if err != nil {
		s.fail(ctx, id, "withdraw", err)
		return decimal.Zero, err
	}

	longID, _ := e.market.LPUnitIDs()
	sd := side.Short
	if units.Resource() == longID {
		sd = side.Long
	}
	s.metrics.RecordWithdrawal(ctx, id, sd.String())
	s.commit(ctx, e, EventWithdrawn, map[string]string{
		"side":     sd.String(),
		"units":    units.Amount().String(),
		"payout":   payout.String(),
		"resource": units.Resource().String(),
		"holding":  units.Holding().String(),
	})
	return payout, nil
}

// Redeem withdraws amount LP units out of a holding minted by Deposit.
func (s *Service) Redeem(ctx context.Context, id string, holding issuance.HoldingID, amount decimal.Decimal) (decimal.Decimal, error) {
	if _, err := s.lookup(id); err != nil {
		return decimal.Zero, err
	}
	units, err := s.issuer.Take(ctx, holding, amount)
	if err != nil {
		s.fail(ctx, id, "withdraw", err)
		return decimal.Zero, err
	}
	return s.Withdraw(ctx, id, units)
}

// Reserves returns the (long, short) reserves of a market.
func (s *Service) Reserves(id string) (decimal.Decimal, decimal.Decimal, error) {
	e, err := s.lookup(id)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	long, short := e.market.Reserves()
	return long, short, nil
}

// LPUnits returns the (long, short) LP resource ids of a market.
func (s *Service) LPUnits(id string) (issuance.ResourceID, issuance.ResourceID, error) {
	e, err := s.lookup(id)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	long, short := e.market.LPUnitIDs()
	return long, short, nil
}

func (s *Service) Value(id string, longUnits, shortUnits decimal.Decimal) (decimal.Decimal, error) {
	e, err := s.lookup(id)
	if err != nil {
		return decimal.Zero, err
	}
	return e.market.Value(longUnits, shortUnits)
}

// SetReferenceRate sets the market's rate by hand and records it.
func (s *Service) SetReferenceRate(ctx context.Context, id string, rate decimal.Decimal) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := e.market.SetReferenceRate(ctx, rate); err != nil {
		return err
	}
	s.commit(ctx, e, EventRateSet, map[string]string{"rate": rate.String()})
	return nil
}

// UpdateRate pushes an oracle observation without recording an event.
func (s *Service) UpdateRate(ctx context.Context, id string, rate decimal.Decimal) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	return e.feed.SetRate(ctx, rate)
}

func (s *Service) fail(ctx context.Context, id, op string, err error) {
	s.metrics.RecordFailure(ctx, id, op)
	s.logger.Warnw("Market operation failed", "market", id, "op", op, "error", err)
}

// commit fans out a committed operation. Failures here are logged only; the
// market state is already final.
func (s *Service) commit(ctx context.Context, e *entry, typ EventType, fields map[string]string) engine.Snapshot {
	snap := e.market.Snapshot()
	event := Event{
		ID:       uuid.New(),
		MarketID: snap.ID,
		Seq:      e.seq.Add(1),
		Type:     typ,
		At:       s.now().UTC(),
		Fields:   fields,
	}

	if s.publisher != nil {
		if err := s.publisher.SetMarketSnapshot(ctx, snap.ID, snap); err != nil {
			s.logger.Warnw("Failed to cache snapshot", "market", snap.ID, "error", err)
		}
		if err := s.publisher.Publish(ctx, store.MarketEventsChannel(snap.ID), event); err != nil {
			s.logger.Warnw("Failed to publish event", "market", snap.ID, "event", typ, "error", err)
		}
		if err := s.publisher.Publish(ctx, store.MarketStateChannel(snap.ID), snap); err != nil {
			s.logger.Warnw("Failed to publish state", "market", snap.ID, "error", err)
		}
	}
	if err := s.recorder.RecordEvent(ctx, event); err != nil {
		s.logger.Warnw("Failed to record event", "market", snap.ID, "event", typ, "error", err)
	}
	if err := s.recorder.RecordSnapshot(ctx, snap); err != nil {
		s.logger.Warnw("Failed to record snapshot", "market", snap.ID, "error", err)
	}
	return snap
}
