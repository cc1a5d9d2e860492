package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cupperp/cupperp-backend/internal/calc"
	"github.com/cupperp/cupperp-backend/internal/config"
	"github.com/cupperp/cupperp-backend/internal/engine"
	"github.com/cupperp/cupperp-backend/internal/issuance"
	"github.com/cupperp/cupperp-backend/internal/markets"
	"github.com/cupperp/cupperp-backend/internal/pricefeed"
	"github.com/cupperp/cupperp-backend/internal/reserve"
	"github.com/cupperp/cupperp-backend/internal/side"
	"github.com/cupperp/cupperp-backend/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errInvalidInput = errors.New("invalid input")

// EventLister reads the persisted event log of a market.
type EventLister interface {
	ListEvents(ctx context.Context, marketID string, limit int, cursor string) ([]markets.Event, string, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	marketsSvc *markets.Service
	events     EventLister
	wsHub      *ws.Hub
	checks     map[string]Pinger
	config     *config.Config
	logger     *zap.SugaredLogger
}

// NewHandler wires the HTTP handlers. events and wsHub may be nil, in which
// case their routes are not mounted.
func NewHandler(
	marketsSvc *markets.Service,
	events EventLister,
	wsHub *ws.Hub,
	checks map[string]Pinger,
	config *config.Config,
	logger *zap.SugaredLogger,
) *Handler {
	return &Handler{
		marketsSvc: marketsSvc,
		events:     events,
		wsHub:      wsHub,
		checks:     checks,
		config:     config,
		logger:     logger,
	}
}

// Market endpoints
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, MarketsDTO{
		Items:     h.marketsSvc.List(),
		UpdatedAt: time.Now().Unix(),
	})
}

func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	createReq, err := parseCreateRequest(req)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	snap, err := h.marketsSvc.Create(r.Context(), createReq)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	snap, err := h.marketsSvc.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) Rebalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.marketsSvc.Rebalance(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rebalanceDTO(id, res))
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DepositRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	dto, err := h.deposit(r.Context(), id, req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) deposit(ctx context.Context, id string, req DepositRequest) (DepositDTO, error) {
	sd, err := side.Parse(req.Side)
	if err != nil {
		return DepositDTO{}, fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		return DepositDTO{}, err
	}

	units, err := h.marketsSvc.Deposit(ctx, id, sd, amount)
	if err != nil {
		return DepositDTO{}, err
	}
	return DepositDTO{
		MarketID: id,
		Side:     sd.String(),
		Minted:   units.Amount().String(),
		Resource: units.Resource().String(),
		Holding:  units.Holding().String(),
	}, nil
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req WithdrawRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	dto, err := h.withdraw(r.Context(), id, req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) withdraw(ctx context.Context, id string, req WithdrawRequest) (WithdrawDTO, error) {
	holding, err := uuid.Parse(req.Holding)
	if err != nil {
		return WithdrawDTO{}, fmt.Errorf("%w: holding: %v", errInvalidInput, err)
	}
	amount, err := parseDecimal("units", req.Units)
	if err != nil {
		return WithdrawDTO{}, err
	}

	payout, err := h.marketsSvc.Redeem(ctx, id, holding, amount)
	if err != nil {
		return WithdrawDTO{}, err
	}
	return WithdrawDTO{MarketID: id, Payout: payout.String()}, nil
}

func (h *Handler) GetReserves(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	long, short, err := h.marketsSvc.Reserves(id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ReservesDTO{MarketID: id, Long: long.String(), Short: short.String()})
}

func (h *Handler) GetLPUnits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	long, short, err := h.marketsSvc.LPUnits(id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, LPUnitsDTO{MarketID: id, Long: long.String(), Short: short.String()})
}

func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dto, err := h.value(id, r.URL.Query().Get("long"), r.URL.Query().Get("short"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) value(id, rawLong, rawShort string) (ValueDTO, error) {
	// missing quantities count as zero
	if rawLong == "" {
		rawLong = "0"
	}
	if rawShort == "" {
		rawShort = "0"
	}
	longUnits, err := parseDecimal("long", rawLong)
	if err != nil {
		return ValueDTO{}, err
	}
	shortUnits, err := parseDecimal("short", rawShort)
	if err != nil {
		return ValueDTO{}, err
	}

	v, err := h.marketsSvc.Value(id, longUnits, shortUnits)
	if err != nil {
		return ValueDTO{}, err
	}
	return ValueDTO{
		MarketID:   id,
		LongUnits:  longUnits.String(),
		ShortUnits: shortUnits.String(),
		Value:      v.String(),
	}, nil
}

func (h *Handler) SetOracleRate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req OracleRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	rate, err := parseDecimal("rate", req.Rate)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	if err := h.marketsSvc.SetReferenceRate(r.Context(), id, rate); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, OracleDTO{MarketID: id, Rate: rate.String()})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.marketsSvc.Get(id); err != nil {
		h.writeErr(w, err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			h.writeErr(w, fmt.Errorf("%w: limit must be between 1 and 500", errInvalidInput))
			return
		}
		limit = n
	}

	items, next, err := h.events.ListEvents(r.Context(), id, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if items == nil {
		items = []markets.Event{}
	}
	h.writeJSON(w, http.StatusOK, EventsDTO{MarketID: id, Items: items, NextCursor: next})
}

// Health and ops endpoints
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.logger.Warnw("Readiness check failed", "check", name, "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
				Code:    "NOT_READY",
				Message: fmt.Sprintf("%s: %v", name, err),
			})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// WebSocket endpoint
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleWebSocket(w, r)
}

// Utility methods
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("API error", "code", code, "message", message, "status", status)
	} else {
		h.logger.Debugw("API error", "code", code, "message", message, "status", status)
	}

	h.writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	status, code := classify(err)
	h.writeError(w, status, code, err.Error())
}

// classify maps domain errors onto HTTP statuses and error codes.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidInput),
		errors.Is(err, calc.ErrInvalidRate),
		errors.Is(err, calc.ErrInvalidAmount),
		errors.Is(err, calc.ErrInvalidParams),
		errors.Is(err, issuance.ErrInvalidAmount),
		errors.Is(err, engine.ErrUnitMismatch),
		errors.Is(err, issuance.ErrWrongResource):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, markets.ErrMarketNotFound),
		errors.Is(err, issuance.ErrUnknownResource),
		errors.Is(err, issuance.ErrUnknownHolding):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, markets.ErrMarketExists),
		errors.Is(err, engine.ErrCustodyNotEmpty):
		return http.StatusConflict, "MARKET_EXISTS"
	case errors.Is(err, calc.ErrZeroReserve),
		errors.Is(err, calc.ErrZeroSupply),
		errors.Is(err, engine.ErrInsufficientSupply),
		errors.Is(err, engine.ErrReserveExhausted),
		errors.Is(err, engine.ErrFeedNotSettable),
		errors.Is(err, reserve.ErrInsufficientReserve),
		errors.Is(err, issuance.ErrInsufficientUnits),
		errors.Is(err, pricefeed.ErrNoRate),
		errors.Is(err, pricefeed.ErrStale):
		return http.StatusUnprocessableEntity, "UNPROCESSABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("%w: malformed body: %v", errInvalidInput, err)
	}
	return nil
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: %s is required", errInvalidInput, field)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", errInvalidInput, field, err)
	}
	return d, nil
}

func parseCreateRequest(req CreateMarketRequest) (markets.CreateRequest, error) {
	if req.Pair == "" {
		return markets.CreateRequest{}, fmt.Errorf("%w: pair is required", errInvalidInput)
	}
	rate, err := parseDecimal("initialRate", req.InitialRate)
	if err != nil {
		return markets.CreateRequest{}, err
	}
	deposit, err := parseDecimal("deposit", req.Deposit)
	if err != nil {
		return markets.CreateRequest{}, err
	}
	return markets.CreateRequest{Pair: req.Pair, InitialRate: rate, Deposit: deposit}, nil
}

func rebalanceDTO(id string, r calc.Rebalance) RebalanceDTO {
	dto := RebalanceDTO{MarketID: id, NoOp: r.NoOp, Delta: "0", Transfer: "0"}
	if r.NoOp {
		return dto
	}
	dto.Delta = r.Delta.String()
	dto.Funding = r.Funding.String()
	dto.Minority = r.Minority.String()
	dto.Multiplier = r.Multiplier.String()
	dto.Transfer = r.Transfer.String()
	dto.From = r.From.String()
	dto.To = r.To.String()
	return dto
}
