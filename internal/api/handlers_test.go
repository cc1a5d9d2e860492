package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cupperp/cupperp-backend/internal/calc"
	"github.com/cupperp/cupperp-backend/internal/config"
	"github.com/cupperp/cupperp-backend/internal/engine"
	"github.com/cupperp/cupperp-backend/internal/issuance"
	"github.com/cupperp/cupperp-backend/internal/markets"
	"github.com/cupperp/cupperp-backend/internal/pricefeed"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockEvents struct {
	mock.Mock
}

func (m *mockEvents) ListEvents(ctx context.Context, marketID string, limit int, cursor string) ([]markets.Event, string, error) {
	args := m.Called(ctx, marketID, limit, cursor)
	events, _ := args.Get(0).([]markets.Event)
	return events, args.String(1), args.Error(2)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func createTestServer(t *testing.T, cfg *config.Config, events EventLister, checks map[string]Pinger) (*httptest.Server, *markets.Service) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	if cfg == nil {
		cfg = &config.Config{}
	}

	svc := markets.NewService(markets.Options{Logger: logger})
	h := NewHandler(svc, events, nil, checks, cfg, logger)
	router := h.Routes(NewMiddleware(logger, nil), nil, []string{"*"}, 0)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, svc
}

func doJSON(t *testing.T, method, url string, body any, dest any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if dest != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	}
	return resp.StatusCode
}

func createBTC(t *testing.T, srv *httptest.Server) engine.Snapshot {
	t.Helper()
	var snap engine.Snapshot
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/markets", CreateMarketRequest{
		Pair: "BTC/USD", InitialRate: "100", Deposit: "2000",
	}, &snap)
	require.Equal(t, http.StatusCreated, status)
	return snap
}

func TestMarketLifecycle(t *testing.T) {
	srv, _ := createTestServer(t, &config.Config{Oracle: config.OracleConfig{Writable: true}}, nil, nil)

	snap := createBTC(t, srv)
	assert.Equal(t, "btc-usd", snap.ID)
	assert.True(t, snap.Long.Reserve.Equal(decimal.NewFromInt(1000)))

	var list MarketsDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/markets", nil, &list))
	require.Len(t, list.Items, 1)

	var units LPUnitsDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/markets/btc-usd/lp-units", nil, &units))
	assert.Equal(t, snap.Long.Resource.String(), units.Long)

	var dep DepositDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/v1/markets/btc-usd/deposit",
		DepositRequest{Side: "long", Amount: "100"}, &dep))
	assert.Equal(t, "100", dep.Minted)
	assert.Equal(t, units.Long, dep.Resource)
	assert.NotEmpty(t, dep.Holding)

	var wd WithdrawDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/v1/markets/btc-usd/withdraw",
		WithdrawRequest{Holding: dep.Holding, Units: "50"}, &wd))
	assert.Equal(t, "50", wd.Payout)

	var oracle OracleDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/v1/markets/btc-usd/oracle",
		OracleRequest{Rate: "101"}, &oracle))

	var rb RebalanceDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/v1/markets/btc-usd/rebalance", nil, &rb))
	assert.False(t, rb.NoOp)
	assert.Equal(t, "short", rb.From)
	assert.Equal(t, "long", rb.To)

	var res ReservesDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/markets/btc-usd/reserves", nil, &res))
	total := decimal.RequireFromString(res.Long).Add(decimal.RequireFromString(res.Short))
	assert.True(t, total.Sub(decimal.NewFromInt(2050)).Abs().LessThan(decimal.New(1, -9)), "reserves total %s", total)

	var val ValueDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/markets/btc-usd/value?long=10", nil, &val))
	assert.True(t, decimal.RequireFromString(val.Value).IsPositive())
	assert.Equal(t, "0", val.ShortUnits)
}

func TestErrorMapping(t *testing.T) {
	srv, _ := createTestServer(t, nil, nil, nil)
	createBTC(t, srv)

	var units LPUnitsDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/markets/btc-usd/lp-units", nil, &units))
	var dep DepositDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/v1/markets/btc-usd/deposit",
		DepositRequest{Side: "short", Amount: "10"}, &dep))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown market", http.MethodGet, "/v1/markets/eth-usd", nil, http.StatusNotFound, "NOT_FOUND"},
		{"duplicate", http.MethodPost, "/v1/markets", CreateMarketRequest{Pair: "btc/usd", InitialRate: "1", Deposit: "10"}, http.StatusConflict, "MARKET_EXISTS"},
		{"zero rate", http.MethodPost, "/v1/markets", CreateMarketRequest{Pair: "ETH/USD", InitialRate: "0", Deposit: "10"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad decimal", http.MethodPost, "/v1/markets/btc-usd/deposit", DepositRequest{Side: "long", Amount: "abc"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad side", http.MethodPost, "/v1/markets/btc-usd/deposit", DepositRequest{Side: "up", Amount: "1"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"negative deposit", http.MethodPost, "/v1/markets/btc-usd/deposit", DepositRequest{Side: "short", Amount: "-1"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad holding", http.MethodPost, "/v1/markets/btc-usd/withdraw", WithdrawRequest{Holding: "nope", Units: "1"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown holding", http.MethodPost, "/v1/markets/btc-usd/withdraw", WithdrawRequest{Holding: uuid.NewString(), Units: "1"}, http.StatusNotFound, "NOT_FOUND"},
		{"resource is not a holding", http.MethodPost, "/v1/markets/btc-usd/withdraw", WithdrawRequest{Holding: units.Short, Units: "1"}, http.StatusNotFound, "NOT_FOUND"},
		{"more than held", http.MethodPost, "/v1/markets/btc-usd/withdraw", WithdrawRequest{Holding: dep.Holding, Units: "11"}, http.StatusUnprocessableEntity, "UNPROCESSABLE"},
		{"zero units", http.MethodPost, "/v1/markets/btc-usd/withdraw", WithdrawRequest{Holding: dep.Holding, Units: "0"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"negative value", http.MethodGet, "/v1/markets/btc-usd/value?long=-1", nil, http.StatusBadRequest, "INVALID_INPUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			status := doJSON(t, tt.method, srv.URL+tt.path, tt.body, &errResp)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, errResp.Code)
			assert.NotEmpty(t, errResp.Message)
		})
	}
}

func TestOracleRouteDisabledByDefault(t *testing.T) {
	srv, _ := createTestServer(t, nil, nil, nil)
	createBTC(t, srv)

	status := doJSON(t, http.MethodPost, srv.URL+"/v1/markets/btc-usd/oracle", OracleRequest{Rate: "101"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListEvents(t *testing.T) {
	events := &mockEvents{}
	srv, _ := createTestServer(t, nil, events, nil)
	createBTC(t, srv)

	stored := []markets.Event{{MarketID: "btc-usd", Seq: 1, Type: markets.EventCreated}}
	events.On("ListEvents", mock.Anything, "btc-usd", 10, "").Return(stored, "", nil).Once()

	var dto EventsDTO
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/markets/btc-usd/events?limit=10", nil, &dto))
	require.Len(t, dto.Items, 1)
	assert.Equal(t, markets.EventCreated, dto.Items[0].Type)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, srv.URL+"/v1/markets/btc-usd/events?limit=0", nil, &errResp))
	events.AssertExpectations(t)
}

func TestReadyz(t *testing.T) {
	healthy := true
	checks := map[string]Pinger{
		"cache": pingerFunc(func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		}),
	}
	srv, _ := createTestServer(t, nil, nil, checks)

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy = false
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{calc.ErrInvalidRate, http.StatusBadRequest},
		{engine.ErrUnitMismatch, http.StatusBadRequest},
		{markets.ErrMarketNotFound, http.StatusNotFound},
		{markets.ErrMarketExists, http.StatusConflict},
		{engine.ErrCustodyNotEmpty, http.StatusConflict},
		{issuance.ErrUnknownHolding, http.StatusNotFound},
		{issuance.ErrInsufficientUnits, http.StatusUnprocessableEntity},
		{engine.ErrReserveExhausted, http.StatusUnprocessableEntity},
		{pricefeed.ErrStale, http.StatusUnprocessableEntity},
		{errors.New("redis down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, _ := classify(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}
