package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cupperp/cupperp-backend/internal/prices"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	BinanceRestAPI = "https://api.binance.com"
	BinanceWS      = "wss://stream.binance.com:9443/ws"
)

// Provider implements the prices.Provider interface for Binance
type Provider struct {
	RestURL string
	WSURL   string

	logger   *zap.SugaredLogger
	client   *http.Client
	inflight singleflight.Group

	mu     sync.RWMutex
	health prices.ProviderHealth
}

func NewProvider(logger *zap.SugaredLogger) *Provider {
	return &Provider{
		RestURL: BinanceRestAPI,
		WSURL:   BinanceWS,
		logger:  logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		health: prices.ProviderHealth{
			Healthy:     true,
			LastSuccess: time.Now(),
		},
	}
}

func (p *Provider) Name() string {
	return "binance"
}

func (p *Provider) Health() prices.ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

func (p *Provider) updateHealth(healthy bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.health.Healthy = healthy
	if healthy {
		p.health.LastSuccess = time.Now()
		p.health.LastError = ""
	} else if err != nil {
		p.health.LastError = err.Error()
	}
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// LatestPrice queries the REST ticker endpoint. Concurrent calls for the same
// symbol share one request.
func (p *Provider) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	v, err, _ := p.inflight.Do(symbol, func() (interface{}, error) {
		return p.fetchLatest(ctx, symbol)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

func (p *Provider) fetchLatest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	requestURL := fmt.Sprintf("%s/api/v3/ticker/price?%s", p.RestURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		p.updateHealth(false, err)
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.updateHealth(false, err)
		return decimal.Zero, fmt.Errorf("failed to fetch from Binance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("binance API error: %d", resp.StatusCode)
		p.updateHealth(false, err)
		return decimal.Zero, err
	}

	var body tickerPrice
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		p.updateHealth(false, err)
		return decimal.Zero, fmt.Errorf("failed to decode response: %w", err)
	}

	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		p.updateHealth(false, err)
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", body.Price, err)
	}

	p.updateHealth(true, nil)
	p.logger.Debugw("Fetched latest price from Binance", "symbol", symbol, "price", price.String())
	return price, nil
}

// Trade is a trade message from the Binance WebSocket
type Trade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// SubscribeLive subscribes to real-time trade data via WebSocket
func (p *Provider) SubscribeLive(ctx context.Context, symbol string, out chan<- prices.Tick) error {
	wsURL := fmt.Sprintf("%s/%s@trade", p.WSURL, strings.ToLower(symbol))

	p.logger.Infow("Connecting to Binance WebSocket", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		p.updateHealth(false, err)
		return fmt.Errorf("failed to connect to Binance WebSocket: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage when the caller goes away
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	p.updateHealth(true, nil)

	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.updateHealth(false, err)
			p.mu.Lock()
			p.health.Reconnects++
			p.mu.Unlock()
			return fmt.Errorf("WebSocket read error: %w", err)
		}

		var trade Trade
		if err := json.Unmarshal(message, &trade); err != nil {
			p.logger.Warnw("Failed to parse trade message", "error", err, "message", string(message))
			continue
		}

		price, err := decimal.NewFromString(trade.Price)
		if err != nil {
			p.logger.Warnw("Failed to parse trade price", "error", err, "price", trade.Price)
			continue
		}

		tick := prices.Tick{
			Symbol: strings.ToUpper(symbol),
			Price:  price,
			TsMs:   trade.EventTime,
		}

		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		default:
			p.logger.Debugw("Tick channel full, skipping", "symbol", symbol)
		}

		p.updateHealth(true, nil)
	}
}
