package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cupperp/cupperp-backend/internal/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T, origins []string) (*Hub, *store.Cache, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	cache := store.NewMemoryCache(logger, nil)
	hub := NewHub(cache, origins, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		cache.Close()
	})
	return hub, cache, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_RelaysSubscribedMarket(t *testing.T) {
	hub, cache, srv := startHub(t, nil)
	conn := dial(t, srv, nil)

	require.NoError(t, conn.WriteJSON(SubscriptionRequest{Type: "subscribe", Topics: []string{"btc-usd"}}))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	// Subscription processing is asynchronous; publish until the client sees it.
	received := make(chan Message, 1)
	go func() {
		var msg Message
		if err := conn.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, cache.Publish(ctx, store.MarketEventsChannel("eth-usd"), map[string]string{"type": "ignored"}))
		require.NoError(t, cache.Publish(ctx, store.MarketEventsChannel("btc-usd"), map[string]string{"type": "rebalanced"}))
		select {
		case msg := <-received:
			assert.Equal(t, "update", msg.Type)
			assert.Equal(t, store.MarketEventsChannel("btc-usd"), msg.Topic)
			var data map[string]string
			require.NoError(t, json.Unmarshal(msg.Data, &data))
			assert.Equal(t, "rebalanced", data["type"])
			return
		case <-deadline:
			t.Fatal("no message relayed")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	_, _, srv := startHub(t, []string{"http://localhost:3000"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:3000")
	conn := dial(t, srv, header)
	assert.NotNil(t, conn)
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub, _, srv := startHub(t, nil)
	conn := dial(t, srv, nil)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestExpandTopics(t *testing.T) {
	tests := []struct {
		name   string
		topics []string
		want   []string
	}{
		{"market id", []string{"btc-usd"}, []string{"cup:events:btc-usd", "cup:markets:btc-usd:state"}},
		{"pattern kept", []string{"cup:events:*"}, []string{"cup:events:*"}},
		{"empty skipped", []string{""}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandTopics(tt.topics))
		})
	}
}

func TestClient_IsSubscribed(t *testing.T) {
	c := &Client{topics: map[string]bool{"cup:events:*": true, "cup:markets:sol-usd:state": true}}

	assert.True(t, c.isSubscribed("cup:events:btc-usd"))
	assert.True(t, c.isSubscribed("cup:markets:sol-usd:state"))
	assert.False(t, c.isSubscribed("cup:markets:btc-usd:state"))
	assert.False(t, c.isSubscribed("cup:oracle:rate:BTCUSDT"))
}
