package metrics

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds every instrument the service records. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter

	Rebalances        metric.Int64Counter
	RebalanceTransfer metric.Float64Histogram
	Deposits          metric.Int64Counter
	Withdrawals       metric.Int64Counter
	Failures          metric.Int64Counter
}

// Setup registers the instruments on the default prometheus registry and sets
// the global meter provider.
func Setup(serviceName string) (*Metrics, http.Handler, error) {
	m, err := newMetrics(serviceName, promclient.DefaultRegisterer, true)
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// SetupWithRegistry is Setup against a private registry; used by tests and
// by tools that must not touch global state.
func SetupWithRegistry(serviceName string, reg *promclient.Registry) (*Metrics, http.Handler, error) {
	m, err := newMetrics(serviceName, reg, false)
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func newMetrics(serviceName string, reg promclient.Registerer, global bool) (*Metrics, error) {
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	if global {
		otel.SetMeterProvider(provider)
	}
	meter := provider.Meter(serviceName)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequests, "cup_http_requests_total", "Total number of HTTP requests"},
		{&m.CacheHits, "cup_cache_hits_total", "Total number of cache hits"},
		{&m.CacheMisses, "cup_cache_misses_total", "Total number of cache misses"},
		{&m.Rebalances, "cup_rebalances_total", "Rebalances that moved value between cups"},
		{&m.Deposits, "cup_deposits_total", "Successful LP deposits"},
		{&m.Withdrawals, "cup_withdrawals_total", "Successful LP withdrawals"},
		{&m.Failures, "cup_operation_failures_total", "Market operations that failed and were rolled back"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"cup_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, err
	}

	m.RebalanceTransfer, err = meter.Float64Histogram(
		"cup_rebalance_transfer",
		metric.WithDescription("Amount moved between cups per rebalance"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"cup_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, -1)
}

func (m *Metrics) RecordRebalance(ctx context.Context, market, from string, transfer float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("market", market), attribute.String("from", from))
	m.Rebalances.Add(ctx, 1, attrs)
	m.RebalanceTransfer.Record(ctx, transfer, attrs)
}

func (m *Metrics) RecordDeposit(ctx context.Context, market, side string) {
	if m == nil {
		return
	}
	m.Deposits.Add(ctx, 1, metric.WithAttributes(attribute.String("market", market), attribute.String("side", side)))
}

func (m *Metrics) RecordWithdrawal(ctx context.Context, market, side string) {
	if m == nil {
		return
	}
	m.Withdrawals.Add(ctx, 1, metric.WithAttributes(attribute.String("market", market), attribute.String("side", side)))
}

func (m *Metrics) RecordFailure(ctx context.Context, market, op string) {
	if m == nil {
		return
	}
	m.Failures.Add(ctx, 1, metric.WithAttributes(attribute.String("market", market), attribute.String("op", op)))
}
