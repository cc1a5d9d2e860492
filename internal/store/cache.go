package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cupperp/cupperp-backend/internal/metrics"
	"github.com/cupperp/cupperp-backend/pkg/kv"
	memkv "github.com/cupperp/cupperp-backend/pkg/kv/memory"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Cache struct {
	// When Redis is available, use client for all operations
	client *redis.Client
	// When Redis is unavailable, fall back to an in-memory kv.Store
	kvStore kv.Store
	// In-process pub/sub used together with kvStore
	hub *PubSubHub

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCache(addr string, logger *zap.SugaredLogger, metrics *metrics.Metrics) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		if logger != nil {
			logger.Warnw("Redis unavailable; using in-memory cache and pubsub", "addr", addr, "error", err)
		}
		return NewMemoryCache(logger, metrics), nil
	}

	return &Cache{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// NewMemoryCache returns a cache that never talks to Redis.
func NewMemoryCache(logger *zap.SugaredLogger, metrics *metrics.Metrics) *Cache {
	return &Cache{
		kvStore: memkv.New(30 * time.Second),
		hub:     NewPubSubHub(),
		logger:  logger,
		metrics: metrics,
	}
}

// Key and channel layout
const (
	KeyMarketPrefix  = "cup:markets"
	KeyMarketIndex   = "cup:markets:index"
	KeyOracleRate    = "cup:oracle:rate"
	ChannelEvents    = "cup:events"
	ChannelAllEvents = "cup:events:*"
)

// MarketSnapshotKey holds the latest snapshot of a market.
func MarketSnapshotKey(id string) string {
	return fmt.Sprintf("%s:%s:snapshot", KeyMarketPrefix, id)
}

// MarketStateChannel carries every new snapshot of a market.
func MarketStateChannel(id string) string {
	return fmt.Sprintf("%s:%s:state", KeyMarketPrefix, id)
}

// MarketEventsChannel carries the operation events of a market.
func MarketEventsChannel(id string) string {
	return fmt.Sprintf("%s:%s", ChannelEvents, id)
}

func OracleRateKey(symbol string) string {
	return fmt.Sprintf("%s:%s", KeyOracleRate, symbol)
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	var (
		data []byte
		err  error
	)
	if c.client != nil {
		data, err = c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			err = kv.ErrNotFound
		}
	} else {
		data, err = c.kvStore.Get(ctx, key)
	}

	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			c.metrics.RecordCacheMiss(ctx, key)
			return ErrCacheMiss
		}
		if c.logger != nil {
			c.logger.Errorw("Cache get error", "key", key, "error", err)
		}
		return fmt.Errorf("cache get error: %w", err)
	}

	c.metrics.RecordCacheHit(ctx, key)
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if c.client != nil {
		err = c.client.Set(ctx, key, data, ttl).Err()
	} else {
		err = c.kvStore.Set(ctx, key, data, ttl)
	}
	if err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache set error", "key", key, "error", err)
		}
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	var err error
	if c.client != nil {
		err = c.client.Del(ctx, keys...).Err()
	} else {
		_, err = c.kvStore.Del(ctx, keys...)
	}
	if err != nil {
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

// Market snapshot helpers. Snapshots have no TTL; the latest one stays until
// replaced.
func (c *Cache) GetMarketSnapshot(ctx context.Context, id string, dest interface{}) error {
	return c.Get(ctx, MarketSnapshotKey(id), dest)
}

func (c *Cache) SetMarketSnapshot(ctx context.Context, id string, value interface{}) error {
	return c.Set(ctx, MarketSnapshotKey(id), value, 0)
}

func (c *Cache) GetOracleRate(ctx context.Context, symbol string, dest interface{}) error {
	return c.Get(ctx, OracleRateKey(symbol), dest)
}

func (c *Cache) SetOracleRate(ctx context.Context, symbol string, value interface{}, ttl time.Duration) error {
	return c.Set(ctx, OracleRateKey(symbol), value, ttl)
}

// Publish marshals message to JSON and sends it on channel.
func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Publish error", "channel", channel, "error", err)
			}
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	c.hub.Publish(channel, string(data))
	return nil
}

// PSubscribe subscribes to channel patterns ("cup:events:*"). The returned
// subscription works the same in Redis and in-memory mode.
func (c *Cache) PSubscribe(ctx context.Context, patterns ...string) Subscription {
	if c.client != nil {
		return newRedisSubscription(ctx, c.client.PSubscribe(ctx, patterns...))
	}
	return c.hub.Subscribe(ctx, patterns...)
}

// IsInMemoryMode returns true if the cache is running in in-memory mode
func (c *Cache) IsInMemoryMode() bool {
	return c.client == nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.client != nil {
		return c.client.Ping(ctx).Err()
	}
	return c.kvStore.Ping(ctx)
}

func (c *Cache) Close() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.kvStore != nil {
		if closeErr := c.kvStore.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

var ErrCacheMiss = errors.New("cache miss")
