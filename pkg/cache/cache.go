// Package cache is the Redis response cache in front of the serving
// layer's database reads. Redis is an accelerator, never a dependency:
// every failure falls through to the computed path, and a circuit breaker
// stops hammering a dead instance.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xianyu-ding/RailFair/pkg/metrics"
)

// TTLs per response family.
const (
	TTLPrediction    = time.Hour
	TTLFares         = 24 * time.Hour
	TTLRouteStats    = 6 * time.Hour
	TTLPopularRoutes = 30 * time.Minute
	TTLDefault       = 30 * time.Minute
)

// Breaker thresholds: open after consecutive failures, probe after the
// open window.
const (
	breakerFailureThreshold = 5
	breakerOpenTimeout      = 60 * time.Second
)

// Cache wraps a Redis client behind a circuit breaker with singleflight
// deduplication of concurrent misses.
type Cache struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New connects to Redis at addr.
func New(addr, password string, db int, m *metrics.Metrics, logger *zap.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewWithClient(client, m, logger)
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(client redis.UniversalClient, m *metrics.Metrics, logger *zap.Logger) *Cache {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "response-cache",
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Cache{
		client:  client,
		breaker: breaker,
		metrics: m,
		logger:  logger,
	}
}

// Key builds the canonical cache key for an ordered field tuple. Equal
// inputs always produce byte-identical keys; the fields are hashed so
// arbitrary user input cannot grow keys without bound.
func Key(prefix string, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(prefix))
	for _, f := range fields {
		h.Write([]byte{0x1f})
		h.Write([]byte(f))
	}
	return prefix + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Do returns the cached payload for key, or computes, caches and returns
// it. Concurrent misses for the same key share one computation. The
// second return value reports a cache hit.
func (c *Cache) Do(ctx context.Context, key string, ttl time.Duration,
	compute func() ([]byte, error)) ([]byte, bool, error) {
	prefix := keyPrefix(key)

	if data, ok := c.get(ctx, key); ok {
		c.metrics.CacheHits.WithLabelValues(prefix).Inc()
		return data, true, nil
	}
	c.metrics.CacheMisses.WithLabelValues(prefix).Inc()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent winner may have populated the key while this
		// caller waited on the flight group.
		if data, ok := c.get(ctx, key); ok {
			return data, nil
		}
		data, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, data, ttl)
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// get reads through the breaker; any failure is a miss.
func (c *Cache) get(ctx context.Context, key string) ([]byte, bool) {
	v, err := c.breaker.Execute(func() (any, error) {
		data, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) {
			c.logger.Debug("cache read failed, falling through",
				zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	data, _ := v.([]byte)
	return data, data != nil
}

// set writes through the breaker, best effort.
func (c *Cache) set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = TTLDefault
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.client.Set(ctx, key, data, ttl).Err()
	})
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) {
		c.logger.Debug("cache write failed",
			zap.String("key", key), zap.Error(err))
	}
}

// Ping reports cache connectivity for readiness checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func keyPrefix(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}
