package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/checkin-billing/internal/domain/checkin"
)

const (
	keyPrefix           = "checkin-billing:catalog:"
	cashPointsKey       = keyPrefix + "cash-points"
	billableServicesKey = keyPrefix + "billable-services"
)

// KV is the subset of *redis.Client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// LookupCounter receives one increment per cache read, labelled with the
// list name and "hit", "miss" or "error".
type LookupCounter interface {
	Inc(labelValues ...string)
}

// CachedCatalog is a read-through cache in front of a CatalogSource. Redis
// failures are logged and fall through to the source.
type CachedCatalog struct {
	next    CatalogSource
	kv      KV
	ttl     time.Duration
	logger  zerolog.Logger
	lookups LookupCounter
}

func NewCachedCatalog(next CatalogSource, kv KV, ttl time.Duration, logger zerolog.Logger) *CachedCatalog {
	return &CachedCatalog{
		next:   next,
		kv:     kv,
		ttl:    ttl,
		logger: logger.With().Str("component", "catalog_cache").Logger(),
	}
}

func (c *CachedCatalog) CashPoints(ctx context.Context) ([]checkin.CashPoint, error) {
	return readThrough(ctx, c, cashPointsKey, c.next.CashPoints)
}

func (c *CachedCatalog) BillableServices(ctx context.Context) ([]checkin.BillableService, error) {
	return readThrough(ctx, c, billableServicesKey, c.next.BillableServices)
}

// WithLookupCounter reports hit and miss counts to lc.
func (c *CachedCatalog) WithLookupCounter(lc LookupCounter) *CachedCatalog {
	c.lookups = lc
	return c
}

func (c *CachedCatalog) observe(key, result string) {
	if c.lookups != nil {
		c.lookups.Inc(strings.TrimPrefix(key, keyPrefix), result)
	}
}

// Invalidate drops both cached lists.
func (c *CachedCatalog) Invalidate(ctx context.Context) error {
	return c.kv.Del(ctx, cashPointsKey, billableServicesKey).Err()
}

func readThrough[T any](ctx context.Context, c *CachedCatalog, key string, load func(context.Context) ([]T, error)) ([]T, error) {
	raw, err := c.kv.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var out []T
		uerr := json.Unmarshal(raw, &out)
		if uerr == nil {
			c.observe(key, "hit")
			return out, nil
		}
		c.logger.Warn().Err(uerr).Str("key", key).Msg("discarding undecodable cache entry")
		c.observe(key, "miss")
	case errors.Is(err, redis.Nil):
		c.observe(key, "miss")
	default:
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		c.observe(key, "error")
	}

	out, err := load(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return out, nil
	}
	if err := c.kv.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return out, nil
}
