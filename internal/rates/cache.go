package rates

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	freshKeyPrefix = "fxrate:v1"
	staleKeyPrefix = "fxrate:stale:v1"
)

// CachedResolver serves rates from a short-lived Redis cache in front of an
// upstream source. A second, longer-lived copy of each rate is kept as a
// stale fallback consulted only when the upstream is unreachable; once that
// tolerance window has passed the resolver fails closed.
type CachedResolver struct {
	cache    *redis.Client
	source   Source
	ttl      time.Duration
	staleTTL time.Duration
	logger   *slog.Logger
}

// NewCachedResolver builds the production resolver.
func NewCachedResolver(cache *redis.Client, source Source, ttl, staleTTL time.Duration, logger *slog.Logger) *CachedResolver {
	return &CachedResolver{cache: cache, source: source, ttl: ttl, staleTTL: staleTTL, logger: logger}
}

// Resolve returns the conversion rate for a currency pair. Same-currency
// pairs resolve to identity without consulting cache or network.
func (r *CachedResolver) Resolve(ctx context.Context, from, to string, _ time.Time) (float64, error) {
	if strings.EqualFold(from, to) {
		return 1, nil
	}

	freshKey := pairKey(freshKeyPrefix, from, to)
	if rate, ok := r.lookup(ctx, freshKey); ok {
		return rate, nil
	}

	rate, fetchErr := r.source.Fetch(ctx, from, to)
	if fetchErr == nil {
		r.store(ctx, from, to, rate)
		return rate, nil
	}
	r.logger.Warn("rate fetch failed, trying stale cache",
		"from", from, "to", to, "error", fetchErr)

	if rate, ok := r.lookup(ctx, pairKey(staleKeyPrefix, from, to)); ok {
		return rate, nil
	}
	return 0, fmt.Errorf("%w: %s/%s: %v", ErrRateUnavailable, from, to, fetchErr)
}

func (r *CachedResolver) lookup(ctx context.Context, key string) (float64, bool) {
	val, err := r.cache.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("rate cache lookup failed", "key", key, "error", err)
		}
		return 0, false
	}
	rate, err := strconv.ParseFloat(val, 64)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

func (r *CachedResolver) store(ctx context.Context, from, to string, rate float64) {
	val := strconv.FormatFloat(rate, 'f', -1, 64)
	if err := r.cache.Set(ctx, pairKey(freshKeyPrefix, from, to), val, r.ttl).Err(); err != nil {
		r.logger.Warn("rate cache store failed", "from", from, "to", to, "error", err)
	}
	if err := r.cache.Set(ctx, pairKey(staleKeyPrefix, from, to), val, r.staleTTL).Err(); err != nil {
		r.logger.Warn("stale rate store failed", "from", from, "to", to, "error", err)
	}
}
