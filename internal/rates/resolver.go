package rates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRateUnavailable indicates no usable conversion rate could be obtained.
// Callers must treat this as a hard failure for the event being processed;
// a guessed or expired rate is never substituted.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// Resolver converts a currency pair into a conversion rate.
type Resolver interface {
	Resolve(ctx context.Context, from, to string, at time.Time) (float64, error)
}

// Source fetches a rate from an upstream provider. Implementations are
// expected to bound their own network latency.
type Source interface {
	Fetch(ctx context.Context, from, to string) (float64, error)
}

// Convert applies a rate to an amount in minor units, rounding half away from
// zero.
func Convert(amount int64, rate float64) int64 {
	v := float64(amount) * rate
	if v >= 0 {
		return int64(v + 0.5)
	}
	return int64(v - 0.5)
}

func pairKey(prefix, from, to string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, strings.ToUpper(from), strings.ToUpper(to))
}

// Static is a fixed-table resolver used in tests and development mode.
type Static struct {
	Rates map[string]float64 // keyed "FROM:TO"
}

// Resolve returns the identity rate for same-currency pairs and the configured
// table rate otherwise.
func (s Static) Resolve(_ context.Context, from, to string, _ time.Time) (float64, error) {
	if strings.EqualFold(from, to) {
		return 1, nil
	}
	key := strings.ToUpper(from) + ":" + strings.ToUpper(to)
	rate, ok := s.Rates[key]
	if !ok {
		return 0, fmt.Errorf("%w: no rate for %s", ErrRateUnavailable, key)
	}
	return rate, nil
}
