// Package ratelimit guards the public touch endpoint with a
// redis-backed token bucket keyed per clinic. Without redis the
// limiter is nil and the endpoint runs unthrottled.
package ratelimit

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/clinichq/attrio/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

const touchKeyPrefix = "attrio:ratelimit:touch:"

type TouchLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewTouchLimiter(cfg config.Config, client *redis.Client) *TouchLimiter {
	if client == nil || !cfg.RateLimitEnabled {
		return nil
	}
	return &TouchLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.TouchRatePerSecond,
		burst:  cfg.TouchBurst,
	}
}

// Allow spends one token from the clinic's bucket. A nil limiter
// allows everything.
func (l *TouchLimiter) Allow(ctx context.Context, clinicID snowflake.ID) (*Result, error) {
	if l == nil {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, touchKeyPrefix+clinicID.String(), l.rate, l.burst)
}

var Module = fx.Module("rate.limit",
	fx.Provide(NewTouchLimiter),
)
