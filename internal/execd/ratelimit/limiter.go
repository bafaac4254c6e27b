package ratelimit

import (
	"context"
	"time"

	"execbox/internal/common/cache"
	appErr "execbox/pkg/errors"
)

const defaultRedisTimeout = 200 * time.Millisecond

// Limiter enforces fixed-window request counts in Redis.
type Limiter struct {
	cache        cache.BasicOps
	window       time.Duration
	redisTimeout time.Duration
}

// NewLimiter creates a limiter. A zero redisTimeout uses 200ms.
func NewLimiter(store cache.BasicOps, window, redisTimeout time.Duration) *Limiter {
	if redisTimeout <= 0 {
		redisTimeout = defaultRedisTimeout
	}
	return &Limiter{cache: store, window: window, redisTimeout: redisTimeout}
}

// Allow counts one hit on key and fails with TooManyRequests once the
// window holds more than max hits. A non-positive max never limits.
func (l *Limiter) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if l.cache == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = l.window
	}

	ctxCache, cancel := context.WithTimeout(ctx, l.redisTimeout)
	defer cancel()

	acquired, err := l.cache.SetNX(ctxCache, key, 1, window)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	var count int64 = 1
	if !acquired {
		count, err = l.cache.Incr(ctxCache, key)
		if err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
		}
		// A key left without expiry would block the caller forever.
		if ttl, ttlErr := l.cache.TTL(ctxCache, key); ttlErr == nil && ttl <= 0 {
			_ = l.cache.Expire(ctxCache, key, window)
		}
	}
	if count > int64(max) {
		return appErr.New(appErr.TooManyRequests).WithMessagef("rate limit exceeded for %s", key)
	}
	return nil
}
