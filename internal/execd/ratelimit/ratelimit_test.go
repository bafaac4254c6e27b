package ratelimit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"execbox/internal/common/cache"
	"execbox/internal/execd/ratelimit"
	appErr "execbox/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
)

func newLimiter(t *testing.T) (*ratelimit.Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("create redis cache: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return ratelimit.NewLimiter(rc, time.Minute, time.Second), mr
}

func TestLimiterFixedWindow(t *testing.T) {
	limiter, mr := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := limiter.Allow(ctx, "k", 3, 0); err != nil {
			t.Fatalf("hit %d: unexpected error %v", i, err)
		}
	}
	if err := limiter.Allow(ctx, "k", 3, 0); !appErr.Is(err, appErr.TooManyRequests) {
		t.Fatalf("expected TooManyRequests, got %v", err)
	}
	if ttl := mr.TTL("k"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if err := limiter.Allow(ctx, "k", 3, 0); err != nil {
		t.Fatalf("window should have reset: %v", err)
	}
}

func TestLimiterRestoresMissingExpiry(t *testing.T) {
	limiter, mr := newLimiter(t)
	if err := mr.Set("k", "1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := limiter.Allow(context.Background(), "k", 5, 10*time.Second); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if ttl := mr.TTL("k"); ttl != 10*time.Second {
		t.Fatalf("expected expiry to be restored, got %v", ttl)
	}
}

func TestLimiterErrors(t *testing.T) {
	if err := ratelimit.NewLimiter(nil, time.Minute, 0).Allow(context.Background(), "k", 1, 0); !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}

	limiter, mr := newLimiter(t)
	if err := limiter.Allow(context.Background(), "k", 0, 0); err != nil {
		t.Fatalf("zero max should not limit: %v", err)
	}
	mr.Close()
	if err := limiter.Allow(context.Background(), "k", 1, 0); !appErr.Is(err, appErr.CacheError) {
		t.Fatalf("expected CacheError, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, mr := newLimiter(t)
	router := gin.New()
	router.POST("/run", ratelimit.Middleware(limiter, "run", ratelimit.Policy{IPMax: 2}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(ip string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/run", nil)
		req.RemoteAddr = ip + ":1234"
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("10.0.0.1"); code != http.StatusOK {
			t.Fatalf("hit %d: expected 200, got %d", i, code)
		}
	}
	if code := do("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := do("10.0.0.2"); code != http.StatusOK {
		t.Fatalf("other clients should not be limited, got %d", code)
	}
	if !mr.Exists("execd:rate:ip:10.0.0.1:run") {
		t.Fatalf("expected per-ip key, have %v", mr.Keys())
	}

	mr.Close()
	if code := do("10.0.0.3"); code != http.StatusOK {
		t.Fatalf("cache failure should let requests through, got %d", code)
	}
}
