package ratelimit

import (
	"fmt"
	"time"

	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"
	"execbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Policy is the per-route limit. Zero maxima are unlimited.
type Policy struct {
	Window   time.Duration `yaml:"window"`
	IPMax    int           `yaml:"ipMax"`
	RouteMax int           `yaml:"routeMax"`
}

// Middleware limits requests per client IP and per route. Cache failures
// are logged and the request goes through.
func Middleware(limiter *Limiter, routeKey string, policy Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		if policy.IPMax > 0 {
			key := fmt.Sprintf("execd:rate:ip:%s:%s", c.ClientIP(), routeKey)
			if !check(c, limiter, key, policy.IPMax, policy.Window) {
				return
			}
		}
		if policy.RouteMax > 0 {
			key := fmt.Sprintf("execd:rate:route:%s", routeKey)
			if !check(c, limiter, key, policy.RouteMax, policy.Window) {
				return
			}
		}
		c.Next()
	}
}

func check(c *gin.Context, limiter *Limiter, key string, max int, window time.Duration) bool {
	err := limiter.Allow(c.Request.Context(), key, max, window)
	if err == nil {
		return true
	}
	if appErr.Is(err, appErr.TooManyRequests) {
		response.AbortWithError(c, err)
		return false
	}
	logger.Warn(c.Request.Context(), "rate limit check skipped", zap.String("key", key), zap.Error(err))
	return true
}
