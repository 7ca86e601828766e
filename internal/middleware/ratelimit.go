package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jpcarreira/condoflow/internal/ratelimit"
	"github.com/jpcarreira/condoflow/pkg/errors"
	"github.com/jpcarreira/condoflow/pkg/logger"
	"github.com/jpcarreira/condoflow/pkg/metrics"
	"github.com/jpcarreira/condoflow/pkg/response"
)

// RateLimit applies an advisory per-IP request budget to a route group. This
// is edge protection only; the validation endpoint additionally enforces its
// own authoritative limits inside the service.
func RateLimit(limiter *ratelimit.Limiter, max int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := limiter.Allow(c.Request.Context(), "http:"+c.ClientIP(), max, window)
		if err != nil {
			// Fail open: an unreachable counter store must not take the API down.
			logger.WithModule("http").Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		if !decision.Allowed {
			metrics.RateLimitRejections.WithLabelValues("http").Inc()
			retryAfter := int((decision.RetryAfter + time.Second - 1) / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			response.Error(c, errors.ErrRateLimit)
			c.Abort()
			return
		}

		c.Next()
	}
}
