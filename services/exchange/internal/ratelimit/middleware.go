package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/auth"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/logging"
)

// Middleware throttles authenticated requests per user. Limiter errors fail
// open so that a cache outage does not block trading.
func Middleware(limiter Limiter, scope string, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		userID, ok := auth.UserID(c)
		if !ok || limiter == nil {
			c.Next()
			return
		}

		key := scope + ":" + strconv.FormatInt(userID, 10)
		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), key, time.Now())
		if err != nil {
			logging.FromContext(c.Request.Context(), logger).Warn("rate limiter unavailable", "scope", scope, "error", err)
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}
