package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/compliance-processor/api/handlers"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

// RateLimiterConfig configures a fixed-window limiter backed by Redis.
type RateLimiterConfig struct {
	Client    redis.UniversalClient
	Limit     int
	Window    time.Duration
	KeyPrefix string
	Extractor func(c *gin.Context) string
	Logger    logger.Logger
}

// NewRateLimiter counts requests per caller in Redis. Redis errors let the
// request through.
func NewRateLimiter(cfg RateLimiterConfig) gin.HandlerFunc {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = func(c *gin.Context) string {
			if id := c.GetHeader(handlers.OwnerHeader); id != "" {
				return "user:" + id
			}
			return "ip:" + c.ClientIP()
		}
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := cfg.KeyPrefix + cfg.Extractor(c)

		count, err := cfg.Client.Incr(ctx, key).Result()
		if err != nil {
			cfg.Logger.Warn("Rate limiter unavailable",
				logger.String("key", key),
				logger.Error(err),
			)
			c.Next()
			return
		}
		if count == 1 {
			cfg.Client.Expire(ctx, key, cfg.Window)
		}

		reset := 0
		if ttl, err := cfg.Client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			reset = int(ttl.Seconds())
		}
		remaining := cfg.Limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(reset))

		if count > int64(cfg.Limit) {
			c.Header("Retry-After", strconv.Itoa(reset))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, handlers.ErrorResponse{
				Error:   "RATE_LIMITED",
				Message: fmt.Sprintf("rate limit of %d requests per %s exceeded", cfg.Limit, cfg.Window),
			})
			return
		}
		c.Next()
	}
}
