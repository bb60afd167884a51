// Package ratelimit limits token server requests using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/auth"
	"github.com/RoseWrightdev/callkit/internal/v1/config"
	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/metrics"
)

// RateLimiter holds the limiter instances for the token endpoints.
type RateLimiter struct {
	ip          *limiter.Limiter
	user        *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds limiters from cfg. A nil redisClient selects the memory store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	ipRate, err := limiter.NewRateFromFormatted(cfg.RateLimitTokens)
	if err != nil {
		return nil, fmt.Errorf("invalid token rate: %w", err)
	}
	userRate, err := limiter.NewRateFromFormatted(cfg.RateLimitTokensUser)
	if err != nil {
		return nil, fmt.Errorf("invalid per-user token rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:callkit:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		ip:          limiter.New(store, ipRate),
		user:        limiter.New(store, userRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// Middleware limits authenticated callers by subject and everyone else by IP.
// It must run after auth.RequireAuth to see caller claims.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		instance, key, limitType := rl.ip, c.ClientIP(), "ip"
		if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
			instance, key, limitType = rl.user, claims.Subject, "user"
		}

		ctx := c.Request.Context()
		lctx, err := instance.Get(ctx, key)
		if err != nil {
			// Fail open.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(max(lctx.Reset-time.Now().Unix(), 0), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// StandardMiddleware is the stock per-IP limiter, used on the operational endpoints.
func (rl *RateLimiter) StandardMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.ip)
}
