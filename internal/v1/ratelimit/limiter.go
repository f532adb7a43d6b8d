// Package ratelimit guards the two abuse surfaces of the signaling
// edge: socket handshake attempts per IP and the guest-token endpoint.
// Counters live in memory by default and in Redis when it is
// configured, so limits hold across pods.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huddlehq/huddle/backend/go/internal/v1/config"
	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/metrics"
	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Limiter holds the per-surface limiter instances.
type Limiter struct {
	socketAuth *limiter.Limiter
	guestToken *limiter.Limiter
	store      limiter.Store
}

// New builds the limiter set from config. The socket auth limit is an
// explicit count/window pair; the guest-token limit uses the formatted
// "10-M" notation.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	authRate := limiter.Rate{
		Period: cfg.AuthAttemptWindow,
		Limit:  cfg.AuthAttemptLimit,
	}

	guestRate, err := limiter.NewRateFromFormatted(cfg.RateLimitGuestToken)
	if err != nil {
		return nil, fmt.Errorf("invalid guest token rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "rate limiter using memory store")
	}

	return &Limiter{
		socketAuth: limiter.New(store, authRate),
		guestToken: limiter.New(store, guestRate),
		store:      store,
	}, nil
}

// AllowSocket checks the per-IP handshake budget. A rejected attempt
// has its 429 response written before this returns false. Store errors
// fail open: availability beats strict limiting.
func (l *Limiter) AllowSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := l.socketAuth.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.String("limiter", "socket_auth"), zap.Error(err))
		return true
	}

	metrics.RateLimitRequests.WithLabelValues("socket_auth").Inc()
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("socket_auth").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "too many connection attempts",
			"code":  protocol.CodeRateLimited,
		})
		return false
	}
	return true
}

// GuestTokenMiddleware limits POST /api/v1/guest-token per IP.
func (l *Limiter) GuestTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := l.guestToken.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.String("limiter", "guest_token"), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		metrics.RateLimitRequests.WithLabelValues("guest_token").Inc()
		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("guest_token").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests",
				"code":  protocol.CodeRateLimited,
			})
			return
		}
		c.Next()
	}
}
