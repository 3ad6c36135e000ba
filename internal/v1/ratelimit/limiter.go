// Package ratelimit rate-limits new connection attempts by IP and by
// pubkey, independent of the MAX_PLAYERS hard capacity gate enforced by
// the Front Door.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/meshworld/syncnode/internal/v1/config"
	"github.com/meshworld/syncnode/internal/v1/logging"
	"github.com/meshworld/syncnode/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// ConnLimiter enforces per-IP and per-pubkey connection rate limits.
type ConnLimiter struct {
	byIP     *limiter.Limiter
	byPubkey *limiter.Limiter
	store    limiter.Store
}

// New builds a ConnLimiter. If redisClient is nil, an in-memory store is
// used (single-node / dev mode); production deployments behind more than
// one node share a Redis-backed store instead.
func New(cfg *config.Config, redisClient *redis.Client) (*ConnLimiter, error) {
	ipRate, err := limiter.NewRateFromFormatted(cfg.RateLimitConnIP)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_CONN_IP: %w", err)
	}
	pubkeyRate, err := limiter.NewRateFromFormatted(cfg.RateLimitConnPubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_CONN_PUBKEY: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "syncnode:ratelimit:",
		})
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "connection rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "connection rate limiter using in-memory store")
	}

	return &ConnLimiter{
		byIP:     limiter.New(store, ipRate),
		byPubkey: limiter.New(store, pubkeyRate),
		store:    store,
	}, nil
}

// AllowIP reports whether a new connection attempt from ip is allowed.
func (l *ConnLimiter) AllowIP(ctx context.Context, ip string) bool {
	res, err := l.byIP.Get(ctx, "ip:"+ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed for ip check", zap.Error(err))
		return true // fail open; availability over strict enforcement
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
		return false
	}
	return true
}

// AllowPubkey reports whether a newly authenticated pubkey may proceed.
func (l *ConnLimiter) AllowPubkey(ctx context.Context, pubkey string) bool {
	res, err := l.byPubkey.Get(ctx, "pubkey:"+pubkey)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed for pubkey check", zap.Error(err))
		return true
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("pubkey").Inc()
		return false
	}
	return true
}
