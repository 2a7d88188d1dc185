package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisClaimPrefix = "newswire:tx:"

// RedisClaims is a ClaimIndex shared by every replica through Redis SETNX.
type RedisClaims struct {
	client *redis.Client
}

// NewRedisClaims connects using a redis:// URL.
func NewRedisClaims(ctx context.Context, url string) (*RedisClaims, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Msg("Redis claim index connected")
	return &RedisClaims{client: client}, nil
}

// NewRedisClaimsFromClient wraps an existing client.
func NewRedisClaimsFromClient(client *redis.Client) *RedisClaims {
	return &RedisClaims{client: client}
}

func (r *RedisClaims) Kind() string { return "redis" }

func (r *RedisClaims) Claim(ctx context.Context, hash, subscriptionID string) (string, bool, error) {
	ok, err := r.client.SetNX(ctx, redisClaimPrefix+hash, subscriptionID, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim %s: %w", hash, err)
	}
	if ok {
		return subscriptionID, true, nil
	}
	owner, found, err := r.Owner(ctx, hash)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, fmt.Errorf("claim %s: key vanished after SETNX", hash)
	}
	return owner, false, nil
}

func (r *RedisClaims) Owner(ctx context.Context, hash string) (string, bool, error) {
	owner, err := r.client.Get(ctx, redisClaimPrefix+hash).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("claim owner %s: %w", hash, err)
	}
	return owner, true, nil
}

func (r *RedisClaims) Close() error { return r.client.Close() }
