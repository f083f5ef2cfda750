package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RateLimiter is a fixed-window counter.
type RateLimiter struct {
	client RedisClient
}

func NewRateLimiter(client RedisClient) *RateLimiter {
	return &RateLimiter{client: client}
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := r.client.Incr(ctx, key)
	if err != nil {
		return false, err
	}

	if count == 1 {
		err = r.client.Expire(ctx, key, window)
		if err != nil {
			return false, err
		}
	}

	if count > int64(limit) {
		return false, nil
	}

	return true, nil
}

// CheckoutKey identifies a client by hashed IP and user agent.
func CheckoutKey(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return "rate_limit:checkout:" + hex.EncodeToString(sum[:16])
}

// CheckoutLimiter applies one fixed limit to checkout attempts.
type CheckoutLimiter struct {
	rl     *RateLimiter
	limit  int
	window time.Duration
}

func NewCheckoutLimiter(rl *RateLimiter, limit int, window time.Duration) *CheckoutLimiter {
	return &CheckoutLimiter{rl: rl, limit: limit, window: window}
}

func (c *CheckoutLimiter) AllowCheckout(ctx context.Context, ip, userAgent string) (bool, error) {
	return c.rl.Allow(ctx, CheckoutKey(ip, userAgent), c.limit, c.window)
}
