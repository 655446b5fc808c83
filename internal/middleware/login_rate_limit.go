package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	loginWindow = time.Minute
	// ipFactor scales the per-email limit into a per-address ceiling so one
	// client cannot cycle through many emails.
	ipFactor = 10
)

// LoginRateLimit limits sign-in attempts per email within a fixed one minute
// window, plus a wider ceiling per client IP. Without Redis it is a no-op.
func LoginRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 5
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		var req struct {
			Email string `json:"email"`
		}
		_ = c.BodyParser(&req)

		ctx := c.UserContext()
		if email := strings.ToLower(strings.TrimSpace(req.Email)); email != "" {
			if limited, retry := overLimit(ctx, cache, "rl:login:"+email, maxPerMin); limited {
				return tooMany(c, retry)
			}
		}
		if limited, retry := overLimit(ctx, cache, "rl:login-ip:"+c.IP(), maxPerMin*ipFactor); limited {
			return tooMany(c, retry)
		}
		return c.Next()
	}
}

// overLimit counts one attempt against key. Redis failures fail open.
func overLimit(ctx context.Context, cache *redis.Client, key string, max int) (bool, time.Duration) {
	cnt, err := cache.Incr(ctx, key).Result()
	if err != nil {
		return false, 0
	}
	if cnt == 1 {
		cache.Expire(ctx, key, loginWindow)
	}
	if cnt <= int64(max) {
		return false, 0
	}
	ttl, err := cache.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = loginWindow
	}
	return true, ttl
}

func tooMany(c *fiber.Ctx, retry time.Duration) error {
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
	return fiber.NewError(http.StatusTooManyRequests, "too many login attempts, try again later")
}
