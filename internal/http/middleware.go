package http

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"crmgate/internal/config"
)

// The canonical credential header is X-Api-Key. X-Functions-Key is the
// legacy name from the previous hosting generation and is still accepted.
const (
	headerAPIKey       = "X-Api-Key"
	headerLegacyAPIKey = "X-Functions-Key"
)

// credentialFromRequest extracts the presented API key, preferring the
// canonical header. An empty string means no credential was presented.
func credentialFromRequest(c *fiber.Ctx) string {
	if v := c.Get(headerAPIKey); v != "" {
		return v
	}
	return c.Get(headerLegacyAPIKey)
}

// rateLimitMiddleware enforces a simple per-minute fixed-window rate limit
// per presented credential using Redis. Unknown credentials are bounded
// too: the limit keys on a hash of whatever was presented, falling back to
// the client IP when no credential is sent.
func rateLimitMiddleware(cfg *config.Config, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := cfg.RateLimit.DefaultPerMinute
		if rdb == nil || limit <= 0 {
			return c.Next()
		}

		subject := credentialFromRequest(c)
		if subject == "" {
			subject = c.IP()
		}
		sum := sha256.Sum256([]byte(subject))

		now := time.Now().UTC()
		window := now.Format("200601021504") // YYYYMMDDHHMM minute window
		key := fmt.Sprintf("crmgate:rl:%s:%s", hex.EncodeToString(sum[:16]), window)

		ctx := c.Context()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			// Rate limiting is protective, not authoritative; a redis
			// outage must not take the gateway down with it.
			return c.Next()
		}
		if count == 1 {
			// First hit in this window; set TTL
			_ = rdb.Expire(ctx, key, time.Minute)
		}

		if count > int64(limit) {
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Success: false,
				Code:    "RATE_LIMIT_EXCEEDED",
				Error:   "Rate limit exceeded, try again later",
			})
		}

		return c.Next()
	}
}
