package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"lineage/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

var errNoRedis = errors.New("redis client is nil")

// Quota is a fixed-window request budget for one named action.
type Quota struct {
	Name   string
	Max    int
	Window time.Duration
	// FailClosed answers 503 when Redis cannot count; otherwise the request
	// is let through.
	FailClosed bool
}

// Usage is the state of a quota after one hit.
type Usage struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// limiterBypassed reports whether APP_ENV disables throttling.
func limiterBypassed() bool {
	switch os.Getenv("APP_ENV") {
	case "", "test", "development", "stress":
		return true
	}
	return false
}

// Hit counts one request by caller against q.
func (q Quota) Hit(ctx context.Context, rdb *redis.Client, caller string) (Usage, error) {
	if limiterBypassed() {
		return Usage{Allowed: true, Remaining: q.Max}, nil
	}
	if rdb == nil {
		return Usage{}, errNoRedis
	}

	key := fmt.Sprintf("rl:%s:%s", q.Name, caller)
	count, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return Usage{}, err
	}
	if count == 1 {
		rdb.Expire(ctx, key, q.Window)
	}
	ttl, err := rdb.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = q.Window
	}

	remaining := q.Max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Allowed: count <= int64(q.Max), Remaining: remaining, ResetIn: ttl}, nil
}

// RateLimit enforces q per caller: the signed-in user when AuthRequired ran
// first, otherwise the client IP. Responses carry X-RateLimit-* headers.
func RateLimit(rdb *redis.Client, q Quota) fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := "ip:" + c.IP()
		if uid, ok := c.Locals("userID").(uint); ok {
			caller = "user:" + strconv.FormatUint(uint64(uid), 10)
		}

		usage, err := q.Hit(c.UserContext(), rdb, caller)
		if err != nil {
			Logger.WarnContext(c.UserContext(), "rate limit store unavailable",
				slog.String("quota", q.Name), slog.Bool("fail_closed", q.FailClosed), slog.String("error", err.Error()))
			if q.FailClosed {
				return models.RespondWithError(c, fiber.StatusServiceUnavailable,
					&models.AppError{Code: "RATE_LIMIT_UNAVAILABLE", Message: "Please try again shortly."})
			}
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(q.Max))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(usage.Remaining))
		if !usage.Allowed {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int((usage.ResetIn+time.Second-1)/time.Second)))
			return models.RespondWithError(c, fiber.StatusTooManyRequests,
				&models.AppError{Code: "RATE_LIMITED", Message: "Too many requests, please try again later."})
		}
		return c.Next()
	}
}
