package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestQuotaHit_BypassedOutsideProduction(t *testing.T) {
	q := Quota{Name: "search", Max: 1, Window: time.Minute}
	for _, env := range []string{"", "test", "development", "stress"} {
		t.Run("env="+env, func(t *testing.T) {
			t.Setenv("APP_ENV", env)
			usage, err := q.Hit(context.Background(), nil, "ip:1")
			require.NoError(t, err)
			assert.True(t, usage.Allowed)
		})
	}
}

func TestQuotaHit_CountsWithinWindow(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	mr, rdb := newMiniRedis(t)
	ctx := context.Background()
	q := Quota{Name: "search", Max: 2, Window: time.Minute}

	usage, err := q.Hit(ctx, rdb, "ip:1")
	require.NoError(t, err)
	assert.Equal(t, Usage{Allowed: true, Remaining: 1, ResetIn: time.Minute}, usage)

	usage, err = q.Hit(ctx, rdb, "ip:1")
	require.NoError(t, err)
	assert.True(t, usage.Allowed)
	assert.Zero(t, usage.Remaining)

	usage, err = q.Hit(ctx, rdb, "ip:1")
	require.NoError(t, err)
	assert.False(t, usage.Allowed)

	usage, err = q.Hit(ctx, rdb, "ip:2")
	require.NoError(t, err)
	assert.True(t, usage.Allowed, "callers are counted separately")

	mr.FastForward(2 * time.Minute)
	usage, err = q.Hit(ctx, rdb, "ip:1")
	require.NoError(t, err)
	assert.True(t, usage.Allowed)
}

func TestQuotaHit_NilRedis(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	_, err := Quota{Name: "x", Max: 1, Window: time.Minute}.Hit(context.Background(), nil, "ip:1")
	assert.ErrorIs(t, err, errNoRedis)
}

func TestRateLimit_Headers(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	_, rdb := newMiniRedis(t)

	app := fiber.New()
	app.Get("/limited", RateLimit(rdb, Quota{Name: "limited", Max: 1, Window: 30 * time.Second}), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/limited", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/limited", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestRateLimit_KeysBySignedInUser(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	mr, rdb := newMiniRedis(t)

	app := fiber.New()
	app.Get("/me", func(c *fiber.Ctx) error {
		c.Locals("userID", uint(7))
		return c.Next()
	}, RateLimit(rdb, Quota{Name: "me", Max: 5, Window: time.Minute}), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, mr.Exists("rl:me:user:7"))
}

func TestRateLimit_FailurePolicy(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	app := fiber.New()
	app.Get("/closed", RateLimit(nil, Quota{Name: "closed", Max: 1, Window: time.Minute, FailClosed: true}), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/open", RateLimit(nil, Quota{Name: "open", Max: 1, Window: time.Minute}), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/closed", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/open", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
