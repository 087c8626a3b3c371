package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/retrosync/internal/auth"
	"github.com/victorivanov/retrosync/internal/redis"
)

// RateLimitMiddleware allows limit requests per window for each caller and
// route. Callers are keyed by bridge user, or by IP before authentication.
// When Redis is unreachable requests pass unlimited.
func RateLimitMiddleware(redisClient *redis.Client, limit int, window time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			w, err := redisClient.CheckRateLimit(c.Request().Context(), rateLimitKey(c), limit, window)
			if err != nil {
				slog.Warn("rate limit check failed", "path", c.Path(), "error", err)
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(w.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(w.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(w.ResetIn).Unix(), 10))

			if !w.Allowed {
				secs := int64((w.ResetIn + time.Second - 1) / time.Second)
				h.Set("Retry-After", strconv.FormatInt(max(secs, 1), 10))
				return Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please try again later")
			}
			return next(c)
		}
	}
}

func rateLimitKey(c echo.Context) string {
	if uid := auth.GetUserID(c); uid != 0 {
		return fmt.Sprintf("rl:bridge:user:%d:%s", uid, c.Path())
	}
	return fmt.Sprintf("rl:bridge:ip:%s:%s", c.RealIP(), c.Path())
}
