package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// TimeoutConfig configures RequestTimeout.
type TimeoutConfig struct {
	Timeout time.Duration
	// Skip exempts long-lived requests. Nil skips websocket upgrades.
	Skip func(c echo.Context) bool
}

func skipWebSocket(c echo.Context) bool {
	return strings.HasSuffix(c.Request().URL.Path, "/ws")
}

// RequestTimeout bounds each request with a context deadline. The handler
// runs on the request goroutine and must observe the context; once it
// returns after the deadline passed, an uncommitted response becomes 504.
// Because nothing outlives the middleware, a request answered with 504 can
// no longer record a PHI access afterwards.
func RequestTimeout(cfg TimeoutConfig) echo.MiddlewareFunc {
	if cfg.Skip == nil {
		cfg.Skip = skipWebSocket
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Timeout <= 0 || cfg.Skip(c) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.Timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			if c.Response().Committed {
				return nil
			}
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"error": "request processing exceeded the allowed time limit",
			})
		}
	}
}
