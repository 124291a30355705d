package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiguard/internal/platform/auth"
)

// SecurityHeadersConfig configures SecurityHeaders.
type SecurityHeadersConfig struct {
	// HSTS enables Strict-Transport-Security. Leave it off in development,
	// where the service is served over plain HTTP.
	HSTS bool
	// LogoutPath is the DELETE route that ends a session. Its responses tell
	// the browser to drop cached data and storage for the origin.
	LogoutPath string
}

// SecurityHeaders hardens every response against framing, sniffing and
// referrer leaks. Responses outside the public paths may carry PHI or ledger
// data and are marked no-store.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			if !auth.IsPublicPath(req.URL.Path) {
				h.Set("Cache-Control", "no-store")
				h.Set("Pragma", "no-cache")
			}
			if cfg.LogoutPath != "" && req.Method == http.MethodDelete &&
				strings.TrimSuffix(req.URL.Path, "/") == cfg.LogoutPath {
				h.Set("Clear-Site-Data", `"cache", "storage"`)
			}

			return next(c)
		}
	}
}
