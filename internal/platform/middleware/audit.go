package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phiguard/internal/platform/auth"
	"github.com/ehr/phiguard/internal/platform/hipaa"
)

// AnonymousActor is recorded for failed requests that carried no identity.
const AnonymousActor = "anonymous"

// SecurityRecorder records security events. *hipaa.AuditLogger implements it.
type SecurityRecorder interface {
	LogSecurityEvent(ctx context.Context, actorID string, role hipaa.Role, kind hipaa.EventKind, detail string) string
}

// Audit attaches the caller's address and user agent to the request context,
// so every ledger entry written by a handler carries them, and records
// rejected requests as security events:
//
//   - 401 without an authenticated identity is a failed login
//   - 403 is an unauthorized access attempt
//
// Public paths (health, metrics) are not audited.
func Audit(logger zerolog.Logger, recorder SecurityRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := hipaa.WithClientMetadata(req.Context(), hipaa.ClientMetadata{
				Address:   c.RealIP(),
				UserAgent: req.UserAgent(),
			})
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			if auth.IsPublicPath(req.URL.Path) {
				return err
			}

			status := responseStatus(c, err)
			if status != http.StatusUnauthorized && status != http.StatusForbidden {
				return err
			}

			// Handlers may have replaced the request; identity set by the
			// auth middleware lives on the latest one.
			ctx = c.Request().Context()
			userID := auth.UserIDFromContext(ctx)
			role := hipaa.ResolveRole(auth.RolesFromContext(ctx))
			detail := fmt.Sprintf("method=%s; path=%s; status=%d", req.Method, req.URL.Path, status)

			var kind hipaa.EventKind
			switch {
			case status == http.StatusForbidden:
				kind = hipaa.EventUnauthorizedAccess
			case userID == "":
				kind = hipaa.EventLoginFailed
			default:
				// Authenticated caller rejected for an ended session.
				return err
			}
			if userID == "" {
				userID = AnonymousActor
				role = hipaa.RoleGuest
			}

			id := recorder.LogSecurityEvent(ctx, userID, role, kind, detail)
			rid, _ := c.Get("request_id").(string)
			logger.Warn().
				Str("type", "hipaa_audit").
				Str("request_id", rid).
				Str("audit_id", id).
				Str("user_id", userID).
				Str("event_kind", string(kind)).
				Str("path", req.URL.Path).
				Int("status", status).
				Msg("request rejected")

			return err
		}
	}
}
