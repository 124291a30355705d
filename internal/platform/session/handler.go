package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiguard/internal/platform/auth"
	"github.com/ehr/phiguard/internal/platform/hipaa"
)

// StartRequest is the optional body of POST /session.
type StartRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	WarningSeconds int `json:"warning_seconds,omitempty"`
}

// Handler exposes the session lifecycle over HTTP for the authenticated
// caller. Users can only act on their own session.
type Handler struct {
	manager *Manager
}

// NewHandler creates a handler for manager.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes registers the session routes on the provided Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/session", h.HandleStart)
	g.POST("/session/extend", h.HandleExtend)
	g.DELETE("/session", h.HandleEnd)
	g.GET("/session", h.HandleStatus)
}

func identity(c echo.Context) (string, hipaa.Role, error) {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return "", "", echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return userID, hipaa.ResolveRole(auth.RolesFromContext(ctx)), nil
}

// HandleStart handles POST /session.
func (h *Handler) HandleStart(c echo.Context) error {
	userID, role, err := identity(c)
	if err != nil {
		return err
	}
	var req StartRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
		}
	}
	if req.TimeoutSeconds < 0 || req.WarningSeconds < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "timeout_seconds and warning_seconds must not be negative")
	}
	if maxSeconds := int(MaxTimeout / time.Second); req.TimeoutSeconds > maxSeconds || req.WarningSeconds > maxSeconds {
		return echo.NewHTTPError(http.StatusBadRequest, "timeout_seconds and warning_seconds must not exceed "+MaxTimeout.String())
	}

	info, err := h.manager.Start(c.Request().Context(), userID, role,
		time.Duration(req.TimeoutSeconds)*time.Second,
		time.Duration(req.WarningSeconds)*time.Second)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, info)
}

// HandleExtend handles POST /session/extend.
func (h *Handler) HandleExtend(c echo.Context) error {
	userID, _, err := identity(c)
	if err != nil {
		return err
	}
	info, err := h.manager.Extend(c.Request().Context(), userID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleEnd handles DELETE /session.
func (h *Handler) HandleEnd(c echo.Context) error {
	userID, _, err := identity(c)
	if err != nil {
		return err
	}
	if err := h.manager.End(c.Request().Context(), userID, ReasonLogout); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleStatus handles GET /session.
func (h *Handler) HandleStatus(c echo.Context) error {
	userID, _, err := identity(c)
	if err != nil {
		return err
	}
	info, err := h.manager.Status(userID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, info)
}

// mapError converts session errors to HTTP errors. A session that can no
// longer be extended, including a missing one, is a 401 so the client
// re-authenticates.
func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotExtendable):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTimeout), errors.Is(err, ErrMissingUser):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}

// RequireActiveSession rejects requests from users without a live session
// with 401.
func RequireActiveSession(m *Manager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := auth.UserIDFromContext(c.Request().Context())
			if userID == "" || !m.Active(userID) {
				return echo.NewHTTPError(http.StatusUnauthorized, "active session required")
			}
			return next(c)
		}
	}
}
