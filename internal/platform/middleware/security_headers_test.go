package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiguard/internal/platform/hipaa"
)

func newHeadersServer(cfg SecurityHeadersConfig) (*echo.Echo, *hipaa.AuditLogger) {
	ledger := hipaa.NewAuditLogger()
	ledger.LogAccess(context.Background(), hipaa.AccessRequest{
		ActorID: "dr-1", ActorRole: hipaa.RoleProvider, Action: hipaa.ActionView,
		Resource: "Patient", SubjectID: "p-1", Categories: []hipaa.Category{hipaa.CategoryName}, Success: true,
	})

	e := echo.New()
	e.Use(SecurityHeaders(cfg))
	api := e.Group("/api/v1", authenticate("admin-1", "admin"))
	hipaa.NewAuditHandler(ledger, hipaa.DefaultReportConfig()).RegisterRoutes(api)
	api.DELETE("/session", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e, ledger
}

func get(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestSecurityHeaders_AuditExportsAreNotCached(t *testing.T) {
	e, _ := newHeadersServer(SecurityHeadersConfig{})

	for _, path := range []string{
		"/api/v1/audit/export/csv",
		"/api/v1/audit/export/json",
		"/api/v1/audit/search",
		"/api/v1/audit/report",
	} {
		rec := get(e, http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		if got := rec.Header().Get("Cache-Control"); got != "no-store" {
			t.Errorf("%s: expected Cache-Control no-store, got %q", path, got)
		}
		if got := rec.Header().Get("Pragma"); got != "no-cache" {
			t.Errorf("%s: expected Pragma no-cache, got %q", path, got)
		}
		if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
			t.Errorf("%s: expected nosniff, got %q", path, got)
		}
	}
}

func TestSecurityHeaders_ErrorResponsesAreHardened(t *testing.T) {
	e, _ := newHeadersServer(SecurityHeadersConfig{})

	rec := get(e, http.MethodGet, "/api/v1/audit/unknown-id")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("expected hardened headers on an error response, got %v", rec.Header())
	}
}

func TestSecurityHeaders_PublicPathsMayBeCached(t *testing.T) {
	e, _ := newHeadersServer(SecurityHeadersConfig{})

	rec := get(e, http.MethodGet, "/health")
	if got := rec.Header().Get("Cache-Control"); got != "" {
		t.Errorf("expected no cache directive on /health, got %q", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got == "" {
		t.Error("expected a content security policy on every response")
	}
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	tests := []struct {
		hsts bool
		want string
	}{
		{false, ""},
		{true, "max-age=31536000; includeSubDomains"},
	}
	for _, tt := range tests {
		e, _ := newHeadersServer(SecurityHeadersConfig{HSTS: tt.hsts})
		if got := get(e, http.MethodGet, "/health").Header().Get("Strict-Transport-Security"); got != tt.want {
			t.Errorf("hsts=%v: expected %q, got %q", tt.hsts, tt.want, got)
		}
	}
}

func TestSecurityHeaders_LogoutClearsSiteData(t *testing.T) {
	e, _ := newHeadersServer(SecurityHeadersConfig{LogoutPath: "/api/v1/session"})

	rec := get(e, http.MethodDelete, "/api/v1/session")
	if got := rec.Header().Get("Clear-Site-Data"); got != `"cache", "storage"` {
		t.Errorf("expected Clear-Site-Data on logout, got %q", got)
	}
	rec = get(e, http.MethodGet, "/api/v1/audit/search")
	if got := rec.Header().Get("Clear-Site-Data"); got != "" {
		t.Errorf("expected no Clear-Site-Data outside logout, got %q", got)
	}
}
