package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phiguard/internal/platform/auth"
	"github.com/ehr/phiguard/internal/platform/hipaa"
)

type recordedEvent struct {
	actorID string
	role    hipaa.Role
	kind    hipaa.EventKind
	detail  string
	client  hipaa.ClientMetadata
}

// mockRecorder collects security events for assertions.
type mockRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (m *mockRecorder) LogSecurityEvent(ctx context.Context, actorID string, role hipaa.Role, kind hipaa.EventKind, detail string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{
		actorID: actorID,
		role:    role,
		kind:    kind,
		detail:  detail,
		client:  hipaa.ClientMetadataFromContext(ctx),
	})
	return "entry-1"
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) last() recordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[len(m.events)-1]
}

func newTestContext(method, path string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("User-Agent", "test-agent/1.0")
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// authenticate mimics the auth middleware placing identity on the request.
func authenticate(userID string, roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), userID, roles)))
			return next(c)
		}
	}
}

func TestAudit_AttachesClientMetadata(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/api/v1/phi/mask")

	var got hipaa.ClientMetadata
	handler := func(c echo.Context) error {
		got = hipaa.ClientMetadataFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	}

	if err := Audit(zerolog.Nop(), rec)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Address != "10.1.2.3" {
		t.Errorf("expected address 10.1.2.3, got %q", got.Address)
	}
	if got.UserAgent != "test-agent/1.0" {
		t.Errorf("expected user agent test-agent/1.0, got %q", got.UserAgent)
	}
	if rec.count() != 0 {
		t.Errorf("expected no security events for a successful request, got %d", rec.count())
	}
}

func TestAudit_UnauthenticatedIsFailedLogin(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/api/v1/session")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	err := Audit(zerolog.Nop(), rec)(handler)(c)
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 security event, got %d", rec.count())
	}
	evt := rec.last()
	if evt.kind != hipaa.EventLoginFailed {
		t.Errorf("expected login_failed, got %s", evt.kind)
	}
	if evt.actorID != AnonymousActor || evt.role != hipaa.RoleGuest {
		t.Errorf("expected anonymous guest, got %s/%s", evt.actorID, evt.role)
	}
	if !strings.Contains(evt.detail, "status=401") {
		t.Errorf("expected status in detail, got %q", evt.detail)
	}
	if evt.client.Address != "10.1.2.3" {
		t.Errorf("expected client address on event, got %q", evt.client.Address)
	}
}

func TestAudit_ForbiddenIsUnauthorizedAccess(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/api/v1/audit/search")

	handler := authenticate("nurse-1", "nurse")(auth.RequireRole("admin")(okHandler))
	if err := Audit(zerolog.Nop(), rec)(handler)(c); err == nil {
		t.Fatal("expected 403 error")
	}

	if rec.count() != 1 {
		t.Fatalf("expected 1 security event, got %d", rec.count())
	}
	evt := rec.last()
	if evt.kind != hipaa.EventUnauthorizedAccess {
		t.Errorf("expected unauthorized_access, got %s", evt.kind)
	}
	if evt.actorID != "nurse-1" || evt.role != hipaa.RoleNurse {
		t.Errorf("expected nurse-1/nurse, got %s/%s", evt.actorID, evt.role)
	}
}

func TestAudit_WrittenForbiddenResponse(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/api/v1/phi/mask")

	handler := authenticate("u1", "billing")(func(c echo.Context) error {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
	})
	if err := Audit(zerolog.Nop(), rec)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 1 || rec.last().kind != hipaa.EventUnauthorizedAccess {
		t.Errorf("expected one unauthorized_access event, got %d", rec.count())
	}
}

func TestAudit_AuthenticatedUnauthorizedNotFailedLogin(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/api/v1/session/extend")

	handler := authenticate("u1", "provider")(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusUnauthorized, "session: not extendable")
	})
	if err := Audit(zerolog.Nop(), rec)(handler)(c); err == nil {
		t.Fatal("expected error to propagate")
	}
	if rec.count() != 0 {
		t.Errorf("expected no event for an ended session, got %d", rec.count())
	}
}

func TestAudit_SkipsPublicPaths(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/metrics")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusUnauthorized, "nope")
	}
	_ = Audit(zerolog.Nop(), rec)(handler)(c)
	if rec.count() != 0 {
		t.Errorf("expected public paths to be skipped, got %d events", rec.count())
	}
}

func TestAudit_OtherErrorsNotRecorded(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/api/v1/audit/missing")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	_ = Audit(zerolog.Nop(), rec)(handler)(c)
	if rec.count() != 0 {
		t.Errorf("expected no events for 404, got %d", rec.count())
	}
}

func TestAudit_WithAuditLogger(t *testing.T) {
	ledger := hipaa.NewAuditLogger()
	c, _ := newTestContext(http.MethodGet, "/api/v1/session")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	_ = Audit(zerolog.Nop(), ledger)(handler)(c)

	entries := ledger.Query(hipaa.QueryFilter{Action: hipaa.ActionLogin})
	if len(entries) != 1 {
		t.Fatalf("expected 1 login entry, got %d", len(entries))
	}
	if entries[0].Success {
		t.Error("expected failed login entry")
	}
	if entries[0].ClientAddress != "10.1.2.3" {
		t.Errorf("expected client address 10.1.2.3, got %q", entries[0].ClientAddress)
	}
}
