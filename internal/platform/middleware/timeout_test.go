package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiguard/internal/platform/hipaa"
)

const maskBody = `{"resource":"Condition","subject_id":"p-1","fields":[{"category":"diagnosis","value":"Type 2 Diabetes"}]}`

// stall holds the request until its context ends, standing in for a slow
// upstream read ahead of the handler.
func stall(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		<-c.Request().Context().Done()
		return next(c)
	}
}

func newMaskServer(ledger *hipaa.AuditLogger, timeout time.Duration, extra ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.Use(RequestTimeout(TimeoutConfig{Timeout: timeout}))
	mw := append([]echo.MiddlewareFunc{authenticate("n-1", "nurse")}, extra...)
	hipaa.NewMaskHandler(hipaa.NewMasker(nil), ledger, nil).RegisterRoutes(e.Group("/api/v1", mw...))
	return e
}

func postMask(e *echo.Echo) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/phi/mask", strings.NewReader(maskBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequestTimeout_MaskWithinDeadlineIsAudited(t *testing.T) {
	ledger := hipaa.NewAuditLogger()
	rec := postMask(newMaskServer(ledger, 5*time.Second))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ledger.Len() != 1 {
		t.Errorf("expected 1 audit entry, got %d", ledger.Len())
	}
}

func TestRequestTimeout_TimedOutMaskIsNotAudited(t *testing.T) {
	ledger := hipaa.NewAuditLogger()
	rec := postMask(newMaskServer(ledger, 20*time.Millisecond, stall))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected an error message")
	}
	if strings.Contains(rec.Body.String(), "Type 2 Diabetes") {
		t.Error("expected no PHI in the timeout response")
	}
	if ledger.Len() != 0 {
		t.Errorf("expected no audit entry for a request answered with 504, got %d", ledger.Len())
	}
}

func TestRequestTimeout_CommittedResponseIsKept(t *testing.T) {
	e := echo.New()
	e.Use(RequestTimeout(TimeoutConfig{Timeout: 20 * time.Millisecond}))
	e.GET("/api/v1/audit/export/csv", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		<-c.Request().Context().Done()
		return nil
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit/export/csv", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected the started response to stand, got %d", rec.Code)
	}
}

func TestRequestTimeout_Skip(t *testing.T) {
	tests := []struct {
		name string
		cfg  TimeoutConfig
		path string
	}{
		{"websocket by default", TimeoutConfig{Timeout: time.Millisecond}, "/ws"},
		{"custom skip", TimeoutConfig{Timeout: time.Millisecond, Skip: func(c echo.Context) bool {
			return strings.HasPrefix(c.Path(), "/api/v1/audit/export")
		}}, "/api/v1/audit/export/json"},
		{"disabled", TimeoutConfig{}, "/api/v1/session"},
	}
	for _, tt := range tests {
		e := echo.New()
		e.Use(RequestTimeout(tt.cfg))
		e.GET(tt.path, func(c echo.Context) error {
			if _, ok := c.Request().Context().Deadline(); ok {
				t.Errorf("%s: expected no deadline", tt.name)
			}
			return c.NoContent(http.StatusOK)
		})
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", tt.name, rec.Code)
		}
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/audit/01HX", nil), httptest.NewRecorder())

	h := RequestTimeout(TimeoutConfig{Timeout: 5 * time.Second})(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a request deadline")
		}
		return echo.NewHTTPError(http.StatusNotFound, "entry not found")
	})
	err := h(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404 from the handler, got %v", err)
	}
}
