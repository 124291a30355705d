package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(target string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return FromContext(e.NewContext(req, rec))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor("/")

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := paramsFor("/?limit=50&offset=10")

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := paramsFor("/?limit=5000")

	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_Invalid(t *testing.T) {
	p := paramsFor("/?limit=abc&offset=-5")

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit for invalid input, got %d", p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected negative offset clamped to 0, got %d", p.Offset)
	}
}

func TestNewPage(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	page := NewPage(items, Params{Limit: 2, Offset: 1})
	if len(page.Entries) != 2 || page.Entries[0] != "b" || page.Entries[1] != "c" {
		t.Errorf("expected [b c], got %v", page.Entries)
	}
	if page.Total != 5 || !page.HasMore {
		t.Errorf("expected total 5 with more pages, got %+v", page)
	}

	page = NewPage(items, Params{Limit: 2, Offset: 4})
	if len(page.Entries) != 1 || page.HasMore {
		t.Errorf("expected last page [e], got %+v", page)
	}

	page = NewPage(items, Params{Limit: 2, Offset: 10})
	if page.Entries == nil || len(page.Entries) != 0 {
		t.Errorf("expected empty non-nil page past the end, got %#v", page.Entries)
	}

	page = NewPage[string](nil, Params{Limit: 2})
	if page.Entries == nil || page.Total != 0 {
		t.Errorf("expected empty page for nil input, got %+v", page)
	}
}

func TestParams_Next(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if p.NextOffset() != 60 {
		t.Errorf("expected 60, got %d", p.NextOffset())
	}
	if !p.HasNext(61) || p.HasNext(60) {
		t.Error("unexpected HasNext result")
	}
}
