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
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
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

func TestFromContext_Page(t *testing.T) {
	p := paramsFor("/?limit=10&page=3&offset=5")

	if p.Offset != 20 {
		t.Errorf("expected page 3 to map to offset 20, got %d", p.Offset)
	}
	if p.Page() != 3 {
		t.Errorf("expected page 3, got %d", p.Page())
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := paramsFor("/?limit=500")

	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_InvalidValues(t *testing.T) {
	p := paramsFor("/?limit=abc&offset=-5&page=0")

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit for invalid input, got %d", p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0 for negative input, got %d", p.Offset)
	}
}

func TestFromContext_HugePageIsClamped(t *testing.T) {
	for _, target := range []string{
		"/?page=922337203685477581",
		"/?limit=100&page=9223372036854775807",
		"/?offset=9223372036854775807",
	} {
		p := paramsFor(target)
		if p.Offset < 0 || p.Offset > MaxOffset {
			t.Errorf("%s: offset %d outside [0, %d]", target, p.Offset, MaxOffset)
		}
		if p.HasNext(10) {
			t.Errorf("%s: no next page expected past the end", target)
		}
		if p.Page() < 1 {
			t.Errorf("%s: page %d must stay positive", target, p.Page())
		}
	}
}

func TestNewResponse(t *testing.T) {
	tests := []struct {
		name                string
		total, limit, off   int
		wantPage, wantPages int
		wantMore            bool
	}{
		{"first page", 45, 20, 0, 1, 3, true},
		{"last page", 45, 20, 40, 3, 3, false},
		{"empty", 0, 20, 0, 1, 0, false},
		{"exact fit", 40, 20, 20, 2, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResponse([]string{}, tt.total, tt.limit, tt.off)
			if r.Page != tt.wantPage {
				t.Errorf("page: expected %d, got %d", tt.wantPage, r.Page)
			}
			if r.TotalPages != tt.wantPages {
				t.Errorf("total pages: expected %d, got %d", tt.wantPages, r.TotalPages)
			}
			if r.HasMore != tt.wantMore {
				t.Errorf("has_more: expected %v, got %v", tt.wantMore, r.HasMore)
			}
		})
	}
}
