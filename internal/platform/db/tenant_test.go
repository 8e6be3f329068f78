package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		jwt    interface{}
		want   string
	}{
		{"header", "/", "north_campus", nil, "north_campus"},
		{"query", "/?tenant_id=south_campus", "", nil, "south_campus"},
		{"jwt claim", "/", "", "jwt_tenant", "jwt_tenant"},
		{"default", "/", "", nil, "default"},
		{"jwt beats header and query", "/?tenant_id=query", "header", "jwt", "jwt"},
		{"header beats query", "/?tenant_id=query", "header", nil, "header"},
		{"empty jwt falls through", "/", "header", "", "header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.jwt != nil {
				c.Set("jwt_tenant_id", tt.jwt)
			}

			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestValidTenantID(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"hospital_1", true},
		{"A1B2C3", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"a/b", false},
		{"", false},
		{"'; DROP TABLE", false},
		{"tenant@1", false},
	}
	for _, tt := range tests {
		if got := ValidTenantID(tt.input); got != tt.valid {
			t.Errorf("ValidTenantID(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestTenantMiddleware_RejectsInvalidTenant(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "bad-tenant")
	c := e.NewContext(req, httptest.NewRecorder())

	handler := TenantMiddleware(nil, "default")(func(c echo.Context) error {
		t.Fatal("handler should not run")
		return nil
	})
	err := handler(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestAcquireTenant_InvalidID(t *testing.T) {
	if _, err := AcquireTenant(context.Background(), nil, "drop;table"); err == nil {
		t.Error("expected error for invalid tenant ID")
	}
}

func TestCreateTenantSchema_InvalidIDs(t *testing.T) {
	for _, id := range []string{"tenant-with-dash", "tenant.with.dot", "ten ant", "drop;table"} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}

func TestContextAccessors(t *testing.T) {
	if ConnFromContext(context.Background()) != nil {
		t.Error("expected nil conn from empty context")
	}
	if TenantFromContext(context.Background()) != "" {
		t.Error("expected empty tenant from empty context")
	}

	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil when context value is wrong type")
	}
	ctx = context.WithValue(context.Background(), TenantIDKey, 12345)
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant when context value is wrong type")
	}
	ctx = context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx when context value is wrong type")
	}
}
