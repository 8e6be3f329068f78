package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"matching role", []string{RoleNurse}, http.StatusOK},
		{"second allowed role", []string{RoleRegistrar}, http.StatusOK},
		{"admin passes", []string{RoleAdmin}, http.StatusOK},
		{"other role", []string{RolePhysician}, http.StatusForbidden},
		{"no roles", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/admissions", nil)
			req = req.WithContext(WithIdentity(req.Context(), "u1", tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RoleNurse, RoleRegistrar)(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})(c)

			if tt.want == http.StatusOK {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != tt.want {
				t.Fatalf("expected %d, got %v", tt.want, err)
			}
		})
	}
}

func TestHasRole_EmptyContext(t *testing.T) {
	if HasRole(context.Background(), RoleNurse) {
		t.Error("expected no roles on empty context")
	}
}
