package middleware

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/wards", nil)
	if err := SecurityHeaders()(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":           "no-referrer",
		"Cache-Control":             "no-store",
	}
	for h, v := range want {
		if got := rec.Header().Get(h); got != v {
			t.Errorf("%s: expected %q, got %q", h, v, got)
		}
	}
}

func TestSecurityHeaders_HSTSOnlyOverHTTPS(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/wards", nil)
	if err := SecurityHeaders()(ok)(c); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("plain HTTP should not get HSTS, got %q", got)
	}

	c, rec = newContext(http.MethodGet, "/api/v1/wards", nil)
	c.Request().Header.Set(echo.HeaderXForwardedProto, "https")
	if err := SecurityHeaders()(ok)(c); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("expected HSTS behind a TLS proxy, got %q", got)
	}
}

func TestSecurityHeaders_PropagatesHandlerError(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/wards", nil)
	err := SecurityHeaders()(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "ward not found")
	})(c)
	if err == nil {
		t.Fatal("expected error")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("headers should be set even when the handler fails")
	}
}
