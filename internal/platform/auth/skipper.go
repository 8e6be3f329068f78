package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// Probes and scrapes reach these without a token or tenant.
var publicPaths = []string{"/health", "/metrics"}

// AuthSkipper is the default Skipper for JWTMiddleware. Unrouted requests
// have an empty route path and fall back to the raw URL path.
func AuthSkipper(c echo.Context) bool {
	p := c.Path()
	if p == "" {
		p = c.Request().URL.Path
	}
	return IsPublicPath(p)
}

// IsPublicPath matches the public paths and anything beneath /health.
func IsPublicPath(path string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, pub := range publicPaths {
		if path == pub {
			return true
		}
	}
	return strings.HasPrefix(path, "/health/")
}
