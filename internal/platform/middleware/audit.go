package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/platform/auth"
	"github.com/ehr/adt/internal/platform/db"
)

const apiPrefix = "/api/v1/"

// AuditEntry records who touched which ward, bed or admission record.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	TenantID   string
	UserID     string
	UserRoles  []string
	Resource   string
	ResourceID string
	WardNumber string
	BedNumber  string
	Action     string
	Method     string
	Path       string
	IPAddress  string
	UserAgent  string
	StatusCode int
}

// Audit emits one "adt_audit" event per API request after the handler ran.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c)
			status := entry.StatusCode
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			evt := logger.Info()
			if status == http.StatusForbidden || status == http.StatusUnauthorized {
				evt = logger.Warn()
			}
			evt.
				Str("type", "adt_audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("ward_number", entry.WardNumber).
				Str("bed_number", entry.BedNumber).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", status).
				Msg("access")

			return err
		}
	}
}

func buildAuditEntry(c echo.Context) AuditEntry {
	req := c.Request()
	ctx := req.Context()
	rid, _ := c.Get("request_id").(string)

	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		RequestID:  rid,
		TenantID:   db.TenantFromContext(ctx),
		UserID:     auth.UserIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
		Method:     req.Method,
		Path:       req.URL.Path,
		IPAddress:  c.RealIP(),
		UserAgent:  req.UserAgent(),
		StatusCode: c.Response().Status,
	}
	entry.Resource, entry.ResourceID, entry.WardNumber, entry.BedNumber = parseResourcePath(req.URL.Path)
	entry.Action = auditAction(req.Method, entry.Path)
	return entry
}

// parseResourcePath understands the route shapes served under /api/v1:
//
//	/admissions[/<id>[/<verb>]]
//	/wards[/<ward>[/beds/<bed>[/<verb>]]]
//	/reconciliation/...
func parseResourcePath(path string) (resource, id, ward, bed string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, apiPrefix), "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return "unknown", "", "", ""
	}
	resource = segs[0]
	switch resource {
	case "admissions":
		if len(segs) > 1 {
			id = segs[1]
		}
	case "wards":
		if len(segs) > 1 {
			ward = segs[1]
			id = ward
		}
		if len(segs) > 3 && segs[2] == "beds" {
			bed = segs[3]
		}
	case "reconciliation":
		for i := 1; i+1 < len(segs); i++ {
			switch segs[i] {
			case "wards":
				ward = segs[i+1]
			case "beds":
				bed = segs[i+1]
			case "complete-discharge":
				id = segs[i+1]
			}
		}
	}
	return resource, id, ward, bed
}

func auditAction(method, path string) string {
	if method == http.MethodPost {
		switch {
		case strings.HasSuffix(path, "/transfer"):
			return "transfer"
		case strings.HasSuffix(path, "/discharge"), strings.Contains(path, "/complete-discharge/"):
			return "discharge"
		case strings.HasSuffix(path, "/restore"):
			return "restore"
		case strings.HasSuffix(path, "/release"):
			return "release"
		}
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
