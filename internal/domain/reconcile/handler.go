package reconcile

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/adt/internal/platform/auth"
	"github.com/ehr/adt/pkg/apperrors"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	sweeper  *Sweeper
	resolver *Resolver
}

func NewHandler(sweeper *Sweeper, resolver *Resolver) *Handler {
	return &Handler{sweeper: sweeper, resolver: resolver}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reconciliation", auth.RequireRole("admin"))
	g.GET("", h.Report)
	g.GET("/export.xlsx", h.Export)
	g.POST("/complete-discharge/:id", h.CompleteDischarge)
	g.POST("/wards/:ward/beds/:bed/release", h.ReleaseBed)
}

func (h *Handler) Report(c echo.Context) error {
	rep, err := h.sweeper.Run(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) Export(c echo.Context) error {
	rep, err := h.sweeper.Run(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, rep); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	name := fmt.Sprintf("reconciliation-%s.xlsx", rep.GeneratedAt.Format("20060102-150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, xlsxMIME, buf.Bytes())
}

func (h *Handler) CompleteDischarge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.resolver.CompleteDischarge(c.Request().Context(), id)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ReleaseBed(c echo.Context) error {
	w, err := h.resolver.ReleaseBed(c.Request().Context(), c.Param("ward"), c.Param("bed"))
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, w)
}
