package ward

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/adt/internal/platform/auth"
	"github.com/ehr/adt/pkg/apperrors"
	"github.com/ehr/adt/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	readGroup.GET("/wards", h.ListWards)
	readGroup.GET("/wards/:ward", h.GetWard)
	readGroup.GET("/wards/:ward/beds/:bed/history", h.GetBedHistory)

	writeGroup := api.Group("", auth.RequireRole("admin"))
	writeGroup.POST("/wards", h.CreateWard)
	writeGroup.PUT("/wards/:ward", h.UpdateWard)
	writeGroup.POST("/wards/:ward/resize", h.ResizeWard)
	writeGroup.DELETE("/wards/:ward", h.DeleteWard)
}

func (h *Handler) CreateWard(c echo.Context) error {
	var in CreateWardInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := h.svc.CreateWard(c.Request().Context(), in)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) GetWard(c echo.Context) error {
	w, err := h.svc.GetWard(c.Request().Context(), c.Param("ward"))
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) ListWards(c echo.Context) error {
	pg := pagination.FromContext(c)
	includeDeleted, _ := strconv.ParseBool(c.QueryParam("include_deleted"))
	wards, total, err := h.svc.ListWards(c.Request().Context(), includeDeleted, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(wards, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateWard(c echo.Context) error {
	var in UpdateWardInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := h.svc.UpdateWard(c.Request().Context(), c.Param("ward"), in)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) ResizeWard(c echo.Context) error {
	var body struct {
		BedCount int `json:"bed_count"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := h.svc.ResizeWard(c.Request().Context(), c.Param("ward"), body.BedCount)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) DeleteWard(c echo.Context) error {
	if err := h.svc.DeleteWard(c.Request().Context(), c.Param("ward")); err != nil {
		return apperrors.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetBedHistory(c echo.Context) error {
	history, err := h.svc.BedHistory(c.Request().Context(), c.Param("ward"), c.Param("bed"))
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ward_number": c.Param("ward"),
		"bed_number":  c.Param("bed"),
		"history":     history,
	})
}
