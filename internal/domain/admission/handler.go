package admission

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/adt/internal/platform/auth"
	"github.com/ehr/adt/pkg/apperrors"
	"github.com/ehr/adt/pkg/pagination"
)

type Handler struct {
	svc      *Service
	facility string
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// SetFacility sets MSH-4 on exported HL7v2 messages.
func (h *Handler) SetFacility(facility string) {
	h.facility = facility
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	readGroup.GET("/admissions", h.ListAdmissions)
	readGroup.GET("/admissions/:id", h.GetAdmission)
	readGroup.GET("/admissions/:id/hl7v2", h.ExportHL7)

	writeGroup := api.Group("", auth.RequireRole("admin", "nurse", "registrar"))
	writeGroup.POST("/admissions", h.Admit)
	writeGroup.PATCH("/admissions/:id", h.UpdateAdmission)
	writeGroup.POST("/admissions/:id/transfer", h.Transfer)
	writeGroup.POST("/admissions/:id/discharge", h.Discharge)
	writeGroup.DELETE("/admissions/:id", h.DeleteAdmission)
	writeGroup.POST("/admissions/:id/restore", h.Restore)
	writeGroup.POST("/wards/:ward/beds/:bed/discharge", h.DischargeByBed)
}

func (h *Handler) Admit(c echo.Context) error {
	var in AdmitInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, created, err := h.svc.Admit(c.Request().Context(), in)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	if !created {
		return c.JSON(http.StatusOK, rec)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetAdmission(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// ExportHL7 returns the record as an ADT^A01, ^A03 or ^A11 message.
func (h *Handler) ExportHL7(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	msg, err := renderHL7(rec, h.facility, time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, MIMEHL7, msg)
}

func (h *Handler) ListAdmissions(c echo.Context) error {
	pg := pagination.FromContext(c)
	includeDeleted, _ := strconv.ParseBool(c.QueryParam("include_deleted"))
	f := ListFilter{
		WardType:       c.QueryParam("ward_type"),
		WardNumber:     c.QueryParam("ward"),
		AdmissionType:  c.QueryParam("admission_type"),
		Status:         Status(c.QueryParam("status")),
		Search:         c.QueryParam("q"),
		IncludeDeleted: includeDeleted,
	}
	recs, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateAdmission(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var patch MetadataPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.UpdateMetadata(c.Request().Context(), id, patch)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Transfer(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in TransferInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Transfer(c.Request().Context(), id, in)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Discharge(c.Request().Context(), id)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DischargeByBed(c echo.Context) error {
	var body struct {
		PatientID string `json:"patient_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.DischargeByBed(c.Request().Context(), c.Param("ward"), c.Param("bed"), body.PatientID)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteAdmission(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.SoftDelete(c.Request().Context(), id, c.QueryParam("reason"))
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Restore(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Restore(c.Request().Context(), id)
	if err != nil {
		return apperrors.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}
