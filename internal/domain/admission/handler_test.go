package admission

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/adt/internal/platform/hl7v2"
	"github.com/ehr/adt/pkg/apperrors"
)

var errTestTimeout = errors.New("statement timeout")

func doJSON(t *testing.T, e *echo.Echo, method, body string, handler echo.HandlerFunc, params ...string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var names, values []string
	for i := 0; i+1 < len(params); i += 2 {
		names = append(names, params[i])
		values = append(values, params[i+1])
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return rec, handler(c)
}

func TestHandler_Admit(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.svc), echo.New()
	body := `{"patient_id":"P1","ward_number":"W1","bed_number":"b1","admission_details":{"diagnosis":"Fracture"},"financials":{"fee":200}}`

	rec, err := doJSON(t, e, http.MethodPost, body, h.Admit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Assignment.BedNumber != "B1" || got.Status != StatusAdmitted {
		t.Errorf("unexpected record: %+v", got)
	}

	rec, err = doJSON(t, e, http.MethodPost, body, h.Admit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for repeat admission, got %d", rec.Code)
	}
}

func TestHandler_Admit_BedOccupied(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "P1", "W1", "B1")
	h, e := NewHandler(f.svc), echo.New()

	_, err := doJSON(t, e, http.MethodPost, `{"patient_id":"P2","ward_number":"W1","bed_number":"B1"}`, h.Admit)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
	body, _ := he.Message.(map[string]interface{})
	if body["code"] != apperrors.CodeBedOccupied {
		t.Errorf("expected BED_OCCUPIED, got %v", body["code"])
	}
}

func TestHandler_Transfer_InvalidID(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.svc), echo.New()

	_, err := doJSON(t, e, http.MethodPost, `{"ward_number":"W1","bed_number":"B2"}`, h.Transfer, "id", "not-a-uuid")
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Transfer_Unconfirmed(t *testing.T) {
	f := newFixture(t)
	adm := f.admit(t, "P1", "W1", "B1")
	f.repo.failUpdate = errTestTimeout
	h, e := NewHandler(f.svc), echo.New()

	_, err := doJSON(t, e, http.MethodPost, `{"ward_number":"W1","bed_number":"B2"}`, h.Transfer, "id", adm.ID.String())
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %v", err)
	}
}

func TestHandler_DischargeByBed_Mismatch(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "P1", "W1", "B1")
	f.admit(t, "P2", "W1", "B2")
	h, e := NewHandler(f.svc), echo.New()

	_, err := doJSON(t, e, http.MethodPost, `{"patient_id":"P2"}`, h.DischargeByBed, "ward", "W1", "bed", "B1")
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}

	rec, err := doJSON(t, e, http.MethodPost, `{"patient_id":"P1"}`, h.DischargeByBed, "ward", "W1", "bed", "B1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_DeleteAdmission(t *testing.T) {
	f := newFixture(t)
	adm := f.admit(t, "P1", "W1", "B1")
	h, e := NewHandler(f.svc), echo.New()

	req := httptest.NewRequest(http.MethodDelete, "/?reason=duplicate", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(adm.ID.String())

	if err := h.DeleteAdmission(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res SoftDeleteResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if !res.RequiresOperatorAction {
		t.Error("expected requires_operator_action for an admitted record")
	}
	if res.Record == nil || res.Record.DeletedReason != "duplicate" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestHandler_ListAdmissions(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "P1", "W1", "B1")
	f.admit(t, "P2", "W2", "B1")
	h, e := NewHandler(f.svc), echo.New()

	req := httptest.NewRequest(http.MethodGet, "/?ward=W2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListAdmissions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data  []Record `json:"data"`
		Total int      `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || len(body.Data) != 1 || body.Data[0].PatientID != "P2" {
		t.Errorf("unexpected list: %+v", body)
	}
}

func TestHandler_ExportHL7(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.svc), echo.New()
	h.SetFacility("CITYHOSP")

	rec, _, err := f.svc.Admit(context.Background(), AdmitInput{PatientID: "P1", WardNumber: "W1", BedNumber: "B2"})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	resp, err := doJSON(t, e, http.MethodGet, "", h.ExportHL7, "id", rec.ID.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := resp.Header().Get(echo.HeaderContentType); ct != MIMEHL7 {
		t.Errorf("unexpected content type %q", ct)
	}
	msg, err := hl7v2.Parse(resp.Body.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != "ADT^A01^ADT_A01" {
		t.Errorf("expected A01 for an admitted record, got %q", msg.Type)
	}
	if got := msg.GetSegment("PID").GetComponent(3, 1); got != "P1" {
		t.Errorf("PID-3 = %q", got)
	}
	if got := msg.GetSegment("PV1").GetField(3); got != "W1^^B2" {
		t.Errorf("PV1-3 = %q", got)
	}

	if _, err := f.svc.Discharge(context.Background(), rec.ID); err != nil {
		t.Fatalf("discharge: %v", err)
	}
	resp, _ = doJSON(t, e, http.MethodGet, "", h.ExportHL7, "id", rec.ID.String())
	msg, _ = hl7v2.Parse(resp.Body.Bytes())
	if msg == nil || msg.Type != "ADT^A03^ADT_A03" {
		t.Errorf("expected A03 after discharge, got %+v", msg)
	}
}
