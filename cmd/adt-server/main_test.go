package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/config"
	"github.com/ehr/adt/internal/domain/admission"
	"github.com/ehr/adt/internal/domain/reconcile"
	"github.com/ehr/adt/internal/domain/ward"
	"github.com/ehr/adt/internal/platform/auth"
	"github.com/ehr/adt/internal/platform/db"
	"github.com/ehr/adt/internal/platform/events"
	"github.com/ehr/adt/internal/platform/websocket"
	"github.com/ehr/adt/migrations"
)

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		logger := newLogger(&config.Config{Env: "production", LogLevel: tt.level}, io.Discard)
		if got := logger.GetLevel(); got != tt.want {
			t.Errorf("level %q: got %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNewLogger_JSONOutsideDev(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production"}, &buf)
	logger.Info().Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q", buf.String())
	}
	if line["service"] != "adt-server" {
		t.Errorf("expected service field, got %v", line["service"])
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	if _, err := fs.Stat(migrationFiles(""), "001_adt.sql"); err != nil {
		t.Fatalf("expected embedded 001_adt.sql: %v", err)
	}
	if migrationFiles("") != fs.FS(migrations.FS) {
		t.Error("empty dir should select the embedded set")
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "migrate", "tenant", "reconcile"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestReconcileCmd_XLSXNeedsTenant(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"reconcile", "--xlsx", "out.xlsx"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "--tenant") {
		t.Fatalf("expected --tenant error, got %v", err)
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &reconcile.Report{
		TenantID: "acme",
		Wards:    2,
		Violations: []reconcile.Violation{{
			Kind: reconcile.KindOrphanedOccupancy, Severity: "high", Message: "bed held by P9",
			WardNumber: "W1", BedNumber: "B2", PatientID: "P9",
		}},
	})
	out := buf.String()
	for _, want := range []string{"tenant acme", "1 violation(s)", "ward=W1", "bed=B2", "bed held by P9"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

type testPatients struct{}

func (testPatients) GetSnapshot(_ context.Context, id string) (admission.PatientSnapshot, error) {
	if id != "P1" {
		return admission.PatientSnapshot{}, admission.ErrPatientNotFound
	}
	return admission.PatientSnapshot{Name: "Ayesha Khan", CNIC: "35202-1234567-1", Gender: "F"}, nil
}

type testDoctors struct{}

func (testDoctors) Exists(_ context.Context, id string) (bool, error) { return id == "D1", nil }

func newTestApp(t *testing.T) (*app, *echo.Echo) {
	t.Helper()
	a := newApp(appDeps{
		Wards:      ward.NewMemoryRepo(),
		Admissions: admission.NewMemoryRepo(),
		Patients:   testPatients{},
		Doctors:    testDoctors{},
		Retry:      ward.RetryPolicy{MaxAttempts: 3},
		Logger:     zerolog.Nop(),
	})

	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "admin-1", []string{auth.RoleAdmin})
			ctx = context.WithValue(ctx, db.TenantIDKey, "acme")
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	a.registerRoutes(api, nil)
	return a, e
}

func call(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestApp_AdmitFlow(t *testing.T) {
	a, e := newTestApp(t)

	screen := websocket.NewClient("acme", websocket.WardTopic("W1"))
	a.hub.Register(screen)
	defer a.hub.Unregister(screen)

	rec := call(t, e, http.MethodPost, "/api/v1/wards", `{"ward_number":"W1","name":"Medical","bed_numbers":["B1","B2"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create ward: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = call(t, e, http.MethodPost, "/api/v1/admissions", `{"patient_id":"P1","ward_number":"W1","bed_number":"B1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admit: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var got admission.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != admission.StatusAdmitted || got.PatientID != "P1" {
		t.Errorf("unexpected record %+v", got)
	}

	select {
	case msg := <-screen.Send:
		if !bytes.Contains(msg, []byte("P1")) {
			t.Errorf("unexpected board update %s", msg)
		}
	default:
		t.Error("expected ward screen to receive the admission")
	}

	rec = call(t, e, http.MethodGet, "/api/v1/wards/W1", "")
	var w ward.Ward
	if err := json.Unmarshal(rec.Body.Bytes(), &w); err != nil {
		t.Fatal(err)
	}
	if w.OccupiedBeds != 1 || w.FreeBeds != 1 {
		t.Errorf("expected 1 occupied and 1 free bed, got %d/%d", w.OccupiedBeds, w.FreeBeds)
	}

	rec = call(t, e, http.MethodGet, "/api/v1/reconciliation", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reconciliation: expected 200, got %d", rec.Code)
	}
	var rep reconcile.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if len(rep.Violations) != 0 || rep.Wards != 1 || rep.Admissions != 1 {
		t.Errorf("expected a clean sweep of 1 ward and 1 admission, got %+v", rep)
	}
}

func TestApp_UnknownPatient(t *testing.T) {
	_, e := newTestApp(t)
	call(t, e, http.MethodPost, "/api/v1/wards", `{"ward_number":"W1","name":"Medical","bed_count":1}`)

	rec := call(t, e, http.MethodPost, "/api/v1/admissions", `{"patient_id":"P404","ward_number":"W1","bed_number":"B1"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewApp_OutboundKeepsHub(t *testing.T) {
	var sent []string
	a := newApp(appDeps{
		Wards:      ward.NewMemoryRepo(),
		Admissions: admission.NewMemoryRepo(),
		Patients:   testPatients{},
		Doctors:    testDoctors{},
		Retry:      ward.RetryPolicy{MaxAttempts: 3},
		Logger:     zerolog.Nop(),
		Outbound: []events.Publisher{events.PublisherFunc(func(_ context.Context, e events.Event) error {
			sent = append(sent, e.Type)
			return nil
		})},
	})
	screen := websocket.NewClient("", websocket.TopicAdmissions)
	a.hub.Register(screen)
	defer a.hub.Unregister(screen)

	ctx := context.Background()
	if _, err := a.wards.CreateWard(ctx, ward.CreateWardInput{Number: "W1", Name: "Medical", BedCount: 1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.admissions.Admit(ctx, admission.AdmitInput{PatientID: "P1", WardNumber: "W1", BedNumber: "B1"}); err != nil {
		t.Fatal(err)
	}

	if len(sent) != 1 || sent[0] != events.AdmissionAdmitted {
		t.Errorf("expected one outbound admission event, got %v", sent)
	}
	if len(screen.Send) != 1 {
		t.Errorf("expected the hub to still receive the event, got %d", len(screen.Send))
	}
}
