package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := Conflict(CodeBedOccupied, "bed %s is occupied", "B1")
	wrapped := fmt.Errorf("admit: %w", err)

	if !errors.Is(wrapped, BedOccupied) {
		t.Fatal("expected wrapped error to match BedOccupied")
	}
	if errors.Is(wrapped, BedContested) {
		t.Fatal("expected wrapped error not to match BedContested")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("bed_number is required"), http.StatusBadRequest},
		{"not found", NotFound(CodeWardNotFound, "ward W9 not found"), http.StatusNotFound},
		{"conflict", Conflict(CodeDuplicateAdmission, "already admitted"), http.StatusConflict},
		{"unconfirmed", NewUnconfirmed("update_record", errors.New("db down")), http.StatusBadGateway},
		{"untyped", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestNewUnconfirmed_CarriesStep(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewUnconfirmed("vacate_old_bed", cause)

	if err.Details["step"] != "vacate_old_bed" {
		t.Errorf("expected step detail, got %v", err.Details["step"])
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be unwrapped")
	}
	if KindOf(err) != KindUnconfirmed {
		t.Errorf("expected unconfirmed kind, got %s", KindOf(err))
	}
}

func TestHTTPError_Body(t *testing.T) {
	err := NotFound(CodeBedNotFound, "bed B9 not found").WithDetail("valid_beds", []string{"B1", "B2"})
	he := HTTPError(fmt.Errorf("resolve: %w", err))

	if he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", he.Code)
	}
	body, ok := he.Message.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map body, got %T", he.Message)
	}
	if body["code"] != CodeBedNotFound {
		t.Errorf("expected BED_NOT_FOUND, got %v", body["code"])
	}
	details := body["details"].(map[string]interface{})
	if beds := details["valid_beds"].([]string); len(beds) != 2 {
		t.Errorf("expected 2 valid beds, got %v", beds)
	}
}
