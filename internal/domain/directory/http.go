// Package directory resolves patients and admitting doctors for the
// admission service, either from an upstream registry over HTTP or from the
// tenant's own tables.
package directory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/domain/admission"
)

// HTTPDirectory calls a patient registry exposing
// GET /patients/{id} and GET /doctors/{id}.
type HTTPDirectory struct {
	client *resty.Client
	logger zerolog.Logger
}

func NewHTTPDirectory(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json")

	return &HTTPDirectory{
		client: client,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

// SetAuthToken sends a bearer token on every request.
func (d *HTTPDirectory) SetAuthToken(token string) {
	d.client.SetAuthToken(token)
}

func (d *HTTPDirectory) GetSnapshot(ctx context.Context, patientID string) (admission.PatientSnapshot, error) {
	var snapshot admission.PatientSnapshot
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", patientID).
		SetResult(&snapshot).
		Get("/patients/{id}")
	if err != nil {
		d.logger.Error().Err(err).Str("patient_id", patientID).Msg("patient directory call failed")
		return admission.PatientSnapshot{}, fmt.Errorf("patient directory: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return admission.PatientSnapshot{}, admission.ErrPatientNotFound
	case resp.IsError():
		return admission.PatientSnapshot{}, fmt.Errorf("patient directory returned %d", resp.StatusCode())
	}
	if snapshot.Name == "" {
		return admission.PatientSnapshot{}, fmt.Errorf("patient directory returned no name for %s", patientID)
	}
	return snapshot, nil
}

func (d *HTTPDirectory) Exists(ctx context.Context, doctorID string) (bool, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", doctorID).
		Get("/doctors/{id}")
	if err != nil {
		return false, fmt.Errorf("doctor directory: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return false, nil
	case resp.IsError():
		return false, fmt.Errorf("doctor directory returned %d", resp.StatusCode())
	}
	return true, nil
}
