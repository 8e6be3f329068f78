package admission

import (
	"context"
	"errors"

	"github.com/ehr/adt/internal/domain/ward"
)

// ErrPatientNotFound is returned by PatientDirectory implementations.
var ErrPatientNotFound = errors.New("patient not found")

// PatientDirectory resolves a patient id to the demographic snapshot stored
// on the admission.
type PatientDirectory interface {
	GetSnapshot(ctx context.Context, patientID string) (PatientSnapshot, error)
}

// DoctorDirectory confirms that an admitting doctor id exists.
type DoctorDirectory interface {
	Exists(ctx context.Context, doctorID string) (bool, error)
}

// BedStore is the ward-side half of every transition. *ward.Service
// implements it.
type BedStore interface {
	GetWard(ctx context.Context, number string) (*ward.Ward, error)
	Occupy(ctx context.Context, wardNumber, bedNumber, patientID string) (ward.BedMutation, *ward.Ward, error)
	Vacate(ctx context.Context, wardNumber, bedNumber, patientID string) (ward.BedMutation, *ward.Ward, error)
}
