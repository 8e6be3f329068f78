package admission

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("admission not found")
	ErrDuplicateActive = errors.New("patient already has an active admission")
	ErrBedAssigned     = errors.New("bed already assigned to an active admission")
	ErrVersionConflict = errors.New("admission was modified concurrently")
)

type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// GetActiveByPatient returns the patient's Admitted, non-deleted record.
	GetActiveByPatient(ctx context.Context, patientID string) (*Record, error)
	// GetAdmittedByPatient returns the patient's Admitted record, soft-deleted
	// or not.
	GetAdmittedByPatient(ctx context.Context, patientID string) (*Record, error)
	// Update writes r if its VersionID is current, then bumps it.
	Update(ctx context.Context, r *Record) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Record, int, error)
	// ListAdmitted returns every record with status Admitted, deleted ones included.
	ListAdmitted(ctx context.Context) ([]*Record, error)
}
