package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/domain/admission"
	"github.com/ehr/adt/internal/domain/ward"
	"github.com/ehr/adt/internal/platform/db"
	"github.com/ehr/adt/internal/platform/events"
	"github.com/ehr/adt/pkg/apperrors"
)

type BedMutator interface {
	GetWard(ctx context.Context, number string) (*ward.Ward, error)
	MutateBed(ctx context.Context, wardNumber, bedNumber string, fn func(*ward.Ward, *ward.Bed) (ward.BedMutation, error)) (ward.BedMutation, *ward.Ward, error)
}

type AdmissionStore interface {
	ActiveByPatient(ctx context.Context, patientID string) (*admission.Record, error)
	CompleteDischarge(ctx context.Context, id uuid.UUID) (*admission.Record, error)
}

// Resolver carries out operator decisions on reported violations. Each
// action re-checks that the violation still exists before writing.
type Resolver struct {
	beds       BedMutator
	admissions AdmissionStore
	publisher  events.Publisher
	logger     zerolog.Logger
	now        func() time.Time
}

func NewResolver(beds BedMutator, admissions AdmissionStore, logger zerolog.Logger) *Resolver {
	return &Resolver{
		beds:       beds,
		admissions: admissions,
		publisher:  events.Nop{},
		logger:     logger.With().Str("component", "reconcile").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Resolver) SetPublisher(p events.Publisher) {
	r.publisher = p
}

// ReleaseBed frees an occupied bed that no active admission references.
func (r *Resolver) ReleaseBed(ctx context.Context, wardNumber, bedNumber string) (*ward.Ward, error) {
	w, err := r.beds.GetWard(ctx, wardNumber)
	if err != nil {
		return nil, err
	}
	bed, err := ward.ResolveBed(w.Beds, bedNumber)
	if err != nil {
		return nil, err
	}
	if !bed.Occupied || bed.CurrentPatientID == nil {
		return nil, apperrors.Conflict(apperrors.CodeNoChange, "bed %s in ward %s is already free", bed.Number, w.Number)
	}
	holder := *bed.CurrentPatientID

	rec, err := r.admissions.ActiveByPatient(ctx, holder)
	switch {
	case err == nil && rec.Assignment.WardNumber == w.Number && ward.SameBed(rec.Assignment.BedNumber, bed.Number):
		return nil, apperrors.Conflict(apperrors.CodeNoChange,
			"bed %s in ward %s belongs to active admission %s; discharge it instead", bed.Number, w.Number, rec.ID).
			WithDetail("admission_id", rec.ID.String())
	case err != nil && !errors.Is(err, apperrors.RecordNotFound):
		return nil, err
	}

	m, updated, err := r.beds.MutateBed(ctx, w.Number, bed.Number, func(_ *ward.Ward, b *ward.Bed) (ward.BedMutation, error) {
		if !b.HeldBy(holder) {
			return ward.BedMutation{}, apperrors.Conflict(apperrors.CodeNoChange, "bed %s changed hands, re-run reconciliation", b.Number)
		}
		return ward.Vacate(b, holder, r.now()), nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Warn().
		Str("ward", m.WardNumber).
		Str("bed", m.BedNumber).
		Str("patient_id", holder).
		Msg("bed released by operator")
	if err := r.publisher.Publish(ctx, events.Event{
		Type:       events.BedReleased,
		TenantID:   db.TenantFromContext(ctx),
		PatientID:  holder,
		WardNumber: m.WardNumber,
		BedNumber:  m.BedNumber,
		OccurredAt: r.now(),
	}); err != nil {
		r.logger.Warn().Err(err).Msg("publish event failed")
	}
	return updated, nil
}

// CompleteDischarge closes an Admitted record whose bed was already vacated.
func (r *Resolver) CompleteDischarge(ctx context.Context, id uuid.UUID) (*admission.Record, error) {
	return r.admissions.CompleteDischarge(ctx, id)
}
