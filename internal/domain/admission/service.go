package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/adt/internal/domain/ward"
	"github.com/ehr/adt/internal/platform/db"
	"github.com/ehr/adt/internal/platform/events"
	"github.com/ehr/adt/internal/platform/telemetry"
	"github.com/ehr/adt/pkg/apperrors"
)

// Service runs the admission lifecycle. Every transition writes the bed
// before the record, and claims a new bed before releasing an old one. Once
// the first write has landed the rest of the call ignores caller
// cancellation, and a later failure is reported as an unconfirmed outcome.
type Service struct {
	repo      Repository
	beds      BedStore
	patients  PatientDirectory
	doctors   DoctorDirectory
	publisher events.Publisher
	logger    zerolog.Logger
	metrics   *telemetry.ADTMetrics
	tracer    trace.Tracer
	now       func() time.Time
}

func NewService(repo Repository, beds BedStore, patients PatientDirectory, doctors DoctorDirectory, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		beds:      beds,
		patients:  patients,
		doctors:   doctors,
		publisher: events.Nop{},
		logger:    logger.With().Str("component", "admission").Logger(),
		tracer:    otel.Tracer("github.com/ehr/adt/internal/domain/admission"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetPublisher(p events.Publisher) {
	s.publisher = p
}

func (s *Service) SetMetrics(m *telemetry.ADTMetrics) {
	s.metrics = m
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

type AdmitInput struct {
	PatientID  string     `json:"patient_id"`
	WardNumber string     `json:"ward_number"`
	BedNumber  string     `json:"bed_number"`
	Details    Details    `json:"admission_details"`
	Financials Financials `json:"financials"`
}

type TransferInput struct {
	WardNumber string         `json:"ward_number"`
	BedNumber  string         `json:"bed_number"`
	Patch      *MetadataPatch `json:"metadata,omitempty"`
}

// MetadataPatch changes non-bed fields. Nil fields are left alone;
// DailyCharges replaces the whole schedule when non-nil.
type MetadataPatch struct {
	Diagnosis         *string        `json:"diagnosis,omitempty"`
	AdmissionType     *string        `json:"admission_type,omitempty"`
	AdmittingDoctor   *string        `json:"admitting_doctor,omitempty"`
	AdmittingDoctorID *string        `json:"admitting_doctor_id,omitempty"`
	Fee               *float64       `json:"fee,omitempty"`
	Discount          *float64       `json:"discount,omitempty"`
	PaymentStatus     *PaymentStatus `json:"payment_status,omitempty"`
	DailyCharges      []DailyCharge  `json:"daily_charges,omitempty"`
}

type SoftDeleteResult struct {
	Record                 *Record `json:"record"`
	RequiresOperatorAction bool    `json:"requires_operator_action"`
	Message                string  `json:"message,omitempty"`
}

// Admit claims the bed and creates an Admitted record. Admitting a patient
// to the bed they already hold returns the existing record with created
// set to false.
func (s *Service) Admit(ctx context.Context, in AdmitInput) (rec *Record, created bool, err error) {
	ctx, span := s.start(ctx, "admit",
		attribute.String("patient.id", in.PatientID),
		attribute.String("ward.number", in.WardNumber),
		attribute.String("bed.number", in.BedNumber))
	defer func() { s.finish(span, "admit", err) }()

	in.PatientID = strings.TrimSpace(in.PatientID)
	in.WardNumber = strings.TrimSpace(in.WardNumber)
	in.BedNumber = strings.TrimSpace(in.BedNumber)
	switch {
	case in.PatientID == "":
		return nil, false, apperrors.Validation("patient_id is required")
	case in.WardNumber == "":
		return nil, false, apperrors.Validation("ward_number is required")
	case in.BedNumber == "":
		return nil, false, apperrors.Validation("bed_number is required")
	}
	if err := validateFinancials(&in.Financials); err != nil {
		return nil, false, err
	}

	existing, err := s.repo.GetAdmittedByPatient(ctx, in.PatientID)
	switch {
	case err == nil && existing.Deleted:
		a := existing.Assignment
		return nil, false, apperrors.Conflict(apperrors.CodeDuplicateAdmission,
			"patient %s still holds ward %s bed %s under soft-deleted admission %s; restore it or complete its discharge first",
			existing.PatientID, a.WardNumber, a.BedNumber, existing.ID).
			WithDetail("admission_id", existing.ID.String()).
			WithDetail("ward_number", a.WardNumber).
			WithDetail("bed_number", a.BedNumber).
			WithDetail("requires_operator_action", true)
	case err == nil:
		rec, err = s.readmit(ctx, existing, in)
		return rec, false, err
	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("check active admission: %w", err)
	}

	snapshot, err := s.patients.GetSnapshot(ctx, in.PatientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, false, apperrors.NotFound(apperrors.CodePatientNotFound, "patient %s not found", in.PatientID)
		}
		return nil, false, fmt.Errorf("fetch patient snapshot: %w", err)
	}
	if err := s.checkDoctor(ctx, in.Details.AdmittingDoctorID); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m, w, err := s.beds.Occupy(ctx, in.WardNumber, in.BedNumber, in.PatientID)
	if err != nil {
		return nil, false, err
	}
	ctx = context.WithoutCancel(ctx)

	rec = &Record{
		PatientID:  in.PatientID,
		Patient:    snapshot,
		Details:    in.Details,
		Assignment: assignmentFor(w, m.BedNumber),
		Financials: in.Financials,
		Status:     StatusAdmitted,
	}
	if rec.Details.AdmissionDate.IsZero() {
		rec.Details.AdmissionDate = s.now()
	}
	rec.Details.DischargeDate = nil
	rec.Financials.Recompute()

	if err := s.repo.Create(ctx, rec); err != nil {
		return s.recoverFailedCreate(ctx, rec, m, err)
	}

	s.logger.Info().
		Str("admission_id", rec.ID.String()).
		Str("patient_id", rec.PatientID).
		Str("ward", rec.Assignment.WardNumber).
		Str("bed", rec.Assignment.BedNumber).
		Msg("patient admitted")
	s.publish(ctx, events.Event{
		Type:        events.AdmissionAdmitted,
		AdmissionID: rec.ID.String(),
		PatientID:   rec.PatientID,
		WardNumber:  rec.Assignment.WardNumber,
		BedNumber:   rec.Assignment.BedNumber,
		Status:      string(rec.Status),
	})
	return rec, true, nil
}

func (s *Service) readmit(ctx context.Context, existing *Record, in AdmitInput) (*Record, error) {
	a := existing.Assignment
	if a.WardNumber != in.WardNumber || !ward.SameBed(a.BedNumber, in.BedNumber) {
		return nil, apperrors.Conflict(apperrors.CodeDuplicateAdmission,
			"patient %s is already admitted to ward %s bed %s", existing.PatientID, a.WardNumber, a.BedNumber).
			WithDetail("admission_id", existing.ID.String()).
			WithDetail("ward_number", a.WardNumber).
			WithDetail("bed_number", a.BedNumber)
	}
	// Same bed: confirm the ward agrees before reporting success. This is a
	// no-op unless an earlier failure left the bed without its open entry.
	if _, _, err := s.beds.Occupy(ctx, a.WardNumber, a.BedNumber, existing.PatientID); err != nil {
		return nil, err
	}
	return existing, nil
}

// recoverFailedCreate handles a record write that failed after the bed was
// claimed. A unique-index violation means another admission won; the bed
// this call claimed is released again. Anything else is unconfirmed.
func (s *Service) recoverFailedCreate(ctx context.Context, rec *Record, m ward.BedMutation, cause error) (*Record, bool, error) {
	dup := errors.Is(cause, ErrDuplicateActive)
	bedTaken := errors.Is(cause, ErrBedAssigned)
	if !dup && !bedTaken {
		return nil, false, s.unconfirmed("create_record", cause, "", rec.PatientID, m.WardNumber, m.BedNumber)
	}

	if m.Noop {
		if dup {
			if cur, err := s.repo.GetActiveByPatient(ctx, rec.PatientID); err == nil &&
				cur.Assignment.WardNumber == rec.Assignment.WardNumber &&
				ward.SameBed(cur.Assignment.BedNumber, rec.Assignment.BedNumber) {
				return cur, false, nil
			}
		}
	} else if _, _, err := s.beds.Vacate(ctx, m.WardNumber, m.BedNumber, rec.PatientID); err != nil {
		return nil, false, s.unconfirmed("compensate_vacate", err, "", rec.PatientID, m.WardNumber, m.BedNumber)
	}

	if bedTaken {
		return nil, false, apperrors.Conflict(apperrors.CodeBedOccupied,
			"bed %s in ward %s is assigned to another active admission", m.BedNumber, m.WardNumber)
	}
	return nil, false, apperrors.Conflict(apperrors.CodeDuplicateAdmission,
		"patient %s already has an active admission", rec.PatientID)
}

// Transfer moves an Admitted record to another bed: occupy the new bed,
// vacate the old one, then rewrite the record. A transfer to the bed the
// record already points at only applies the metadata patch.
func (s *Service) Transfer(ctx context.Context, id uuid.UUID, in TransferInput) (rec *Record, err error) {
	ctx, span := s.start(ctx, "transfer",
		attribute.String("admission.id", id.String()),
		attribute.String("ward.number", in.WardNumber),
		attribute.String("bed.number", in.BedNumber))
	defer func() { s.finish(span, "transfer", err) }()

	in.WardNumber = strings.TrimSpace(in.WardNumber)
	in.BedNumber = strings.TrimSpace(in.BedNumber)
	if in.WardNumber == "" || in.BedNumber == "" {
		return nil, apperrors.Validation("ward_number and bed_number are required for a transfer")
	}

	rec, err = s.loadActive(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validatePatch(ctx, in.Patch); err != nil {
		return nil, err
	}

	from := rec.Assignment
	if from.WardNumber == in.WardNumber && ward.SameBed(from.BedNumber, in.BedNumber) {
		if !applyPatch(rec, in.Patch) {
			return nil, apperrors.Conflict(apperrors.CodeNoChange,
				"admission is already in ward %s bed %s and nothing else changed", from.WardNumber, from.BedNumber)
		}
		if err := s.save(ctx, rec); err != nil {
			return nil, err
		}
		s.publishRecord(ctx, events.AdmissionUpdated, rec)
		return rec, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, w, err := s.beds.Occupy(ctx, in.WardNumber, in.BedNumber, rec.PatientID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	if _, _, err := s.beds.Vacate(ctx, from.WardNumber, from.BedNumber, rec.PatientID); err != nil {
		return nil, s.unconfirmed("vacate_old_bed", err, rec.ID.String(), rec.PatientID, from.WardNumber, from.BedNumber)
	}

	rec.Assignment = assignmentFor(w, m.BedNumber)
	applyPatch(rec, in.Patch)
	if err := s.repo.Update(ctx, rec); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, s.settleStale(ctx, rec.ID, rec.PatientID, &m)
		}
		return nil, s.unconfirmed("update_record", err, rec.ID.String(), rec.PatientID, rec.Assignment.WardNumber, rec.Assignment.BedNumber)
	}

	s.logger.Info().
		Str("admission_id", rec.ID.String()).
		Str("patient_id", rec.PatientID).
		Str("from_ward", from.WardNumber).
		Str("from_bed", from.BedNumber).
		Str("ward", rec.Assignment.WardNumber).
		Str("bed", rec.Assignment.BedNumber).
		Msg("patient transferred")
	s.publish(ctx, events.Event{
		Type:        events.AdmissionTransferred,
		AdmissionID: rec.ID.String(),
		PatientID:   rec.PatientID,
		WardNumber:  rec.Assignment.WardNumber,
		BedNumber:   rec.Assignment.BedNumber,
		FromWard:    from.WardNumber,
		FromBed:     from.BedNumber,
		Status:      string(rec.Status),
	})
	return rec, nil
}

// Discharge vacates the record's bed and closes the record.
func (s *Service) Discharge(ctx context.Context, id uuid.UUID) (rec *Record, err error) {
	ctx, span := s.start(ctx, "discharge", attribute.String("admission.id", id.String()))
	defer func() { s.finish(span, "discharge", err) }()

	rec, err = s.loadActive(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.discharge(ctx, rec)
}

// DischargeByBed is the walk-up discharge: the caller names the bed and the
// patient instead of the admission. The bed must be held by the patient and
// the patient's active admission must point at that bed.
func (s *Service) DischargeByBed(ctx context.Context, wardNumber, bedNumber, patientID string) (rec *Record, err error) {
	ctx, span := s.start(ctx, "discharge",
		attribute.String("patient.id", patientID),
		attribute.String("ward.number", wardNumber),
		attribute.String("bed.number", bedNumber))
	defer func() { s.finish(span, "discharge", err) }()

	wardNumber = strings.TrimSpace(wardNumber)
	patientID = strings.TrimSpace(patientID)
	if wardNumber == "" || strings.TrimSpace(bedNumber) == "" || patientID == "" {
		return nil, apperrors.Validation("ward_number, bed_number and patient_id are required")
	}

	w, err := s.beds.GetWard(ctx, wardNumber)
	if err != nil {
		return nil, err
	}
	if w.Deleted {
		return nil, apperrors.NotFound(apperrors.CodeWardNotFound, "ward %s not found", wardNumber)
	}
	bed, err := ward.ResolveBed(w.Beds, bedNumber)
	if err != nil {
		return nil, err
	}

	rec, err = s.repo.GetActiveByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeRecordNotFound, "patient %s has no active admission", patientID)
		}
		return nil, fmt.Errorf("load active admission: %w", err)
	}

	if !bed.HeldBy(patientID) || rec.Assignment.WardNumber != w.Number || !ward.SameBed(rec.Assignment.BedNumber, bed.Number) {
		s.metrics.IntegrityAnomaly("discharge_mismatch")
		s.logger.Warn().
			Str("admission_id", rec.ID.String()).
			Str("patient_id", patientID).
			Str("ward", w.Number).
			Str("bed", bed.Number).
			Str("admission_ward", rec.Assignment.WardNumber).
			Str("admission_bed", rec.Assignment.BedNumber).
			Bool("bed_held_by_patient", bed.HeldBy(patientID)).
			Msg("walk-up discharge does not match bed occupancy")
		return nil, apperrors.Conflict(apperrors.CodeMismatchedPatient,
			"bed %s in ward %s is not held by patient %s under an active admission", bed.Number, w.Number, patientID).
			WithDetail("admission_id", rec.ID.String()).
			WithDetail("admission_ward", rec.Assignment.WardNumber).
			WithDetail("admission_bed", rec.Assignment.BedNumber)
	}
	return s.discharge(ctx, rec)
}

func (s *Service) discharge(ctx context.Context, rec *Record) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := rec.Assignment
	if _, _, err := s.beds.Vacate(ctx, a.WardNumber, a.BedNumber, rec.PatientID); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	now := s.now()
	rec.Status = StatusDischarged
	rec.Details.DischargeDate = &now
	if err := s.repo.Update(ctx, rec); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, s.settleStale(ctx, rec.ID, rec.PatientID, nil)
		}
		return nil, s.unconfirmed("update_record", err, rec.ID.String(), rec.PatientID, a.WardNumber, a.BedNumber)
	}

	s.logger.Info().
		Str("admission_id", rec.ID.String()).
		Str("patient_id", rec.PatientID).
		Str("ward", a.WardNumber).
		Str("bed", a.BedNumber).
		Msg("patient discharged")
	s.publishRecord(ctx, events.AdmissionDischarged, rec)
	return rec, nil
}

// CompleteDischarge closes an Admitted record whose bed is no longer held by
// its patient, which is what a discharge that failed after vacating leaves
// behind. The bed is never touched. Soft-deleted records are accepted.
func (s *Service) CompleteDischarge(ctx context.Context, id uuid.UUID) (rec *Record, err error) {
	ctx, span := s.start(ctx, "complete_discharge", attribute.String("admission.id", id.String()))
	defer func() { s.finish(span, "complete_discharge", err) }()

	rec, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusAdmitted {
		return nil, apperrors.Conflict(apperrors.CodeNotCurrentlyAdmitted, "admission %s is %s", id, rec.Status)
	}

	a := rec.Assignment
	w, err := s.beds.GetWard(ctx, a.WardNumber)
	switch {
	case err == nil:
		if bed, rerr := ward.ResolveBed(w.Beds, a.BedNumber); rerr == nil && bed.HeldBy(rec.PatientID) {
			return nil, apperrors.Conflict(apperrors.CodeNoChange,
				"bed %s in ward %s is still held by the patient; discharge the admission instead", a.BedNumber, a.WardNumber)
		}
	case !errors.Is(err, apperrors.WardNotFound):
		return nil, err
	}

	now := s.now()
	rec.Status = StatusDischarged
	rec.Details.DischargeDate = &now
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Warn().
		Str("admission_id", rec.ID.String()).
		Str("patient_id", rec.PatientID).
		Str("ward", a.WardNumber).
		Str("bed", a.BedNumber).
		Msg("discharge completed by operator")
	s.publishRecord(ctx, events.AdmissionDischarged, rec)
	return rec, nil
}

// UpdateMetadata applies a patch to a non-deleted record without touching
// any bed.
func (s *Service) UpdateMetadata(ctx context.Context, id uuid.UUID, patch MetadataPatch) (rec *Record, err error) {
	ctx, span := s.start(ctx, "update", attribute.String("admission.id", id.String()))
	defer func() { s.finish(span, "update", err) }()

	rec, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, apperrors.NotFound(apperrors.CodeRecordNotFound, "admission %s not found", id)
	}
	if err := s.validatePatch(ctx, &patch); err != nil {
		return nil, err
	}
	if !applyPatch(rec, &patch) {
		return nil, apperrors.Conflict(apperrors.CodeNoChange, "nothing to update")
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	s.publishRecord(ctx, events.AdmissionUpdated, rec)
	return rec, nil
}

// SoftDelete hides a record without touching bed occupancy. Deleting an
// Admitted record leaves its bed occupied and is flagged for an operator to
// either discharge or restore.
func (s *Service) SoftDelete(ctx context.Context, id uuid.UUID, reason string) (res *SoftDeleteResult, err error) {
	ctx, span := s.start(ctx, "soft_delete", attribute.String("admission.id", id.String()))
	defer func() { s.finish(span, "soft_delete", err) }()

	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, apperrors.Conflict(apperrors.CodeNoChange, "admission %s is already deleted", id)
	}

	rec.Deleted = true
	rec.DeletedReason = strings.TrimSpace(reason)
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}

	res = &SoftDeleteResult{Record: rec}
	if rec.Status == StatusAdmitted {
		res.RequiresOperatorAction = true
		res.Message = "admission was still active; its bed stays occupied until the admission is restored or the bed is released"
		s.metrics.IntegrityAnomaly("soft_delete_admitted")
		s.logger.Warn().
			Str("admission_id", rec.ID.String()).
			Str("patient_id", rec.PatientID).
			Str("ward", rec.Assignment.WardNumber).
			Str("bed", rec.Assignment.BedNumber).
			Str("reason", rec.DeletedReason).
			Msg("admitted record soft-deleted; bed left occupied pending operator decision")
	}
	s.publishRecord(ctx, events.AdmissionDeleted, rec)
	return res, nil
}

// Restore undoes a soft delete.
func (s *Service) Restore(ctx context.Context, id uuid.UUID) (rec *Record, err error) {
	ctx, span := s.start(ctx, "restore", attribute.String("admission.id", id.String()))
	defer func() { s.finish(span, "restore", err) }()

	rec, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Deleted {
		return nil, apperrors.Conflict(apperrors.CodeNoChange, "admission %s is not deleted", id)
	}
	if rec.Status == StatusAdmitted {
		cur, err := s.repo.GetActiveByPatient(ctx, rec.PatientID)
		switch {
		case err == nil && cur.ID != rec.ID:
			return nil, apperrors.Conflict(apperrors.CodeDuplicateAdmission,
				"patient %s has since been admitted under %s", rec.PatientID, cur.ID).
				WithDetail("admission_id", cur.ID.String())
		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("check active admission: %w", err)
		}
	}

	rec.Deleted = false
	rec.DeletedReason = ""
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	s.publishRecord(ctx, events.AdmissionRestored, rec)
	return rec, nil
}

// Get returns a record, soft-deleted ones included.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.load(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Record, int, error) {
	f.WardType = strings.TrimSpace(f.WardType)
	f.WardNumber = strings.TrimSpace(f.WardNumber)
	f.AdmissionType = strings.TrimSpace(f.AdmissionType)
	f.Search = strings.TrimSpace(f.Search)
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperrors.Validation("invalid status: %s", f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}

// ActiveByPatient returns the patient's current stay.
func (s *Service) ActiveByPatient(ctx context.Context, patientID string) (*Record, error) {
	rec, err := s.repo.GetActiveByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeRecordNotFound, "patient %s has no active admission", patientID)
		}
		return nil, fmt.Errorf("load active admission: %w", err)
	}
	return rec, nil
}

// ListAdmitted returns every Admitted record, soft-deleted ones included.
func (s *Service) ListAdmitted(ctx context.Context) ([]*Record, error) {
	return s.repo.ListAdmitted(ctx)
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeRecordNotFound, "admission %s not found", id)
		}
		return nil, fmt.Errorf("load admission: %w", err)
	}
	return rec, nil
}

func (s *Service) loadActive(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, apperrors.NotFound(apperrors.CodeRecordNotFound, "admission %s not found", id)
	}
	if rec.Status != StatusAdmitted {
		return nil, apperrors.Conflict(apperrors.CodeNotCurrentlyAdmitted, "admission %s is %s", id, rec.Status)
	}
	return rec, nil
}

// save is used where no bed write preceded the record write, so failures are
// plain rejections.
func (s *Service) save(ctx context.Context, rec *Record) error {
	err := s.repo.Update(ctx, rec)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrVersionConflict):
		return apperrors.Conflict(apperrors.CodeStaleRecord, "admission %s was modified concurrently, reload and retry", rec.ID)
	case errors.Is(err, ErrDuplicateActive):
		return apperrors.Conflict(apperrors.CodeDuplicateAdmission, "patient %s already has an active admission", rec.PatientID)
	case errors.Is(err, ErrBedAssigned):
		return apperrors.Conflict(apperrors.CodeBedOccupied, "bed %s is assigned to another active admission", rec.Assignment.BedNumber)
	default:
		return fmt.Errorf("update admission: %w", err)
	}
}

// settleStale runs when a transition changed beds but its record update lost
// to a concurrent transition of the same admission. The beds are brought back
// in line with whatever the winner wrote: the record's current bed is held
// again if it is still Admitted, and claimed, the bed this call took, is
// released unless the record now points at it.
func (s *Service) settleStale(ctx context.Context, id uuid.UUID, patientID string, claimed *ward.BedMutation) error {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return s.unconfirmed("reload_record", err, id.String(), patientID, "", "")
	}
	a := cur.Assignment
	holds := cur.Status == StatusAdmitted
	if holds {
		if _, _, err := s.beds.Occupy(ctx, a.WardNumber, a.BedNumber, patientID); err != nil {
			return s.unconfirmed("reclaim_current_bed", err, id.String(), patientID, a.WardNumber, a.BedNumber)
		}
	}
	if claimed != nil && (!holds || claimed.WardNumber != a.WardNumber || !ward.SameBed(claimed.BedNumber, a.BedNumber)) {
		if _, _, err := s.beds.Vacate(ctx, claimed.WardNumber, claimed.BedNumber, patientID); err != nil {
			return s.unconfirmed("compensate_vacate", err, id.String(), patientID, claimed.WardNumber, claimed.BedNumber)
		}
	}

	s.logger.Warn().
		Str("admission_id", id.String()).
		Str("patient_id", patientID).
		Str("status", string(cur.Status)).
		Str("ward", a.WardNumber).
		Str("bed", a.BedNumber).
		Msg("transition lost to a concurrent change, beds realigned")
	return apperrors.Conflict(apperrors.CodeStaleRecord,
		"admission %s was changed concurrently, reload and retry", id).
		WithDetail("admission_id", id.String()).
		WithDetail("status", string(cur.Status))
}

// unconfirmed logs a partially applied transition and builds the error
// returned to the caller.
func (s *Service) unconfirmed(step string, cause error, admissionID, patientID, wardNumber, bedNumber string) error {
	s.metrics.IntegrityAnomaly(step)
	s.logger.Error().Err(cause).
		Str("step", step).
		Str("admission_id", admissionID).
		Str("patient_id", patientID).
		Str("ward", wardNumber).
		Str("bed", bedNumber).
		Msg("integrity anomaly: transition partially applied")
	e := apperrors.NewUnconfirmed(step, cause).
		WithDetail("patient_id", patientID).
		WithDetail("ward_number", wardNumber).
		WithDetail("bed_number", bedNumber)
	if admissionID != "" {
		e.WithDetail("admission_id", admissionID)
	}
	return e
}

func (s *Service) checkDoctor(ctx context.Context, doctorID *string) error {
	if doctorID == nil || strings.TrimSpace(*doctorID) == "" || s.doctors == nil {
		return nil
	}
	ok, err := s.doctors.Exists(ctx, strings.TrimSpace(*doctorID))
	if err != nil {
		return fmt.Errorf("check admitting doctor: %w", err)
	}
	if !ok {
		return apperrors.Validation("admitting doctor %s not found", *doctorID)
	}
	return nil
}

func (s *Service) validatePatch(ctx context.Context, p *MetadataPatch) error {
	if p == nil {
		return nil
	}
	if p.Fee != nil && *p.Fee < 0 {
		return apperrors.Validation("fee must not be negative")
	}
	if p.Discount != nil && *p.Discount < 0 {
		return apperrors.Validation("discount must not be negative")
	}
	if p.PaymentStatus != nil && !validPaymentStatuses[*p.PaymentStatus] {
		return apperrors.Validation("invalid payment_status: %s", *p.PaymentStatus)
	}
	for _, d := range p.DailyCharges {
		if d.Amount < 0 {
			return apperrors.Validation("daily charge amounts must not be negative")
		}
	}
	return s.checkDoctor(ctx, p.AdmittingDoctorID)
}

func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "admission."+op, trace.WithAttributes(attrs...))
}

func (s *Service) finish(span trace.Span, op string, err error) {
	s.metrics.Transition(op, outcome(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) publishRecord(ctx context.Context, eventType string, rec *Record) {
	s.publish(ctx, events.Event{
		Type:        eventType,
		AdmissionID: rec.ID.String(),
		PatientID:   rec.PatientID,
		WardNumber:  rec.Assignment.WardNumber,
		BedNumber:   rec.Assignment.BedNumber,
		Status:      string(rec.Status),
	})
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	e.TenantID = db.TenantFromContext(ctx)
	e.OccurredAt = s.now()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("event", e.Type).Str("admission_id", e.AdmissionID).Msg("publish event failed")
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindUnconfirmed:
		return "unconfirmed"
	case apperrors.KindValidation, apperrors.KindNotFound, apperrors.KindConflict:
		return "rejected"
	}
	return "error"
}

func assignmentFor(w *ward.Ward, bedNumber string) Assignment {
	return Assignment{
		WardType:   w.WardType,
		WardNumber: w.Number,
		BedNumber:  bedNumber,
		WardRef:    w.Number,
	}
}

func validateFinancials(f *Financials) error {
	if f.Fee < 0 || f.Discount < 0 {
		return apperrors.Validation("fee and discount must not be negative")
	}
	for _, d := range f.DailyCharges {
		if d.Amount < 0 {
			return apperrors.Validation("daily charge amounts must not be negative")
		}
	}
	if f.PaymentStatus == "" {
		f.PaymentStatus = PaymentPending
	}
	if !validPaymentStatuses[f.PaymentStatus] {
		return apperrors.Validation("invalid payment_status: %s", f.PaymentStatus)
	}
	return nil
}

// applyPatch reports whether anything changed.
func applyPatch(rec *Record, p *MetadataPatch) bool {
	if p == nil {
		return false
	}
	changed := false
	setString := func(dst *string, src *string) {
		if src != nil && strings.TrimSpace(*src) != *dst {
			*dst = strings.TrimSpace(*src)
			changed = true
		}
	}
	setString(&rec.Details.Diagnosis, p.Diagnosis)
	setString(&rec.Details.AdmissionType, p.AdmissionType)
	setString(&rec.Details.AdmittingDoctor, p.AdmittingDoctor)

	if p.AdmittingDoctorID != nil {
		id := strings.TrimSpace(*p.AdmittingDoctorID)
		cur := ""
		if rec.Details.AdmittingDoctorID != nil {
			cur = *rec.Details.AdmittingDoctorID
		}
		if id != cur {
			if id == "" {
				rec.Details.AdmittingDoctorID = nil
			} else {
				rec.Details.AdmittingDoctorID = &id
			}
			changed = true
		}
	}

	money := false
	if p.Fee != nil && *p.Fee != rec.Financials.Fee {
		rec.Financials.Fee = *p.Fee
		money = true
	}
	if p.Discount != nil && *p.Discount != rec.Financials.Discount {
		rec.Financials.Discount = *p.Discount
		money = true
	}
	if p.DailyCharges != nil && !sameCharges(p.DailyCharges, rec.Financials.DailyCharges) {
		rec.Financials.DailyCharges = append([]DailyCharge(nil), p.DailyCharges...)
		money = true
	}
	if p.PaymentStatus != nil && *p.PaymentStatus != rec.Financials.PaymentStatus {
		rec.Financials.PaymentStatus = *p.PaymentStatus
		changed = true
	}
	if money {
		rec.Financials.Recompute()
		changed = true
	}
	return changed
}

func sameCharges(a, b []DailyCharge) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
