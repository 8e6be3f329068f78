// Package reconcile finds and repairs disagreements between bed occupancy
// and admission records. The lifecycle service keeps the two in step on
// every transition; this package covers the partial failures it reports as
// unconfirmed and any damage done outside it.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/domain/admission"
	"github.com/ehr/adt/internal/domain/ward"
	"github.com/ehr/adt/internal/platform/db"
	"github.com/ehr/adt/internal/platform/telemetry"
)

const (
	KindOrphanedOccupancy      = "orphaned_occupancy"
	KindHomelessAdmission      = "homeless_admission"
	KindDuplicateBedAssignment = "duplicate_bed_assignment"
	KindHistoryMismatch        = "history_mismatch"
	KindDeletedAdmissionHolds  = "deleted_admission_holds_bed"
)

// Kinds lists every violation kind in report order.
var Kinds = []string{
	KindOrphanedOccupancy,
	KindHomelessAdmission,
	KindDuplicateBedAssignment,
	KindHistoryMismatch,
	KindDeletedAdmissionHolds,
}

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

type Violation struct {
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	WardNumber  string `json:"ward_number,omitempty"`
	BedNumber   string `json:"bed_number,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	AdmissionID string `json:"admission_id,omitempty"`
}

type Report struct {
	TenantID    string         `json:"tenant_id,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
	Wards       int            `json:"wards_checked"`
	Admissions  int            `json:"admissions_checked"`
	Counts      map[string]int `json:"counts"`
	Violations  []Violation    `json:"violations"`
}

// Clean reports whether the sweep found nothing.
func (r *Report) Clean() bool {
	return len(r.Violations) == 0
}

func (r *Report) add(v Violation) {
	r.Violations = append(r.Violations, v)
	r.Counts[v.Kind]++
}

type WardLister interface {
	AllWards(ctx context.Context) ([]*ward.Ward, error)
}

type AdmissionLister interface {
	ListAdmitted(ctx context.Context) ([]*admission.Record, error)
}

// Sweeper compares every ward against every Admitted record. It only reads.
type Sweeper struct {
	wards      WardLister
	admissions AdmissionLister
	logger     zerolog.Logger
	metrics    *telemetry.ADTMetrics
	now        func() time.Time
}

func NewSweeper(wards WardLister, admissions AdmissionLister, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		wards:      wards,
		admissions: admissions,
		logger:     logger.With().Str("component", "reconcile").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) SetMetrics(m *telemetry.ADTMetrics) {
	s.metrics = m
}

type bedRef struct {
	ward string
	bed  string
}

func refOf(wardNumber, bedNumber string) bedRef {
	return bedRef{ward: wardNumber, bed: ward.BedKey(bedNumber)}
}

func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	wards, err := s.wards.AllWards(ctx)
	if err != nil {
		s.metrics.SweepFailed()
		return nil, fmt.Errorf("list wards: %w", err)
	}
	records, err := s.admissions.ListAdmitted(ctx)
	if err != nil {
		s.metrics.SweepFailed()
		return nil, fmt.Errorf("list admissions: %w", err)
	}

	report := &Report{
		TenantID:    db.TenantFromContext(ctx),
		GeneratedAt: s.now(),
		Wards:       len(wards),
		Admissions:  len(records),
		Counts:      make(map[string]int, len(Kinds)),
		Violations:  []Violation{},
	}

	beds := make(map[bedRef]*ward.Bed)
	liveWard := make(map[string]bool, len(wards))
	for _, w := range wards {
		liveWard[w.Number] = !w.Deleted
		for _, b := range w.ActiveBeds() {
			beds[refOf(w.Number, b.Number)] = b
			checkHistory(report, w, b)
		}
	}

	active := make(map[bedRef][]*admission.Record)
	deleted := make(map[bedRef][]*admission.Record)
	for _, r := range records {
		ref := refOf(r.Assignment.WardNumber, r.Assignment.BedNumber)
		if r.Deleted {
			deleted[ref] = append(deleted[ref], r)
			continue
		}
		active[ref] = append(active[ref], r)

		b, ok := beds[ref]
		switch {
		case !ok || !liveWard[r.Assignment.WardNumber]:
			report.add(Violation{
				Kind:        KindHomelessAdmission,
				Severity:    SeverityCritical,
				Message:     "active admission points at a ward or bed that does not exist",
				WardNumber:  r.Assignment.WardNumber,
				BedNumber:   r.Assignment.BedNumber,
				PatientID:   r.PatientID,
				AdmissionID: r.ID.String(),
			})
		case !b.HeldBy(r.PatientID):
			report.add(Violation{
				Kind:        KindHomelessAdmission,
				Severity:    SeverityCritical,
				Message:     "active admission's bed is not held by its patient",
				WardNumber:  r.Assignment.WardNumber,
				BedNumber:   b.Number,
				PatientID:   r.PatientID,
				AdmissionID: r.ID.String(),
			})
		}
	}

	for ref, recs := range active {
		if len(recs) < 2 {
			continue
		}
		for _, r := range recs {
			report.add(Violation{
				Kind:        KindDuplicateBedAssignment,
				Severity:    SeverityCritical,
				Message:     fmt.Sprintf("%d active admissions share this bed", len(recs)),
				WardNumber:  ref.ward,
				BedNumber:   r.Assignment.BedNumber,
				PatientID:   r.PatientID,
				AdmissionID: r.ID.String(),
			})
		}
	}

	for _, w := range wards {
		for _, b := range w.ActiveBeds() {
			if !b.Occupied || b.CurrentPatientID == nil {
				continue
			}
			pid := *b.CurrentPatientID
			ref := refOf(w.Number, b.Number)
			if holdsRecord(active[ref], pid) {
				continue
			}
			if r := findRecord(deleted[ref], pid); r != nil {
				report.add(Violation{
					Kind:        KindDeletedAdmissionHolds,
					Severity:    SeverityWarning,
					Message:     "bed is held under a soft-deleted admission; restore it or release the bed",
					WardNumber:  w.Number,
					BedNumber:   b.Number,
					PatientID:   pid,
					AdmissionID: r.ID.String(),
				})
				continue
			}
			report.add(Violation{
				Kind:       KindOrphanedOccupancy,
				Severity:   SeverityCritical,
				Message:    "bed is occupied but no active admission references it",
				WardNumber: w.Number,
				BedNumber:  b.Number,
				PatientID:  pid,
			})
		}
	}

	sort.SliceStable(report.Violations, func(i, j int) bool {
		a, b := report.Violations[i], report.Violations[j]
		if a.Kind != b.Kind {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.WardNumber != b.WardNumber {
			return a.WardNumber < b.WardNumber
		}
		return a.BedNumber < b.BedNumber
	})

	s.metrics.SweepCompleted(Kinds, report.Counts)
	logger := s.logger.With().Str("tenant_id", report.TenantID).Logger()
	if report.Clean() {
		logger.Info().Int("wards", report.Wards).Int("admissions", report.Admissions).Msg("reconciliation clean")
	} else {
		ev := logger.Warn().Int("violations", len(report.Violations))
		for _, k := range Kinds {
			if n := report.Counts[k]; n > 0 {
				ev = ev.Int(k, n)
			}
		}
		ev.Msg("reconciliation found violations")
	}
	return report, nil
}

// checkHistory flags beds whose open history entries disagree with the
// occupancy flag.
func checkHistory(report *Report, w *ward.Ward, b *ward.Bed) {
	open := b.OpenEntries()
	var msg, pid string
	switch {
	case len(open) > 1:
		msg = fmt.Sprintf("bed has %d open history entries", len(open))
	case b.Occupied && len(open) == 0:
		msg = "bed is occupied but has no open history entry"
	case b.Occupied && b.CurrentPatientID != nil && b.History[open[0]].PatientID != *b.CurrentPatientID:
		msg = "open history entry names a different patient than the bed"
		pid = b.History[open[0]].PatientID
	case !b.Occupied && len(open) > 0:
		msg = "bed is free but has an open history entry"
		pid = b.History[open[0]].PatientID
	default:
		return
	}
	if pid == "" && b.CurrentPatientID != nil {
		pid = *b.CurrentPatientID
	}
	report.add(Violation{
		Kind:       KindHistoryMismatch,
		Severity:   SeverityWarning,
		Message:    msg,
		WardNumber: w.Number,
		BedNumber:  b.Number,
		PatientID:  pid,
	})
}

func holdsRecord(recs []*admission.Record, patientID string) bool {
	return findRecord(recs, patientID) != nil
}

func findRecord(recs []*admission.Record, patientID string) *admission.Record {
	for _, r := range recs {
		if r.PatientID == patientID {
			return r
		}
	}
	return nil
}

func kindOrder(kind string) int {
	for i, k := range Kinds {
		if k == kind {
			return i
		}
	}
	return len(Kinds)
}
