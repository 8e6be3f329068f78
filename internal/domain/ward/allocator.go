package ward

import (
	"time"

	"github.com/ehr/adt/pkg/apperrors"
)

type MutationKind string

const (
	MutationOccupy MutationKind = "occupy"
	MutationVacate MutationKind = "vacate"
)

// BedMutation describes the change the allocator applied to a bed.
//
// Noop is set when nothing needed writing (re-admitting a patient to the bed
// they already hold). Inconsistent is set when the bed's history did not
// match what the caller expected; the change was still applied as far as it
// was safe and the caller is expected to log the anomaly. OpenedEntry and
// ClosedEntry are copies of the history entries the mutation wrote.
type BedMutation struct {
	WardNumber   string       `json:"ward_number"`
	BedNumber    string       `json:"bed_number"`
	Kind         MutationKind `json:"kind"`
	PatientID    string       `json:"patient_id"`
	At           time.Time    `json:"at"`
	Noop         bool         `json:"noop"`
	Inconsistent bool         `json:"inconsistent"`
	Reason       string       `json:"reason,omitempty"`

	OpenedEntry *BedHistoryEntry `json:"opened_entry,omitempty"`
	ClosedEntry *BedHistoryEntry `json:"closed_entry,omitempty"`
}

// ValidBedNumbers lists the bed numbers a caller may target.
func ValidBedNumbers(beds []Bed) []string {
	numbers := make([]string, 0, len(beds))
	for _, b := range beds {
		if !b.Deleted {
			numbers = append(numbers, b.Number)
		}
	}
	return numbers
}

// ResolveBed finds a bed by canonical key. The returned pointer aliases the
// slice element so the mutation functions below change the ward in place.
func ResolveBed(beds []Bed, number string) (*Bed, error) {
	key := BedKey(number)
	if key != "" {
		for i := range beds {
			if !beds[i].Deleted && BedKey(beds[i].Number) == key {
				return &beds[i], nil
			}
		}
	}
	return nil, apperrors.NotFound(apperrors.CodeBedNotFound, "bed %q not found", number).
		WithDetail("valid_beds", ValidBedNumbers(beds))
}

// CheckAvailable accepts a free bed, or a bed already held by patientID.
func CheckAvailable(bed *Bed, patientID string) error {
	if !bed.Occupied || bed.HeldBy(patientID) {
		return nil
	}
	return apperrors.Conflict(apperrors.CodeBedOccupied, "bed %s is occupied by another patient", bed.Number).
		WithDetail("bed_number", bed.Number)
}

// Occupy claims the bed for patientID and opens a history entry.
func Occupy(bed *Bed, patientID string, now time.Time) (BedMutation, error) {
	m := BedMutation{BedNumber: bed.Number, Kind: MutationOccupy, PatientID: patientID, At: now}
	if err := CheckAvailable(bed, patientID); err != nil {
		return m, err
	}

	if bed.HeldBy(patientID) {
		for _, i := range bed.OpenEntries() {
			if bed.History[i].PatientID == patientID {
				m.Noop = true
				return m, nil
			}
		}
		// Held without an open entry: open one so the history agrees with
		// the occupancy flag again.
		m.Inconsistent = true
		m.Reason = "bed held without an open history entry"
	}

	pid := patientID
	bed.Occupied = true
	bed.CurrentPatientID = &pid
	entry := BedHistoryEntry{PatientID: patientID, AdmittedAt: now}
	bed.History = append(bed.History, entry)
	m.OpenedEntry = &entry
	return m, nil
}

// Vacate releases the bed held by expectedPatientID and closes that
// patient's open history entry.
//
// With no open entry for the patient the bed is still forced free and the
// mutation is flagged Inconsistent. The one exception is a bed that another
// patient holds with an open entry of their own: that patient is not evicted,
// occupancy is left alone, and the mutation is flagged Inconsistent and Noop.
func Vacate(bed *Bed, expectedPatientID string, now time.Time) BedMutation {
	m := BedMutation{BedNumber: bed.Number, Kind: MutationVacate, PatientID: expectedPatientID, At: now}

	closed := false
	open := bed.OpenEntries()
	for j := len(open) - 1; j >= 0; j-- {
		i := open[j]
		if bed.History[i].PatientID == expectedPatientID {
			t := now
			bed.History[i].DischargedAt = &t
			entry := bed.History[i]
			m.ClosedEntry = &entry
			closed = true
			break
		}
	}

	if !closed {
		m.Inconsistent = true
		if bed.Occupied && bed.CurrentPatientID != nil && *bed.CurrentPatientID != expectedPatientID && holdsOpenEntry(bed, *bed.CurrentPatientID) {
			m.Noop = true
			m.Reason = "bed is held by a different patient"
			return m
		}
		if !bed.Occupied {
			m.Reason = "bed already free"
		} else {
			m.Reason = "no open history entry for patient"
		}
	}

	if bed.CurrentPatientID != nil && *bed.CurrentPatientID != expectedPatientID && closed {
		// Our entry closed but the flag named someone else; keep their claim.
		m.Inconsistent = true
		m.Reason = "bed flag named a different patient"
		return m
	}

	bed.Occupied = false
	bed.CurrentPatientID = nil
	return m
}

func holdsOpenEntry(bed *Bed, patientID string) bool {
	for _, i := range bed.OpenEntries() {
		if bed.History[i].PatientID == patientID {
			return true
		}
	}
	return false
}
