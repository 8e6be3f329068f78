package ward

import (
	"strings"
	"time"
)

// Ward owns an ordered set of beds. The whole aggregate, beds included, is
// written back as one unit guarded by VersionID.
type Ward struct {
	Number     string    `db:"ward_number" json:"ward_number"`
	Name       string    `db:"name" json:"name"`
	Department string    `db:"department" json:"department,omitempty"`
	WardType   string    `db:"ward_type" json:"ward_type,omitempty"`
	BedCount   int       `db:"bed_count" json:"bed_count"`
	Beds       []Bed     `db:"beds" json:"beds"`
	Deleted    bool      `db:"deleted" json:"deleted"`
	VersionID  int       `db:"version_id" json:"version_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`

	OccupiedBeds int `db:"-" json:"occupied_beds"`
	FreeBeds     int `db:"-" json:"free_beds"`
}

type Bed struct {
	Number           string            `json:"number"`
	Occupied         bool              `json:"occupied"`
	CurrentPatientID *string           `json:"current_patient_id,omitempty"`
	Deleted          bool              `json:"deleted,omitempty"`
	History          []BedHistoryEntry `json:"history"`
}

// BedHistoryEntry is one stay of one patient in one bed. Entries are only
// ever appended, and the only later change is setting DischargedAt.
type BedHistoryEntry struct {
	PatientID    string     `json:"patient_id"`
	AdmittedAt   time.Time  `json:"admitted_at"`
	DischargedAt *time.Time `json:"discharged_at,omitempty"`
}

func (e BedHistoryEntry) Open() bool {
	return e.DischargedAt == nil
}

// BedKey is the canonical comparison form of a bed number.
func BedKey(number string) string {
	return strings.ToLower(strings.TrimSpace(number))
}

// SameBed reports whether two bed numbers name the same bed.
func SameBed(a, b string) bool {
	return BedKey(a) == BedKey(b)
}

// HeldBy reports whether the bed is occupied by patientID.
func (b *Bed) HeldBy(patientID string) bool {
	return b.Occupied && b.CurrentPatientID != nil && *b.CurrentPatientID == patientID
}

// OpenEntries returns the indexes of history entries without a discharge time.
func (b *Bed) OpenEntries() []int {
	var idx []int
	for i := range b.History {
		if b.History[i].Open() {
			idx = append(idx, i)
		}
	}
	return idx
}

// ActiveBeds returns the beds that have not been removed by a resize.
func (w *Ward) ActiveBeds() []*Bed {
	beds := make([]*Bed, 0, len(w.Beds))
	for i := range w.Beds {
		if !w.Beds[i].Deleted {
			beds = append(beds, &w.Beds[i])
		}
	}
	return beds
}

// Summarize fills the occupancy counters exposed to API callers.
func (w *Ward) Summarize() {
	w.OccupiedBeds, w.FreeBeds = 0, 0
	for _, b := range w.ActiveBeds() {
		if b.Occupied {
			w.OccupiedBeds++
		} else {
			w.FreeBeds++
		}
	}
}

// Clone returns a deep copy so a failed mutation never leaks into the
// caller's view of the ward.
func (w *Ward) Clone() *Ward {
	cp := *w
	cp.Beds = make([]Bed, len(w.Beds))
	for i, b := range w.Beds {
		nb := b
		if b.CurrentPatientID != nil {
			pid := *b.CurrentPatientID
			nb.CurrentPatientID = &pid
		}
		nb.History = make([]BedHistoryEntry, len(b.History))
		for j, h := range b.History {
			nh := h
			if h.DischargedAt != nil {
				t := *h.DischargedAt
				nh.DischargedAt = &t
			}
			nb.History[j] = nh
		}
		cp.Beds[i] = nb
	}
	return &cp
}
