package admission

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/adt/internal/domain/ward"
)

// MemoryRepo is a Repository kept in process memory. It enforces the same
// partial unique constraints and version check as the Postgres store.
type MemoryRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[uuid.UUID]*Record)}
}

func (m *MemoryRepo) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUnique(r, uuid.Nil); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.ID = uuid.New()
	r.Deleted = false
	r.DeletedReason = ""
	r.VersionID = 1
	r.CreatedAt = now
	r.UpdatedAt = now
	m.records[r.ID] = cloneRecord(r)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryRepo) GetActiveByPatient(_ context.Context, patientID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.Active() && r.PatientID == patientID {
			return cloneRecord(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepo) GetAdmittedByPatient(_ context.Context, patientID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.Status == StatusAdmitted && r.PatientID == patientID {
			return cloneRecord(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepo) Update(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[r.ID]
	if !ok || stored.VersionID != r.VersionID {
		return ErrVersionConflict
	}
	if err := m.checkUnique(r, r.ID); err != nil {
		return err
	}
	r.VersionID++
	r.UpdatedAt = time.Now().UTC()
	m.records[r.ID] = cloneRecord(r)
	return nil
}

func (m *MemoryRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Record, int, error) {
	m.mu.Lock()
	var out []*Record
	for _, r := range m.records {
		if matches(r, f) {
			out = append(out, cloneRecord(r))
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Details.AdmissionDate.Equal(out[j].Details.AdmissionDate) {
			return out[i].Details.AdmissionDate.After(out[j].Details.AdmissionDate)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	total := len(out)
	if offset >= total {
		return []*Record{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *MemoryRepo) ListAdmitted(_ context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, r := range m.records {
		if r.Status == StatusAdmitted {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// checkUnique mirrors admission_active_patient_idx and admission_active_bed_idx.
func (m *MemoryRepo) checkUnique(r *Record, self uuid.UUID) error {
	if r.Status != StatusAdmitted {
		return nil
	}
	for id, other := range m.records {
		if id == self || other.Status != StatusAdmitted {
			continue
		}
		if other.PatientID == r.PatientID {
			return ErrDuplicateActive
		}
		if !r.Active() || !other.Active() {
			continue
		}
		if other.Assignment.WardNumber == r.Assignment.WardNumber &&
			ward.SameBed(other.Assignment.BedNumber, r.Assignment.BedNumber) {
			return ErrBedAssigned
		}
	}
	return nil
}

func matches(r *Record, f ListFilter) bool {
	if r.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.WardType != "" && r.Assignment.WardType != f.WardType {
		return false
	}
	if f.WardNumber != "" && r.Assignment.WardNumber != f.WardNumber {
		return false
	}
	if f.AdmissionType != "" && r.Details.AdmissionType != f.AdmissionType {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.Patient.Name), q) &&
			!strings.Contains(strings.ToLower(r.Patient.CNIC), q) &&
			!strings.Contains(strings.ToLower(r.PatientID), q) {
			return false
		}
	}
	return true
}

func cloneRecord(r *Record) *Record {
	c := *r
	if r.Patient.DateOfBirth != nil {
		dob := *r.Patient.DateOfBirth
		c.Patient.DateOfBirth = &dob
	}
	if r.Patient.Guardian != nil {
		g := *r.Patient.Guardian
		c.Patient.Guardian = &g
	}
	if r.Details.AdmittingDoctorID != nil {
		id := *r.Details.AdmittingDoctorID
		c.Details.AdmittingDoctorID = &id
	}
	if r.Details.DischargeDate != nil {
		d := *r.Details.DischargeDate
		c.Details.DischargeDate = &d
	}
	if r.Financials.DailyCharges != nil {
		c.Financials.DailyCharges = append([]DailyCharge(nil), r.Financials.DailyCharges...)
	}
	return &c
}
