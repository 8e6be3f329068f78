package admission

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an admission. Only Admit, Transfer and
// Discharge move a record between states.
type Status string

const (
	StatusAdmitted   Status = "Admitted"
	StatusDischarged Status = "Discharged"
)

func (s Status) Valid() bool {
	return s == StatusAdmitted || s == StatusDischarged
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "Pending"
	PaymentPartial PaymentStatus = "Partial"
	PaymentPaid    PaymentStatus = "Paid"
)

var validPaymentStatuses = map[PaymentStatus]bool{
	PaymentPending: true,
	PaymentPartial: true,
	PaymentPaid:    true,
}

// Record is one hospital stay for one patient.
type Record struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	PatientID     string          `db:"patient_id" json:"patient_id"`
	Patient       PatientSnapshot `db:"patient" json:"patient"`
	Details       Details         `db:"details" json:"admission_details"`
	Assignment    Assignment      `db:"assignment" json:"ward_assignment"`
	Financials    Financials      `db:"financials" json:"financials"`
	Status        Status          `db:"status" json:"status"`
	Deleted       bool            `db:"deleted" json:"deleted"`
	DeletedReason string          `db:"deleted_reason" json:"deleted_reason,omitempty"`
	VersionID     int             `db:"version_id" json:"version_id"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Active reports whether the record counts as the patient's current stay.
func (r *Record) Active() bool {
	return r.Status == StatusAdmitted && !r.Deleted
}

// PatientSnapshot is copied from the patient directory at admission time and
// never refreshed afterwards.
type PatientSnapshot struct {
	Name        string    `json:"name"`
	CNIC        string    `json:"cnic,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	DateOfBirth *string   `json:"date_of_birth,omitempty"`
	Address     string    `json:"address,omitempty"`
	Guardian    *Guardian `json:"guardian,omitempty"`
}

type Guardian struct {
	Name     string `json:"name"`
	Relation string `json:"relation,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type Details struct {
	AdmissionDate     time.Time  `json:"admission_date"`
	AdmittingDoctor   string     `json:"admitting_doctor,omitempty"`
	AdmittingDoctorID *string    `json:"admitting_doctor_id,omitempty"`
	Diagnosis         string     `json:"diagnosis,omitempty"`
	AdmissionType     string     `json:"admission_type,omitempty"`
	DischargeDate     *time.Time `json:"discharge_date,omitempty"`
}

// Assignment is the ward/bed snapshot taken when the bed was allocated.
type Assignment struct {
	WardType   string `json:"ward_type,omitempty"`
	WardNumber string `json:"ward_number"`
	BedNumber  string `json:"bed_number"`
	WardRef    string `json:"ward_ref"`
}

type DailyCharge struct {
	Date        string  `json:"date"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount"`
}

type Financials struct {
	Fee           float64       `json:"fee"`
	Discount      float64       `json:"discount"`
	TotalCharges  float64       `json:"total_charges"`
	DailyCharges  []DailyCharge `json:"daily_charges,omitempty"`
	PaymentStatus PaymentStatus `json:"payment_status"`
}

// Recompute derives TotalCharges from the fee, daily charges and discount.
func (f *Financials) Recompute() {
	total := f.Fee
	for _, d := range f.DailyCharges {
		total += d.Amount
	}
	total -= f.Discount
	if total < 0 {
		total = 0
	}
	f.TotalCharges = total
}

// ListFilter narrows ListAdmissions. Empty fields do not filter.
type ListFilter struct {
	WardType       string
	WardNumber     string
	AdmissionType  string
	Status         Status
	Search         string
	IncludeDeleted bool
}
