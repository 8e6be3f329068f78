package admission

import (
	"time"

	"github.com/ehr/adt/internal/platform/hl7v2"
)

// MIMEHL7 is the content type of ER7-encoded HL7v2 messages.
const MIMEHL7 = "x-application/hl7-v2+er7"

// hl7Visit flattens a record into the fields an ADT message carries.
func hl7Visit(rec *Record) hl7v2.Visit {
	v := hl7v2.Visit{
		AdmissionID:     rec.ID.String(),
		PatientID:       rec.PatientID,
		PatientName:     rec.Patient.Name,
		NationalID:      rec.Patient.CNIC,
		Gender:          rec.Patient.Gender,
		Address:         rec.Patient.Address,
		WardNumber:      rec.Assignment.WardNumber,
		BedNumber:       rec.Assignment.BedNumber,
		AttendingDoctor: rec.Details.AdmittingDoctor,
		AdmissionType:   rec.Details.AdmissionType,
		AdmittedAt:      rec.Details.AdmissionDate,
		DischargedAt:    rec.Details.DischargeDate,
	}
	if rec.Patient.DateOfBirth != nil {
		v.DateOfBirth = *rec.Patient.DateOfBirth
	}
	return v
}

// hl7Trigger picks the message that describes the record's current state.
func hl7Trigger(rec *Record) string {
	switch {
	case rec.Deleted:
		return hl7v2.TriggerCancelAdmit
	case rec.Status == StatusDischarged:
		return hl7v2.TriggerDischarge
	default:
		return hl7v2.TriggerAdmit
	}
}

// renderHL7 encodes the record as an ADT message.
func renderHL7(rec *Record, facility string, now time.Time) ([]byte, error) {
	return hl7v2.GenerateADT(hl7Trigger(rec), facility, hl7Visit(rec), now)
}
