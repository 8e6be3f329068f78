package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/adt/internal/platform/events"
)

// ADT trigger events emitted by this server.
const (
	TriggerAdmit       = "A01"
	TriggerTransfer    = "A02"
	TriggerDischarge   = "A03"
	TriggerUpdate      = "A08"
	TriggerCancelAdmit = "A11"
)

// structures maps each trigger to its HL7 2.5.1 message structure.
var structures = map[string]string{
	TriggerAdmit:       "ADT_A01",
	TriggerTransfer:    "ADT_A02",
	TriggerDischarge:   "ADT_A03",
	TriggerUpdate:      "ADT_A01",
	TriggerCancelAdmit: "ADT_A09",
}

const (
	sendingApp      = "ADT"
	timestampLayout = "20060102150405"
)

// Visit is the part of an admission an ADT message carries.
type Visit struct {
	AdmissionID     string
	PatientID       string
	PatientName     string
	NationalID      string
	Gender          string
	DateOfBirth     string // YYYY-MM-DD
	Address         string
	WardNumber      string
	BedNumber       string
	PriorWard       string
	PriorBed        string
	AttendingDoctor string
	AdmissionType   string
	AdmittedAt      time.Time
	DischargedAt    *time.Time
}

// GenerateADT renders an ADT^<trigger> message stamped with at.
func GenerateADT(trigger, facility string, v Visit, at time.Time) ([]byte, error) {
	if v.PatientID == "" {
		return nil, fmt.Errorf("hl7v2: patient id is required")
	}
	if facility == "" {
		facility = "HOSP"
	}
	at = at.UTC()
	segments := []string{
		buildMSH(trigger, facility, at),
		fmt.Sprintf("EVN|%s|%s", trigger, at.Format(timestampLayout)),
		buildPID(v),
		buildPV1(v),
	}
	return []byte(strings.Join(segments, "\r")), nil
}

// VisitFromEvent maps a lifecycle event onto a trigger. Events without an
// ADT equivalent report ok=false.
func VisitFromEvent(e events.Event) (trigger string, v Visit, ok bool) {
	switch e.Type {
	case events.AdmissionAdmitted:
		trigger = TriggerAdmit
	case events.AdmissionTransferred:
		trigger = TriggerTransfer
	case events.AdmissionDischarged:
		trigger = TriggerDischarge
	case events.AdmissionUpdated:
		trigger = TriggerUpdate
	case events.AdmissionDeleted:
		trigger = TriggerCancelAdmit
	default:
		return "", Visit{}, false
	}
	v = Visit{
		AdmissionID: e.AdmissionID,
		PatientID:   e.PatientID,
		WardNumber:  e.WardNumber,
		BedNumber:   e.BedNumber,
		PriorWard:   e.FromWard,
		PriorBed:    e.FromBed,
	}
	if trigger == TriggerDischarge && !e.OccurredAt.IsZero() {
		at := e.OccurredAt
		v.DischargedAt = &at
	}
	return trigger, v, true
}

func buildMSH(trigger, facility string, at time.Time) string {
	controlID := "ADT" + strconv.FormatInt(at.UnixNano(), 36)
	return fmt.Sprintf("MSH|^~\\&|%s|%s|||%s||ADT^%s^%s|%s|P|2.5.1",
		sendingApp, escapeHL7(facility), at.Format(timestampLayout), trigger, structures[trigger], controlID)
}

// buildPID writes PID-3 as the patient id plus the national id, when known.
func buildPID(v Visit) string {
	ids := escapeHL7(v.PatientID) + "^^^^MR"
	if v.NationalID != "" {
		ids += "~" + escapeHL7(v.NationalID) + "^^^^NI"
	}
	return fmt.Sprintf("PID|1||%s||%s||%s|%s|||%s",
		ids,
		escapeHL7(v.PatientName),
		strings.ReplaceAll(v.DateOfBirth, "-", ""),
		mapGender(v.Gender),
		escapeHL7(v.Address))
}

// buildPV1 fills the inpatient location (PV1-3), prior location (PV1-6),
// attending doctor (PV1-7), visit number (PV1-19) and the admit and
// discharge times (PV1-44, PV1-45).
func buildPV1(v Visit) string {
	f := make([]string, 46)
	f[0] = "PV1"
	f[1] = "1"
	f[2] = "I"
	f[3] = location(v.WardNumber, v.BedNumber)
	f[4] = escapeHL7(v.AdmissionType)
	f[6] = location(v.PriorWard, v.PriorBed)
	f[7] = escapeHL7(v.AttendingDoctor)
	f[19] = escapeHL7(v.AdmissionID)
	if !v.AdmittedAt.IsZero() {
		f[44] = v.AdmittedAt.UTC().Format(timestampLayout)
	}
	if v.DischargedAt != nil {
		f[45] = v.DischargedAt.UTC().Format(timestampLayout)
	}
	return strings.TrimRight(strings.Join(f, "|"), "|")
}

// location renders a PL data type: point of care^room^bed.
func location(wardNumber, bedNumber string) string {
	if wardNumber == "" {
		return ""
	}
	return escapeHL7(wardNumber) + "^^" + escapeHL7(bedNumber)
}

// escapeHL7 escapes the encoding characters:
//
//	\F\ = |  (field separator)
//	\S\ = ^  (component separator)
//	\R\ = ~  (repetition separator)
//	\E\ = \  (escape character)
//	\T\ = &  (subcomponent separator)
func escapeHL7(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}

// mapGender converts a recorded gender to HL7v2 administrative sex.
func mapGender(gender string) string {
	switch strings.ToLower(strings.TrimSpace(gender)) {
	case "m", "male":
		return "M"
	case "f", "female":
		return "F"
	case "o", "other":
		return "O"
	case "":
		return ""
	default:
		return "U"
	}
}
