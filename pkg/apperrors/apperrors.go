// Package apperrors defines the typed error results returned by the
// admission and ward services. Each error carries a Kind, which decides the
// HTTP status, and a Code naming the precise condition.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUnconfirmed Kind = "unconfirmed"
	KindInternal    Kind = "internal"
)

// Code identifies a specific failure condition.
type Code string

const (
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodePatientNotFound      Code = "PATIENT_NOT_FOUND"
	CodeWardNotFound         Code = "WARD_NOT_FOUND"
	CodeBedNotFound          Code = "BED_NOT_FOUND"
	CodeRecordNotFound       Code = "RECORD_NOT_FOUND"
	CodeDuplicateAdmission   Code = "DUPLICATE_ADMISSION"
	CodeDuplicateWard        Code = "DUPLICATE_WARD"
	CodeBedOccupied          Code = "BED_OCCUPIED"
	CodeBedContested         Code = "BED_CONTESTED"
	CodeNotCurrentlyAdmitted Code = "NOT_CURRENTLY_ADMITTED"
	CodeNoChange             Code = "NO_CHANGE"
	CodeMismatchedPatient    Code = "MISMATCHED_PATIENT"
	CodeWardOccupied         Code = "WARD_OCCUPIED"
	CodeStaleRecord          Code = "STALE_RECORD"
	CodeOutcomeUnconfirmed   Code = "OUTCOME_UNCONFIRMED"
	CodeInternal             Code = "INTERNAL"
)

// Error is the typed error returned across service boundaries.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code, so that
// errors.Is(err, apperrors.BedOccupied) works against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail attaches a key/value pair and returns the same error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	InvalidInput         = &Error{Kind: KindValidation, Code: CodeInvalidInput}
	PatientNotFound      = &Error{Kind: KindNotFound, Code: CodePatientNotFound}
	WardNotFound         = &Error{Kind: KindNotFound, Code: CodeWardNotFound}
	BedNotFound          = &Error{Kind: KindNotFound, Code: CodeBedNotFound}
	RecordNotFound       = &Error{Kind: KindNotFound, Code: CodeRecordNotFound}
	DuplicateAdmission   = &Error{Kind: KindConflict, Code: CodeDuplicateAdmission}
	DuplicateWard        = &Error{Kind: KindConflict, Code: CodeDuplicateWard}
	BedOccupied          = &Error{Kind: KindConflict, Code: CodeBedOccupied}
	BedContested         = &Error{Kind: KindConflict, Code: CodeBedContested}
	NotCurrentlyAdmitted = &Error{Kind: KindConflict, Code: CodeNotCurrentlyAdmitted}
	NoChange             = &Error{Kind: KindConflict, Code: CodeNoChange}
	MismatchedPatient    = &Error{Kind: KindConflict, Code: CodeMismatchedPatient}
	WardOccupied         = &Error{Kind: KindConflict, Code: CodeWardOccupied}
	StaleRecord          = &Error{Kind: KindConflict, Code: CodeStaleRecord}
	Unconfirmed          = &Error{Kind: KindUnconfirmed, Code: CodeOutcomeUnconfirmed}
)

func New(kind Kind, code Code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation builds an INVALID_INPUT error.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, CodeInvalidInput, format, args...)
}

func NotFound(code Code, format string, args ...interface{}) *Error {
	return New(KindNotFound, code, format, args...)
}

func Conflict(code Code, format string, args ...interface{}) *Error {
	return New(KindConflict, code, format, args...)
}

// NewUnconfirmed reports that the first write of a two-step transition
// completed and a later step failed. step names the failed step.
func NewUnconfirmed(step string, err error) *Error {
	e := &Error{
		Kind:    KindUnconfirmed,
		Code:    CodeOutcomeUnconfirmed,
		Message: fmt.Sprintf("operation outcome unconfirmed: step %s failed", step),
		Err:     err,
	}
	return e.WithDetail("step", step)
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: message, Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error onto a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnconfirmed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
