// Package events carries admission and bed lifecycle notifications to
// other systems. Publishing is best effort: a failed publish is logged by
// the caller and never undoes a transition.
package events

import (
	"context"
	"errors"
	"time"
)

const (
	AdmissionAdmitted    = "admission.admitted"
	AdmissionTransferred = "admission.transferred"
	AdmissionDischarged  = "admission.discharged"
	AdmissionDeleted     = "admission.deleted"
	AdmissionRestored    = "admission.restored"
	AdmissionUpdated     = "admission.updated"
	BedReleased          = "bed.released"
)

// Event is the payload published for every lifecycle transition.
type Event struct {
	Type        string    `json:"type"`
	TenantID    string    `json:"tenant_id,omitempty"`
	AdmissionID string    `json:"admission_id,omitempty"`
	PatientID   string    `json:"patient_id,omitempty"`
	WardNumber  string    `json:"ward_number,omitempty"`
	BedNumber   string    `json:"bed_number,omitempty"`
	FromWard    string    `json:"from_ward,omitempty"`
	FromBed     string    `json:"from_bed,omitempty"`
	Status      string    `json:"status,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Wards lists the ward numbers an event touches.
func (e Event) Wards() []string {
	var wards []string
	if e.WardNumber != "" {
		wards = append(wards, e.WardNumber)
	}
	if e.FromWard != "" && e.FromWard != e.WardNumber {
		wards = append(wards, e.FromWard)
	}
	return wards
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
