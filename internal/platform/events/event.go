// Package events carries appointment lifecycle events from the scheduling
// services to the message broker and the live queue dashboard.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	AppointmentBooked      Type = "appointment.booked"
	AppointmentRescheduled Type = "appointment.rescheduled"
	AppointmentCancelled   Type = "appointment.cancelled"
	AppointmentCheckedIn   Type = "appointment.checked_in"
	AppointmentCalled      Type = "appointment.called"
	AppointmentCompleted   Type = "appointment.completed"
	AppointmentNoShow      Type = "appointment.no_show"
)

type Event struct {
	ID            uuid.UUID `json:"id"`
	Type          Type      `json:"type"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	BookingCode   string    `json:"booking_code"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	VisitDate     string    `json:"visit_date"`
	SlotStart     string    `json:"slot_start,omitempty"`
	Status        string    `json:"status"`
	QueueNumber   *int      `json:"queue_number,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop discards every event.
var Nop Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
