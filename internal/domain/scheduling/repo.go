package scheduling

import (
	"context"

	"github.com/google/uuid"
)

type ScheduleRepository interface {
	Create(ctx context.Context, s *Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error)
	// GetForUpdate locks the schedule row until the transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Schedule, error)
	Update(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, from, to string) ([]*Schedule, error)
	// ListOpenForDoctorDate returns the doctor's open schedules on date.
	ListOpenForDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) ([]*Schedule, error)
	// LockDoctorDay serialises schedule changes for a doctor and day.
	LockDoctorDay(ctx context.Context, doctorID uuid.UUID, date string) error
	// SearchOpen returns bookable schedules of active doctors on f.Date.
	SearchOpen(ctx context.Context, f AvailabilityFilter) ([]*Schedule, error)
}

type AppointmentRepository interface {
	// Create returns errCodeTaken when the booking code already exists.
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByCode(ctx context.Context, code string) (*Appointment, error)
	GetByCodeForUpdate(ctx context.Context, code string) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// CountBySlot counts capacity-consuming appointments per slot start,
	// ignoring exclude.
	CountBySlot(ctx context.Context, scheduleID, exclude uuid.UUID) (map[string]int, error)
	ListActiveBySchedule(ctx context.Context, scheduleID uuid.UUID) ([]*Appointment, error)
	ListActiveForPatientDate(ctx context.Context, patientID uuid.UUID, date string) ([]*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Appointment, int, error)
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) ([]*Appointment, error)
	// LockQueue serialises queue changes for a doctor and day.
	LockQueue(ctx context.Context, doctorID uuid.UUID, date string) error
	// LockPatientDay serialises bookings for a patient and day.
	LockPatientDay(ctx context.Context, patientID uuid.UUID, date string) error
	NextQueueNumber(ctx context.Context, doctorID uuid.UUID, date string) (int, error)
	// NextUncalled returns the lowest-numbered checked-in entry not yet called.
	NextUncalled(ctx context.Context, doctorID uuid.UUID, date string) (*Appointment, error)
	// MarkNoShowsBefore flips booked appointments dated before date to no_show.
	MarkNoShowsBefore(ctx context.Context, date string) ([]*Appointment, error)
}

// ProfileResolver maps logins to their patient or doctor records.
type ProfileResolver interface {
	PatientIDForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
	DoctorIDForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
}
