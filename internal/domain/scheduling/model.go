package scheduling

import (
	"time"

	"github.com/google/uuid"
)

const (
	ScheduleOpen   = "open"
	ScheduleClosed = "closed"
)

// Appointment statuses.
const (
	StatusBooked    = "booked"
	StatusCheckedIn = "checked_in"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no_show"
)

var validStatuses = map[string]bool{
	StatusBooked: true, StatusCheckedIn: true, StatusCompleted: true,
	StatusCancelled: true, StatusNoShow: true,
}

// transitions lists the allowed status moves. booked -> booked is a
// reschedule.
var transitions = map[string]map[string]bool{
	StatusBooked: {
		StatusBooked:    true,
		StatusCancelled: true,
		StatusCheckedIn: true,
		StatusNoShow:    true,
	},
	StatusCheckedIn: {
		StatusCompleted: true,
	},
}

func CanTransition(from, to string) bool {
	return transitions[from][to]
}

// Active appointments block the patient's other bookings and keep their
// schedule alive.
func IsActive(status string) bool {
	return status == StatusBooked || status == StatusCheckedIn
}

// consumesCapacity reports whether an appointment occupies its slot.
func consumesCapacity(status string) bool {
	return IsActive(status) || status == StatusCompleted
}

// Schedule maps to doctor_schedule. WorkDate is YYYY-MM-DD and the times are
// HH:MM. Doctor and department fields are filled by reads.
type Schedule struct {
	ID             uuid.UUID `db:"id" json:"id"`
	DoctorID       uuid.UUID `db:"doctor_id" json:"doctor_id"`
	DoctorName     string    `db:"doctor_name" json:"doctor_name,omitempty"`
	DoctorActive   bool      `db:"doctor_active" json:"-"`
	DepartmentID   uuid.UUID `db:"department_id" json:"department_id"`
	DepartmentName string    `db:"department_name" json:"department_name,omitempty"`
	WorkDate       string    `db:"work_date" json:"work_date"`
	StartTime      string    `db:"start_time" json:"start_time"`
	EndTime        string    `db:"end_time" json:"end_time"`
	SlotMinutes    int       `db:"slot_minutes" json:"slot_minutes"`
	SlotCapacity   int       `db:"slot_capacity" json:"slot_capacity"`
	Status         string    `db:"status" json:"status"`
	Note           *string   `db:"note" json:"note,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Window returns the schedule's [start, end) clock range.
func (s *Schedule) Window() (Interval, error) {
	start, err := ParseClock(s.StartTime)
	if err != nil {
		return Interval{}, err
	}
	end, err := ParseClock(s.EndTime)
	if err != nil {
		return Interval{}, err
	}
	return Interval{Start: start, End: end}, nil
}

func (s *Schedule) Bookable() bool {
	return s.Status == ScheduleOpen && s.DoctorActive
}

// Slot is one bookable interval on a schedule with its occupancy.
type Slot struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Capacity  int    `json:"capacity"`
	Booked    int    `json:"booked"`
	Remaining int    `json:"remaining"`
	Available bool   `json:"available"`
}

// Availability is an open schedule with its slot grid.
type Availability struct {
	Schedule *Schedule `json:"schedule"`
	Slots    []Slot    `json:"slots"`
}

type AvailabilityFilter struct {
	Date         string
	DepartmentID *uuid.UUID
	DoctorID     *uuid.UUID
}

// Appointment maps to the appointment table. Name fields are filled by reads.
type Appointment struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	BookingCode     string     `db:"booking_code" json:"booking_code"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	PatientName     string     `db:"patient_name" json:"patient_name,omitempty"`
	DoctorID        uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	DoctorName      string     `db:"doctor_name" json:"doctor_name,omitempty"`
	ScheduleID      uuid.UUID  `db:"schedule_id" json:"schedule_id"`
	VisitDate       string     `db:"visit_date" json:"visit_date"`
	SlotStart       string     `db:"slot_start" json:"slot_start"`
	SlotEnd         string     `db:"slot_end" json:"slot_end"`
	Status          string     `db:"status" json:"status"`
	Reason          *string    `db:"reason" json:"reason,omitempty"`
	CancelReason    *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	RescheduleCount int        `db:"reschedule_count" json:"reschedule_count"`
	QueueNumber     *int       `db:"queue_number" json:"queue_number,omitempty"`
	CalledAt        *time.Time `db:"called_at" json:"called_at,omitempty"`
	CheckedInAt     *time.Time `db:"checked_in_at" json:"checked_in_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt     *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

func (a *Appointment) Interval() (Interval, error) {
	start, err := ParseClock(a.SlotStart)
	if err != nil {
		return Interval{}, err
	}
	end, err := ParseClock(a.SlotEnd)
	if err != nil {
		return Interval{}, err
	}
	return Interval{Start: start, End: end}, nil
}

// QueueEntry is one checked-in patient on the dashboard.
type QueueEntry struct {
	AppointmentID uuid.UUID  `json:"appointment_id"`
	QueueNumber   int        `json:"queue_number"`
	BookingCode   string     `json:"booking_code"`
	PatientName   string     `json:"patient_name"`
	SlotStart     string     `json:"slot_start"`
	CheckedInAt   *time.Time `json:"checked_in_at,omitempty"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
}

// QueueView is a doctor's queue for one day. Current is the most recently
// called patient still in the room.
type QueueView struct {
	DoctorID uuid.UUID      `json:"doctor_id"`
	Date     string         `json:"date"`
	Current  *QueueEntry    `json:"current,omitempty"`
	Waiting  []QueueEntry   `json:"waiting"`
	Called   []QueueEntry   `json:"called"`
	Counts   map[string]int `json:"counts"`
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID uuid.UUID
	Role   string
}

type ScheduleRequest struct {
	DoctorID     *uuid.UUID `json:"doctor_id,omitempty"`
	WorkDate     string     `json:"work_date" validate:"required,date"`
	StartTime    string     `json:"start_time" validate:"required,clock"`
	EndTime      string     `json:"end_time" validate:"required,clock"`
	SlotMinutes  int        `json:"slot_minutes" validate:"required,min=5,max=240"`
	SlotCapacity int        `json:"slot_capacity" validate:"required,min=1,max=50"`
	Note         *string    `json:"note,omitempty" validate:"omitempty,max=500"`
}

type BookRequest struct {
	ScheduleID uuid.UUID `json:"schedule_id" validate:"required"`
	SlotStart  string    `json:"slot_start" validate:"required,clock"`
	Reason     *string   `json:"reason,omitempty" validate:"omitempty,max=500"`
	// PatientID is honoured for admins booking on a patient's behalf.
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
}

type RescheduleRequest struct {
	ScheduleID uuid.UUID `json:"schedule_id" validate:"required"`
	SlotStart  string    `json:"slot_start" validate:"required,clock"`
}

type CancelRequest struct {
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

type CheckInRequest struct {
	BookingCode string `json:"booking_code" validate:"required"`
}
