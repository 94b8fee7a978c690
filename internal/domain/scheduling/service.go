package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/domain/identity"
	"github.com/opd/opd/internal/platform/auth"
	"github.com/opd/opd/internal/platform/db"
	"github.com/opd/opd/internal/platform/events"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalid           = errors.New("invalid request")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrScheduleConflict  = errors.New("schedule overlaps another open schedule")
	ErrScheduleClosed    = errors.New("schedule is not open for booking")
	ErrScheduleInUse     = errors.New("schedule has appointments")
	ErrSlotFull          = errors.New("slot is fully booked")
	ErrSlotPassed        = errors.New("slot has already started")
	ErrSlotNotStarted    = errors.New("slot has not started yet")
	ErrDuplicateBooking  = errors.New("patient already has an appointment with this doctor on this date")
	ErrPatientConflict   = errors.New("patient has another appointment at an overlapping time")
	ErrRescheduleLimit   = errors.New("reschedule limit reached")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCheckInClosed     = errors.New("check-in is not open for this appointment")
	ErrQueueEmpty        = errors.New("no patients waiting")

	ErrOutsideHorizon = fmt.Errorf("%w: visit date is outside the booking window", ErrInvalid)
	ErrOffGrid        = fmt.Errorf("%w: slot_start is not on the schedule's slot grid", ErrInvalid)
)

const (
	MinSlotMinutes = 5
	MaxSlotMinutes = 240
	MinCapacity    = 1
	MaxCapacity    = 50
)

type Options struct {
	Location           *time.Location
	BookingHorizonDays int
	MaxReschedules     int
	// CheckInOpen is how long before the slot start check-in opens.
	CheckInOpen time.Duration
}

type Service struct {
	schedules    ScheduleRepository
	appointments AppointmentRepository
	profiles     ProfileResolver
	tx           db.TxRunner
	publisher    events.Publisher
	opts         Options
	logger       zerolog.Logger
	now          func() time.Time
}

func NewService(sched ScheduleRepository, appt AppointmentRepository, profiles ProfileResolver,
	tx db.TxRunner, publisher events.Publisher, opts Options, logger zerolog.Logger) *Service {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if publisher == nil {
		publisher = events.Nop
	}
	return &Service{
		schedules:    sched,
		appointments: appt,
		profiles:     profiles,
		tx:           tx,
		publisher:    publisher,
		opts:         opts,
		logger:       logger.With().Str("component", "scheduling").Logger(),
		now:          time.Now,
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Today is the current date in the configured zone.
func (s *Service) Today() string {
	return s.now().In(s.opts.Location).Format(time.DateOnly)
}

func (s *Service) Location() *time.Location { return s.opts.Location }

func addDays(date string, days int) string {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return date
	}
	return d.AddDate(0, 0, days).Format(time.DateOnly)
}

func checkDate(name, v string) error {
	if _, err := time.Parse(time.DateOnly, v); err != nil {
		return invalid("%s must be YYYY-MM-DD", name)
	}
	return nil
}

// -- Identity resolution --

func profileErr(err error, kind string) error {
	if errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("%w: no %s profile for this account", ErrForbidden, kind)
	}
	return err
}

// resolveDoctor returns the doctor an operation acts on. Doctors act on
// themselves; admins must name one.
func (s *Service) resolveDoctor(ctx context.Context, actor Actor, requested *uuid.UUID) (uuid.UUID, error) {
	switch actor.Role {
	case auth.RoleDoctor:
		id, err := s.profiles.DoctorIDForUser(ctx, actor.UserID)
		if err != nil {
			return uuid.Nil, profileErr(err, "doctor")
		}
		if requested != nil && *requested != uuid.Nil && *requested != id {
			return uuid.Nil, fmt.Errorf("%w: doctors can only manage their own schedule", ErrForbidden)
		}
		return id, nil
	case auth.RoleAdmin:
		if requested == nil || *requested == uuid.Nil {
			return uuid.Nil, invalid("doctor_id is required")
		}
		return *requested, nil
	}
	return uuid.Nil, ErrForbidden
}

// DoctorFor exposes doctor resolution to transports that act outside the
// service, such as the live queue socket.
func (s *Service) DoctorFor(ctx context.Context, actor Actor, requested *uuid.UUID) (uuid.UUID, error) {
	return s.resolveDoctor(ctx, actor, requested)
}

func (s *Service) resolvePatient(ctx context.Context, actor Actor, requested *uuid.UUID) (uuid.UUID, error) {
	switch actor.Role {
	case auth.RolePatient:
		id, err := s.profiles.PatientIDForUser(ctx, actor.UserID)
		if err != nil {
			return uuid.Nil, profileErr(err, "patient")
		}
		return id, nil
	case auth.RoleAdmin:
		if requested == nil || *requested == uuid.Nil {
			return uuid.Nil, invalid("patient_id is required")
		}
		return *requested, nil
	}
	return uuid.Nil, ErrForbidden
}

func (s *Service) authorizeSchedule(ctx context.Context, actor Actor, sched *Schedule) error {
	if actor.Role == auth.RoleAdmin {
		return nil
	}
	id, err := s.resolveDoctor(ctx, actor, nil)
	if err != nil {
		return err
	}
	if id != sched.DoctorID {
		return fmt.Errorf("%w: schedule belongs to another doctor", ErrForbidden)
	}
	return nil
}

// authorizePatientAction admits the owning patient and admins.
func (s *Service) authorizePatientAction(ctx context.Context, actor Actor, a *Appointment) error {
	if actor.Role == auth.RoleAdmin {
		return nil
	}
	id, err := s.resolvePatient(ctx, actor, nil)
	if err != nil {
		return err
	}
	if id != a.PatientID {
		return fmt.Errorf("%w: appointment belongs to another patient", ErrForbidden)
	}
	return nil
}

// authorizeDoctorAction admits the appointment's doctor and admins.
func (s *Service) authorizeDoctorAction(ctx context.Context, actor Actor, a *Appointment) error {
	if actor.Role == auth.RoleAdmin {
		return nil
	}
	id, err := s.resolveDoctor(ctx, actor, nil)
	if err != nil {
		return err
	}
	if id != a.DoctorID {
		return fmt.Errorf("%w: appointment belongs to another doctor", ErrForbidden)
	}
	return nil
}

func (s *Service) authorizeView(ctx context.Context, actor Actor, a *Appointment) error {
	switch actor.Role {
	case auth.RoleAdmin:
		return nil
	case auth.RoleDoctor:
		return s.authorizeDoctorAction(ctx, actor, a)
	case auth.RolePatient:
		return s.authorizePatientAction(ctx, actor, a)
	}
	return ErrForbidden
}

// -- Schedules --

func validateScheduleRequest(req *ScheduleRequest) (Interval, error) {
	if err := checkDate("work_date", req.WorkDate); err != nil {
		return Interval{}, err
	}
	start, err := ParseClock(req.StartTime)
	if err != nil {
		return Interval{}, invalid("start_time must be HH:MM")
	}
	end, err := ParseClock(req.EndTime)
	if err != nil {
		return Interval{}, invalid("end_time must be HH:MM")
	}
	if start >= end {
		return Interval{}, invalid("start_time must be before end_time")
	}
	if req.SlotMinutes < MinSlotMinutes || req.SlotMinutes > MaxSlotMinutes {
		return Interval{}, invalid("slot_minutes must be between %d and %d", MinSlotMinutes, MaxSlotMinutes)
	}
	if req.SlotCapacity < MinCapacity || req.SlotCapacity > MaxCapacity {
		return Interval{}, invalid("slot_capacity must be between %d and %d", MinCapacity, MaxCapacity)
	}
	if len(GenerateSlots(start, end, req.SlotMinutes)) == 0 {
		return Interval{}, invalid("no %d-minute slot fits between %s and %s", req.SlotMinutes, req.StartTime, req.EndTime)
	}
	return Interval{Start: start, End: end}, nil
}

// checkConflict rejects win when it overlaps another open schedule of the
// doctor on date.
func (s *Service) checkConflict(ctx context.Context, doctorID uuid.UUID, date string, win Interval, exclude uuid.UUID) error {
	existing, err := s.schedules.ListOpenForDoctorDate(ctx, doctorID, date)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == exclude {
			continue
		}
		w, err := other.Window()
		if err != nil {
			return err
		}
		if w.Overlaps(win) {
			return fmt.Errorf("%w: %s on %s", ErrScheduleConflict, w, date)
		}
	}
	return nil
}

func (s *Service) CreateSchedule(ctx context.Context, actor Actor, req *ScheduleRequest) (*Schedule, error) {
	doctorID, err := s.resolveDoctor(ctx, actor, req.DoctorID)
	if err != nil {
		return nil, err
	}
	win, err := validateScheduleRequest(req)
	if err != nil {
		return nil, err
	}
	if req.WorkDate < s.Today() {
		return nil, invalid("work_date is in the past")
	}

	sched := &Schedule{
		DoctorID:     doctorID,
		WorkDate:     req.WorkDate,
		StartTime:    win.Start.String(),
		EndTime:      win.End.String(),
		SlotMinutes:  req.SlotMinutes,
		SlotCapacity: req.SlotCapacity,
		Status:       ScheduleOpen,
		Note:         req.Note,
	}
	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.schedules.LockDoctorDay(ctx, doctorID, req.WorkDate); err != nil {
			return err
		}
		if err := s.checkConflict(ctx, doctorID, req.WorkDate, win, uuid.Nil); err != nil {
			return err
		}
		return s.schedules.Create(ctx, sched)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("schedule_id", sched.ID.String()).Str("doctor_id", doctorID.String()).
		Str("date", sched.WorkDate).Str("window", win.String()).Msg("schedule created")
	return s.schedules.GetByID(ctx, sched.ID)
}

// UpdateSchedule replaces the window, slot length, capacity and note. It is
// refused when an active appointment would no longer match a slot of the new
// grid or when a slot already holds more bookings than the new capacity.
func (s *Service) UpdateSchedule(ctx context.Context, actor Actor, id uuid.UUID, req *ScheduleRequest) (*Schedule, error) {
	win, err := validateScheduleRequest(req)
	if err != nil {
		return nil, err
	}
	if req.WorkDate < s.Today() {
		return nil, invalid("work_date is in the past")
	}

	err = s.tx(ctx, func(ctx context.Context) error {
		sched, err := s.schedules.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authorizeSchedule(ctx, actor, sched); err != nil {
			return err
		}
		if req.DoctorID != nil && *req.DoctorID != uuid.Nil && *req.DoctorID != sched.DoctorID {
			return invalid("a schedule cannot move to another doctor")
		}

		active, err := s.appointments.ListActiveBySchedule(ctx, id)
		if err != nil {
			return err
		}
		if len(active) > 0 && req.WorkDate != sched.WorkDate {
			return fmt.Errorf("%w: cannot move a schedule with active appointments to another date", ErrScheduleInUse)
		}
		for _, a := range active {
			iv, err := a.Interval()
			if err != nil {
				return err
			}
			if !OnGrid(win.Start, win.End, req.SlotMinutes, iv.Start) || iv.Start.Add(req.SlotMinutes) != iv.End {
				return fmt.Errorf("%w: appointment %s at %s does not fit the new slot grid", ErrScheduleInUse, a.BookingCode, iv)
			}
		}
		counts, err := s.appointments.CountBySlot(ctx, id, uuid.Nil)
		if err != nil {
			return err
		}
		for slot, n := range counts {
			if n > req.SlotCapacity {
				return fmt.Errorf("%w: slot %s already holds %d bookings", ErrScheduleInUse, slot, n)
			}
		}

		if sched.Status == ScheduleOpen {
			if err := s.schedules.LockDoctorDay(ctx, sched.DoctorID, req.WorkDate); err != nil {
				return err
			}
			if err := s.checkConflict(ctx, sched.DoctorID, req.WorkDate, win, sched.ID); err != nil {
				return err
			}
		}

		sched.WorkDate = req.WorkDate
		sched.StartTime = win.Start.String()
		sched.EndTime = win.End.String()
		sched.SlotMinutes = req.SlotMinutes
		sched.SlotCapacity = req.SlotCapacity
		sched.Note = req.Note
		return s.schedules.Update(ctx, sched)
	})
	if err != nil {
		return nil, err
	}
	return s.schedules.GetByID(ctx, id)
}

// CloseSchedule stops new bookings. Existing appointments stand.
func (s *Service) CloseSchedule(ctx context.Context, actor Actor, id uuid.UUID) (*Schedule, error) {
	return s.setScheduleStatus(ctx, actor, id, ScheduleClosed)
}

// ReopenSchedule makes a closed schedule bookable again, subject to the same
// overlap rule as creation.
func (s *Service) ReopenSchedule(ctx context.Context, actor Actor, id uuid.UUID) (*Schedule, error) {
	return s.setScheduleStatus(ctx, actor, id, ScheduleOpen)
}

func (s *Service) setScheduleStatus(ctx context.Context, actor Actor, id uuid.UUID, status string) (*Schedule, error) {
	var sched *Schedule
	err := s.tx(ctx, func(ctx context.Context) error {
		var err error
		sched, err = s.schedules.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authorizeSchedule(ctx, actor, sched); err != nil {
			return err
		}
		if sched.Status == status {
			return nil
		}
		if status == ScheduleOpen {
			if sched.WorkDate < s.Today() {
				return invalid("cannot reopen a past schedule")
			}
			win, err := sched.Window()
			if err != nil {
				return err
			}
			if err := s.schedules.LockDoctorDay(ctx, sched.DoctorID, sched.WorkDate); err != nil {
				return err
			}
			if err := s.checkConflict(ctx, sched.DoctorID, sched.WorkDate, win, sched.ID); err != nil {
				return err
			}
		}
		sched.Status = status
		return s.schedules.Update(ctx, sched)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("schedule_id", id.String()).Str("status", status).Msg("schedule status changed")
	return sched, nil
}

func (s *Service) DeleteSchedule(ctx context.Context, actor Actor, id uuid.UUID) error {
	return s.tx(ctx, func(ctx context.Context) error {
		sched, err := s.schedules.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authorizeSchedule(ctx, actor, sched); err != nil {
			return err
		}
		active, err := s.appointments.ListActiveBySchedule(ctx, id)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return fmt.Errorf("%w: %d active appointments", ErrScheduleInUse, len(active))
		}
		return s.schedules.Delete(ctx, id)
	})
}

func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return s.schedules.GetByID(ctx, id)
}

func (s *Service) ListSchedules(ctx context.Context, actor Actor, doctorID *uuid.UUID, from, to string) ([]*Schedule, error) {
	id, err := s.resolveDoctor(ctx, actor, doctorID)
	if err != nil {
		return nil, err
	}
	if from != "" {
		if err := checkDate("from", from); err != nil {
			return nil, err
		}
	}
	if to != "" {
		if err := checkDate("to", to); err != nil {
			return nil, err
		}
	}
	return s.schedules.ListByDoctor(ctx, id, from, to)
}

// -- Slots and availability --

func (s *Service) slotsFor(ctx context.Context, sched *Schedule) ([]Slot, error) {
	win, err := sched.Window()
	if err != nil {
		return nil, err
	}
	counts, err := s.appointments.CountBySlot(ctx, sched.ID, uuid.Nil)
	if err != nil {
		return nil, err
	}
	now := s.now()
	grid := GenerateSlots(win.Start, win.End, sched.SlotMinutes)
	slots := make([]Slot, 0, len(grid))
	for _, iv := range grid {
		booked := counts[iv.Start.String()]
		remaining := sched.SlotCapacity - booked
		if remaining < 0 {
			remaining = 0
		}
		at, err := iv.Start.On(sched.WorkDate, s.opts.Location)
		if err != nil {
			return nil, err
		}
		slots = append(slots, Slot{
			Start:     iv.Start.String(),
			End:       iv.End.String(),
			Capacity:  sched.SlotCapacity,
			Booked:    booked,
			Remaining: remaining,
			Available: sched.Bookable() && remaining > 0 && at.After(now),
		})
	}
	return slots, nil
}

func (s *Service) ListSlots(ctx context.Context, scheduleID uuid.UUID) (*Availability, error) {
	sched, err := s.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	slots, err := s.slotsFor(ctx, sched)
	if err != nil {
		return nil, err
	}
	return &Availability{Schedule: sched, Slots: slots}, nil
}

// SearchAvailability lists open schedules on a date with their slots. Date
// defaults to today; past dates yield nothing.
func (s *Service) SearchAvailability(ctx context.Context, f AvailabilityFilter) ([]*Availability, error) {
	if f.Date == "" {
		f.Date = s.Today()
	}
	if err := checkDate("date", f.Date); err != nil {
		return nil, err
	}
	out := make([]*Availability, 0)
	if f.Date < s.Today() {
		return out, nil
	}
	schedules, err := s.schedules.SearchOpen(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, sched := range schedules {
		slots, err := s.slotsFor(ctx, sched)
		if err != nil {
			return nil, err
		}
		out = append(out, &Availability{Schedule: sched, Slots: slots})
	}
	return out, nil
}

// -- Booking --

// checkSlot applies the booking rules to start on sched for patientID,
// ignoring the appointment exclude. It returns the slot interval. Admins may
// book past the horizon.
func (s *Service) checkSlot(ctx context.Context, actor Actor, sched *Schedule, start Clock, patientID, exclude uuid.UUID) (Interval, error) {
	if !sched.Bookable() {
		return Interval{}, ErrScheduleClosed
	}
	today := s.Today()
	if sched.WorkDate < today {
		return Interval{}, ErrOutsideHorizon
	}
	if actor.Role != auth.RoleAdmin && sched.WorkDate > addDays(today, s.opts.BookingHorizonDays) {
		return Interval{}, ErrOutsideHorizon
	}
	win, err := sched.Window()
	if err != nil {
		return Interval{}, err
	}
	if !OnGrid(win.Start, win.End, sched.SlotMinutes, start) {
		return Interval{}, ErrOffGrid
	}
	slot := Interval{Start: start, End: start.Add(sched.SlotMinutes)}

	at, err := start.On(sched.WorkDate, s.opts.Location)
	if err != nil {
		return Interval{}, err
	}
	if !at.After(s.now()) {
		return Interval{}, ErrSlotPassed
	}

	counts, err := s.appointments.CountBySlot(ctx, sched.ID, exclude)
	if err != nil {
		return Interval{}, err
	}
	if counts[start.String()] >= sched.SlotCapacity {
		return Interval{}, ErrSlotFull
	}

	mine, err := s.appointments.ListActiveForPatientDate(ctx, patientID, sched.WorkDate)
	if err != nil {
		return Interval{}, err
	}
	for _, other := range mine {
		if other.ID == exclude {
			continue
		}
		if other.DoctorID == sched.DoctorID {
			return Interval{}, ErrDuplicateBooking
		}
		iv, err := other.Interval()
		if err != nil {
			return Interval{}, err
		}
		if iv.Overlaps(slot) {
			return Interval{}, fmt.Errorf("%w: %s at %s", ErrPatientConflict, other.BookingCode, iv)
		}
	}
	return slot, nil
}

// lockBookingDay serialises bookings that touch sched's doctor-day and the
// patient's day. Callers must already hold the schedule row.
func (s *Service) lockBookingDay(ctx context.Context, sched *Schedule, patientID uuid.UUID) error {
	if err := s.schedules.LockDoctorDay(ctx, sched.DoctorID, sched.WorkDate); err != nil {
		return err
	}
	return s.appointments.LockPatientDay(ctx, patientID, sched.WorkDate)
}

func (s *Service) insertWithCode(ctx context.Context, a *Appointment) error {
	visit, err := time.Parse(time.DateOnly, a.VisitDate)
	if err != nil {
		return invalid("visit date must be YYYY-MM-DD")
	}
	for i := 0; i < bookingCodeTries; i++ {
		code, err := NewBookingCode(visit)
		if err != nil {
			return err
		}
		a.BookingCode = code
		err = s.appointments.Create(ctx, a)
		if !errors.Is(err, errCodeTaken) {
			return err
		}
		s.logger.Warn().Str("booking_code", code).Int("attempt", i+1).Msg("booking code collision")
	}
	return fmt.Errorf("%w: could not allocate a unique booking code", ErrConflict)
}

// Book reserves a slot. The schedule row stays locked until commit so
// concurrent bookings cannot oversubscribe the slot, and the doctor-day and
// patient-day locks keep one patient from double booking in parallel.
func (s *Service) Book(ctx context.Context, actor Actor, req *BookRequest) (*Appointment, error) {
	patientID, err := s.resolvePatient(ctx, actor, req.PatientID)
	if err != nil {
		return nil, err
	}
	start, err := ParseClock(req.SlotStart)
	if err != nil {
		return nil, err
	}

	var appt *Appointment
	err = s.tx(ctx, func(ctx context.Context) error {
		sched, err := s.schedules.GetForUpdate(ctx, req.ScheduleID)
		if err != nil {
			return err
		}
		if err := s.lockBookingDay(ctx, sched, patientID); err != nil {
			return err
		}
		slot, err := s.checkSlot(ctx, actor, sched, start, patientID, uuid.Nil)
		if err != nil {
			return err
		}
		appt = &Appointment{
			PatientID:  patientID,
			DoctorID:   sched.DoctorID,
			ScheduleID: sched.ID,
			VisitDate:  sched.WorkDate,
			SlotStart:  slot.Start.String(),
			SlotEnd:    slot.End.String(),
			Status:     StatusBooked,
			Reason:     req.Reason,
		}
		return s.insertWithCode(ctx, appt)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", appt.ID.String()).Str("booking_code", appt.BookingCode).
		Str("date", appt.VisitDate).Str("slot", appt.SlotStart).Msg("appointment booked")
	s.publish(ctx, events.AppointmentBooked, appt)
	return s.appointments.GetByID(ctx, appt.ID)
}

// Reschedule moves a booked appointment to another slot of the same doctor.
// The booking code is kept.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, req *RescheduleRequest) (*Appointment, error) {
	start, err := ParseClock(req.SlotStart)
	if err != nil {
		return nil, err
	}

	var appt *Appointment
	var from string
	err = s.tx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authorizePatientAction(ctx, actor, a); err != nil {
			return err
		}
		if !CanTransition(a.Status, StatusBooked) {
			return fmt.Errorf("%w: cannot reschedule a %s appointment", ErrInvalidTransition, a.Status)
		}
		if a.RescheduleCount >= s.opts.MaxReschedules {
			return fmt.Errorf("%w: already rescheduled %d times", ErrRescheduleLimit, a.RescheduleCount)
		}
		if actor.Role != auth.RoleAdmin {
			if started, err := s.started(a); err != nil {
				return err
			} else if started {
				return ErrSlotPassed
			}
		}

		sched, err := s.schedules.GetForUpdate(ctx, req.ScheduleID)
		if err != nil {
			return err
		}
		if sched.DoctorID != a.DoctorID {
			return invalid("reschedule must stay with the same doctor")
		}
		if sched.ID == a.ScheduleID && a.SlotStart == start.String() {
			return invalid("appointment is already in this slot")
		}
		if err := s.lockBookingDay(ctx, sched, a.PatientID); err != nil {
			return err
		}
		slot, err := s.checkSlot(ctx, actor, sched, start, a.PatientID, a.ID)
		if err != nil {
			return err
		}

		from = a.VisitDate + " " + a.SlotStart
		a.ScheduleID = sched.ID
		a.VisitDate = sched.WorkDate
		a.SlotStart = slot.Start.String()
		a.SlotEnd = slot.End.String()
		a.RescheduleCount++
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", id.String()).Str("from", from).
		Str("to", appt.VisitDate+" "+appt.SlotStart).Int("count", appt.RescheduleCount).Msg("appointment rescheduled")
	s.publish(ctx, events.AppointmentRescheduled, appt)
	return appt, nil
}

// started reports whether the appointment's slot has begun.
func (s *Service) started(a *Appointment) (bool, error) {
	start, err := ParseClock(a.SlotStart)
	if err != nil {
		return false, err
	}
	at, err := start.On(a.VisitDate, s.opts.Location)
	if err != nil {
		return false, err
	}
	return !s.now().Before(at), nil
}

// Cancel releases a booked appointment. Patients must cancel before the slot
// starts; admins may cancel any booked appointment.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason *string) (*Appointment, error) {
	var appt *Appointment
	err := s.tx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authorizePatientAction(ctx, actor, a); err != nil {
			return err
		}
		if !CanTransition(a.Status, StatusCancelled) {
			return fmt.Errorf("%w: cannot cancel a %s appointment", ErrInvalidTransition, a.Status)
		}
		if actor.Role != auth.RoleAdmin {
			started, err := s.started(a)
			if err != nil {
				return err
			}
			if started {
				return ErrSlotPassed
			}
		}
		now := s.now()
		a.Status = StatusCancelled
		a.CancelledAt = &now
		a.CancelReason = reason
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", id.String()).Str("by", actor.Role).Msg("appointment cancelled")
	s.publish(ctx, events.AppointmentCancelled, appt)
	return appt, nil
}

func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, actor, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) GetByCode(ctx context.Context, actor Actor, code string) (*Appointment, error) {
	code = NormalizeBookingCode(code)
	if !ValidBookingCode(code) {
		return nil, invalid("malformed booking code")
	}
	a, err := s.appointments.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, actor, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) ListMyAppointments(ctx context.Context, actor Actor, status string, limit, offset int) ([]*Appointment, int, error) {
	if status != "" && !validStatuses[status] {
		return nil, 0, invalid("invalid status: %s", status)
	}
	patientID, err := s.resolvePatient(ctx, actor, nil)
	if err != nil {
		return nil, 0, err
	}
	return s.appointments.ListByPatient(ctx, patientID, status, limit, offset)
}

// -- Check-in queue --

// CheckIn admits a booked patient on the visit day, from CheckInOpen before
// the slot until the schedule ends, and assigns the next queue number.
func (s *Service) CheckIn(ctx context.Context, actor Actor, code string) (*Appointment, error) {
	code = NormalizeBookingCode(code)
	if !ValidBookingCode(code) {
		return nil, invalid("malformed booking code")
	}

	var appt *Appointment
	err := s.tx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetByCodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if err := s.authorizePatientAction(ctx, actor, a); err != nil {
			return err
		}
		if !CanTransition(a.Status, StatusCheckedIn) {
			return fmt.Errorf("%w: cannot check in a %s appointment", ErrInvalidTransition, a.Status)
		}
		if err := s.checkInWindow(ctx, actor, a); err != nil {
			return err
		}

		if err := s.appointments.LockQueue(ctx, a.DoctorID, a.VisitDate); err != nil {
			return err
		}
		n, err := s.appointments.NextQueueNumber(ctx, a.DoctorID, a.VisitDate)
		if err != nil {
			return err
		}
		now := s.now()
		a.Status = StatusCheckedIn
		a.QueueNumber = &n
		a.CheckedInAt = &now
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", appt.ID.String()).Str("booking_code", code).
		Int("queue_number", *appt.QueueNumber).Msg("patient checked in")
	s.publish(ctx, events.AppointmentCheckedIn, appt)
	return appt, nil
}

// checkInWindow allows check-in on the visit day only. Admins skip the
// opening time and the session end.
func (s *Service) checkInWindow(ctx context.Context, actor Actor, a *Appointment) error {
	if a.VisitDate != s.Today() {
		return fmt.Errorf("%w: visit is on %s", ErrCheckInClosed, a.VisitDate)
	}
	if actor.Role == auth.RoleAdmin {
		return nil
	}
	start, err := ParseClock(a.SlotStart)
	if err != nil {
		return err
	}
	slotAt, err := start.On(a.VisitDate, s.opts.Location)
	if err != nil {
		return err
	}
	now := s.now()
	if now.Before(slotAt.Add(-s.opts.CheckInOpen)) {
		return fmt.Errorf("%w: opens at %s", ErrCheckInClosed,
			slotAt.Add(-s.opts.CheckInOpen).In(s.opts.Location).Format("15:04"))
	}
	sched, err := s.schedules.GetByID(ctx, a.ScheduleID)
	if err != nil {
		return err
	}
	win, err := sched.Window()
	if err != nil {
		return err
	}
	endAt, err := win.End.On(a.VisitDate, s.opts.Location)
	if err != nil {
		return err
	}
	if !now.Before(endAt) {
		return fmt.Errorf("%w: the session ended at %s", ErrCheckInClosed, sched.EndTime)
	}
	return nil
}

// Queue builds the dashboard for a doctor's day. Date defaults to today.
func (s *Service) Queue(ctx context.Context, actor Actor, doctorID *uuid.UUID, date string) (*QueueView, error) {
	id, err := s.resolveDoctor(ctx, actor, doctorID)
	if err != nil {
		return nil, err
	}
	if date == "" {
		date = s.Today()
	}
	if err := checkDate("date", date); err != nil {
		return nil, err
	}
	list, err := s.appointments.ListByDoctorDate(ctx, id, date)
	if err != nil {
		return nil, err
	}
	return buildQueue(id, date, list), nil
}

func buildQueue(doctorID uuid.UUID, date string, list []*Appointment) *QueueView {
	view := &QueueView{
		DoctorID: doctorID,
		Date:     date,
		Waiting:  []QueueEntry{},
		Called:   []QueueEntry{},
		Counts: map[string]int{
			StatusBooked: 0, StatusCheckedIn: 0, StatusCompleted: 0,
			StatusCancelled: 0, StatusNoShow: 0,
		},
	}
	for _, a := range list {
		view.Counts[a.Status]++
		if a.Status != StatusCheckedIn || a.QueueNumber == nil {
			continue
		}
		entry := QueueEntry{
			AppointmentID: a.ID,
			QueueNumber:   *a.QueueNumber,
			BookingCode:   a.BookingCode,
			PatientName:   a.PatientName,
			SlotStart:     a.SlotStart,
			CheckedInAt:   a.CheckedInAt,
			CalledAt:      a.CalledAt,
		}
		if a.CalledAt == nil {
			view.Waiting = append(view.Waiting, entry)
			continue
		}
		view.Called = append(view.Called, entry)
		if view.Current == nil || a.CalledAt.After(*view.Current.CalledAt) {
			cur := entry
			view.Current = &cur
		}
	}
	return view
}

// CallNext calls the lowest-numbered waiting patient.
func (s *Service) CallNext(ctx context.Context, actor Actor, doctorID *uuid.UUID, date string) (*Appointment, error) {
	id, err := s.resolveDoctor(ctx, actor, doctorID)
	if err != nil {
		return nil, err
	}
	if date == "" {
		date = s.Today()
	}
	if err := checkDate("date", date); err != nil {
		return nil, err
	}

	var appt *Appointment
	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.appointments.LockQueue(ctx, id, date); err != nil {
			return err
		}
		a, err := s.appointments.NextUncalled(ctx, id, date)
		if errors.Is(err, ErrNotFound) {
			return ErrQueueEmpty
		}
		if err != nil {
			return err
		}
		now := s.now()
		a.CalledAt = &now
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", appt.ID.String()).Int("queue_number", *appt.QueueNumber).Msg("patient called")
	s.publish(ctx, events.AppointmentCalled, appt)
	return appt, nil
}

func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.finish(ctx, actor, id, StatusCompleted)
}

// MarkNoShow is allowed once the slot has started.
func (s *Service) MarkNoShow(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.finish(ctx, actor, id, StatusNoShow)
}

func (s *Service) finish(ctx context.Context, actor Actor, id uuid.UUID, to string) (*Appointment, error) {
	var appt *Appointment
	err := s.tx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authorizeDoctorAction(ctx, actor, a); err != nil {
			return err
		}
		if !CanTransition(a.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
		}
		now := s.now()
		switch to {
		case StatusNoShow:
			started, err := s.started(a)
			if err != nil {
				return err
			}
			if !started {
				return ErrSlotNotStarted
			}
		case StatusCompleted:
			a.CompletedAt = &now
		}
		a.Status = to
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	evType := events.AppointmentCompleted
	if to == StatusNoShow {
		evType = events.AppointmentNoShow
	}
	s.logger.Info().Str("appointment_id", id.String()).Str("status", to).Msg("appointment finished")
	s.publish(ctx, evType, appt)
	return appt, nil
}

// SweepNoShows marks every booked appointment dated before today as no_show.
func (s *Service) SweepNoShows(ctx context.Context) (int, error) {
	today := s.Today()
	swept, err := s.appointments.MarkNoShowsBefore(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("sweep no-shows: %w", err)
	}
	for _, a := range swept {
		s.publish(ctx, events.AppointmentNoShow, a)
	}
	if len(swept) > 0 {
		s.logger.Info().Int("count", len(swept)).Str("before", today).Msg("no-shows swept")
	}
	return len(swept), nil
}

func (s *Service) publish(ctx context.Context, t events.Type, a *Appointment) {
	ev := events.Event{
		ID:            uuid.New(),
		Type:          t,
		AppointmentID: a.ID,
		BookingCode:   a.BookingCode,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		VisitDate:     a.VisitDate,
		SlotStart:     a.SlotStart,
		Status:        a.Status,
		QueueNumber:   a.QueueNumber,
		OccurredAt:    s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", string(t)).Str("appointment_id", a.ID.String()).Msg("publish event failed")
	}
}
