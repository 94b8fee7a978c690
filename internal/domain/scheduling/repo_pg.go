package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opd/opd/internal/platform/db"
)

var errCodeTaken = errors.New("booking code taken")

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case db.IsUniqueViolation(err) && db.ConstraintName(err) == "uq_appointment_queue":
		return fmt.Errorf("%w: queue number already assigned", ErrConflict)
	}
	return err
}

// -- Schedule Repository --

type scheduleRepoPG struct {
	pool *pgxpool.Pool
}

func NewScheduleRepo(pool *pgxpool.Pool) ScheduleRepository {
	return &scheduleRepoPG{pool: pool}
}

func (r *scheduleRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const scheduleSelect = `SELECT s.id, s.doctor_id, d.first_name || ' ' || d.last_name,
	d.active AND dep.active, d.department_id, dep.name,
	to_char(s.work_date, 'YYYY-MM-DD'), s.start_time, s.end_time, s.slot_minutes, s.slot_capacity,
	s.status, s.note, s.created_at, s.updated_at
	FROM doctor_schedule s
	JOIN doctor d ON d.id = s.doctor_id
	JOIN department dep ON dep.id = d.department_id`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	err := row.Scan(&s.ID, &s.DoctorID, &s.DoctorName,
		&s.DoctorActive, &s.DepartmentID, &s.DepartmentName,
		&s.WorkDate, &s.StartTime, &s.EndTime, &s.SlotMinutes, &s.SlotCapacity,
		&s.Status, &s.Note, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func collectSchedules(rows pgx.Rows) ([]*Schedule, error) {
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *scheduleRepoPG) Create(ctx context.Context, s *Schedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor_schedule (id, doctor_id, work_date, start_time, end_time,
			slot_minutes, slot_capacity, status, note)
		VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		s.ID, s.DoctorID, s.WorkDate, s.StartTime, s.EndTime,
		s.SlotMinutes, s.SlotCapacity, s.Status, s.Note,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if db.IsForeignKeyViolation(err) {
		return fmt.Errorf("%w: unknown doctor", ErrNotFound)
	}
	return mapErr(err)
}

func (r *scheduleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return scanSchedule(r.conn(ctx).QueryRow(ctx, scheduleSelect+` WHERE s.id = $1`, id))
}

func (r *scheduleRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return scanSchedule(r.conn(ctx).QueryRow(ctx, scheduleSelect+` WHERE s.id = $1 FOR UPDATE OF s`, id))
}

func (r *scheduleRepoPG) Update(ctx context.Context, s *Schedule) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE doctor_schedule SET
			work_date = $2::date, start_time = $3, end_time = $4,
			slot_minutes = $5, slot_capacity = $6, status = $7, note = $8,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.WorkDate, s.StartTime, s.EndTime,
		s.SlotMinutes, s.SlotCapacity, s.Status, s.Note,
	).Scan(&s.UpdatedAt)
	return mapErr(err)
}

func (r *scheduleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM doctor_schedule WHERE id = $1`, id)
	if db.IsForeignKeyViolation(err) {
		return ErrScheduleInUse
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *scheduleRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, from, to string) ([]*Schedule, error) {
	query := scheduleSelect + ` WHERE s.doctor_id = $1`
	args := []interface{}{doctorID}
	if from != "" {
		args = append(args, from)
		query += fmt.Sprintf(" AND s.work_date >= $%d::date", len(args))
	}
	if to != "" {
		args = append(args, to)
		query += fmt.Sprintf(" AND s.work_date <= $%d::date", len(args))
	}
	rows, err := r.conn(ctx).Query(ctx, query+` ORDER BY s.work_date, s.start_time`, args...)
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

func (r *scheduleRepoPG) ListOpenForDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) ([]*Schedule, error) {
	rows, err := r.conn(ctx).Query(ctx, scheduleSelect+`
		WHERE s.doctor_id = $1 AND s.work_date = $2::date AND s.status = 'open'
		ORDER BY s.start_time`, doctorID, date)
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

func (r *scheduleRepoPG) LockDoctorDay(ctx context.Context, doctorID uuid.UUID, date string) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		"schedule:"+doctorID.String()+":"+date)
	return err
}

func (r *scheduleRepoPG) SearchOpen(ctx context.Context, f AvailabilityFilter) ([]*Schedule, error) {
	query := scheduleSelect + ` WHERE s.status = 'open' AND d.active AND dep.active AND s.work_date = $1::date`
	args := []interface{}{f.Date}
	if f.DepartmentID != nil {
		args = append(args, *f.DepartmentID)
		query += fmt.Sprintf(" AND d.department_id = $%d", len(args))
	}
	if f.DoctorID != nil {
		args = append(args, *f.DoctorID)
		query += fmt.Sprintf(" AND s.doctor_id = $%d", len(args))
	}
	rows, err := r.conn(ctx).Query(ctx, query+` ORDER BY dep.name, d.last_name, s.start_time`, args...)
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

// -- Appointment Repository --

type appointmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAppointmentRepo(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const appointmentSelect = `SELECT a.id, a.booking_code, a.patient_id, p.first_name || ' ' || p.last_name,
	a.doctor_id, d.first_name || ' ' || d.last_name, a.schedule_id,
	to_char(a.visit_date, 'YYYY-MM-DD'), a.slot_start, a.slot_end, a.status,
	a.reason, a.cancel_reason, a.reschedule_count, a.queue_number,
	a.called_at, a.checked_in_at, a.completed_at, a.cancelled_at, a.created_at, a.updated_at
	FROM appointment a
	JOIN patient p ON p.id = a.patient_id
	JOIN doctor d ON d.id = a.doctor_id`

const activeStatuses = `('booked', 'checked_in')`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.BookingCode, &a.PatientID, &a.PatientName,
		&a.DoctorID, &a.DoctorName, &a.ScheduleID,
		&a.VisitDate, &a.SlotStart, &a.SlotEnd, &a.Status,
		&a.Reason, &a.CancelReason, &a.RescheduleCount, &a.QueueNumber,
		&a.CalledAt, &a.CheckedInAt, &a.CompletedAt, &a.CancelledAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create inserts with ON CONFLICT DO NOTHING so a code collision does not
// abort the surrounding transaction.
func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, booking_code, patient_id, doctor_id, schedule_id,
			visit_date, slot_start, slot_end, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9, $10)
		ON CONFLICT (booking_code) DO NOTHING
		RETURNING created_at, updated_at`,
		a.ID, a.BookingCode, a.PatientID, a.DoctorID, a.ScheduleID,
		a.VisitDate, a.SlotStart, a.SlotEnd, a.Status, a.Reason,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errCodeTaken
	}
	return mapErr(err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, appointmentSelect+` WHERE a.id = $1`, id))
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, appointmentSelect+` WHERE a.id = $1 FOR UPDATE OF a`, id))
}

func (r *appointmentRepoPG) GetByCode(ctx context.Context, code string) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, appointmentSelect+` WHERE a.booking_code = $1`, code))
}

func (r *appointmentRepoPG) GetByCodeForUpdate(ctx context.Context, code string) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx,
		appointmentSelect+` WHERE a.booking_code = $1 FOR UPDATE OF a`, code))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET
			schedule_id = $2, visit_date = $3::date, slot_start = $4, slot_end = $5,
			status = $6, cancel_reason = $7, reschedule_count = $8, queue_number = $9,
			called_at = $10, checked_in_at = $11, completed_at = $12, cancelled_at = $13,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.ScheduleID, a.VisitDate, a.SlotStart, a.SlotEnd,
		a.Status, a.CancelReason, a.RescheduleCount, a.QueueNumber,
		a.CalledAt, a.CheckedInAt, a.CompletedAt, a.CancelledAt,
	).Scan(&a.UpdatedAt)
	return mapErr(err)
}

func (r *appointmentRepoPG) CountBySlot(ctx context.Context, scheduleID, exclude uuid.UUID) (map[string]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT slot_start, COUNT(*) FROM appointment
		WHERE schedule_id = $1 AND id <> $2 AND status IN ('booked', 'checked_in', 'completed')
		GROUP BY slot_start`, scheduleID, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var slot string
		var n int
		if err := rows.Scan(&slot, &n); err != nil {
			return nil, err
		}
		counts[slot] = n
	}
	return counts, rows.Err()
}

func (r *appointmentRepoPG) ListActiveBySchedule(ctx context.Context, scheduleID uuid.UUID) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, appointmentSelect+`
		WHERE a.schedule_id = $1 AND a.status IN `+activeStatuses+`
		ORDER BY a.slot_start`, scheduleID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *appointmentRepoPG) ListActiveForPatientDate(ctx context.Context, patientID uuid.UUID, date string) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, appointmentSelect+`
		WHERE a.patient_id = $1 AND a.visit_date = $2::date AND a.status IN `+activeStatuses+`
		ORDER BY a.slot_start`, patientID, date)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE a.patient_id = $1`
	args := []interface{}{patientID}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND a.status = $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment a`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := appointmentSelect + where +
		fmt.Sprintf(" ORDER BY a.visit_date DESC, a.slot_start DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectAppointments(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *appointmentRepoPG) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, appointmentSelect+`
		WHERE a.doctor_id = $1 AND a.visit_date = $2::date
		ORDER BY a.queue_number NULLS LAST, a.slot_start`, doctorID, date)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *appointmentRepoPG) LockQueue(ctx context.Context, doctorID uuid.UUID, date string) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		"queue:"+doctorID.String()+":"+date)
	return err
}

func (r *appointmentRepoPG) LockPatientDay(ctx context.Context, patientID uuid.UUID, date string) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		"patient:"+patientID.String()+":"+date)
	return err
}

func (r *appointmentRepoPG) NextQueueNumber(ctx context.Context, doctorID uuid.UUID, date string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(queue_number), 0) + 1 FROM appointment
		WHERE doctor_id = $1 AND visit_date = $2::date`, doctorID, date).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) NextUncalled(ctx context.Context, doctorID uuid.UUID, date string) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, appointmentSelect+`
		WHERE a.doctor_id = $1 AND a.visit_date = $2::date
			AND a.status = 'checked_in' AND a.called_at IS NULL
		ORDER BY a.queue_number
		LIMIT 1
		FOR UPDATE OF a`, doctorID, date))
}

func (r *appointmentRepoPG) MarkNoShowsBefore(ctx context.Context, date string) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE appointment SET status = 'no_show', updated_at = NOW()
		WHERE status = 'booked' AND visit_date < $1::date
		RETURNING id, booking_code, patient_id, doctor_id, schedule_id,
			to_char(visit_date, 'YYYY-MM-DD'), slot_start, slot_end, status`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.BookingCode, &a.PatientID, &a.DoctorID, &a.ScheduleID,
			&a.VisitDate, &a.SlotStart, &a.SlotEnd, &a.Status); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
