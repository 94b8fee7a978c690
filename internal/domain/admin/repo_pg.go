package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opd/opd/internal/platform/db"
)

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: department code already in use", ErrDuplicate)
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: doctors still belong to this department", ErrDepartmentInUse)
	}
	return err
}

// -- Department Repository --

type deptRepoPG struct {
	pool *pgxpool.Pool
}

func NewDepartmentRepo(pool *pgxpool.Pool) DepartmentRepository {
	return &deptRepoPG{pool: pool}
}

func (r *deptRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const deptSelect = `SELECT dep.id, dep.code, dep.name, dep.description, dep.location, dep.active,
	(SELECT COUNT(*) FROM doctor d WHERE d.department_id = dep.id AND d.active),
	dep.created_at, dep.updated_at
	FROM department dep`

func (r *deptRepoPG) scanDept(row pgx.Row) (*Department, error) {
	var d Department
	err := row.Scan(&d.ID, &d.Code, &d.Name, &d.Description, &d.Location, &d.Active,
		&d.DoctorCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (r *deptRepoPG) Create(ctx context.Context, d *Department) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO department (id, code, name, description, location, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		d.ID, d.Code, d.Name, d.Description, d.Location, d.Active,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	return mapErr(err)
}

func (r *deptRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Department, error) {
	return r.scanDept(r.conn(ctx).QueryRow(ctx, deptSelect+` WHERE dep.id = $1`, id))
}

func (r *deptRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Department, error) {
	return r.scanDept(r.conn(ctx).QueryRow(ctx, deptSelect+` WHERE dep.id = $1 FOR UPDATE OF dep`, id))
}

func (r *deptRepoPG) Update(ctx context.Context, d *Department) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE department SET code = $2, name = $3, description = $4, location = $5,
			active = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		d.ID, d.Code, d.Name, d.Description, d.Location, d.Active,
	).Scan(&d.UpdatedAt)
	return mapErr(err)
}

func (r *deptRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM department WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *deptRepoPG) List(ctx context.Context, activeOnly bool) ([]*Department, error) {
	query := deptSelect
	if activeOnly {
		query += ` WHERE dep.active`
	}
	rows, err := r.conn(ctx).Query(ctx, query+` ORDER BY dep.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var depts []*Department
	for rows.Next() {
		d, err := r.scanDept(rows)
		if err != nil {
			return nil, err
		}
		depts = append(depts, d)
	}
	return depts, rows.Err()
}

func (r *deptRepoPG) CountActiveDoctors(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM doctor WHERE department_id = $1 AND active`, id).Scan(&n)
	return n, err
}

// -- Oversight Repository --

type oversightRepoPG struct {
	pool *pgxpool.Pool
}

func NewOversightRepo(pool *pgxpool.Pool) OversightRepository {
	return &oversightRepoPG{pool: pool}
}

func (r *oversightRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const appointmentFrom = `
	FROM appointment a
	JOIN patient p ON p.id = a.patient_id
	JOIN doctor d ON d.id = a.doctor_id
	JOIN department dep ON dep.id = d.department_id`

const appointmentRowSelect = `SELECT a.id, a.booking_code, to_char(a.visit_date, 'YYYY-MM-DD'),
	a.slot_start, a.slot_end, a.status,
	a.patient_id, p.first_name || ' ' || p.last_name, p.mrn,
	a.doctor_id, d.first_name || ' ' || d.last_name, d.department_id, dep.name,
	a.reschedule_count, a.queue_number, a.checked_in_at, a.created_at` + appointmentFrom

func scanAppointmentRow(row pgx.Row) (*AppointmentRow, error) {
	var a AppointmentRow
	err := row.Scan(&a.ID, &a.BookingCode, &a.VisitDate,
		&a.SlotStart, &a.SlotEnd, &a.Status,
		&a.PatientID, &a.PatientName, &a.PatientMRN,
		&a.DoctorID, &a.DoctorName, &a.DepartmentID, &a.DepartmentName,
		&a.RescheduleCount, &a.QueueNumber, &a.CheckedInAt, &a.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func appointmentWhere(f AppointmentFilter) (string, []interface{}) {
	where := ` WHERE 1=1`
	var args []interface{}
	if f.From != "" {
		args = append(args, f.From)
		where += fmt.Sprintf(" AND a.visit_date >= $%d::date", len(args))
	}
	if f.To != "" {
		args = append(args, f.To)
		where += fmt.Sprintf(" AND a.visit_date <= $%d::date", len(args))
	}
	if f.DepartmentID != nil {
		args = append(args, *f.DepartmentID)
		where += fmt.Sprintf(" AND d.department_id = $%d", len(args))
	}
	if f.DoctorID != nil {
		args = append(args, *f.DoctorID)
		where += fmt.Sprintf(" AND a.doctor_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND a.status = $%d", len(args))
	}
	return where, args
}

func (r *oversightRepoPG) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*AppointmentRow, int, error) {
	where, args := appointmentWhere(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+appointmentFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := appointmentRowSelect + where +
		fmt.Sprintf(" ORDER BY a.visit_date DESC, a.slot_start, a.booking_code LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*AppointmentRow
	for rows.Next() {
		a, err := scanAppointmentRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *oversightRepoPG) EachAppointment(ctx context.Context, f AppointmentFilter, fn func(*AppointmentRow) error) error {
	where, args := appointmentWhere(f)
	rows, err := r.conn(ctx).Query(ctx,
		appointmentRowSelect+where+` ORDER BY a.visit_date, dep.name, a.slot_start, a.booking_code`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAppointmentRow(rows)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *oversightRepoPG) CountByDayDepartmentStatus(ctx context.Context, from, to string) ([]StatRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT to_char(a.visit_date, 'YYYY-MM-DD'), d.department_id, dep.name, a.status, COUNT(*)`+
		appointmentFrom+`
		WHERE a.visit_date BETWEEN $1::date AND $2::date
		GROUP BY a.visit_date, d.department_id, dep.name, a.status
		ORDER BY a.visit_date, dep.name, a.status`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatRow
	for rows.Next() {
		var s StatRow
		if err := rows.Scan(&s.Date, &s.DepartmentID, &s.DepartmentName, &s.Status, &s.Count); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// -- Audit Repository --

type auditRepoPG struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) AuditRepository {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const auditColumns = `id, user_id, role, action, path, method, status, remote_ip, request_id, created_at`

func (r *auditRepoPG) Insert(ctx context.Context, e *AuditLogEntry) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO audit_log (user_id, role, action, path, method, status, remote_ip, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		e.UserID, e.Role, e.Action, e.Path, e.Method, e.Status, e.RemoteIP, e.RequestID, e.CreatedAt,
	).Scan(&e.ID)
}

func (r *auditRepoPG) List(ctx context.Context, f AuditFilter, limit, offset int) ([]*AuditLogEntry, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	if f.UserID != nil {
		args = append(args, *f.UserID)
		where += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		where += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if f.Method != "" {
		args = append(args, f.Method)
		where += fmt.Sprintf(" AND method = $%d", len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		where += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := `SELECT ` + auditColumns + ` FROM audit_log` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Role, &e.Action, &e.Path, &e.Method,
			&e.Status, &e.RemoteIP, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
