package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opd/opd/internal/platform/db"
)

// mapErr translates driver errors into package sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case db.IsUniqueViolation(err):
		switch db.ConstraintName(err) {
		case "patient_mrn_key":
			return errMRNTaken
		case "app_user_username_key":
			return fmt.Errorf("%w: username already taken", ErrDuplicate)
		case "doctor_code_key":
			return fmt.Errorf("%w: doctor code already in use", ErrDuplicate)
		}
		return ErrDuplicate
	case db.IsForeignKeyViolation(err):
		return ErrDepartmentNotFound
	}
	return err
}

// -- User Repository --

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const userColumns = `id, username, password_hash, role, status, display_name,
	email, phone, last_login_at, created_at, updated_at`

func (r *userRepoPG) scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Status, &u.DisplayName,
		&u.Email, &u.Phone, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO app_user (id, username, password_hash, role, status, display_name, email, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.Status, u.DisplayName, u.Email, u.Phone,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	return mapErr(err)
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM app_user WHERE id = $1`, id))
}

func (r *userRepoPG) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx,
		`SELECT `+userColumns+` FROM app_user WHERE lower(username) = lower($1)`, username))
}

func (r *userRepoPG) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	return r.exec(ctx, `UPDATE app_user SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
}

func (r *userRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.exec(ctx, `UPDATE app_user SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
}

func (r *userRepoPG) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, `UPDATE app_user SET last_login_at = $2 WHERE id = $1`, id, at)
}

func (r *userRepoPG) exec(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepoPG) List(ctx context.Context, role string, limit, offset int) ([]*User, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	if role != "" {
		args = append(args, role)
		where += fmt.Sprintf(" AND role = $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM app_user`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := `SELECT ` + userColumns + ` FROM app_user` + where +
		fmt.Sprintf(" ORDER BY username LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// -- Patient Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientColumns = `id, user_id, mrn, first_name, last_name, to_char(birth_date, 'YYYY-MM-DD'),
	gender, phone, email, national_id, created_at, updated_at`

func (r *patientRepoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.UserID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate,
		&p.Gender, &p.Phone, &p.Email, &p.NationalID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

// Create skips the row on an MRN collision instead of raising, so the caller
// can retry with another MRN inside the same transaction.
func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, user_id, mrn, first_name, last_name, birth_date,
			gender, phone, email, national_id)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9, $10)
		ON CONFLICT (mrn) DO NOTHING
		RETURNING created_at, updated_at`,
		p.ID, p.UserID, p.MRN, p.FirstName, p.LastName, p.BirthDate,
		p.Gender, p.Phone, p.Email, p.NationalID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errMRNTaken
	}
	return mapErr(err)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientColumns+` FROM patient WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByUserID(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	return r.scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientColumns+` FROM patient WHERE user_id = $1`, userID))
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET
			first_name = $2, last_name = $3, birth_date = $4::date, gender = $5,
			phone = $6, email = $7, national_id = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.FirstName, p.LastName, p.BirthDate, p.Gender,
		p.Phone, p.Email, p.NationalID,
	).Scan(&p.UpdatedAt)
	return mapErr(err)
}

// -- Doctor Repository --

type doctorRepoPG struct {
	pool *pgxpool.Pool
}

func NewDoctorRepo(pool *pgxpool.Pool) DoctorRepository {
	return &doctorRepoPG{pool: pool}
}

func (r *doctorRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const doctorSelect = `SELECT d.id, d.user_id, d.department_id, dep.name, d.code,
	d.first_name, d.last_name, d.title, d.specialty, d.bio, d.active, d.created_at, d.updated_at
	FROM doctor d JOIN department dep ON dep.id = d.department_id`

func (r *doctorRepoPG) scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.UserID, &d.DepartmentID, &d.DepartmentName, &d.Code,
		&d.FirstName, &d.LastName, &d.Title, &d.Specialty, &d.Bio, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor (id, user_id, department_id, code, first_name, last_name,
			title, specialty, bio, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		d.ID, d.UserID, d.DepartmentID, d.Code, d.FirstName, d.LastName,
		d.Title, d.Specialty, d.Bio, d.Active,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	return mapErr(err)
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return r.scanDoctor(r.conn(ctx).QueryRow(ctx, doctorSelect+` WHERE d.id = $1`, id))
}

func (r *doctorRepoPG) GetByUserID(ctx context.Context, userID uuid.UUID) (*Doctor, error) {
	return r.scanDoctor(r.conn(ctx).QueryRow(ctx, doctorSelect+` WHERE d.user_id = $1`, userID))
}

func (r *doctorRepoPG) Update(ctx context.Context, d *Doctor) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE doctor SET
			department_id = $2, first_name = $3, last_name = $4, title = $5,
			specialty = $6, bio = $7, active = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		d.ID, d.DepartmentID, d.FirstName, d.LastName, d.Title,
		d.Specialty, d.Bio, d.Active,
	).Scan(&d.UpdatedAt)
	return mapErr(err)
}

func (r *doctorRepoPG) List(ctx context.Context, f DoctorFilter, limit, offset int) ([]*Doctor, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.DepartmentID != nil {
		where += fmt.Sprintf(" AND d.department_id = $%d", idx)
		args = append(args, *f.DepartmentID)
		idx++
	}
	if f.ActiveOnly {
		where += " AND d.active AND dep.active"
	}
	if f.Query != "" {
		where += fmt.Sprintf(" AND (d.first_name ILIKE $%d OR d.last_name ILIKE $%d OR d.specialty ILIKE $%d)", idx, idx, idx)
		args = append(args, "%"+f.Query+"%")
		idx++
	}

	var total int
	countSQL := `SELECT COUNT(*) FROM doctor d JOIN department dep ON dep.id = d.department_id` + where
	if err := r.conn(ctx).QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := doctorSelect + where + fmt.Sprintf(" ORDER BY d.last_name, d.first_name LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var doctors []*Doctor
	for rows.Next() {
		d, err := r.scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		doctors = append(doctors, d)
	}
	return doctors, total, rows.Err()
}
