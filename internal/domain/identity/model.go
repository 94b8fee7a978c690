package identity

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

var validUserStatuses = map[string]bool{
	StatusActive: true, StatusSuspended: true,
}

var validGenders = map[string]bool{
	"male": true, "female": true, "other": true, "unknown": true,
}

// User maps to the app_user table.
type User struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Username     string     `db:"username" json:"username"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Role         string     `db:"role" json:"role"`
	Status       string     `db:"status" json:"status"`
	DisplayName  string     `db:"display_name" json:"display_name"`
	Email        *string    `db:"email" json:"email,omitempty"`
	Phone        *string    `db:"phone" json:"phone,omitempty"`
	LastLoginAt  *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

func (u *User) Active() bool { return u.Status == StatusActive }

// Patient maps to the patient table. BirthDate is YYYY-MM-DD.
type Patient struct {
	ID         uuid.UUID `db:"id" json:"id"`
	UserID     uuid.UUID `db:"user_id" json:"user_id"`
	MRN        string    `db:"mrn" json:"mrn"`
	FirstName  string    `db:"first_name" json:"first_name"`
	LastName   string    `db:"last_name" json:"last_name"`
	BirthDate  *string   `db:"birth_date" json:"birth_date,omitempty"`
	Gender     *string   `db:"gender" json:"gender,omitempty"`
	Phone      *string   `db:"phone" json:"phone,omitempty"`
	Email      *string   `db:"email" json:"email,omitempty"`
	NationalID *string   `db:"national_id" json:"national_id,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

func (p *Patient) FullName() string { return p.FirstName + " " + p.LastName }

// Doctor maps to the doctor table. DepartmentName is filled by reads only.
type Doctor struct {
	ID             uuid.UUID `db:"id" json:"id"`
	UserID         uuid.UUID `db:"user_id" json:"user_id"`
	DepartmentID   uuid.UUID `db:"department_id" json:"department_id"`
	DepartmentName string    `db:"department_name" json:"department_name,omitempty"`
	Code           string    `db:"code" json:"code"`
	FirstName      string    `db:"first_name" json:"first_name"`
	LastName       string    `db:"last_name" json:"last_name"`
	Title          *string   `db:"title" json:"title,omitempty"`
	Specialty      *string   `db:"specialty" json:"specialty,omitempty"`
	Bio            *string   `db:"bio" json:"bio,omitempty"`
	Active         bool      `db:"active" json:"active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

func (d *Doctor) FullName() string { return d.FirstName + " " + d.LastName }

// DoctorFilter narrows ListDoctors.
type DoctorFilter struct {
	DepartmentID *uuid.UUID
	ActiveOnly   bool
	Query        string
}

// Profile is the response of GET /auth/me.
type Profile struct {
	User    *User    `json:"user"`
	Patient *Patient `json:"patient,omitempty"`
	Doctor  *Doctor  `json:"doctor,omitempty"`
}

// LoginResult carries the bearer token for a new session.
type LoginResult struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

type RegisterPatientRequest struct {
	Username   string  `json:"username" validate:"required,min=3,max=64"`
	Password   string  `json:"password" validate:"required,min=8,max=72"`
	FirstName  string  `json:"first_name" validate:"required,max=64"`
	LastName   string  `json:"last_name" validate:"required,max=64"`
	BirthDate  *string `json:"birth_date,omitempty" validate:"omitempty,date"`
	Gender     *string `json:"gender,omitempty" validate:"omitempty,oneof=male female other unknown"`
	Phone      *string `json:"phone,omitempty" validate:"omitempty,phone"`
	Email      *string `json:"email,omitempty" validate:"omitempty,email"`
	NationalID *string `json:"national_id,omitempty" validate:"omitempty,max=32"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=72"`
}

type UpdatePatientRequest struct {
	FirstName  string  `json:"first_name" validate:"required,max=64"`
	LastName   string  `json:"last_name" validate:"required,max=64"`
	BirthDate  *string `json:"birth_date,omitempty" validate:"omitempty,date"`
	Gender     *string `json:"gender,omitempty" validate:"omitempty,oneof=male female other unknown"`
	Phone      *string `json:"phone,omitempty" validate:"omitempty,phone"`
	Email      *string `json:"email,omitempty" validate:"omitempty,email"`
	NationalID *string `json:"national_id,omitempty" validate:"omitempty,max=32"`
}

type CreateDoctorRequest struct {
	Username     string    `json:"username" validate:"required,min=3,max=64"`
	Password     string    `json:"password" validate:"required,min=8,max=72"`
	DepartmentID uuid.UUID `json:"department_id" validate:"required"`
	Code         string    `json:"code" validate:"required,min=2,max=16"`
	FirstName    string    `json:"first_name" validate:"required,max=64"`
	LastName     string    `json:"last_name" validate:"required,max=64"`
	Title        *string   `json:"title,omitempty" validate:"omitempty,max=32"`
	Specialty    *string   `json:"specialty,omitempty" validate:"omitempty,max=128"`
	Bio          *string   `json:"bio,omitempty"`
	Email        *string   `json:"email,omitempty" validate:"omitempty,email"`
	Phone        *string   `json:"phone,omitempty" validate:"omitempty,phone"`
}

type UpdateDoctorRequest struct {
	DepartmentID uuid.UUID `json:"department_id" validate:"required"`
	FirstName    string    `json:"first_name" validate:"required,max=64"`
	LastName     string    `json:"last_name" validate:"required,max=64"`
	Title        *string   `json:"title,omitempty" validate:"omitempty,max=32"`
	Specialty    *string   `json:"specialty,omitempty" validate:"omitempty,max=128"`
	Bio          *string   `json:"bio,omitempty"`
	Active       *bool     `json:"active,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active suspended"`
}
