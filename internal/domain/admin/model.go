package admin

import (
	"time"

	"github.com/google/uuid"
)

// Department maps to the department table. DoctorCount is filled by reads
// and counts active doctors.
type Department struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Code        string    `db:"code" json:"code"`
	Name        string    `db:"name" json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	Location    *string   `db:"location" json:"location,omitempty"`
	Active      bool      `db:"active" json:"active"`
	DoctorCount int       `db:"doctor_count" json:"doctor_count"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

type DepartmentRequest struct {
	Code        string  `json:"code" validate:"required,dept_code"`
	Name        string  `json:"name" validate:"required,max=128"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=2000"`
	Location    *string `json:"location,omitempty" validate:"omitempty,max=128"`
	Active      *bool   `json:"active,omitempty"`
}

// AppointmentRow is the admin read model of an appointment joined with its
// patient, doctor and department.
type AppointmentRow struct {
	ID              uuid.UUID  `json:"id"`
	BookingCode     string     `json:"booking_code"`
	VisitDate       string     `json:"visit_date"`
	SlotStart       string     `json:"slot_start"`
	SlotEnd         string     `json:"slot_end"`
	Status          string     `json:"status"`
	PatientID       uuid.UUID  `json:"patient_id"`
	PatientName     string     `json:"patient_name"`
	PatientMRN      string     `json:"patient_mrn"`
	DoctorID        uuid.UUID  `json:"doctor_id"`
	DoctorName      string     `json:"doctor_name"`
	DepartmentID    uuid.UUID  `json:"department_id"`
	DepartmentName  string     `json:"department_name"`
	RescheduleCount int        `json:"reschedule_count"`
	QueueNumber     *int       `json:"queue_number,omitempty"`
	CheckedInAt     *time.Time `json:"checked_in_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// AppointmentFilter selects appointments by visit date range (inclusive,
// YYYY-MM-DD) and optional department, doctor and status.
type AppointmentFilter struct {
	From         string
	To           string
	DepartmentID *uuid.UUID
	DoctorID     *uuid.UUID
	Status       string
}

// StatRow is one (day, department, status) count.
type StatRow struct {
	Date           string
	DepartmentID   uuid.UUID
	DepartmentName string
	Status         string
	Count          int
}

type DayStats struct {
	Date   string         `json:"date"`
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
}

type DepartmentStats struct {
	DepartmentID   uuid.UUID      `json:"department_id"`
	DepartmentName string         `json:"department_name"`
	Total          int            `json:"total"`
	Counts         map[string]int `json:"counts"`
}

type Stats struct {
	From        string            `json:"from"`
	To          string            `json:"to"`
	Total       int               `json:"total"`
	Counts      map[string]int    `json:"counts"`
	Days        []DayStats        `json:"days"`
	Departments []DepartmentStats `json:"departments"`
}

// AuditLogEntry maps to audit_log.
type AuditLogEntry struct {
	ID        int64      `db:"id" json:"id"`
	UserID    *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	Role      *string    `db:"role" json:"role,omitempty"`
	Action    string     `db:"action" json:"action"`
	Path      string     `db:"path" json:"path"`
	Method    string     `db:"method" json:"method"`
	Status    int        `db:"status" json:"status"`
	RemoteIP  *string    `db:"remote_ip" json:"remote_ip,omitempty"`
	RequestID *string    `db:"request_id" json:"request_id,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// AuditFilter narrows the audit trail. Since and Until bound created_at.
type AuditFilter struct {
	UserID *uuid.UUID
	Action string
	Method string
	Since  *time.Time
	Until  *time.Time
}

type ExportRequest struct {
	From string `json:"from" validate:"required,date"`
	To   string `json:"to" validate:"required,date"`
}

// Report describes an uploaded export. URL is empty when the store cannot
// presign; DownloadPath then serves the file through the API.
type Report struct {
	Key          string     `json:"key"`
	URL          string     `json:"url,omitempty"`
	DownloadPath string     `json:"download_path"`
	Rows         int        `json:"rows"`
	Size         int64      `json:"size"`
	ContentType  string     `json:"content_type"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
