package admin

import (
	"context"

	"github.com/google/uuid"
)

type DepartmentRepository interface {
	Create(ctx context.Context, d *Department) error
	GetByID(ctx context.Context, id uuid.UUID) (*Department, error)
	// GetForUpdate locks the department row until the transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Department, error)
	Update(ctx context.Context, d *Department) error
	// Delete returns ErrDepartmentInUse when doctors still reference it.
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, activeOnly bool) ([]*Department, error)
	CountActiveDoctors(ctx context.Context, id uuid.UUID) (int, error)
}

// OversightRepository reads appointments across doctors and departments.
type OversightRepository interface {
	ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*AppointmentRow, int, error)
	// EachAppointment streams every appointment matching f in visit order.
	EachAppointment(ctx context.Context, f AppointmentFilter, fn func(*AppointmentRow) error) error
	CountByDayDepartmentStatus(ctx context.Context, from, to string) ([]StatRow, error)
}

type AuditRepository interface {
	Insert(ctx context.Context, e *AuditLogEntry) error
	List(ctx context.Context, f AuditFilter, limit, offset int) ([]*AuditLogEntry, int, error)
}
