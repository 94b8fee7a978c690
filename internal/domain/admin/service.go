package admin

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/platform/blobstore"
	"github.com/opd/opd/internal/platform/db"
	"github.com/opd/opd/internal/platform/middleware"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalid         = errors.New("invalid request")
	ErrDuplicate       = errors.New("already exists")
	ErrDepartmentInUse = errors.New("department is in use")
)

const (
	// MaxStatsDays bounds DailyStats ranges.
	MaxStatsDays = 366
	// MaxExportDays bounds report exports.
	MaxExportDays = 92

	reportPrefix      = "reports/"
	reportContentType = "text/csv; charset=utf-8"
	downloadPrefix    = "/api/v1/admin/reports/"
)

var deptCodeRE = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

// appointmentStatuses mirrors the appointment.status check constraint.
var appointmentStatuses = []string{"booked", "checked_in", "completed", "cancelled", "no_show"}

type Options struct {
	Location *time.Location
	// ReportURLExpiry is the lifetime of presigned report links.
	ReportURLExpiry time.Duration
}

type Service struct {
	depts     DepartmentRepository
	oversight OversightRepository
	audit     AuditRepository
	blobs     blobstore.BlobStore
	tx        db.TxRunner
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(depts DepartmentRepository, oversight OversightRepository, audit AuditRepository,
	blobs blobstore.BlobStore, tx db.TxRunner, opts Options, logger zerolog.Logger) *Service {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ReportURLExpiry <= 0 {
		opts.ReportURLExpiry = time.Hour
	}
	return &Service{
		depts:     depts,
		oversight: oversight,
		audit:     audit,
		blobs:     blobs,
		tx:        tx,
		opts:      opts,
		logger:    logger.With().Str("component", "admin").Logger(),
		now:       time.Now,
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (s *Service) today() string {
	return s.now().In(s.opts.Location).Format(time.DateOnly)
}

// dateRange validates an inclusive YYYY-MM-DD range of at most maxDays days.
func dateRange(from, to string, maxDays int) error {
	f, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return invalid("from must be YYYY-MM-DD")
	}
	t, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return invalid("to must be YYYY-MM-DD")
	}
	if t.Before(f) {
		return invalid("to must not be before from")
	}
	if days := int(t.Sub(f).Hours()/24) + 1; days > maxDays {
		return invalid("range covers %d days, at most %d allowed", days, maxDays)
	}
	return nil
}

// -- Departments --

func normalizeDepartment(req *DepartmentRequest) error {
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	if !deptCodeRE.MatchString(req.Code) {
		return invalid("code must be 2-10 uppercase letters or digits")
	}
	if req.Name == "" {
		return invalid("name is required")
	}
	return nil
}

func (s *Service) CreateDepartment(ctx context.Context, req *DepartmentRequest) (*Department, error) {
	if err := normalizeDepartment(req); err != nil {
		return nil, err
	}
	d := &Department{
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		Location:    req.Location,
		Active:      req.Active == nil || *req.Active,
	}
	if err := s.depts.Create(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info().Str("department_id", d.ID.String()).Str("code", d.Code).Msg("department created")
	return d, nil
}

func (s *Service) GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error) {
	return s.depts.GetByID(ctx, id)
}

func (s *Service) ListDepartments(ctx context.Context, activeOnly bool) ([]*Department, error) {
	return s.depts.List(ctx, activeOnly)
}

func (s *Service) UpdateDepartment(ctx context.Context, id uuid.UUID, req *DepartmentRequest) (*Department, error) {
	if err := normalizeDepartment(req); err != nil {
		return nil, err
	}
	var d *Department
	err := s.tx(ctx, func(ctx context.Context) error {
		var err error
		d, err = s.depts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		d.Code = req.Code
		d.Name = req.Name
		d.Description = req.Description
		d.Location = req.Location
		if req.Active != nil {
			d.Active = *req.Active
		}
		return s.depts.Update(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DeleteDepartment removes a department no active doctor belongs to.
// Inactive doctors still hold a foreign key and also block deletion.
func (s *Service) DeleteDepartment(ctx context.Context, id uuid.UUID) error {
	err := s.tx(ctx, func(ctx context.Context) error {
		if _, err := s.depts.GetForUpdate(ctx, id); err != nil {
			return err
		}
		n, err := s.depts.CountActiveDoctors(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %d active doctors", ErrDepartmentInUse, n)
		}
		return s.depts.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("department_id", id.String()).Msg("department deleted")
	return nil
}

// -- Oversight --

func validStatus(status string) bool {
	for _, st := range appointmentStatuses {
		if st == status {
			return true
		}
	}
	return false
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*AppointmentRow, int, error) {
	if f.From != "" {
		if _, err := time.Parse(time.DateOnly, f.From); err != nil {
			return nil, 0, invalid("from must be YYYY-MM-DD")
		}
	}
	if f.To != "" {
		if _, err := time.Parse(time.DateOnly, f.To); err != nil {
			return nil, 0, invalid("to must be YYYY-MM-DD")
		}
	}
	if f.From != "" && f.To != "" && f.To < f.From {
		return nil, 0, invalid("to must not be before from")
	}
	if f.Status != "" && !validStatus(f.Status) {
		return nil, 0, invalid("invalid status: %s", f.Status)
	}
	return s.oversight.ListAppointments(ctx, f, limit, offset)
}

func zeroCounts() map[string]int {
	m := make(map[string]int, len(appointmentStatuses))
	for _, st := range appointmentStatuses {
		m[st] = 0
	}
	return m
}

// DailyStats counts appointments per status for every day in [from, to]
// and per department. Both default to today. Days without appointments are
// included with zero counts.
func (s *Service) DailyStats(ctx context.Context, from, to string) (*Stats, error) {
	if from == "" {
		from = s.today()
	}
	if to == "" {
		to = from
	}
	if err := dateRange(from, to, MaxStatsDays); err != nil {
		return nil, err
	}
	rows, err := s.oversight.CountByDayDepartmentStatus(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return buildStats(from, to, rows), nil
}

func buildStats(from, to string, rows []StatRow) *Stats {
	st := &Stats{From: from, To: to, Counts: zeroCounts(), Departments: []DepartmentStats{}}

	dayIndex := make(map[string]int)
	start, _ := time.Parse(time.DateOnly, from)
	end, _ := time.Parse(time.DateOnly, to)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := d.Format(time.DateOnly)
		dayIndex[key] = len(st.Days)
		st.Days = append(st.Days, DayStats{Date: key, Counts: zeroCounts()})
	}

	deptIndex := make(map[uuid.UUID]int)
	for _, r := range rows {
		if i, ok := dayIndex[r.Date]; ok {
			st.Days[i].Counts[r.Status] += r.Count
			st.Days[i].Total += r.Count
		}
		i, ok := deptIndex[r.DepartmentID]
		if !ok {
			i = len(st.Departments)
			deptIndex[r.DepartmentID] = i
			st.Departments = append(st.Departments, DepartmentStats{
				DepartmentID:   r.DepartmentID,
				DepartmentName: r.DepartmentName,
				Counts:         zeroCounts(),
			})
		}
		st.Departments[i].Counts[r.Status] += r.Count
		st.Departments[i].Total += r.Count
		st.Counts[r.Status] += r.Count
		st.Total += r.Count
	}
	return st
}

// -- Audit --

func (s *Service) ListAuditLog(ctx context.Context, f AuditFilter, limit, offset int) ([]*AuditLogEntry, int, error) {
	if f.Since != nil && f.Until != nil && !f.Until.After(*f.Since) {
		return nil, 0, invalid("until must be after since")
	}
	f.Method = strings.ToUpper(f.Method)
	return s.audit.List(ctx, f, limit, offset)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// RecordAccess stores an audited request. It satisfies
// middleware.AuditRecorder.
func (s *Service) RecordAccess(ctx context.Context, entry middleware.AuditEntry) error {
	e := &AuditLogEntry{
		UserID:    entry.UserID,
		Role:      optional(entry.Role),
		Action:    entry.Action,
		Path:      entry.Path,
		Method:    entry.Method,
		Status:    entry.Status,
		RemoteIP:  optional(entry.RemoteIP),
		RequestID: optional(entry.RequestID),
		CreatedAt: entry.Timestamp,
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if err := s.audit.Insert(ctx, e); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// -- Reports --

var exportHeader = []string{
	"booking_code", "visit_date", "slot_start", "slot_end", "status",
	"department", "doctor", "patient_mrn", "patient", "reschedule_count",
	"queue_number", "checked_in_at", "booked_at",
}

// csvCell stops spreadsheets from evaluating free text as a formula.
func csvCell(v string) string {
	if v != "" && strings.ContainsRune("=+-@\t\r", rune(v[0])) {
		return "'" + v
	}
	return v
}

func (s *Service) exportRecord(a *AppointmentRow) []string {
	queue := ""
	if a.QueueNumber != nil {
		queue = strconv.Itoa(*a.QueueNumber)
	}
	checkedIn := ""
	if a.CheckedInAt != nil {
		checkedIn = a.CheckedInAt.In(s.opts.Location).Format(time.RFC3339)
	}
	return []string{
		a.BookingCode, a.VisitDate, a.SlotStart, a.SlotEnd, a.Status,
		csvCell(a.DepartmentName), csvCell(a.DoctorName), csvCell(a.PatientMRN), csvCell(a.PatientName),
		strconv.Itoa(a.RescheduleCount), queue, checkedIn,
		a.CreatedAt.In(s.opts.Location).Format(time.RFC3339),
	}
}

// ExportAppointments writes every appointment visiting in [from, to] as CSV
// to the blob store and returns where to fetch it.
func (s *Service) ExportAppointments(ctx context.Context, req *ExportRequest) (*Report, error) {
	if err := dateRange(req.From, req.To, MaxExportDays); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, err
	}
	rows := 0
	err := s.oversight.EachAppointment(ctx, AppointmentFilter{From: req.From, To: req.To}, func(a *AppointmentRow) error {
		rows++
		return w.Write(s.exportRecord(a))
	})
	if err != nil {
		return nil, fmt.Errorf("export appointments: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	now := s.now()
	key := fmt.Sprintf("%sappointments/%s_%s/%s-%s.csv", reportPrefix, req.From, req.To,
		now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	obj, err := s.blobs.Put(ctx, key, reportContentType, &buf, int64(buf.Len()))
	if err != nil {
		return nil, fmt.Errorf("upload report: %w", err)
	}

	report := &Report{
		Key:          obj.Key,
		DownloadPath: downloadPrefix + strings.TrimPrefix(obj.Key, reportPrefix),
		Rows:         rows,
		Size:         obj.Size,
		ContentType:  reportContentType,
		CreatedAt:    now.UTC(),
	}
	url, err := s.blobs.PresignedURL(ctx, key, s.opts.ReportURLExpiry)
	switch {
	case err == nil:
		exp := now.Add(s.opts.ReportURLExpiry).UTC()
		report.URL = url
		report.ExpiresAt = &exp
	case errors.Is(err, blobstore.ErrPresignUnsupported):
	default:
		s.logger.Warn().Err(err).Str("key", key).Msg("presign report failed")
	}

	s.logger.Info().Str("key", key).Int("rows", rows).Int64("size", obj.Size).Msg("report exported")
	return report, nil
}

// OpenReport streams a previously exported report. name is the key below
// the reports prefix.
func (s *Service) OpenReport(ctx context.Context, name string) (io.ReadCloser, *blobstore.Object, error) {
	key := reportPrefix + name
	if !blobstore.ValidKey(key) {
		return nil, nil, invalid("invalid report name")
	}
	rc, obj, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return rc, obj, nil
}
