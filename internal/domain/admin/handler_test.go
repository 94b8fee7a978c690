package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opd/opd/internal/platform/auth"
	"github.com/opd/opd/internal/platform/httputil"
)

func newTestHandler() (*Handler, *echo.Echo, *testEnv) {
	env := newTestEnv()
	h := NewHandler(env.svc)
	e := echo.New()
	e.Validator = httputil.NewValidator()
	return h, e, env
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func expectStatus(t *testing.T, err error, want int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError with %d, got %v", want, err)
	}
	if he.Code != want {
		t.Errorf("expected %d, got %d (%v)", want, he.Code, he.Message)
	}
}

func TestHandler_CreateDepartment(t *testing.T) {
	h, e, _ := newTestHandler()

	body := `{"code":"CARD","name":"Cardiology","location":"Block B"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", body), rec)
	if err := h.CreateDepartment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var d Department
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.ID == uuid.Nil || d.Location == nil || *d.Location != "Block B" {
		t.Errorf("unexpected department %+v", d)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder())
	expectStatus(t, h.CreateDepartment(c), http.StatusConflict)
}

func TestHandler_CreateDepartment_Validation(t *testing.T) {
	h, e, _ := newTestHandler()
	for _, body := range []string{
		`{"name":"Cardiology"}`,
		`{"code":"card","name":"Cardiology"}`,
		`{"code":"CARD"}`,
		`{"code":`,
	} {
		c := e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder())
		expectStatus(t, h.CreateDepartment(c), http.StatusBadRequest)
	}
}

func TestHandler_UpdateAndDeleteDepartment(t *testing.T) {
	h, e, env := newTestHandler()
	d := env.mustDept(t, "CARD", "Cardiology")

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPut, "/", `{"code":"CARD","name":"Heart","active":false}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	if err := h.UpdateDepartment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Department
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Name != "Heart" || got.Active {
		t.Errorf("unexpected department %+v", got)
	}

	env.depts.doctors[d.ID] = 1
	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	expectStatus(t, h.DeleteDepartment(c), http.StatusConflict)

	env.depts.doctors[d.ID] = 0
	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	if err := h.DeleteDepartment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectStatus(t, h.DeleteDepartment(c), http.StatusBadRequest)
}

func TestHandler_GetDepartment_HidesInactive(t *testing.T) {
	h, e, env := newTestHandler()
	off := false
	d, _ := env.svc.CreateDepartment(context.Background(), &DepartmentRequest{Code: "OLD", Name: "Archive", Active: &off})

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	expectStatus(t, h.GetDepartment(c), http.StatusNotFound)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), uuid.New(), auth.RoleAdmin, "sid"))
	rec := httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	if err := h.GetDepartment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for admin, got %d", rec.Code)
	}
}

func TestHandler_ListAppointments(t *testing.T) {
	h, e, env := newTestHandler()
	card := env.mustDept(t, "CARD", "Cardiology")
	for i := 0; i < 3; i++ {
		env.oversight.rows = append(env.oversight.rows, row("2026-03-10", "booked", card, "c"))
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?from=2026-03-10&limit=2", nil), rec)
	if err := h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data    []AppointmentRow `json:"data"`
		Total   int              `json:"total"`
		HasMore bool             `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 3 || len(page.Data) != 2 || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?status=lost", nil), httptest.NewRecorder())
	expectStatus(t, h.ListAppointments(c), http.StatusBadRequest)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?doctor_id=x", nil), httptest.NewRecorder())
	expectStatus(t, h.ListAppointments(c), http.StatusBadRequest)
}

func TestHandler_DailyStats(t *testing.T) {
	h, e, _ := newTestHandler()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?from=2026-03-01&to=2026-03-07", nil), rec)
	if err := h.DailyStats(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st Stats
	json.Unmarshal(rec.Body.Bytes(), &st)
	if len(st.Days) != 7 || st.Counts["booked"] != 0 {
		t.Errorf("expected 7 empty days, got %+v", st)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?from=2026-03-07&to=2026-03-01", nil), httptest.NewRecorder())
	expectStatus(t, h.DailyStats(c), http.StatusBadRequest)
}

func TestHandler_ListAuditLog(t *testing.T) {
	h, e, env := newTestHandler()
	env.audit.entries = []*AuditLogEntry{{ID: 1, Action: "create", Method: "POST", Path: "/a", Status: 201}}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?method=post", nil), rec)
	if err := h.ListAuditLog(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one entry, got %s", rec.Body.String())
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?from=yesterday", nil), httptest.NewRecorder())
	expectStatus(t, h.ListAuditLog(c), http.StatusBadRequest)

	// A single day is a valid range since to is inclusive.
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?from=2026-03-10&to=2026-03-10", nil), httptest.NewRecorder())
	if err := h.ListAuditLog(c); err != nil {
		t.Errorf("unexpected error for single day: %v", err)
	}
}

func TestHandler_ExportAndDownload(t *testing.T) {
	h, e, env := newTestHandler()
	card := env.mustDept(t, "CARD", "Cardiology")
	env.oversight.rows = []*AppointmentRow{row("2026-03-10", "booked", card, "260310-AAAAAA")}

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"from":"2026-03-10","to":"2026-03-10"}`), rec)
	if err := h.ExportAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var report Report
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.Rows != 1 || report.DownloadPath == "" {
		t.Fatalf("unexpected report %+v", report)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, report.DownloadPath, nil), rec)
	c.SetParamNames("*")
	c.SetParamValues(strings.TrimPrefix(report.DownloadPath, "/api/v1/admin/reports/"))
	if err := h.DownloadReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), "text/csv") {
		t.Errorf("unexpected content type %q", rec.Header().Get(echo.HeaderContentType))
	}
	if !strings.HasPrefix(rec.Header().Get(echo.HeaderContentDisposition), `attachment; filename="`) {
		t.Errorf("missing content disposition")
	}
	if !strings.Contains(rec.Body.String(), "260310-AAAAAA") {
		t.Errorf("expected booking code in report, got %s", rec.Body.String())
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/", `{"from":"2026-03-10"}`), httptest.NewRecorder())
	expectStatus(t, h.ExportAppointments(c), http.StatusBadRequest)
}

func TestHandler_DownloadReport_NotFound(t *testing.T) {
	h, e, _ := newTestHandler()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("*")
	c.SetParamValues("appointments/missing.csv")
	expectStatus(t, h.DownloadReport(c), http.StatusNotFound)
}

func identityFromHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		role := c.Request().Header.Get("X-Test-Role")
		if role == "" {
			return next(c)
		}
		req := c.Request()
		c.SetRequest(req.WithContext(auth.WithIdentity(req.Context(), uuid.New(), role, "sid")))
		return next(c)
	}
}

func TestRegisterRoutes_RoleGuards(t *testing.T) {
	h, e, env := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1", identityFromHeaders))
	env.mustDept(t, "CARD", "Cardiology")

	tests := []struct {
		name   string
		method string
		path   string
		role   string
		want   int
	}{
		{"public departments", http.MethodGet, "/api/v1/departments", "", http.StatusOK},
		{"anonymous admin list", http.MethodGet, "/api/v1/admin/departments", "", http.StatusUnauthorized},
		{"patient admin list", http.MethodGet, "/api/v1/admin/departments", auth.RolePatient, http.StatusForbidden},
		{"doctor stats", http.MethodGet, "/api/v1/admin/stats", auth.RoleDoctor, http.StatusForbidden},
		{"admin stats", http.MethodGet, "/api/v1/admin/stats", auth.RoleAdmin, http.StatusOK},
		{"admin audit", http.MethodGet, "/api/v1/admin/audit", auth.RoleAdmin, http.StatusOK},
		{"admin appointments", http.MethodGet, "/api/v1/admin/appointments", auth.RoleAdmin, http.StatusOK},
		{"doctor download", http.MethodGet, "/api/v1/admin/reports/appointments/x.csv", auth.RoleDoctor, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.role != "" {
				req.Header.Set("X-Test-Role", tt.role)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
