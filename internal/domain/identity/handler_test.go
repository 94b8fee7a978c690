package identity

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

func newTestHandler() (*Handler, *echo.Echo) {
	h, e, _ := newTestHandlerEnv()
	return h, e
}

func newTestHandlerEnv() (*Handler, *echo.Echo, *testEnv) {
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

func withUser(req *http.Request, userID uuid.UUID, role string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), userID, role, "sid-"+userID.String()))
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

func TestHandler_Register(t *testing.T) {
	h, e := newTestHandler()

	body := `{"username":"ana","password":"password123","first_name":"Ana","last_name":"Silva"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/auth/register", body), rec)

	if err := h.Register(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var profile Profile
	json.Unmarshal(rec.Body.Bytes(), &profile)
	if profile.Patient == nil || !strings.HasPrefix(profile.Patient.MRN, "MRN") {
		t.Errorf("expected patient with MRN, got %+v", profile.Patient)
	}
	if strings.Contains(rec.Body.String(), "password_hash") {
		t.Error("password hash leaked in response")
	}
}

func TestHandler_Register_BadRequest(t *testing.T) {
	h, e := newTestHandler()

	body := `{"username":"ana","password":"short","first_name":"Ana","last_name":"Silva"}`
	c := e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder())
	expectStatus(t, h.Register(c), http.StatusBadRequest)
}

func TestHandler_Register_Conflict(t *testing.T) {
	h, e := newTestHandler()
	body := `{"username":"ana","password":"password123","first_name":"Ana","last_name":"Silva"}`

	c := e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder())
	if err := h.Register(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c = e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder())
	expectStatus(t, h.Register(c), http.StatusConflict)
}

func TestHandler_Login(t *testing.T) {
	h, e, env := newTestHandlerEnv()
	env.svc.RegisterPatient(context.Background(), registerReq("ana"))

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"username":"ana","password":"password123"}`), rec)
	if err := h.Login(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var res LoginResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Token == "" {
		t.Error("expected token")
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/", `{"username":"ana","password":"nope-nope"}`), httptest.NewRecorder())
	expectStatus(t, h.Login(c), http.StatusUnauthorized)
}

func TestHandler_Login_Suspended(t *testing.T) {
	h, e, env := newTestHandlerEnv()
	ctx := context.Background()
	profile, _ := env.svc.RegisterPatient(ctx, registerReq("ana"))
	env.users.UpdateStatus(ctx, profile.User.ID, StatusSuspended)

	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"username":"ana","password":"password123"}`), httptest.NewRecorder())
	expectStatus(t, h.Login(c), http.StatusForbidden)
}

func TestHandler_LogoutAndMe(t *testing.T) {
	h, e, env := newTestHandlerEnv()
	ctx := context.Background()
	profile, _ := env.svc.RegisterPatient(ctx, registerReq("ana"))
	res, _ := env.svc.Login(ctx, "ana", "password123")
	claims, _ := env.tokens.Parse(res.Token)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), profile.User.ID, auth.RolePatient, claims.SessionID))
	rec := httptest.NewRecorder()
	if err := h.Me(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), profile.User.ID, auth.RolePatient, claims.SessionID))
	rec = httptest.NewRecorder()
	if err := h.Logout(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if env.sessions.Len() != 0 {
		t.Error("expected session removed on logout")
	}
}

func TestHandler_UpdateMyPatient(t *testing.T) {
	h, e, env := newTestHandlerEnv()
	profile, _ := env.svc.RegisterPatient(context.Background(), registerReq("ana"))

	body := `{"first_name":"Ana","last_name":"Costa","gender":"female","birth_date":"1990-05-01"}`
	req := withUser(jsonRequest(http.MethodPut, "/api/v1/patients/me", body), profile.User.ID, auth.RolePatient)
	rec := httptest.NewRecorder()
	if err := h.UpdateMyPatient(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var p Patient
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.LastName != "Costa" || p.BirthDate == nil || *p.BirthDate != "1990-05-01" {
		t.Errorf("unexpected patient %+v", p)
	}

	req = withUser(jsonRequest(http.MethodPut, "/", `{"first_name":"Ana","last_name":"Costa","birth_date":"01-05-1990"}`),
		profile.User.ID, auth.RolePatient)
	expectStatus(t, h.UpdateMyPatient(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
}

func TestHandler_GetDoctor(t *testing.T) {
	h, e, env := newTestHandlerEnv()
	deptID := uuid.New()
	env.doctors.departments[deptID] = "Pediatrics"
	d, _ := env.svc.CreateDoctor(context.Background(), &CreateDoctorRequest{
		Username: "dr.p", Password: "password123", DepartmentID: deptID,
		Code: "P1", FirstName: "Pat", LastName: "Doe",
	})

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	if err := h.GetDoctor(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectStatus(t, h.GetDoctor(c), http.StatusBadRequest)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectStatus(t, h.GetDoctor(c), http.StatusNotFound)
}

func TestHandler_CreateDoctor_UnknownDepartment(t *testing.T) {
	h, e := newTestHandler()

	body := `{"username":"dr.x","password":"password123","department_id":"` + uuid.New().String() +
		`","code":"X1","first_name":"X","last_name":"Y"}`
	c := e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder())
	expectStatus(t, h.CreateDoctor(c), http.StatusBadRequest)
}

func TestHandler_ListDoctors(t *testing.T) {
	h, e, env := newTestHandlerEnv()
	deptID := uuid.New()
	env.doctors.departments[deptID] = "ENT"
	env.svc.CreateDoctor(context.Background(), &CreateDoctorRequest{
		Username: "dr.e", Password: "password123", DepartmentID: deptID,
		Code: "E1", FirstName: "E", LastName: "N",
	})

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?department_id="+deptID.String(), nil), rec)
	if err := h.ListDoctors(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Errorf("expected 1 doctor, got %d", page.Total)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?department_id=bad", nil), httptest.NewRecorder())
	expectStatus(t, h.ListDoctors(c), http.StatusBadRequest)
}

func TestHandler_SetUserStatus(t *testing.T) {
	h, e, env := newTestHandlerEnv()
	ctx := context.Background()
	admin, _ := env.svc.CreateAdmin(ctx, "root", "password123")
	profile, _ := env.svc.RegisterPatient(ctx, registerReq("ana"))

	req := withUser(jsonRequest(http.MethodPut, "/", `{"status":"suspended"}`), admin.ID, auth.RoleAdmin)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(profile.User.ID.String())
	if err := h.SetUserStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req = withUser(jsonRequest(http.MethodPut, "/", `{"status":"gone"}`), admin.ID, auth.RoleAdmin)
	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(profile.User.ID.String())
	expectStatus(t, h.SetUserStatus(c), http.StatusBadRequest)
}
