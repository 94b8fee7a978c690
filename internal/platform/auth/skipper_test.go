package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestIsPublicPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/api/v1/auth/login", true},
		{"/api/v1/auth/register", true},
		{"/api/v1/auth/register/", true},
		{"/api/v1/doctors/:id", true},
		{"/api/v1/schedules/:id/slots", true},
		{"/api/v1/auth/me", false},
		{"/api/v1/appointments", false},
		{"/api/v1/admin/departments", false},
		{"/", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsPublicPath(tt.path); got != tt.want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestAuthSkipper_Preflight(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/appointments", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/v1/appointments")

	if !AuthSkipper(c) {
		t.Error("expected OPTIONS to be skipped")
	}
}
