package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

func ValidRole(role string) bool {
	return role == RolePatient || role == RoleDoctor || role == RoleAdmin
}

// RequireRole admits callers holding one of roles. Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return requireRole(true, roles)
}

// RequireExactRole is RequireRole without the admin override, for routes
// that only make sense for the caller's own identity.
func RequireExactRole(roles ...string) echo.MiddlewareFunc {
	return requireRole(false, roles)
}

func requireRole(adminOverride bool, roles []string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			has := RoleFromContext(c.Request().Context())
			if has == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if adminOverride && has == RoleAdmin {
				return next(c)
			}
			for _, required := range roles {
				if has == required {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
