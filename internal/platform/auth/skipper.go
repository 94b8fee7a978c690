package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicRoutes are the route patterns (as registered with echo) reachable
// without a session.
var publicRoutes = map[string]bool{
	"/health":                     true,
	"/health/db":                  true,
	"/metrics":                    true,
	"/api/v1/auth/register":       true,
	"/api/v1/auth/login":          true,
	"/api/v1/departments":         true,
	"/api/v1/departments/:id":     true,
	"/api/v1/doctors":             true,
	"/api/v1/doctors/:id":         true,
	"/api/v1/availability":        true,
	"/api/v1/schedules/:id/slots": true,
}

// AuthSkipper lets public routes and CORS preflights through SessionMiddleware.
func AuthSkipper(c echo.Context) bool {
	if c.Request().Method == "OPTIONS" {
		return true
	}
	return IsPublicPath(c.Path())
}

func IsPublicPath(path string) bool {
	return publicRoutes[strings.TrimSuffix(path, "/")]
}
