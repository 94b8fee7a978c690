package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/platform/auth"
)

// AuditEntry is one audited request.
type AuditEntry struct {
	UserID    *uuid.UUID
	Role      string
	Action    string // create, update, delete, read
	Route     string // route pattern, e.g. /api/v1/appointments/:id/cancel
	Path      string
	Method    string
	Status    int
	RemoteIP  string
	RequestID string
	Timestamp time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// Audit records every state-changing /api/v1 request and every request to
// /api/v1/admin. A failing recorder is logged and never fails the request.
// The structured log line is emitted with or without a recorder.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			// read the context after next: earlier middleware may have replaced the request
			ctx := c.Request().Context()
			entry := AuditEntry{
				Role:      auth.RoleFromContext(ctx),
				Action:    httpMethodToAction(req.Method),
				Route:     c.Path(),
				Path:      req.URL.Path,
				Method:    req.Method,
				Status:    responseStatus(c, err),
				RemoteIP:  c.RealIP(),
				RequestID: GetRequestID(c),
				Timestamp: time.Now().UTC(),
			}
			if uid := auth.UserIDFromContext(ctx); uid != uuid.Nil {
				entry.UserID = &uid
			}

			if recorder != nil {
				// detached so a cancelled request still leaves its trail
				recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				if recErr := recorder.RecordAccess(recCtx, entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
				cancel()
			}

			evt := logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("role", entry.Role).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("route", entry.Route).
				Str("path", entry.Path).
				Str("remote_ip", entry.RemoteIP).
				Int("status", entry.Status)
			if entry.UserID != nil {
				evt = evt.Str("user_id", entry.UserID.String())
			}
			evt.Msg("audit")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if !strings.HasPrefix(path, "/api/v1/") {
		return false
	}
	if strings.HasPrefix(path, "/api/v1/admin/") {
		return true
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// responseStatus is the status the client will see. When the handler
// returned an error the response has not been written yet.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
