package identity

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/opd/opd/internal/platform/auth"
	"github.com/opd/opd/internal/platform/httputil"
	"github.com/opd/opd/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Public
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.GET("/doctors", h.ListDoctors)
	api.GET("/doctors/:id", h.GetDoctor)

	// Any signed-in user
	authed := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	authed.POST("/auth/logout", h.Logout)
	authed.GET("/auth/me", h.Me)
	authed.PUT("/auth/password", h.ChangePassword)

	patient := api.Group("/patients", auth.RequireExactRole(auth.RolePatient))
	patient.GET("/me", h.GetMyPatient)
	patient.PUT("/me", h.UpdateMyPatient)

	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/doctors", h.ListDoctorsAdmin)
	admin.POST("/doctors", h.CreateDoctor)
	admin.PUT("/doctors/:id", h.UpdateDoctor)
	admin.GET("/users", h.ListUsers)
	admin.PUT("/users/:id/status", h.SetUserStatus)
}

// httpError maps service errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrDepartmentNotFound):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrAccountSuspended), errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return err
}

// -- Auth --

func (h *Handler) Register(c echo.Context) error {
	var req RegisterPatientRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	profile, err := h.svc.RegisterPatient(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, profile)
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.svc.Logout(ctx, auth.SessionIDFromContext(ctx)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Me(c echo.Context) error {
	ctx := c.Request().Context()
	profile, err := h.svc.Me(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, profile)
}

func (h *Handler) ChangePassword(c echo.Context) error {
	var req ChangePasswordRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.ChangePassword(ctx, auth.UserIDFromContext(ctx), req.OldPassword, req.NewPassword); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Patients --

func (h *Handler) GetMyPatient(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := h.svc.GetMyPatient(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateMyPatient(c echo.Context) error {
	var req UpdatePatientRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.svc.UpdatePatientProfile(ctx, auth.UserIDFromContext(ctx), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Doctors --

func (h *Handler) ListDoctors(c echo.Context) error {
	return h.listDoctors(c, true)
}

func (h *Handler) ListDoctorsAdmin(c echo.Context) error {
	activeOnly, err := httputil.QueryBool(c, "active", false)
	if err != nil {
		return err
	}
	return h.listDoctors(c, activeOnly)
}

func (h *Handler) listDoctors(c echo.Context, activeOnly bool) error {
	deptID, err := httputil.QueryUUID(c, "department_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := DoctorFilter{
		DepartmentID: deptID,
		ActiveOnly:   activeOnly,
		Query:        strings.TrimSpace(c.QueryParam("q")),
	}
	items, total, err := h.svc.ListDoctors(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	d, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if !d.Active {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) CreateDoctor(c echo.Context) error {
	var req CreateDoctorRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	d, err := h.svc.CreateDoctor(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) UpdateDoctor(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	var req UpdateDoctorRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	d, err := h.svc.UpdateDoctor(c.Request().Context(), id, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Users --

func (h *Handler) ListUsers(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListUsers(c.Request().Context(), c.QueryParam("role"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) SetUserStatus(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	var req SetStatusRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	u, err := h.svc.SetUserStatus(ctx, auth.UserIDFromContext(ctx), id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, u)
}
