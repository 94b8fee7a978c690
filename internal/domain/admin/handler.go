package admin

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
	api.GET("/departments", h.ListActiveDepartments)
	api.GET("/departments/:id", h.GetDepartment)

	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/departments", h.ListDepartments)
	admin.POST("/departments", h.CreateDepartment)
	admin.PUT("/departments/:id", h.UpdateDepartment)
	admin.DELETE("/departments/:id", h.DeleteDepartment)
	admin.GET("/appointments", h.ListAppointments)
	admin.GET("/stats", h.DailyStats)
	admin.GET("/audit", h.ListAuditLog)
	admin.POST("/reports/export", h.ExportAppointments)
	admin.GET("/reports/*", h.DownloadReport)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrDepartmentInUse):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return err
}

// -- Departments --

func (h *Handler) ListActiveDepartments(c echo.Context) error {
	depts, err := h.svc.ListDepartments(c.Request().Context(), true)
	if err != nil {
		return httpError(err)
	}
	if depts == nil {
		depts = []*Department{}
	}
	return c.JSON(http.StatusOK, depts)
}

func (h *Handler) ListDepartments(c echo.Context) error {
	activeOnly, err := httputil.QueryBool(c, "active", false)
	if err != nil {
		return err
	}
	depts, err := h.svc.ListDepartments(c.Request().Context(), activeOnly)
	if err != nil {
		return httpError(err)
	}
	if depts == nil {
		depts = []*Department{}
	}
	return c.JSON(http.StatusOK, depts)
}

func (h *Handler) GetDepartment(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	d, err := h.svc.GetDepartment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if !d.Active && auth.RoleFromContext(c.Request().Context()) != auth.RoleAdmin {
		return echo.NewHTTPError(http.StatusNotFound, "department not found")
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) CreateDepartment(c echo.Context) error {
	var req DepartmentRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	d, err := h.svc.CreateDepartment(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) UpdateDepartment(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	var req DepartmentRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	d, err := h.svc.UpdateDepartment(c.Request().Context(), id, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteDepartment(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteDepartment(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Oversight --

func (h *Handler) ListAppointments(c echo.Context) error {
	deptID, err := httputil.QueryUUID(c, "department_id")
	if err != nil {
		return err
	}
	doctorID, err := httputil.QueryUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	f := AppointmentFilter{
		From:         c.QueryParam("from"),
		To:           c.QueryParam("to"),
		DepartmentID: deptID,
		DoctorID:     doctorID,
		Status:       c.QueryParam("status"),
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*AppointmentRow{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) DailyStats(c echo.Context) error {
	st, err := h.svc.DailyStats(c.Request().Context(), c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ListAuditLog(c echo.Context) error {
	userID, err := httputil.QueryUUID(c, "user_id")
	if err != nil {
		return err
	}
	loc := h.svc.opts.Location
	since, err := httputil.QueryDate(c, "from", loc)
	if err != nil {
		return err
	}
	until, err := httputil.QueryDate(c, "to", loc)
	if err != nil {
		return err
	}
	if until != nil {
		// to is inclusive
		next := until.AddDate(0, 0, 1)
		until = &next
	}
	f := AuditFilter{
		UserID: userID,
		Action: c.QueryParam("action"),
		Method: c.QueryParam("method"),
		Since:  since,
		Until:  until,
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAuditLog(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*AuditLogEntry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Reports --

func (h *Handler) ExportAppointments(c echo.Context) error {
	var req ExportRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	report, err := h.svc.ExportAppointments(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, report)
}

// DownloadReport serves an exported file through the API, for stores that
// cannot hand out presigned links.
func (h *Handler) DownloadReport(c echo.Context) error {
	name := c.Param("*")
	rc, obj, err := h.svc.OpenReport(c.Request().Context(), name)
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()

	filename := name[strings.LastIndex(name, "/")+1:]
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return c.Stream(http.StatusOK, obj.ContentType, rc)
}
