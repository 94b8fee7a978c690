package scheduling

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opd/opd/internal/platform/auth"
	"github.com/opd/opd/internal/platform/httputil"
	"github.com/opd/opd/internal/platform/websocket"
	"github.com/opd/opd/pkg/pagination"
)

type Handler struct {
	svc  *Service
	live *websocket.Server
}

// NewHandler wires the scheduling routes. live may be nil, in which case the
// queue socket route is not registered.
func NewHandler(svc *Service, live *websocket.Server) *Handler {
	return &Handler{svc: svc, live: live}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Public
	api.GET("/availability", h.SearchAvailability)
	api.GET("/schedules/:id/slots", h.ListSlots)

	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/appointments", h.Book)
	patient.POST("/appointments/:id/reschedule", h.Reschedule)
	patient.POST("/appointments/:id/cancel", h.Cancel)
	patient.POST("/checkin", h.CheckIn)

	mine := api.Group("", auth.RequireExactRole(auth.RolePatient))
	mine.GET("/appointments/mine", h.ListMine)

	viewer := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	viewer.GET("/appointments/:id", h.GetAppointment)
	viewer.GET("/appointments/code/:code", h.GetByCode)

	doctor := api.Group("/doctor", auth.RequireRole(auth.RoleDoctor))
	doctor.GET("/schedules", h.ListSchedules)
	doctor.POST("/schedules", h.CreateSchedule)
	doctor.PUT("/schedules/:id", h.UpdateSchedule)
	doctor.DELETE("/schedules/:id", h.DeleteSchedule)
	doctor.POST("/schedules/:id/close", h.CloseSchedule)
	doctor.POST("/schedules/:id/reopen", h.ReopenSchedule)
	doctor.GET("/queue", h.Queue)
	doctor.POST("/queue/next", h.CallNext)
	doctor.POST("/appointments/:id/complete", h.Complete)
	doctor.POST("/appointments/:id/no-show", h.MarkNoShow)
	if h.live != nil {
		doctor.GET("/queue/live", h.LiveQueue)
	}

	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/schedules", h.CreateSchedule)
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{UserID: auth.UserIDFromContext(ctx), Role: auth.RoleFromContext(ctx)}
}

var conflictErrors = []error{
	ErrConflict, ErrScheduleConflict, ErrScheduleClosed, ErrScheduleInUse,
	ErrSlotFull, ErrSlotPassed, ErrSlotNotStarted, ErrDuplicateBooking,
	ErrPatientConflict, ErrRescheduleLimit, ErrInvalidTransition, ErrCheckInClosed,
}

// httpError maps service errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrQueueEmpty):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
	}
	return err
}

// -- Availability --

func (h *Handler) SearchAvailability(c echo.Context) error {
	deptID, err := httputil.QueryUUID(c, "department_id")
	if err != nil {
		return err
	}
	doctorID, err := httputil.QueryUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	f := AvailabilityFilter{Date: c.QueryParam("date"), DepartmentID: deptID, DoctorID: doctorID}
	items, err := h.svc.SearchAvailability(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListSlots(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	av, err := h.svc.ListSlots(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, av)
}

// -- Schedules --

func (h *Handler) CreateSchedule(c echo.Context) error {
	var req ScheduleRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	sched, err := h.svc.CreateSchedule(c.Request().Context(), actorFrom(c), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sched)
}

func (h *Handler) ListSchedules(c echo.Context) error {
	doctorID, err := httputil.QueryUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListSchedules(c.Request().Context(), actorFrom(c), doctorID,
		c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Schedule{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) UpdateSchedule(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	var req ScheduleRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	sched, err := h.svc.UpdateSchedule(c.Request().Context(), actorFrom(c), id, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sched)
}

func (h *Handler) DeleteSchedule(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSchedule(c.Request().Context(), actorFrom(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CloseSchedule(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	sched, err := h.svc.CloseSchedule(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sched)
}

func (h *Handler) ReopenSchedule(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	sched, err := h.svc.ReopenSchedule(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sched)
}

// -- Appointments --

func (h *Handler) Book(c echo.Context) error {
	var req BookRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.Book(c.Request().Context(), actorFrom(c), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	var req RescheduleRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.Reschedule(c.Request().Context(), actorFrom(c), id, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	var req CancelRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.Cancel(c.Request().Context(), actorFrom(c), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) GetByCode(c echo.Context) error {
	appt, err := h.svc.GetByCode(c.Request().Context(), actorFrom(c), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListMine(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMyAppointments(c.Request().Context(), actorFrom(c),
		c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Queue --

func (h *Handler) CheckIn(c echo.Context) error {
	var req CheckInRequest
	if err := httputil.BindAndValidate(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.CheckIn(c.Request().Context(), actorFrom(c), req.BookingCode)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) Queue(c echo.Context) error {
	doctorID, err := httputil.QueryUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	view, err := h.svc.Queue(c.Request().Context(), actorFrom(c), doctorID, c.QueryParam("date"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) CallNext(c echo.Context) error {
	doctorID, err := httputil.QueryUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	appt, err := h.svc.CallNext(c.Request().Context(), actorFrom(c), doctorID, c.QueryParam("date"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.Complete(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	id, err := httputil.ParamUUID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.MarkNoShow(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

// LiveQueue upgrades to a websocket that receives the caller's queue events
// for today.
func (h *Handler) LiveQueue(c echo.Context) error {
	doctorID, err := httputil.QueryUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	id, err := h.svc.DoctorFor(c.Request().Context(), actorFrom(c), doctorID)
	if err != nil {
		return httpError(err)
	}
	return h.live.Serve(c, websocket.QueueTopic(id, h.svc.Today()))
}
