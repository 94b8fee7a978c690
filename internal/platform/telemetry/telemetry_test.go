package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opd/opd/internal/platform/events"
)

func newTestEcho(p *Provider) *echo.Echo {
	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/api/v1/appointments/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "appointment")
	})
	e.GET("/api/v1/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "slot full")
	})
	e.GET("/api/v1/boom", func(c echo.Context) error {
		return context.DeadlineExceeded
	})
	e.GET("/metrics", p.Handler())
	return e
}

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewProvider_Defaults(t *testing.T) {
	p := NewProvider(Config{})
	if p.cfg.ServiceVersion != "0.0.0" {
		t.Errorf("expected default version 0.0.0, got %q", p.cfg.ServiceVersion)
	}
	if p.cfg.Environment != "development" {
		t.Errorf("expected default environment development, got %q", p.cfg.Environment)
	}
	if p.Registry() == nil {
		t.Fatal("expected a registry")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	p := NewProvider(Config{Enabled: true})
	e := newTestEcho(p)

	for _, id := range []string{"a", "b", "c"} {
		if rec := get(e, "/api/v1/appointments/"+id); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}

	got := testutil.ToFloat64(p.requests.WithLabelValues(http.MethodGet, "/api/v1/appointments/:id", "200"))
	if got != 3 {
		t.Errorf("expected 3 requests on the route pattern, got %v", got)
	}
	if n := testutil.CollectAndCount(p.requests); n != 1 {
		t.Errorf("expected one label set, got %d", n)
	}
	if v := testutil.ToFloat64(p.active); v != 0 {
		t.Errorf("expected no active requests after completion, got %v", v)
	}
}

func TestMiddleware_ErrorStatus(t *testing.T) {
	p := NewProvider(Config{Enabled: true})
	e := newTestEcho(p)

	get(e, "/api/v1/fail")
	get(e, "/api/v1/boom")

	if v := testutil.ToFloat64(p.requests.WithLabelValues(http.MethodGet, "/api/v1/fail", "409")); v != 1 {
		t.Errorf("expected one 409, got %v", v)
	}
	if v := testutil.ToFloat64(p.requests.WithLabelValues(http.MethodGet, "/api/v1/boom", "500")); v != 1 {
		t.Errorf("expected one 500, got %v", v)
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	p := NewProvider(Config{Enabled: false})
	e := newTestEcho(p)

	get(e, "/api/v1/appointments/a")
	if n := testutil.CollectAndCount(p.requests); n != 0 {
		t.Errorf("expected nothing recorded, got %d series", n)
	}
}

func TestMiddleware_Concurrent(t *testing.T) {
	p := NewProvider(Config{Enabled: true})
	e := newTestEcho(p)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			get(e, "/api/v1/appointments/x")
		}()
	}
	wg.Wait()

	if v := testutil.ToFloat64(p.requests.WithLabelValues(http.MethodGet, "/api/v1/appointments/:id", "200")); v != 50 {
		t.Errorf("expected 50, got %v", v)
	}
}

func TestPublish_CountsEventTypes(t *testing.T) {
	p := NewProvider(Config{Enabled: true})
	var pub events.Publisher = p

	ctx := context.Background()
	pub.Publish(ctx, events.Event{Type: events.AppointmentBooked})
	pub.Publish(ctx, events.Event{Type: events.AppointmentBooked})
	pub.Publish(ctx, events.Event{Type: events.AppointmentCheckedIn})

	if v := testutil.ToFloat64(p.events.WithLabelValues(string(events.AppointmentBooked))); v != 2 {
		t.Errorf("expected 2 booked, got %v", v)
	}
	if v := testutil.ToFloat64(p.events.WithLabelValues(string(events.AppointmentCheckedIn))); v != 1 {
		t.Errorf("expected 1 checked in, got %v", v)
	}
}

func TestHandler_Exposition(t *testing.T) {
	p := NewProvider(Config{Enabled: true, ServiceVersion: "1.2.3", Environment: "test"})
	p.ObservePool(func() PoolStats { return PoolStats{Acquired: 3, Idle: 2, Total: 5} })
	p.Publish(context.Background(), events.Event{Type: events.AppointmentNoShow})
	e := newTestEcho(p)
	get(e, "/api/v1/appointments/a")

	rec := get(e, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`opd_build_info{environment="test",version="1.2.3"} 1`,
		`opd_http_requests_total{method="GET",route="/api/v1/appointments/:id",status_code="200"} 1`,
		`opd_http_request_duration_seconds_bucket{method="GET",route="/api/v1/appointments/:id",status_code="200",le="+Inf"} 1`,
		`opd_appointment_events_total{type="appointment.no_show"} 1`,
		`opd_db_pool_acquired_connections 3`,
		`opd_db_pool_idle_connections 2`,
		`opd_db_pool_total_connections 5`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
