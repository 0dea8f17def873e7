package telemetry

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

func newEcho(p *Provider) *echo.Echo {
	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/api/v1/patients/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
	})
	e.GET("/metrics", p.Handler())
	return e
}

func get(e *echo.Echo, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestMiddleware_RecordsByRoute(t *testing.T) {
	p := NewProvider(Config{ServiceVersion: "1.0.0"})
	e := newEcho(p)

	get(e, "/api/v1/patients/a")
	get(e, "/api/v1/patients/b")
	get(e, "/boom")

	if n := p.RequestCount(http.MethodGet, "/api/v1/patients/:id", http.StatusOK); n != 2 {
		t.Errorf("expected 2 requests on the route template, got %d", n)
	}
	if n := p.RequestCount(http.MethodGet, "/boom", http.StatusServiceUnavailable); n != 1 {
		t.Errorf("expected 1 failed request, got %d", n)
	}
	if n := p.RequestCount(http.MethodPost, "/boom", http.StatusOK); n != 0 {
		t.Errorf("expected no POST requests, got %d", n)
	}
}

func TestHandler_Exposition(t *testing.T) {
	p := NewProvider(Config{ServiceVersion: "1.0.0", Environment: "test"})
	p.Inc("events_published_total", "assessment.saved")
	p.Inc("events_published_total", "assessment.saved")
	p.RegisterGauge("db_pool_idle_connections", "Idle pool connections.", func() int64 { return 3 })
	e := newEcho(p)
	get(e, "/api/v1/patients/a")

	rec := get(e, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`service_info{service="cardiorisk-server",version="1.0.0",environment="test"} 1`,
		`http_server_request_duration_seconds_count{method="GET",route="/api/v1/patients/:id",status_code="200"} 1`,
		`http_server_request_duration_seconds_bucket{method="GET",route="/api/v1/patients/:id",status_code="200",le="+Inf"} 1`,
		`events_published_total{type="assessment.saved"} 2`,
		"db_pool_idle_connections 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected exposition to contain %q", want)
		}
	}
	if n := strings.Count(body, "# TYPE events_published_total counter"); n != 1 {
		t.Errorf("expected one TYPE line per counter family, got %d", n)
	}
}

func TestInc_Concurrent(t *testing.T) {
	p := NewProvider(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Inc("events_failed_total", "record.deleted")
		}()
	}
	wg.Wait()
	if n := p.Counter("events_failed_total", "record.deleted"); n != 50 {
		t.Errorf("expected 50, got %d", n)
	}
}

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{1, 5})
	h.observe(0.5)
	h.observe(3)
	h.observe(9)
	cum, count, sum := h.snapshot()
	if !slices.Equal(cum, []int64{1, 2}) {
		t.Errorf("expected cumulative buckets [1 2], got %v", cum)
	}
	if count != 3 || sum != 12.5 {
		t.Errorf("expected count 3 and sum 12.5, got %d and %v", count, sum)
	}
}
