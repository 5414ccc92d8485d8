package instrument

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrace(t *testing.T) {
	app := fiber.New()
	app.Use(Trace())
	var seen string
	app.Get("/", func(c *fiber.Ctx) error {
		seen = TraceID(c)
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatal(err)
	}
	generated := resp.Header.Get(HeaderTraceID)
	if _, err := ulid.ParseStrict(generated); err != nil {
		t.Fatalf("trace id %q is not a ULID: %v", generated, err)
	}
	if seen != generated {
		t.Errorf("handler saw %q, response carried %q", seen, generated)
	}

	inbound := ulid.Make().String()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderTraceID, inbound)
	resp, _ = app.Test(req)
	if got := resp.Header.Get(HeaderTraceID); got != inbound {
		t.Errorf("inbound id not kept: got %q, want %q", got, inbound)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderTraceID, "not a ulid")
	resp, _ = app.Test(req)
	if got := resp.Header.Get(HeaderTraceID); got == "not a ulid" || got == "" {
		t.Errorf("malformed inbound id kept: %q", got)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusTeapot).SendString(err.Error())
		},
	})
	app.Use(m.Middleware())
	app.Get("/api/:entity", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/boom", func(c *fiber.Ctx) error { return fiber.ErrBadRequest })

	for _, path := range []string{"/api/projects", "/api/rules"} {
		if _, err := app.Test(httptest.NewRequest("GET", path, nil)); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := app.Test(httptest.NewRequest("GET", "/boom", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d, want error handler status", resp.StatusCode)
	}

	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "/api/:entity", "200")); got != 2 {
		t.Errorf("GET /api/:entity 200 = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "/boom", "418")); got != 1 {
		t.Errorf("GET /boom 418 = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}
