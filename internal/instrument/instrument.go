// Package instrument provides request tracing and HTTP metrics middleware.
package instrument

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// HeaderTraceID carries the request's trace id in both directions.
const HeaderTraceID = "X-Trace-ID"

const traceLocal = "trace_id"

// Trace assigns every request a ULID trace id. A well-formed inbound id is
// kept so callers can correlate their own logs.
func Trace() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(HeaderTraceID)
		if _, err := ulid.ParseStrict(id); err != nil {
			id = ulid.Make().String()
		}
		c.Locals(traceLocal, id)
		c.Set(HeaderTraceID, id)
		return c.Next()
	}
}

// TraceID returns the trace id assigned by Trace, or "".
func TraceID(c *fiber.Ctx) string {
	id, _ := c.Locals(traceLocal).(string)
	return id
}

// Metrics holds the HTTP request collectors.
type Metrics struct {
	inFlight prometheus.Gauge
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docaudit",
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docaudit",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docaudit",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.inFlight, m.requests, m.duration)
	return m
}

// Middleware records every request by method, route pattern and final
// status. Handler errors are rendered here so the recorded status matches
// the response.
func (m *Metrics) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		m.inFlight.Inc()
		defer m.inFlight.Dec()
		start := time.Now()

		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		// route pattern keeps label cardinality bounded
		route := c.Route().Path
		status := strconv.Itoa(c.Response().StatusCode())
		m.requests.WithLabelValues(c.Method(), route, status).Inc()
		m.duration.WithLabelValues(c.Method(), route, status).Observe(time.Since(start).Seconds())
		return nil
	}
}
