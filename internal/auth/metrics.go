package auth

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts authentication outcomes per credential method.
type Metrics struct {
	attempts *prometheus.CounterVec
}

// NewMetrics registers the auth counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docaudit",
				Subsystem: "auth",
				Name:      "attempts_total",
				Help:      "Authentication attempts by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
	}
	reg.MustRegister(m.attempts)
	return m
}

func (m *Metrics) observe(method string, err error) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(method, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExpiredToken):
		return "expired"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	case errors.Is(err, ErrUnauthorized):
		return "missing"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrServiceUnavailable):
		return "unconfigured"
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}
