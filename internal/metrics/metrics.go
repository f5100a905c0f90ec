// Package metrics exposes handoff broker counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ptyhandoff"

// Collectors holds the broker's Prometheus collectors. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	registrations *prometheus.CounterVec
	activations   *prometheus.CounterVec
	delivery      prometheus.Histogram
	active        prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrations_total",
				Help:      "Register calls by result (registered, ignored, invalid, failed).",
			},
			[]string{"result"},
		),
		activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activations_total",
				Help:      "Activations reaching the handoff handler by outcome.",
			},
			[]string{"outcome"},
		),
		delivery: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time from activation to the consumer callback returning.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registration_active",
				Help:      "1 while a registration holds the slot.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(c.registrations, c.activations, c.delivery, c.active)
	}
	return c
}

// Registration counts a Register call.
func (c *Collectors) Registration(result string) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(result).Inc()
}

// Activation counts an activation outcome.
func (c *Collectors) Activation(outcome string) {
	if c == nil {
		return
	}
	c.activations.WithLabelValues(outcome).Inc()
}

// ObserveDelivery records how long a successful delivery took.
func (c *Collectors) ObserveDelivery(d time.Duration) {
	if c == nil {
		return
	}
	c.delivery.Observe(d.Seconds())
}

// SetActive reports whether the slot is occupied.
func (c *Collectors) SetActive(active bool) {
	if c == nil {
		return
	}
	if active {
		c.active.Set(1)
	} else {
		c.active.Set(0)
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
