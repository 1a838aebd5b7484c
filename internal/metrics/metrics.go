// Package metrics exposes sync activity as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry implements the sync telemetry hooks on Prometheus counters.
type Telemetry struct {
	registry *prometheus.Registry

	rounds *prometheus.CounterVec
	items  *prometheus.CounterVec
	errors *prometheus.CounterVec
}

// NewTelemetry creates the collectors on a fresh registry.
func NewTelemetry() *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustmesh_sync_phases_total",
			Help: "Completed sync phases by namespace, phase and outcome.",
		}, []string{"namespace", "phase", "outcome"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustmesh_sync_items_total",
			Help: "Items moved by sync phases.",
		}, []string{"namespace", "phase"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustmesh_sync_errors_total",
			Help: "Errors raised inside sync phases.",
		}, []string{"namespace", "phase"}),
	}

	t.registry.MustRegister(t.rounds, t.items, t.errors)

	return t
}

// Handler serves the /metrics endpoint for this registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// OnSyncStart is a no-op; phases are counted on completion.
func (t *Telemetry) OnSyncStart(ns, phase string) {}

// OnSyncEnd records the phase outcome and the items it moved.
func (t *Telemetry) OnSyncEnd(ns, phase string, items int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	t.rounds.WithLabelValues(ns, phase, outcome).Inc()
	t.items.WithLabelValues(ns, phase).Add(float64(items))
}

// OnError counts a failure inside a phase.
func (t *Telemetry) OnError(ns, phase string, err error) {
	t.errors.WithLabelValues(ns, phase).Inc()
}
