// Package metrics is the process-wide, concurrent-safe metrics
// registry (§5, §9's "replace the global mutable metrics table"). One
// Registry is constructed at startup and an owned handle is passed
// explicitly to the server and every worker — never retrieved from a
// package-level singleton.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/retcon/retcon/internal/model"
)

// Registry holds every counter and gauge Retcon exposes, backed by
// prometheus/client_golang, the metrics library both gocardless/theatre
// and chalkan3/sloth-runner depend on directly.
type Registry struct {
	reg *prometheus.Registry

	Created        *prometheus.CounterVec
	Updated        *prometheus.CounterVec
	Deleted        *prometheus.CounterVec
	Conflicts      *prometheus.CounterVec
	Resolutions    *prometheus.CounterVec
	SourceErrors   *prometheus.CounterVec
	InvariantFatal prometheus.Counter
	QueueDepth     prometheus.Gauge
	InFlight       prometheus.Gauge
}

// NewRegistry constructs and registers every metric on a fresh
// prometheus.Registry (not the global DefaultRegisterer, so that tests
// and multiple instances in one process never collide).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		Created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retcon", Name: "entity_created_total",
			Help: "Entities created via the Create state, by entity.",
		}, []string{"entity"}),
		Updated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retcon", Name: "entity_updated_total",
			Help: "Entities converged via the Update state, by entity.",
		}, []string{"entity"}),
		Deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retcon", Name: "entity_deleted_total",
			Help: "Entities removed via the Delete state, by entity.",
		}, []string{"entity"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retcon", Name: "conflicts_recorded_total",
			Help: "Conflicts parked for operator resolution, by entity.",
		}, []string{"entity"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retcon", Name: "conflicts_resolved_total",
			Help: "Conflicts resolved via the RESOLVE protocol call, by entity.",
		}, []string{"entity"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retcon", Name: "source_errors_total",
			Help: "DataSource call failures, by entity and source.",
		}, []string{"entity", "source"}),
		InvariantFatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "retcon", Name: "invariant_violations_total",
			Help: "Store invariant violations observed; each is logged loudly and never retried.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "retcon", Name: "queue_depth",
			Help: "Items currently waiting in the work queue.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "retcon", Name: "reconciliations_in_flight",
			Help: "Reconciliation steps currently executing across all workers.",
		}),
	}

	reg.MustRegister(
		m.Created, m.Updated, m.Deleted, m.Conflicts, m.Resolutions,
		m.SourceErrors, m.InvariantFatal, m.QueueDepth, m.InFlight,
	)
	return m
}

// Gatherer exposes the underlying prometheus.Registry for wiring into
// promhttp.HandlerFor, kept out of this type's main surface since
// shipping metrics to a scrape endpoint is explicitly out of scope
// (§1) beyond this convenience.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }

func (m *Registry) RecordCreated(e model.EntityName) { m.Created.WithLabelValues(string(e)).Inc() }
func (m *Registry) RecordUpdated(e model.EntityName) { m.Updated.WithLabelValues(string(e)).Inc() }
func (m *Registry) RecordDeleted(e model.EntityName) { m.Deleted.WithLabelValues(string(e)).Inc() }
func (m *Registry) RecordConflict(e model.EntityName) {
	m.Conflicts.WithLabelValues(string(e)).Inc()
}
func (m *Registry) RecordResolution(e model.EntityName) {
	m.Resolutions.WithLabelValues(string(e)).Inc()
}
func (m *Registry) RecordSourceError(e model.EntityName, s model.SourceName) {
	m.SourceErrors.WithLabelValues(string(e), string(s)).Inc()
}
func (m *Registry) RecordInvariantViolation() { m.InvariantFatal.Inc() }
func (m *Registry) SetQueueDepth(n int)       { m.QueueDepth.Set(float64(n)) }
func (m *Registry) IncInFlight()              { m.InFlight.Inc() }
func (m *Registry) DecInFlight()              { m.InFlight.Dec() }
