// Package metrics exposes registry counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry counters. The zero value is usable and records
// nothing until Register is called, so tests can pass nil or &Metrics{}.
type Metrics struct {
	transitions   *prometheus.CounterVec
	denials       *prometheus.CounterVec
	filesAdmitted prometheus.Counter
	filesRejected prometheus.Counter
	notifyErrors  *prometheus.CounterVec

	registerOnce sync.Once
}

// Register registers the counters with registry. It is idempotent.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}
	m.registerOnce.Do(func() {
		factory := promauto.With(registry)
		m.transitions = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copyreg_application_transitions_total",
			Help: "Committed application status transitions",
		}, []string{"event", "to"})
		m.denials = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copyreg_policy_denials_total",
			Help: "Access control denials by action and reason",
		}, []string{"action", "reason"})
		m.filesAdmitted = factory.NewCounter(prometheus.CounterOpts{
			Name: "copyreg_files_admitted_total",
			Help: "Uploaded files accepted by the quota guard",
		})
		m.filesRejected = factory.NewCounter(prometheus.CounterOpts{
			Name: "copyreg_files_rejected_total",
			Help: "Uploaded files rejected by the quota guard",
		})
		m.notifyErrors = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copyreg_notification_failures_total",
			Help: "Notifications that could not be handed to the sender",
		}, []string{"kind"})
	})
}

func (m *Metrics) IncTransition(event, to string) {
	if m != nil && m.transitions != nil {
		m.transitions.WithLabelValues(event, to).Inc()
	}
}

func (m *Metrics) IncDenial(action, reason string) {
	if m != nil && m.denials != nil {
		m.denials.WithLabelValues(action, reason).Inc()
	}
}

func (m *Metrics) AddFiles(admitted, rejected int) {
	if m == nil || m.filesAdmitted == nil {
		return
	}
	m.filesAdmitted.Add(float64(admitted))
	m.filesRejected.Add(float64(rejected))
}

func (m *Metrics) IncNotificationFailure(kind string) {
	if m != nil && m.notifyErrors != nil {
		m.notifyErrors.WithLabelValues(kind).Inc()
	}
}

// Handler serves the metrics gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
