package migrate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the run's Prometheus instruments. Each run owns its own
// registry; the CLI can dump it in textfile-collector format at exit.
type Metrics struct {
	registry *prometheus.Registry

	submitted        prometheus.Counter
	completed        prometheus.Counter
	failed           prometheus.Counter
	throttled        prometheus.Counter
	mfaFailures      prometheus.Counter
	passwordFailures prometheus.Counter
	staged           *prometheus.CounterVec
	inFlight         prometheus.Gauge
}

// NewMetrics creates and registers the migration instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "idmigrate", Name: "records_submitted_total",
			Help: "User records admitted for reconciliation.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "idmigrate", Name: "records_completed_total",
			Help: "User records resolved to a remote identity.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "idmigrate", Name: "records_failed_total",
			Help: "User records that could not be reconciled.",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "idmigrate", Name: "throttle_events_total",
			Help: "Attempts rejected by the remote rate limiter and requeued.",
		}),
		mfaFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "idmigrate", Name: "mfa_enroll_failures_total",
			Help: "TOTP enrollments that failed on a resolved identity.",
		}),
		passwordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "idmigrate", Name: "password_update_failures_total",
			Help: "Password updates that failed on an existing identity.",
		}),
		staged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idmigrate", Name: "credentials_staged_total",
			Help: "Credentials inserted into the staging store, by kind.",
		}, []string{"kind"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "idmigrate", Name: "tasks_in_flight",
			Help: "Reconciliation tasks currently running.",
		}),
	}

	m.registry.MustRegister(
		m.submitted, m.completed, m.failed, m.throttled,
		m.mfaFailures, m.passwordFailures, m.staged, m.inFlight,
	)
	return m
}

// Registry exposes the underlying registry (for tests and custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values to path in the text exposition
// format, atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
