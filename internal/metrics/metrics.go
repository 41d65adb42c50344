// Package metrics holds the Prometheus collectors of the lease manager.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "poolmgr"

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
	OutcomeCapacity    = "insufficient_capacity"
	OutcomeProvisioner = "provisioner_failure"
	OutcomeStore       = "store_error"
	OutcomeSkipped     = "skipped"
	OutcomeError       = "error"
)

// Metrics groups every collector. A zero Metrics is not usable; build one
// with New.
type Metrics struct {
	Reservations      *prometheus.CounterVec
	Releases          *prometheus.CounterVec
	Sweeps            *prometheus.CounterVec
	SweepDuration     prometheus.Histogram
	RevokeFailures    prometheus.Counter
	HoldsExpired      prometheus.Counter
	ProvisionDuration *prometheus.HistogramVec
	HealthProbes      *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome.",
		}, []string{"outcome"}),
		Releases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_released_total",
			Help:      "Leases cleared, by reason.",
		}, []string{"reason"}),
		Sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Sweep cycles by outcome.",
		}, []string{"outcome"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweep cycles that held the lock.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		RevokeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revoke_failures_total",
			Help:      "Account deletions that failed while the lease was cleared anyway.",
		}),
		HoldsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_expired_total",
			Help:      "Allocation holds dropped after their deadline.",
		}),
		ProvisionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provisioner_duration_seconds",
			Help:      "Duration of provisioner invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"action", "outcome"}),
		HealthProbes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Machine reachability probes by result.",
		}, []string{"result"}),
	}
}

// ObserveProvision records one provisioner call.
func (m *Metrics) ObserveProvision(action string, d time.Duration, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.ProvisionDuration.WithLabelValues(action, outcome).Observe(d.Seconds())
}
