// Package metrics provides Prometheus instrumentation for the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sundial/internal/eventbus"
)

const namespace = "sundial"

// Registry holds every metric instance. A nil *Registry is valid and records nothing.
type Registry struct {
	RunsStarted     *prometheus.CounterVec
	RunsCompleted   *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RunsInFlight    prometheus.Gauge
	DispatchWakeups prometheus.Counter
	TriggersBlocked *prometheus.CounterVec
	Cancellations   *prometheus.CounterVec
	ControlOps      *prometheus.CounterVec
	PersistFailures prometheus.Counter
	NotifierSent    *prometheus.CounterVec
	DashboardLogins *prometheus.CounterVec

	reg prometheus.Registerer
}

// NewRegistry registers every metric with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		RunsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runs",
				Name:      "started_total",
				Help:      "Total number of runs dispatched",
			},
			[]string{"job", "mode"},
		),

		RunsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runs",
				Name:      "completed_total",
				Help:      "Total number of finished runs by outcome",
			},
			[]string{"job", "outcome"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "runs",
				Name:      "duration_seconds",
				Help:      "Run execution time including retries",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
			},
			[]string{"job"},
		),

		RunsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "runs",
				Name:      "in_flight",
				Help:      "Runs currently executing",
			},
		),

		DispatchWakeups: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "wakeups_total",
				Help:      "Times the dispatch loop woke up",
			},
		),

		TriggersBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "blocked_total",
				Help:      "Occurrences deferred because a previous run was still in flight",
			},
			[]string{"job"},
		),

		Cancellations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runs",
				Name:      "cancellations_total",
				Help:      "Runs cancelled through the registry",
			},
			[]string{"scope"},
		),

		ControlOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "operations_total",
				Help:      "Control operations by action and result",
			},
			[]string{"action", "result"},
		),

		PersistFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "failures_total",
				Help:      "Failed store writes",
			},
		),

		NotifierSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notifier",
				Name:      "messages_total",
				Help:      "Notifications by delivery status",
			},
			[]string{"status"},
		),

		DashboardLogins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dashboard",
				Name:      "logins_total",
				Help:      "Dashboard login attempts by result",
			},
			[]string{"result"},
		),
	}
}

// ObserveBus exports bus statistics as gauge functions.
func (r *Registry) ObserveBus(stats func() eventbus.Stats) {
	if r == nil || stats == nil {
		return
	}
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Current change-bus subscribers",
		}, func() float64 { return float64(stats().Subscribers) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber queue was full",
		}, func() float64 { return float64(stats().Dropped) }),
	)
}

func (r *Registry) RunStarted(job, mode string) {
	if r == nil {
		return
	}
	r.RunsStarted.WithLabelValues(job, mode).Inc()
	r.RunsInFlight.Inc()
}

func (r *Registry) RunCompleted(job, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.RunsInFlight.Dec()
	r.RunsCompleted.WithLabelValues(job, outcome).Inc()
	r.RunDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (r *Registry) Wakeup() {
	if r == nil {
		return
	}
	r.DispatchWakeups.Inc()
}

func (r *Registry) Blocked(job string) {
	if r == nil {
		return
	}
	r.TriggersBlocked.WithLabelValues(job).Inc()
}

func (r *Registry) Cancelled(scope string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.Cancellations.WithLabelValues(scope).Add(float64(n))
}

func (r *Registry) Control(action, result string) {
	if r == nil {
		return
	}
	r.ControlOps.WithLabelValues(action, result).Inc()
}

func (r *Registry) PersistFailed() {
	if r == nil {
		return
	}
	r.PersistFailures.Inc()
}

func (r *Registry) Notified(status string) {
	if r == nil {
		return
	}
	r.NotifierSent.WithLabelValues(status).Inc()
}

func (r *Registry) Login(result string) {
	if r == nil {
		return
	}
	r.DashboardLogins.WithLabelValues(result).Inc()
}
