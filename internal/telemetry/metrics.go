package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shehryarbajwa/browserhub/internal/session"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

const namespace = "browserhub"

// Metrics exports registry lifecycle events to Prometheus.
type Metrics struct {
	active         prometheus.Gauge
	created        prometheus.Counter
	launchFailures prometheus.Counter
	terminated     *prometheus.CounterVec
	launchDuration prometheus.Histogram
}

var _ session.Observer = (*Metrics)(nil)

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered browser sessions.",
		}),
		created: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Browser sessions created.",
		}),
		launchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_failures_total",
			Help:      "Session creations that failed to start a browser.",
		}),
		terminated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminated_total",
			Help:      "Browsers terminated, by reason and result.",
		}, []string{"reason", "result"}),
		launchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_duration_seconds",
			Help:      "Time from create request to running browser.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
}

func (m *Metrics) SessionCreated(_ models.Session, took time.Duration) {
	m.created.Inc()
	m.active.Inc()
	m.launchDuration.Observe(took.Seconds())
}

func (m *Metrics) LaunchFailed(error) {
	m.launchFailures.Inc()
}

func (m *Metrics) SessionTerminated(_ models.Session, reason session.Reason, err error) {
	// aborted browsers were never counted as active
	if reason != session.ReasonAborted {
		m.active.Dec()
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.terminated.WithLabelValues(string(reason), result).Inc()
}
