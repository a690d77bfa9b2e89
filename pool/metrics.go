package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "sandboxpool"
	metricsSubsystem = "pool"
)

// Metrics holds the pool's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	ConcurrencyLimit prometheus.Gauge
	Created          prometheus.Counter
	CreationFailures prometheus.Counter
	Disposed         prometheus.Counter
	DisposalFailures prometheus.Counter
	CreationDuration prometheus.Histogram
}

// NewMetrics creates the pool collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConcurrencyLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "concurrency_limit",
			Help:      "Effective number of sandboxes created per streaming session",
		}),
		Created: newCounter(
			"sandboxes_created_total",
			"Number of sandboxes created successfully",
		),
		CreationFailures: newCounter(
			"sandbox_creation_failures_total",
			"Number of sandbox creations that failed",
		),
		Disposed: newCounter(
			"sandboxes_disposed_total",
			"Number of sandboxes disposed successfully",
		),
		DisposalFailures: newCounter(
			"sandbox_disposal_failures_total",
			"Number of sandbox disposals that failed",
		),
		CreationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sandbox_creation_duration_seconds",
			Help:      "Time spent creating a sandbox, successful or not",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	reg.MustRegister(
		m.ConcurrencyLimit,
		m.Created,
		m.CreationFailures,
		m.Disposed,
		m.DisposalFailures,
		m.CreationDuration,
	)
	return m
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

func (m *Metrics) setLimit(limit int) {
	if m == nil {
		return
	}
	m.ConcurrencyLimit.Set(float64(limit))
}

func (m *Metrics) observeCreation(started time.Time, err error) {
	if m == nil {
		return
	}
	m.CreationDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		m.CreationFailures.Inc()
		return
	}
	m.Created.Inc()
}

func (m *Metrics) observeDisposal(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.DisposalFailures.Inc()
		return
	}
	m.Disposed.Inc()
}
