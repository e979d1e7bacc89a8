// Package metrics holds the prometheus collectors shared by the
// dispatcher, sandbox and synchronizer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "scanfarm"

// Metrics is created once per process and registered on the process
// registry.
type Metrics struct {
	JobsCreated   prometheus.Counter
	JobsReused    prometheus.Counter
	LockWait      *prometheus.HistogramVec
	LockFailures  *prometheus.CounterVec
	QueueSent     *prometheus.CounterVec
	QueueReceived *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	PartsExecuted *prometheus.CounterVec
	PartDuration  prometheus.Histogram
	ResultsMerged *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "jobs_created_total",
			Help:      "Jobs created and enqueued.",
		}),
		JobsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "jobs_reused_total",
			Help:      "Requests answered with a job that was still active.",
		}),
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent acquiring a lock.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
		}, []string{"keyspace"}),
		LockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquire_failures_total",
			Help:      "Lock acquisitions that gave up.",
		}, []string{"keyspace"}),
		QueueSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sent_total",
			Help:      "Messages sent.",
		}, []string{"queue"}),
		QueueReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "received_total",
			Help:      "Messages received.",
		}, []string{"queue"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Approximate number of messages waiting, as last observed.",
		}, []string{"queue"}),
		PartsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "parts_total",
			Help:      "Parts executed, by outcome.",
		}, []string{"outcome"}),
		PartDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "part_duration_seconds",
			Help:      "Wall-clock time of one part execution.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
		}),
		ResultsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synchronizer",
			Name:      "messages_total",
			Help:      "Result messages handled, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.JobsCreated,
		m.JobsReused,
		m.LockWait,
		m.LockFailures,
		m.QueueSent,
		m.QueueReceived,
		m.QueueDepth,
		m.PartsExecuted,
		m.PartDuration,
		m.ResultsMerged,
	)
	return m
}

// NewForTest returns collectors registered on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
