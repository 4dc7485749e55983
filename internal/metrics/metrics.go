// Package metrics holds the Prometheus instrumentation for the transition
// engine and the Queue Client. It follows the same promauto-registered,
// namespaced-metrics convention used elsewhere in the stack: one struct of
// typed collectors, built once, passed around by reference.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine and queue packages report to.
type Metrics struct {
	TransitionDuration *prometheus.HistogramVec
	TransitionTotal    *prometheus.CounterVec
	TransitionErrors   *prometheus.CounterVec
	CascadeDepth       prometheus.Histogram

	JobsProduced *prometheus.CounterVec
	JobsConsumed *prometheus.CounterVec
	JobRetries   *prometheus.CounterVec
	JobsDead     *prometheus.CounterVec
	QueueDepth   *prometheus.GaugeVec
	JobsInFlight *prometheus.GaugeVec
}

// New creates and registers metrics under namespace. An empty namespace
// defaults to "flowengine".
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "flowengine"
	}

	return &Metrics{
		TransitionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Duration of a single Emit cascade step.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"event", "status"},
		),
		TransitionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of transitions attempted.",
			},
			[]string{"event", "status"},
		),
		TransitionErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transition_errors_total",
				Help:      "Total number of transition errors by kind.",
			},
			[]string{"event", "error_kind"},
		),
		CascadeDepth: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cascade_depth",
				Help:      "Number of transitions chained by a single Emit call before halting.",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		JobsProduced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_produced_total",
				Help:      "Total number of jobs enqueued.",
			},
			[]string{"queue"},
		),
		JobsConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_consumed_total",
				Help:      "Total number of jobs dequeued and processed, by outcome.",
			},
			[]string{"queue", "outcome"},
		),
		JobRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_retries_total",
				Help:      "Total number of job retry attempts scheduled.",
			},
			[]string{"queue"},
		),
		JobsDead: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_dead_total",
				Help:      "Total number of jobs moved to the dead-letter queue.",
			},
			[]string{"queue"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of jobs currently waiting in a queue.",
			},
			[]string{"queue"},
		),
		JobsInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_flight",
				Help:      "Number of jobs currently leased by a worker.",
			},
			[]string{"queue"},
		),
	}
}
