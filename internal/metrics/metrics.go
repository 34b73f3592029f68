// Package metrics exposes Prometheus instrumentation for the worker:
// package-level collectors registered once at init, a Timer helper, and
// an HTTP Handler for promhttp scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalrunner_jobs_processed_total",
			Help: "Total number of jobs processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evalrunner_job_duration_seconds",
			Help:    "Job processing duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	FilesEvaluatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalrunner_files_evaluated_total",
			Help: "Total number of attack files evaluated by prediction outcome",
		},
		[]string{"outcome"},
	)

	FileEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evalrunner_file_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one attack file against a defense",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evalrunner_container_build_duration_seconds",
			Help:    "Time taken to resolve/build a defense source by source kind",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"source_kind"},
	)

	ContainersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evalrunner_containers_running",
			Help: "Number of defense sandbox containers currently running on this worker",
		},
	)

	WorkersRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evalrunner_workers_registered",
			Help: "Number of live worker registrations on this process",
		},
	)

	AttackQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evalrunner_attack_queue_depth",
			Help: "Depth of a worker's pending-attack queue in the registry",
		},
		[]string{"worker_id"},
	)
)

func init() {
	prometheus.MustRegister(JobsProcessedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(FilesEvaluatedTotal)
	prometheus.MustRegister(FileEvaluationDuration)
	prometheus.MustRegister(ContainerBuildDuration)
	prometheus.MustRegister(ContainersRunning)
	prometheus.MustRegister(WorkersRegistered)
	prometheus.MustRegister(AttackQueueDepth)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-flight operation's duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
