// Package metrics exposes the orchestrator's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmoren/styleforge/pkg/models"
)

// Collector tracks batch orchestration metrics
type Collector struct {
	jobsInFlight  prometheus.Gauge
	queueDepth    prometheus.Gauge
	attempts      *prometheus.CounterVec
	scores        *prometheus.HistogramVec
	batchOutcomes *prometheus.CounterVec
	attemptTime   *prometheus.HistogramVec
}

// NewCollector creates and registers the orchestrator metrics
func NewCollector() *Collector {
	c := &Collector{
		jobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "styleforge_jobs_in_flight",
				Help: "Generation jobs currently occupying a worker slot",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "styleforge_queue_depth",
				Help: "Jobs waiting for a worker slot",
			},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "styleforge_attempts_total",
				Help: "Completed generation attempts by disposition",
			},
			[]string{"disposition"},
		),
		scores: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "styleforge_consistency_score",
				Help:    "Consistency scores of generated artifacts",
				Buckets: prometheus.LinearBuckets(0, 1, 11),
			},
			[]string{"category"},
		),
		batchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "styleforge_batches_total",
				Help: "Finished batch runs by verdict",
			},
			[]string{"verdict"},
		),
		attemptTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "styleforge_attempt_duration_seconds",
				Help:    "Wall time of one generation attempt including polling",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"category"},
		),
	}

	prometheus.MustRegister(c.jobsInFlight)
	prometheus.MustRegister(c.queueDepth)
	prometheus.MustRegister(c.attempts)
	prometheus.MustRegister(c.scores)
	prometheus.MustRegister(c.batchOutcomes)
	prometheus.MustRegister(c.attemptTime)

	return c
}

// JobStarted marks a job as occupying a worker slot
func (c *Collector) JobStarted() {
	c.jobsInFlight.Inc()
}

// JobFinished releases the worker slot accounting
func (c *Collector) JobFinished() {
	c.jobsInFlight.Dec()
}

// SetQueueDepth records the current number of queued jobs
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// AttemptCompleted counts one finished attempt by its resulting status
func (c *Collector) AttemptCompleted(status models.JobStatus) {
	c.attempts.WithLabelValues(string(status)).Inc()
}

// ScoreObserved records a consistency score
func (c *Collector) ScoreObserved(category models.Category, score float64) {
	c.scores.WithLabelValues(string(category)).Observe(score)
}

// BatchFinished counts a finished batch by verdict
func (c *Collector) BatchFinished(status models.BatchStatus) {
	c.batchOutcomes.WithLabelValues(string(status)).Inc()
}

// AttemptDuration records the wall time of one attempt
func (c *Collector) AttemptDuration(category models.Category, seconds float64) {
	c.attemptTime.WithLabelValues(string(category)).Observe(seconds)
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
