package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce      sync.Once
	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	jobAttemptsTotal    *prometheus.CounterVec
	jobOutcomesTotal    *prometheus.CounterVec
	jobRetriesTotal     prometheus.Counter
	failureHookTotal    *prometheus.CounterVec
	snapshotSkipsTotal  *prometheus.CounterVec
	sweepsTotal         prometheus.Counter
	sweptTotal          *prometheus.CounterVec
	queueDepth          *prometheus.GaugeVec
	streamClientsActive prometheus.Gauge
	jobDurationSeconds  prometheus.Histogram
	evaluationsEnqueued *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the worker.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		jobAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_job_attempts_total",
			Help: "Evaluation job attempts grouped by result.",
		}, []string{"result"})

		jobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_job_outcomes_total",
			Help: "Terminal evaluation writes grouped by status and reason.",
		}, []string{"status", "reason"})

		jobRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evaluation_job_retries_total",
			Help: "Evaluation attempts rescheduled with backoff.",
		})

		failureHookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_failure_hook_total",
			Help: "Failure hook invocations grouped by the status they wrote.",
		}, []string{"status"})

		snapshotSkipsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_snapshot_skips_total",
			Help: "Terminal writes that left the submission snapshot untouched.",
		}, []string{"reason"})

		sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evaluation_sweeps_total",
			Help: "Stale submission sweeps executed.",
		})

		sweptTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_swept_submissions_total",
			Help: "Submissions forced to timed_out by the sweeper, grouped by the stuck status.",
		}, []string{"from"})

		queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evaluation_queue_depth",
			Help: "Jobs waiting in the evaluation queue.",
		}, []string{"state"})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evaluation_stream_clients_active",
			Help: "Connected evaluation status stream clients.",
		})

		jobDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evaluation_job_attempt_duration_seconds",
			Help:    "Wall time of a single evaluation attempt.",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 90, 120},
		})

		evaluationsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_enqueued_total",
			Help: "Evaluation jobs dispatched grouped by origin.",
		}, []string{"origin"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			jobAttemptsTotal, jobOutcomesTotal, jobRetriesTotal, failureHookTotal, snapshotSkipsTotal,
			sweepsTotal, sweptTotal, queueDepth, streamClientsActive, jobDurationSeconds, evaluationsEnqueued,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// JobAttempts counts evaluation attempts by result (ok, retry, failed, dropped).
func JobAttempts() *prometheus.CounterVec {
	RegisterMetrics()
	return jobAttemptsTotal
}

// JobOutcomes counts applied terminal writes.
func JobOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return jobOutcomesTotal
}

func JobRetries() prometheus.Counter {
	RegisterMetrics()
	return jobRetriesTotal
}

func FailureHook() *prometheus.CounterVec {
	RegisterMetrics()
	return failureHookTotal
}

// SnapshotSkips counts writes rejected by the status gate or the stale-write guard.
func SnapshotSkips() *prometheus.CounterVec {
	RegisterMetrics()
	return snapshotSkipsTotal
}

func Sweeps() prometheus.Counter {
	RegisterMetrics()
	return sweepsTotal
}

func Swept() *prometheus.CounterVec {
	RegisterMetrics()
	return sweptTotal
}

// QueueDepth reports ready and delayed job counts.
func QueueDepth() *prometheus.GaugeVec {
	RegisterMetrics()
	return queueDepth
}

func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}

func JobDuration() prometheus.Histogram {
	RegisterMetrics()
	return jobDurationSeconds
}

func EvaluationsEnqueued() *prometheus.CounterVec {
	RegisterMetrics()
	return evaluationsEnqueued
}
