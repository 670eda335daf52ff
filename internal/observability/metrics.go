package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_jobs_total",
			Help: "De-identification jobs by terminal status",
		},
		[]string{"status"},
	)

	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "veil_job_duration_seconds",
			Help:    "Wall-clock duration of one job attempt",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	jobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "veil_job_retries_total",
			Help: "Job attempts requeued for retry",
		},
	)

	pipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veil_pipeline_stage_seconds",
			Help:    "Duration of one pipeline stage",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"}, // load, ocr, detect, match, mask, save
	)

	entitiesMasked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "veil_entities_masked_total",
			Help: "PHI entities masked across all jobs",
		},
	)

	entitiesUnmatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "veil_entities_unmatched_total",
			Help: "Detected entities the matcher refused to guess at",
		},
	)

	batchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "veil_batch_failures_total",
			Help: "Failed page batches in large-document runs",
		},
	)

	pagesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "veil_pages_processed_total",
			Help: "Document pages run through the pipeline",
		},
	)

	uploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "veil_upload_size_bytes",
			Help:    "Size of accepted uploads",
			Buckets: []float64{64 * 1024, 512 * 1024, 1 << 20, 5 << 20, 10 << 20, 25 << 20, 50 << 20, 100 << 20},
		},
	)
)

func RecordJobOutcome(status string, seconds float64) {
	jobsTotal.WithLabelValues(status).Inc()
	jobDuration.Observe(seconds)
}

func RecordJobRetry() { jobRetries.Inc() }

func RecordStage(stage string, seconds float64) {
	pipelineStageDuration.WithLabelValues(stage).Observe(seconds)
}

func RecordEntitiesMasked(n int) { entitiesMasked.Add(float64(n)) }

func RecordEntitiesUnmatched(n int) { entitiesUnmatched.Add(float64(n)) }

func RecordBatchFailure() { batchFailures.Inc() }

func RecordPagesProcessed(n int) { pagesProcessed.Add(float64(n)) }

func RecordUploadSize(bytes int) { uploadBytes.Observe(float64(bytes)) }

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler { return promhttp.Handler() }
