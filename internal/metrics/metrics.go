package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished runs by workflow and outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regforge_runs_total",
			Help: "Total number of supervised runs",
		},
		[]string{"workflow", "outcome"},
	)

	// RunDuration tracks run duration in seconds.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regforge_run_duration_seconds",
			Help:    "Supervised run duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900, 1800},
		},
		[]string{"workflow", "outcome"},
	)

	// RunsInProgress tracks the number of currently executing runs.
	RunsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regforge_runs_in_progress",
			Help: "Number of runs currently in progress",
		},
	)

	// PromptResponses counts scripted answers written to child processes.
	PromptResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regforge_prompt_responses_total",
			Help: "Total number of prompts answered automatically",
		},
		[]string{"prompt"},
	)

	// AccountsSaved counts account persistence attempts.
	AccountsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regforge_accounts_saved_total",
			Help: "Total number of account save attempts",
		},
		[]string{"result"},
	)

	// QueueDepth tracks the number of runs waiting in queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regforge_queue_depth",
			Help: "Number of runs waiting in queue",
		},
	)

	// WorkersActive tracks the number of active workers.
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regforge_workers_active",
			Help: "Number of active workers",
		},
	)

	// WorkersTotal tracks the total number of workers.
	WorkersTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regforge_workers_total",
			Help: "Total number of workers",
		},
	)

	// WebhookDeliveries counts webhook delivery attempts.
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regforge_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"status"},
	)

	// HTTPRequests counts total HTTP requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regforge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration tracks HTTP request duration.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regforge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// AccountObserver counts account store outcomes.
type AccountObserver struct{}

func (AccountObserver) AccountSaved(string) {
	AccountsSaved.WithLabelValues("saved").Inc()
}

func (AccountObserver) AccountSaveFailed(string, error) {
	AccountsSaved.WithLabelValues("failed").Inc()
}
