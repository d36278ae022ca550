package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsIngested       = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_ingested_total", Help: "Webhook events accepted and persisted"})
	EventsUnresolved     = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_unresolved_total", Help: "Webhook events with no matching meeting"})
	EventsRateLimited    = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_rate_limited_total", Help: "Webhook requests rejected by the rate limiter"})
	HandlerFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_handler_failures_total", Help: "Handler dispatch failures (retryable)"})
	DeliveryRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_delivery_retries_total", Help: "Retry attempts made by the delivery sweep"})
	DeliveryExhausted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_delivery_exhausted_total", Help: "Events that exhausted their retry budget"})
	SuspicionFindings    = prometheus.NewCounter(prometheus.CounterOpts{Name: "suspicion_findings_total", Help: "Meetings flagged by the suspicion scan"})
	ReconcilePolls       = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconcile_polls_total", Help: "Point queries made against the external bot API"})
	ReconcileTransitions = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconcile_transitions_total", Help: "Status transitions applied via polling"})
	TasksRun             = prometheus.NewCounter(prometheus.CounterOpts{Name: "deferred_tasks_run_total", Help: "Deferred tasks executed by the reconciler worker"})
	RetryBacklogGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "webhook_retry_backlog", Help: "Events currently awaiting delivery retry"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsIngested,
			EventsUnresolved,
			EventsRateLimited,
			HandlerFailures,
			DeliveryRetries,
			DeliveryExhausted,
			SuspicionFindings,
			ReconcilePolls,
			ReconcileTransitions,
			TasksRun,
			RetryBacklogGauge,
		)
	})
	return promhttp.Handler()
}
