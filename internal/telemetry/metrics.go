package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksEnqueued    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "issuebot_tasks_enqueued_total", Help: "Tasks written to the pending store, by ingestion source"}, []string{"source"})
	TasksCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "issuebot_tasks_completed_total", Help: "Tasks answered and appended to the ledger"})
	TasksFailed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "issuebot_tasks_failed_total", Help: "Tasks moved to the failed store, by reason"}, []string{"reason"})
	TasksRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "issuebot_tasks_retried_total", Help: "Failed tasks returned to pending"})
	PullSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "issuebot_pull_skipped_total", Help: "Pulled issues skipped as already known"})
	PullErrors       = prometheus.NewCounter(prometheus.CounterOpts{Name: "issuebot_pull_errors_total", Help: "Repository fetches that failed during a pull cycle"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "issuebot_webhook_rate_limit_rejects_total", Help: "Webhook deliveries rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "issuebot_pending_tasks", Help: "Pending tasks observed by the processor"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "issuebot_tasks_inflight", Help: "Tasks currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksEnqueued,
			TasksCompleted,
			TasksFailed,
			TasksRetried,
			PullSkipped,
			PullErrors,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
