package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_items_created_total", Help: "Work items created"})
	ItemsSucceeded  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_items_succeeded_total", Help: "Work items that reached done"})
	ItemsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_items_failed_total", Help: "Work items that reached failed"})
	StageDispatched = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_stage_dispatched_total", Help: "Stage executions enqueued"})
	StageSucceeded  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_stage_succeeded_total", Help: "Stage attempts that succeeded"})
	StageRetried    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_stage_retried_total", Help: "Stage attempts rescheduled for retry"})
	StageReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_stage_reclaimed_total", Help: "Stale running executions reclaimed"})
	RateLimitWaits  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Adapter calls rejected by the provider rate limiter"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Ready queue depth"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_inflight", Help: "Stage executions currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsCreated,
			ItemsSucceeded,
			ItemsFailed,
			StageDispatched,
			StageSucceeded,
			StageRetried,
			StageReclaimed,
			RateLimitWaits,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
