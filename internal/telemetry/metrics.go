package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TokenRenewals       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_token_renewals_total", Help: "Credential renewals by outcome"}, []string{"outcome"})
	TokenRenewalRetries = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_token_renewal_retries_total", Help: "Renewal retries by transient kind"}, []string{"kind"})

	ExecutionsCreated     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_executions_created_total", Help: "Executions created by origin"}, []string{"origin"})
	ExecutionTransitions  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_execution_transitions_total", Help: "Execution status transitions by target status"}, []string{"status"})
	PollErrors            = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_poll_errors_total", Help: "Status polls that failed and will be retried next tick"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_executions_in_flight", Help: "Executions observed in flight by the last poll tick"})
	ScheduleFires         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_schedule_fires_total", Help: "Schedule fires by outcome"}, []string{"outcome"})
	RateLimitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limit_rejects_total", Help: "Requests or fires rejected by the token bucket"})
	BackfillSegments      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_backfill_segments_total", Help: "Backfill segment settlements by status"}, []string{"status"})
	WarehouseSyncs        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_warehouse_syncs_total", Help: "Warehouse sync attempts by outcome"}, []string{"outcome"})
	WarehouseRowsUploaded = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_warehouse_rows_uploaded_total", Help: "Rows upserted into the warehouse"})
	SyncQueueDepth        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_sync_queue_depth", Help: "Ready warehouse sync tasks"})
	SyncTasksInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_sync_tasks_in_flight", Help: "Sync tasks currently held by workers"})
	SyncDeadLetters       = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_sync_dead_letters_total", Help: "Sync tasks dead-lettered after repeated handler errors"})
	TickDuration          = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "orchestrator_tick_duration_seconds", Help: "Periodic task tick duration", Buckets: prometheus.DefBuckets}, []string{"task"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TokenRenewals,
			TokenRenewalRetries,
			ExecutionsCreated,
			ExecutionTransitions,
			PollErrors,
			InFlightGauge,
			ScheduleFires,
			RateLimitRejects,
			BackfillSegments,
			WarehouseSyncs,
			WarehouseRowsUploaded,
			SyncQueueDepth,
			SyncTasksInFlight,
			SyncDeadLetters,
			TickDuration,
		)
	})
	return promhttp.Handler()
}
