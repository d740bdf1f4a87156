package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "service_matching"

var (
	MatchPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_passes_total", Help: "Matching passes by result"},
		[]string{"result"},
	)
	ProvidersNotified = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "providers_notified_total", Help: "Notification records created"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Matching pass latency seconds", Buckets: prometheus.DefBuckets})

	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "push_deliveries_total", Help: "Push deliveries by outcome and reason"},
		[]string{"outcome", "reason"},
	)
	MirrorWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "mirror_writes_total", Help: "Real-time mirror writes by outcome"},
		[]string{"outcome", "reason"},
	)
	ExpansionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "expansions_total", Help: "Radius expansion invocations by outcome"},
		[]string{"outcome"},
	)
	QueueTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "queue_tasks_total", Help: "Queued tasks by lane and outcome"},
		[]string{"lane", "outcome"},
	)
	ProviderUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "provider_updates_total", Help: "Provider location updates by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
