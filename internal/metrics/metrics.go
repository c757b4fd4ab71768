package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evrelay_events_published_total",
			Help: "Outbox rows written, by event type",
		},
		[]string{"event_type"},
	)

	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evrelay_events_dispatched_total",
			Help: "Outbox rows delivered to a transport, by event type",
		},
		[]string{"event_type"},
	)

	EventRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evrelay_event_retries_total",
			Help: "Failed delivery attempts that were rescheduled, by event type",
		},
		[]string{"event_type"},
	)

	EventsDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evrelay_events_dead_lettered_total",
			Help: "Rows moved to failed after exhausting attempts, by reason (exhausted|corrupt)",
		},
		[]string{"reason"},
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evrelay_delivery_latency_seconds",
			Help:    "Per-attempt transport delivery latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	BusLagged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evrelay_bus_lagged_total",
			Help: "Envelopes dropped because a bus subscriber fell behind",
		},
	)

	HandlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evrelay_handler_failures_total",
			Help: "Handler invocations that failed after retries, by handler",
		},
		[]string{"handler"},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EventsPublished,
		EventsDispatched,
		EventRetries,
		EventsDeadLettered,
		DeliveryLatency,
		BusLagged,
		HandlerFailures,
	)
}
