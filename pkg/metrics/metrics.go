package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsRelayed tracks the total throughput of the relay.
	// Labels allow filtering by outcome (sent/failed/invalid) and topic.
	EventsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Total number of outbox events processed by the relay",
	}, []string{"outcome", "topic"})

	// BatchDuration measures how long it takes to process an entire batch.
	// Use this to identify degradation in Postgres or the broker.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_batch_duration_seconds",
		Help:    "Duration of relay batch processing in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BatchSize tracks the number of events actually captured in each batch.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_batch_size",
		Help:    "Number of events processed per relay batch",
		Buckets: []float64{1, 10, 50, 100, 500, 1000},
	})

	// BrokerReconnections counts how many times the relay had to restore
	// the broker link. Frequent increments indicate network instability.
	BrokerReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_broker_reconnections_total",
		Help: "Total number of broker reconnection attempts",
	})

	// HealthStatus provides a binary 0/1 signal for the relay's health.
	// 1 = healthy, 0 = broker link is down.
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_healthy",
		Help: "Current health status of the relay (1 for healthy, 0 for unhealthy)",
	})

	// OutboxBacklog tracks the number of pending events in the outbox table.
	// This is the primary indicator of delivery lag.
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_outbox_backlog",
		Help: "Current number of pending events in the outbox table",
	})
)
