package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConsumerMessages tracks the throughput and result of message
	// consumption. status: applied, duplicate, dead_lettered, dropped,
	// replay_failed.
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Total number of messages processed by the consumer",
	}, []string{"status", "topic"})

	// ConsumerDuration tracks end-to-end latency of processing a message
	// from reception to ledger commit.
	ConsumerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consumer_processing_duration_seconds",
		Help:    "Time taken to process a message from reception to commit",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"status", "topic"})

	// DLQRetries counts dead-letter replay attempts by outcome.
	DLQRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dlq_retries_total",
		Help: "Total number of dead-letter replay attempts",
	}, []string{"outcome"})

	// DLQBacklog tracks records awaiting retry or manual resolution.
	// Growth in the failed series means operator intervention is required.
	DLQBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dlq_backlog",
		Help: "Current number of dead-letter records by status",
	}, []string{"status"})
)
