package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 1*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.DLQMaxRetries)
	assert.Equal(t, []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}, cfg.DLQRetryDelays)
	assert.Equal(t, "outbox-relay", cfg.ProducerName)
	assert.Equal(t, "claims-readmodel-v1", cfg.ConsumerGroup)
	assert.Len(t, cfg.ConsumerTopics, 6)
}

func TestLoad_BatchSizeClamping(t *testing.T) {
	t.Setenv("BATCH_SIZE", "5000")
	assert.Equal(t, MaxBatchSize, Load().BatchSize)

	t.Setenv("BATCH_SIZE", "0")
	assert.Equal(t, MinBatchSize, Load().BatchSize)

	t.Setenv("BATCH_SIZE", "250")
	assert.Equal(t, 250, Load().BatchSize)
}

func TestLoad_RetryDelayList(t *testing.T) {
	t.Setenv("DLQ_RETRY_DELAYS", "2s, 10s, 30s")
	assert.Equal(t, []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second}, Load().DLQRetryDelays)

	// A partially invalid list falls back entirely.
	t.Setenv("DLQ_RETRY_DELAYS", "2s,nonsense")
	assert.Equal(t, defaultRetryDelays, Load().DLQRetryDelays)
}

func TestLoad_TopicList(t *testing.T) {
	t.Setenv("CONSUMER_TOPICS", "insurance.claim.registered , insurance.complaint.opened")
	assert.Equal(t, []string{"insurance.claim.registered", "insurance.complaint.opened"}, Load().ConsumerTopics)
}
