package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/config"
)

func TestConsumerPlan_RedeliveriesUseOwnGroup(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Worker.Concurrency = 6
	cfg.Worker.RetryConsumers = 2

	plan := consumerPlan(cfg)
	require.Len(t, plan, 2)

	assert.Equal(t, cfg.Kafka.Topics.Ingest, plan[0].topic)
	assert.Equal(t, cfg.Kafka.ConsumerGroup, plan[0].group)
	assert.Equal(t, 6, plan[0].consumers)

	assert.Equal(t, cfg.Kafka.Topics.Retry, plan[1].topic)
	assert.Equal(t, cfg.Kafka.ConsumerGroup+".retry", plan[1].group)
	assert.Equal(t, 2, plan[1].consumers)
	assert.NotEqual(t, plan[0].group, plan[1].group)
}

func TestBrokerPings_OnePerBroker(t *testing.T) {
	pings := brokerPings([]string{"k1:9092", "k2:9092"})
	assert.Len(t, pings, 2)
	assert.Contains(t, pings, "k1:9092")
	assert.Contains(t, pings, "k2:9092")
}
