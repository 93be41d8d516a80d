package rabbitmq

import (
	"github.com/stretchr/testify/assert"
	"meeting-ingest/config"
	"testing"
)

func TestNewTopology(t *testing.T) {
	top := newTopology(&config.RabbitMQ{
		ExchangeName: "meeting_exchange",
		Kind:         "direct",
		QueueName:    "meeting_pipeline_queue",
		RoutingKey:   "meeting.pipeline.request",
	})

	assert.Equal(t, topology{
		exchange:      "meeting_exchange",
		kind:          "direct",
		queue:         "meeting_pipeline_queue",
		routingKey:    "meeting.pipeline.request",
		dlx:           "meeting_exchange_dlx",
		dlq:           "meeting_pipeline_queue_dlq",
		dlqRoutingKey: "dlq.meeting.pipeline.request",
	}, top)
}
