package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"meeting-ingest/dto"
	"meeting-ingest/service"
)

type ServiceDependencies struct {
	Pipeline service.Pipeline
}

// PipelineHandler consumes pipeline requests from RabbitMQ.
func PipelineHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var message dto.PipelineMessage
	if err := json.Unmarshal(msg.Body, &message); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("message_id", msg.MessageId).Msg("failed to unmarshal pipeline message")
		return backoff.Permanent(fmt.Errorf("decode pipeline message: %w", err))
	}
	return ProcessPipeline(ctx, message, deps)
}

// ProcessPipeline runs one pipeline job. The local job queue calls it
// directly.
func ProcessPipeline(ctx context.Context, message dto.PipelineMessage, deps ServiceDependencies) error {
	zerolog.Ctx(ctx).Debug().
		Str("job_id", message.JobId.String()).
		Str("meeting_id", message.MeetingId.String()).
		Msg("received pipeline message")
	return deps.Pipeline.Process(ctx, message)
}
