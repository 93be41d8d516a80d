package service

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"meeting-ingest/dto"
	"meeting-ingest/entities"
	"meeting-ingest/repository"
)

// Dispatcher hands a pipeline message to the background workers.
type Dispatcher interface {
	Publish(ctx context.Context, message dto.PipelineMessage) error
}

type handoff struct {
	repo       repository.Repository
	dispatcher Dispatcher
}

// trigger records a pending job for the meeting and publishes it. The job row
// is what makes delivery idempotent: only the worker that claims it runs the
// pipeline.
func (h *handoff) trigger(ctx context.Context, meetingId uuid.UUID) (*entities.Job, error) {
	job := &entities.Job{MeetingID: meetingId}
	if err := h.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	message := dto.PipelineMessage{JobId: job.ID, MeetingId: meetingId}
	if err := h.dispatcher.Publish(ctx, message); err != nil {
		return job, fmt.Errorf("publish job %s: %w", job.ID, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("meeting_id", meetingId.String()).
		Str("job_id", job.ID.String()).
		Msg("pipeline job queued")
	return job, nil
}
