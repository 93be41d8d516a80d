package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"meeting-ingest/constant"
	"meeting-ingest/dto"
	"meeting-ingest/entities"
	"meeting-ingest/pkg/storage"
	"meeting-ingest/pkg/wav"
	"meeting-ingest/repository"
	"strings"
	"time"
)

type Transcript struct {
	Text     string
	Language string
	Segments []entities.Segment
	Words    []Word
}

// Word is a single recognized word with its offsets in seconds.
type Word struct {
	Word  string
	Start float64
	End   float64
}

type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (Transcript, error)
}

type Summary struct {
	Summary     string
	ActionItems string
}

type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (Summary, error)
}

// Outcome is the result of running a recording through the AI services.
// Exactly one of Err or the payload fields is meaningful.
type Outcome struct {
	Transcript Transcript
	Summary    Summary
	Duration   *float64
	Err        error
}

func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Reason is the operator-facing text stored on failed meetings.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return "Processing failed: " + o.Err.Error()
}

const noSpeechSummary = "No speech detected."

type Pipeline interface {
	Process(ctx context.Context, message dto.PipelineMessage) error
}

type pipeline struct {
	deps Dependencies
}

func NewPipeline(deps Dependencies) Pipeline {
	return &pipeline{deps: deps}
}

func (p *pipeline) Process(ctx context.Context, message dto.PipelineMessage) (err error) {
	logger := zerolog.Ctx(ctx).With().
		Str("job_id", message.JobId.String()).
		Str("meeting_id", message.MeetingId.String()).
		Logger()
	ctx = logger.WithContext(ctx)

	logger.Info().Msg("processing job")
	job, err := p.deps.Repo.FindJobById(ctx, message.JobId)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn().Msg("job not found, dropping message")
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to find job by id")
		return err
	}

	if job.Status != constant.JobStatusPending {
		logger.Info().Str("status", string(job.Status)).Msg("job is not pending")
		return nil
	}

	claimed, err := p.deps.Repo.ClaimJob(ctx, job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim job")
		return err
	}
	if !claimed {
		logger.Info().Msg("job claimed elsewhere")
		return nil
	}

	defer func() {
		if err != nil {
			if errors.Is(err, ErrNonRetryable) {
				if updateErr := p.deps.Repo.FailJob(ctx, job.ID, err.Error()); updateErr != nil {
					logger.Error().Err(updateErr).Msg("failed to update job status")
				}
				err = nil
			} else {
				if updateErr := p.deps.Repo.UpdateStatusJob(ctx, constant.JobStatusPending, job.ID); updateErr != nil {
					logger.Error().Err(updateErr).Msg("failed to update job status")
				}
			}
		}
	}()

	meeting, err := p.deps.Repo.FindMeetingById(ctx, job.MeetingID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn().Msg("meeting no longer exists")
		return errors.Join(ErrNonRetryable, err)
	}
	if err != nil {
		return err
	}

	if meeting.Status != constant.MeetingStatusProcessing {
		logger.Info().Str("status", string(meeting.Status)).Msg("meeting already finished")
		return p.deps.Repo.UpdateStatusJob(ctx, constant.JobStatusCompleted, job.ID)
	}

	audio, err := p.deps.Storage.Get(ctx, meeting.FilePath)
	if errors.Is(err, storage.ErrNotFound) {
		if err = p.fail(ctx, meeting, "Audio file missing"); err != nil {
			return err
		}
		return p.deps.Repo.UpdateStatusJob(ctx, constant.JobStatusCompleted, job.ID)
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to download audio")
		return err
	}

	if int64(len(audio)) < p.deps.Options.MinAudioBytes {
		if err = p.fail(ctx, meeting, fmt.Sprintf("Audio too short (%d bytes)", len(audio))); err != nil {
			return err
		}
		return p.deps.Repo.UpdateStatusJob(ctx, constant.JobStatusCompleted, job.ID)
	}

	outcome := p.run(ctx, meeting, audio)
	if outcome.Failed() {
		logger.Error().Err(outcome.Err).Msg("pipeline failed")
		err = p.fail(ctx, meeting, outcome.Reason())
	} else {
		err = p.complete(ctx, meeting, outcome)
	}
	if err != nil {
		return err
	}

	if err = p.deps.Repo.UpdateStatusJob(ctx, constant.JobStatusCompleted, job.ID); err != nil {
		logger.Error().Err(err).Msg("failed to update job status")
		return err
	}

	logger.Info().Bool("failed", outcome.Failed()).Msg("job completed")
	return nil
}

// run repairs the header and calls the AI services. It never returns an
// error; failures are folded into the Outcome.
func (p *pipeline) run(ctx context.Context, meeting *entities.Meeting, audio []byte) Outcome {
	var outcome Outcome
	total := int64(len(audio))
	wav.FixHeader(audio, total)
	if seconds, ok := wav.Duration(audio, total); ok {
		outcome.Duration = &seconds
	}

	transcript, err := p.transcribe(ctx, meeting.Filename, audio)
	if err != nil {
		outcome.Err = fmt.Errorf("transcription: %w", err)
		return outcome
	}
	outcome.Transcript = transcript

	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		outcome.Summary = Summary{Summary: noSpeechSummary}
		return outcome
	}

	if limit := p.deps.Options.MaxTranscriptChars; limit > 0 {
		text = truncateRunes(text, limit)
	}
	summary, err := p.deps.Summarizer.Summarize(ctx, text)
	if err != nil {
		outcome.Err = fmt.Errorf("summarization: %w", err)
		return outcome
	}
	outcome.Summary = summary
	return outcome
}

// truncateRunes keeps at most limit characters of s.
func truncateRunes(s string, limit int) string {
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

func (p *pipeline) transcribe(ctx context.Context, filename string, audio []byte) (Transcript, error) {
	operation := func() (Transcript, error) {
		transcript, err := p.deps.Transcriber.Transcribe(ctx, filename, audio)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("transcription attempt failed")
			return Transcript{}, err
		}
		return transcript, nil
	}

	bo := backoff.NewExponentialBackOff()
	if p.deps.Options.RetryInterval > 0 {
		bo.InitialInterval = p.deps.Options.RetryInterval
	}
	bo.MaxInterval = 30 * time.Second
	tries := p.deps.Options.TranscribeMaxTries
	if tries == 0 {
		tries = 1
	}
	return backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(tries))
}

func (p *pipeline) complete(ctx context.Context, meeting *entities.Meeting, outcome Outcome) error {
	done, err := p.deps.Repo.CompleteMeeting(ctx, meeting.ID, repository.MeetingResult{
		Transcript:  outcome.Transcript.Text,
		Segments:    outcome.Transcript.Segments,
		Language:    outcome.Transcript.Language,
		Summary:     outcome.Summary.Summary,
		ActionItems: outcome.Summary.ActionItems,
		Duration:    outcome.Duration,
	})
	if err != nil {
		return err
	}
	if !done {
		zerolog.Ctx(ctx).Warn().Msg("meeting left processing before results were stored")
		return nil
	}
	zerolog.Ctx(ctx).Info().Int("segments", len(outcome.Transcript.Segments)).Msg("meeting completed")
	return nil
}

func (p *pipeline) fail(ctx context.Context, meeting *entities.Meeting, reason string) error {
	failed, err := p.deps.Repo.FailMeeting(ctx, meeting.ID, reason)
	if err != nil {
		return err
	}
	if failed {
		zerolog.Ctx(ctx).Warn().Str("reason", reason).Msg("meeting failed")
	}
	return nil
}
