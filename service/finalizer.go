package service

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"meeting-ingest/constant"
	"meeting-ingest/entities"
	"meeting-ingest/pkg/keylock"
)

// Finalizer closes sessions and re-arms failed meetings. Both paths end in a
// pipeline handoff.
type Finalizer struct {
	deps    Dependencies
	locks   *keylock.Locker
	ingest  *Ingestor
	handoff *handoff
}

// EndSession closes the session of meeting id exactly once. A second call
// fails with ErrNoActiveSession and leaves the end timestamp untouched.
func (f *Finalizer) EndSession(ctx context.Context, id uuid.UUID) (*entities.Meeting, error) {
	return f.endSession(ctx, id, nil)
}

// EndSessionByMac closes the active session of a device.
func (f *Finalizer) EndSessionByMac(ctx context.Context, mac string) (*entities.Meeting, error) {
	mac = NormalizeMac(mac)
	if mac == "" {
		return nil, fmt.Errorf("%w: mac_address is required", ErrInvalidInput)
	}
	meeting, err := f.deps.Repo.FindActiveSession(ctx, mac)
	if err != nil {
		return nil, err
	}
	return f.EndSession(ctx, meeting.ID)
}

// endSession runs under the meeting lock, so it waits for an in-flight
// append. guard, when set, re-checks the freshly loaded meeting.
func (f *Finalizer) endSession(ctx context.Context, id uuid.UUID, guard func(*entities.Meeting) bool) (*entities.Meeting, error) {
	unlock := f.locks.Lock(meetingLockKey(id))

	meeting, err := f.deps.Repo.FindMeetingById(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if !meeting.SessionActive {
		unlock()
		return nil, ErrNoActiveSession
	}
	if guard != nil && !guard(meeting) {
		unlock()
		return nil, ErrNoActiveSession
	}

	now := f.deps.Clock()
	ended, err := f.deps.Repo.EndSession(ctx, id, now)
	if err != nil {
		unlock()
		return nil, err
	}
	if !ended {
		unlock()
		return nil, ErrNoActiveSession
	}
	meeting.SessionActive = false
	meeting.SessionEndedAt = &now

	if meeting.FileSize > 0 {
		f.ingest.repairHeader(ctx, meeting, meeting.FileSize)
	}
	unlock()

	zerolog.Ctx(ctx).Info().
		Str("meeting_id", id.String()).
		Int64("file_size", meeting.FileSize).
		Msg("session ended")

	if _, err := f.handoff.trigger(ctx, id); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("meeting_id", id.String()).Msg("failed to queue pipeline after session end")
	}
	return meeting, nil
}

// Reprocess sends a failed meeting, or a processing meeting whose session has
// already ended, through the pipeline again. The session is never reopened.
func (f *Finalizer) Reprocess(ctx context.Context, id uuid.UUID) (*entities.Meeting, error) {
	unlock := f.locks.Lock(meetingLockKey(id))

	meeting, err := f.deps.Repo.FindMeetingById(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	switch {
	case meeting.Status == constant.MeetingStatusCompleted:
		unlock()
		return nil, fmt.Errorf("%w: meeting already completed", ErrInvalidState)
	case meeting.SessionActive:
		unlock()
		return nil, fmt.Errorf("%w: session is still recording", ErrInvalidState)
	}

	rearmed, err := f.deps.Repo.RearmMeeting(ctx, id, f.deps.Clock())
	if err != nil {
		unlock()
		return nil, err
	}
	if !rearmed {
		unlock()
		return nil, fmt.Errorf("%w: meeting cannot be reprocessed", ErrInvalidState)
	}
	if _, err := f.deps.Repo.SupersedeJobs(ctx, id, "superseded by reprocess"); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("meeting_id", id.String()).Msg("failed to supersede jobs")
	}
	unlock()

	if _, err := f.handoff.trigger(ctx, id); err != nil {
		return nil, err
	}

	return f.deps.Repo.FindMeetingById(ctx, id)
}
