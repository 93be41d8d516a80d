package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"meeting-ingest/constant"
	"meeting-ingest/entities"
	"meeting-ingest/pkg/keylock"
	"meeting-ingest/pkg/storage"
	"meeting-ingest/repository"
)

// SessionResolver maps a device's live upload onto its open meeting, creating
// one when the device has none.
type SessionResolver struct {
	deps  Dependencies
	locks *keylock.Locker
}

// Resolve returns the active session for mac, creating it when absent. The
// boolean reports whether this call created the session.
//
// The device lock serializes callers inside this process; the partial unique
// index on meetings covers other processes, and the loser of that race reads
// back the winner.
func (r *SessionResolver) Resolve(ctx context.Context, mac, filename string) (*entities.Meeting, bool, error) {
	mac = NormalizeMac(mac)
	if mac == "" {
		return nil, false, fmt.Errorf("%w: live stream without device address", ErrInvalidInput)
	}

	unlock := r.locks.Lock(deviceLockKey(mac))
	defer unlock()

	meeting, err := r.deps.Repo.FindActiveSession(ctx, mac)
	if err == nil {
		return meeting, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	id := uuid.New()
	now := r.deps.Clock()
	meeting = &entities.Meeting{
		ID:             id,
		Filename:       filename,
		FilePath:       storage.LiveKey(mac, id, filename),
		Status:         constant.MeetingStatusProcessing,
		MacAddress:     mac,
		DeviceType:     constant.DeviceTypeMic,
		SessionActive:  true,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	err = r.deps.Repo.CreateMeeting(ctx, meeting)
	if errors.Is(err, repository.ErrDuplicate) {
		zerolog.Ctx(ctx).Info().Str("mac_address", mac).Msg("lost session race, joining existing session")
		winner, err := r.deps.Repo.FindActiveSession(ctx, mac)
		return winner, false, err
	}
	if err != nil {
		return nil, false, err
	}

	zerolog.Ctx(ctx).Info().
		Str("meeting_id", id.String()).
		Str("mac_address", mac).
		Str("file_path", meeting.FilePath).
		Msg("session started")
	return meeting, true, nil
}
