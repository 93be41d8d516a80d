package service

import (
	"context"
	"errors"
	"github.com/rs/zerolog"
	"meeting-ingest/entities"
	"meeting-ingest/pkg/keylock"
	"meeting-ingest/pkg/wav"
)

// Ingestor writes uploaded bytes to a meeting's blob and keeps the byte
// accounting in step with what the store holds.
type Ingestor struct {
	deps  Dependencies
	locks *keylock.Locker
}

// Append adds raw to an open session and returns the new blob size. Appends to
// the same meeting are applied one at a time in arrival order.
func (i *Ingestor) Append(ctx context.Context, meeting *entities.Meeting, raw []byte) (int64, error) {
	return i.write(ctx, meeting, raw, true)
}

// Store writes the single payload of a one-shot upload.
func (i *Ingestor) Store(ctx context.Context, meeting *entities.Meeting, raw []byte) (int64, error) {
	return i.write(ctx, meeting, raw, false)
}

func (i *Ingestor) write(ctx context.Context, meeting *entities.Meeting, raw []byte, live bool) (int64, error) {
	if len(raw) == 0 {
		return meeting.FileSize, nil
	}

	unlock := i.locks.Lock(meetingLockKey(meeting.ID))
	defer unlock()

	current, err := i.deps.Repo.FindMeetingById(ctx, meeting.ID)
	if err != nil {
		return 0, err
	}
	if live && !current.SessionActive {
		return 0, ErrNoActiveSession
	}

	exists, err := i.deps.Storage.Exists(ctx, current.FilePath)
	if err != nil {
		return 0, errors.Join(ErrStorageUnavailable, err)
	}

	var size int64
	if !exists || current.FileSize == 0 {
		size, err = i.deps.Storage.Create(ctx, current.FilePath, raw)
	} else {
		data := raw
		// every chunk re-sends the container header
		if wav.IsRIFF(raw) && len(raw) > wav.HeaderSize {
			data = raw[wav.HeaderSize:]
		}
		size, err = i.deps.Storage.Append(ctx, current.FilePath, data)
	}
	if err != nil {
		return 0, errors.Join(ErrStorageUnavailable, err)
	}

	now := i.deps.Clock()
	if err := i.deps.Repo.RecordAppend(ctx, current.ID, size, now); err != nil {
		return 0, err
	}

	meeting.FileSize = size
	meeting.ChunkCount = current.ChunkCount + 1
	meeting.LastActivityAt = now

	if meeting.ChunkCount%i.deps.Options.HeaderRepairEvery == 0 {
		i.repairHeader(ctx, meeting, size)
	}

	zerolog.Ctx(ctx).Debug().
		Str("meeting_id", meeting.ID.String()).
		Int("bytes", len(raw)).
		Int64("file_size", size).
		Msg("chunk stored")
	return size, nil
}

// repairHeader rewrites the size fields of the stored WAV header so readers
// of a growing file see a valid duration. Failures are only logged.
func (i *Ingestor) repairHeader(ctx context.Context, meeting *entities.Meeting, size int64) {
	logger := zerolog.Ctx(ctx).With().Str("meeting_id", meeting.ID.String()).Logger()

	header, err := i.deps.Storage.ReadAt(ctx, meeting.FilePath, 0, wav.HeaderSize)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read header for repair")
		return
	}
	if !wav.IsRIFF(header) || len(header) < wav.HeaderSize {
		return
	}

	if wav.FixHeader(header, size) {
		if err := i.deps.Storage.WriteAt(ctx, meeting.FilePath, 0, header); err != nil {
			logger.Warn().Err(err).Msg("failed to write repaired header")
			return
		}
	}

	if seconds, ok := wav.Duration(header, size); ok {
		if err := i.deps.Repo.UpdateDuration(ctx, meeting.ID, seconds); err != nil {
			logger.Warn().Err(err).Msg("failed to update duration")
			return
		}
		meeting.DurationSeconds = &seconds
	}
}
