package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"io"
	"meeting-ingest/entities"
	"meeting-ingest/pkg/keylock"
	"meeting-ingest/pkg/storage"
	"meeting-ingest/pkg/wav"
	"meeting-ingest/repository"
	"time"
)

// MeetingService serves the read, edit and delete side of meetings.
type MeetingService struct {
	deps  Dependencies
	locks *keylock.Locker
}

func (s *MeetingService) List(ctx context.Context, filter repository.MeetingFilter) ([]*entities.Meeting, error) {
	return s.deps.Repo.ListMeetings(ctx, filter)
}

// Get returns the meeting with its linked images.
func (s *MeetingService) Get(ctx context.Context, id uuid.UUID) (*entities.Meeting, error) {
	meeting, err := s.deps.Repo.FindMeetingById(ctx, id)
	if err != nil {
		return nil, err
	}
	images, err := s.deps.Repo.ListImagesByMeeting(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, image := range images {
		meeting.Images = append(meeting.Images, *image)
	}
	return meeting, nil
}

func (s *MeetingService) Update(ctx context.Context, id uuid.UUID, update repository.MeetingUpdate) (*entities.Meeting, error) {
	if update.Filename != nil && *update.Filename == "" {
		return nil, fmt.Errorf("%w: filename cannot be empty", ErrInvalidInput)
	}
	if err := s.deps.Repo.UpdateMeeting(ctx, id, update); err != nil {
		return nil, err
	}
	return s.deps.Repo.FindMeetingById(ctx, id)
}

// Delete removes the meeting, its images and their blobs. The audio blob is
// kept while another meeting still points at it. A failed blob delete rolls
// the rows back.
func (s *MeetingService) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.Lock(meetingLockKey(id))
	defer unlock()

	meeting, err := s.deps.Repo.FindMeetingById(ctx, id)
	if err != nil {
		return err
	}
	images, err := s.deps.Repo.ListImagesByMeeting(ctx, id)
	if err != nil {
		return err
	}

	return s.deps.Repo.Transaction(ctx, func(ctx context.Context) error {
		if err := s.deps.Repo.DeleteMeeting(ctx, id); err != nil {
			return err
		}
		for _, image := range images {
			if err := s.deps.Storage.Delete(ctx, image.FilePath); err != nil {
				return errors.Join(ErrStorageUnavailable, err)
			}
		}

		refs, err := s.deps.Repo.CountMeetingsByFilePath(ctx, meeting.FilePath)
		if err != nil {
			return err
		}
		if refs > 0 {
			zerolog.Ctx(ctx).Info().Str("file_path", meeting.FilePath).Int64("refs", refs).Msg("audio still referenced, keeping blob")
			return nil
		}
		if err := s.deps.Storage.Delete(ctx, meeting.FilePath); err != nil {
			return errors.Join(ErrStorageUnavailable, err)
		}
		return nil
	})
}

// Ack reports the state of the latest meeting named filename in the form
// recorders poll for.
func (s *MeetingService) Ack(ctx context.Context, filename string) (string, error) {
	meeting, err := s.deps.Repo.FindLatestByFilename(ctx, filename)
	if err != nil {
		return "", err
	}
	return meeting.Status.Ack(), nil
}

type Media struct {
	io.ReadSeeker
	io.Closer
	Name        string
	ContentType string
	Size        int64
	ModTime     time.Time
}

// OpenAudio opens the meeting's blob for streaming. WAV data is served with a
// header matching the bytes present when it was opened.
func (s *MeetingService) OpenAudio(ctx context.Context, id uuid.UUID) (*Media, error) {
	meeting, err := s.deps.Repo.FindMeetingById(ctx, id)
	if err != nil {
		return nil, err
	}
	obj, err := s.deps.Storage.Open(ctx, meeting.FilePath)
	if err != nil {
		return nil, mapStorageErr(err)
	}

	reader, err := wav.NewRepairedReader(obj, obj.Size())
	if err != nil {
		obj.Close()
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	return &Media{
		ReadSeeker:  reader,
		Closer:      obj,
		Name:        meeting.Filename,
		ContentType: storage.ContentType(meeting.FilePath),
		Size:        obj.Size(),
		ModTime:     meeting.LastActivityAt,
	}, nil
}

func (s *MeetingService) Images(ctx context.Context, id uuid.UUID) ([]*entities.MeetingImage, error) {
	if _, err := s.deps.Repo.FindMeetingById(ctx, id); err != nil {
		return nil, err
	}
	return s.deps.Repo.ListImagesByMeeting(ctx, id)
}

// OpenImage serves a capture by id, linked or not.
func (s *MeetingService) OpenImage(ctx context.Context, id uuid.UUID) (*Media, error) {
	image, err := s.deps.Repo.FindImageById(ctx, id)
	if err != nil {
		return nil, err
	}
	obj, err := s.deps.Storage.Open(ctx, image.FilePath)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return &Media{
		ReadSeeker:  obj,
		Closer:      obj,
		Name:        image.Filename,
		ContentType: storage.ContentType(image.FilePath),
		Size:        obj.Size(),
		ModTime:     image.CreatedAt,
	}, nil
}

func mapStorageErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return errors.Join(ErrStorageUnavailable, err)
}
