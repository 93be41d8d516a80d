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
	"path"
	"strings"
)

type RecoveryReport struct {
	ImportedMeetings int
	ImportedImages   int
	Requeued         int
}

// Recovery reconciles storage and meeting state after a restart. It runs
// before the HTTP listener accepts uploads.
type Recovery struct {
	deps    Dependencies
	locks   *keylock.Locker
	handoff *handoff
}

// Run imports unreferenced blobs, then requeues every meeting left in
// processing by a previous process.
func (r *Recovery) Run(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	if err := r.importOrphans(ctx, &report); err != nil {
		return report, err
	}
	if err := r.requeueStuck(ctx, &report); err != nil {
		return report, err
	}

	zerolog.Ctx(ctx).Info().
		Int("imported_meetings", report.ImportedMeetings).
		Int("imported_images", report.ImportedImages).
		Int("requeued", report.Requeued).
		Msg("recovery finished")
	return report, nil
}

func (r *Recovery) importOrphans(ctx context.Context, report *RecoveryReport) error {
	objects, err := r.deps.Storage.List(ctx)
	if err != nil {
		return errors.Join(ErrStorageUnavailable, fmt.Errorf("list objects: %w", err))
	}
	known, err := r.deps.Repo.StorageKeys(ctx)
	if err != nil {
		return fmt.Errorf("load storage keys: %w", err)
	}

	now := r.deps.Clock()
	for _, obj := range objects {
		if _, ok := known[obj.Key]; ok {
			continue
		}
		device := NormalizeMac(storage.DeviceFromKey(obj.Key))

		if storage.IsImageKey(obj.Key) {
			image := &entities.MeetingImage{
				ID:         uuid.New(),
				Filename:   path.Base(obj.Key),
				FilePath:   obj.Key,
				MacAddress: device,
				DeviceType: string(constant.DeviceTypeCamera),
				CreatedAt:  now,
			}
			if err := r.deps.Repo.CreateImage(ctx, image); err != nil {
				return fmt.Errorf("import image %s: %w", obj.Key, err)
			}
			report.ImportedImages++
			continue
		}

		meeting := &entities.Meeting{
			ID:             uuid.New(),
			Filename:       path.Base(obj.Key),
			FilePath:       obj.Key,
			Status:         constant.MeetingStatusProcessing,
			FileSize:       obj.Size,
			MacAddress:     device,
			DeviceType:     constant.DeviceTypeUpload,
			LastActivityAt: now,
			SessionEndedAt: &now,
			CreatedAt:      now,
		}
		if strings.HasPrefix(obj.Key, storage.LivePrefix) {
			meeting.DeviceType = constant.DeviceTypeMic
		}
		if obj.Size < r.deps.Options.MinAudioBytes {
			reason := fmt.Sprintf("Audio too short (%d bytes)", obj.Size)
			meeting.Status = constant.MeetingStatusFailed
			meeting.Summary = &reason
		}
		if err := r.deps.Repo.CreateMeeting(ctx, meeting); err != nil {
			return fmt.Errorf("import meeting %s: %w", obj.Key, err)
		}
		zerolog.Ctx(ctx).Info().
			Str("meeting_id", meeting.ID.String()).
			Str("file_path", obj.Key).
			Str("status", string(meeting.Status)).
			Msg("imported orphaned recording")
		report.ImportedMeetings++
	}
	return nil
}

// requeueStuck closes every meeting still in processing and queues exactly
// one fresh job for it. Older jobs are failed so their messages are ignored.
func (r *Recovery) requeueStuck(ctx context.Context, report *RecoveryReport) error {
	meetings, err := r.deps.Repo.ListMeetingsByStatus(ctx, constant.MeetingStatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing meetings: %w", err)
	}

	for _, meeting := range meetings {
		if err := r.requeue(ctx, meeting); err != nil {
			return err
		}
		report.Requeued++
	}
	return nil
}

func (r *Recovery) requeue(ctx context.Context, meeting *entities.Meeting) error {
	unlock := r.locks.Lock(meetingLockKey(meeting.ID))
	defer unlock()

	if err := r.deps.Repo.DeactivateSession(ctx, meeting.ID, r.deps.Clock()); err != nil {
		return fmt.Errorf("deactivate %s: %w", meeting.ID, err)
	}
	if _, err := r.deps.Repo.SupersedeJobs(ctx, meeting.ID, "superseded by recovery"); err != nil {
		return fmt.Errorf("supersede jobs of %s: %w", meeting.ID, err)
	}
	if _, err := r.handoff.trigger(ctx, meeting.ID); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("meeting_id", meeting.ID.String()).
		Bool("was_active", meeting.SessionActive).
		Msg("requeued stuck meeting")
	return nil
}
