package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"meeting-ingest/constant"
	"meeting-ingest/entities"
	"meeting-ingest/pkg/chunked"
	"meeting-ingest/pkg/storage"
	"path"
	"strings"
)

type UploadRequest struct {
	Filename   string
	MacAddress string
	CameraID   string
	Body       []byte
}

type UploadResult struct {
	Id       uuid.UUID
	Filename string
	FileSize int64
	Image    bool
	Created  bool
}

// Uploader routes an upload to the live session path, the camera path or the
// one-shot path depending on the declared filename.
type Uploader struct {
	deps     Dependencies
	sessions *SessionResolver
	ingest   *Ingestor
	linker   LinkPolicy
	handoff  *handoff
}

func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	req.Filename = strings.TrimSpace(req.Filename)
	req.MacAddress = NormalizeMac(req.MacAddress)
	if req.Filename == "" {
		req.Filename = "recording.wav"
	}
	body := chunked.Decode(req.Body)

	switch {
	case IsImage(req.Filename):
		image, err := u.UploadImage(ctx, req.MacAddress, req.CameraID, req.Filename, body)
		if err != nil {
			return UploadResult{}, err
		}
		return UploadResult{Id: image.ID, Filename: image.Filename, FileSize: int64(len(body)), Image: true, Created: true}, nil
	case IsLiveStream(req.Filename) && req.MacAddress != "":
		return u.appendLive(ctx, req, body)
	default:
		return u.uploadOnce(ctx, req, body)
	}
}

func (u *Uploader) appendLive(ctx context.Context, req UploadRequest, body []byte) (UploadResult, error) {
	meeting, created, err := u.sessions.Resolve(ctx, req.MacAddress, req.Filename)
	if err != nil {
		return UploadResult{}, err
	}

	size, err := u.ingest.Append(ctx, meeting, body)
	if errors.Is(err, ErrNoActiveSession) {
		// the session ended between resolve and append; open a fresh one
		meeting, created, err = u.sessions.Resolve(ctx, req.MacAddress, req.Filename)
		if err != nil {
			return UploadResult{}, err
		}
		size, err = u.ingest.Append(ctx, meeting, body)
	}
	if err != nil {
		return UploadResult{}, err
	}

	return UploadResult{Id: meeting.ID, Filename: meeting.Filename, FileSize: size, Created: created}, nil
}

func (u *Uploader) uploadOnce(ctx context.Context, req UploadRequest, body []byte) (UploadResult, error) {
	if len(body) == 0 {
		return UploadResult{}, fmt.Errorf("%w: empty upload", ErrInvalidInput)
	}

	id := uuid.New()
	now := u.deps.Clock()
	meeting := &entities.Meeting{
		ID:             id,
		Filename:       req.Filename,
		FilePath:       storage.UploadKey(id, req.Filename),
		Status:         constant.MeetingStatusProcessing,
		MacAddress:     req.MacAddress,
		DeviceType:     constant.DeviceTypeUpload,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := u.deps.Repo.CreateMeeting(ctx, meeting); err != nil {
		return UploadResult{}, err
	}

	size, err := u.ingest.Store(ctx, meeting, body)
	if err != nil {
		if _, failErr := u.deps.Repo.FailMeeting(ctx, id, "Upload failed: "+err.Error()); failErr != nil {
			zerolog.Ctx(ctx).Error().Err(failErr).Str("meeting_id", id.String()).Msg("failed to mark upload failed")
		}
		return UploadResult{}, err
	}

	if _, err := u.handoff.trigger(ctx, id); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("meeting_id", id.String()).Msg("failed to queue pipeline after upload")
	}

	return UploadResult{Id: id, Filename: meeting.Filename, FileSize: size, Created: true}, nil
}

// UploadImage stores a camera capture and links it to a meeting when one
// matches. Unmatched captures are kept unassigned.
func (u *Uploader) UploadImage(ctx context.Context, mac, cameraID, filename string, data []byte) (*entities.MeetingImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	mac = NormalizeMac(mac)
	if filename == "" {
		filename = "capture.jpg"
	}

	owner := u.linker.Owner(mac, cameraID)
	meetingId, err := u.linker.Link(ctx, owner)
	if err != nil {
		return nil, err
	}

	deviceType := cameraID
	if deviceType == "" {
		deviceType = string(constant.DeviceTypeCamera)
	}
	id := uuid.New()
	image := &entities.MeetingImage{
		ID:         id,
		MeetingID:  meetingId,
		Filename:   path.Base(filename),
		FilePath:   storage.ImageKey(owner, id, filename),
		MacAddress: mac,
		DeviceType: deviceType,
		CreatedAt:  u.deps.Clock(),
	}

	if _, err := u.deps.Storage.Create(ctx, image.FilePath, data); err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	if err := u.deps.Repo.CreateImage(ctx, image); err != nil {
		if delErr := u.deps.Storage.Delete(ctx, image.FilePath); delErr != nil {
			zerolog.Ctx(ctx).Warn().Err(delErr).Str("file_path", image.FilePath).Msg("failed to remove unrecorded image")
		}
		return nil, err
	}

	logger := zerolog.Ctx(ctx).Info().Str("image_id", id.String()).Str("mac_address", mac)
	if meetingId != nil {
		logger = logger.Str("meeting_id", meetingId.String())
	}
	logger.Msg("image stored")
	return image, nil
}
