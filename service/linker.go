package service

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"meeting-ingest/repository"
	"strings"
	"time"
)

// LinkPolicy decides which meeting a camera capture belongs to. The decision
// is made once, when the capture arrives.
type LinkPolicy struct {
	Repo         repository.Repository
	Window       time.Duration
	Now          func() time.Time
	CameraOwners map[string]string
}

// Owner resolves the microphone a camera reports for. Lookups try the camera
// id first, then the camera address; unmapped cameras own themselves.
func (p LinkPolicy) Owner(mac, cameraID string) string {
	for _, key := range []string{cameraID, mac} {
		if key == "" {
			continue
		}
		for camera, owner := range p.CameraOwners {
			if strings.EqualFold(camera, key) {
				return NormalizeMac(owner)
			}
		}
	}
	return NormalizeMac(mac)
}

// Link returns the meeting a capture from deviceID attaches to, or nil when it
// stays unassigned. Order: the device's active session, then the most recently
// active processing meeting inside the window.
func (p LinkPolicy) Link(ctx context.Context, deviceID string) (*uuid.UUID, error) {
	deviceID = NormalizeMac(deviceID)
	if deviceID != "" {
		meeting, err := p.Repo.FindActiveSession(ctx, deviceID)
		if err == nil {
			return &meeting.ID, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	if p.Window <= 0 {
		return nil, nil
	}
	meeting, err := p.Repo.FindLatestProcessingSince(ctx, p.Now().Add(-p.Window))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &meeting.ID, nil
}
