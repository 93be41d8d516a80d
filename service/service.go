package service

import (
	"errors"
	"github.com/google/uuid"
	"meeting-ingest/pkg/keylock"
	"meeting-ingest/pkg/storage"
	"meeting-ingest/repository"
	"path"
	"strings"
	"time"
)

var (
	ErrNonRetryable       = errors.New("non-retryable error")
	ErrNoActiveSession    = errors.New("no active session")
	ErrInvalidState       = errors.New("invalid meeting state")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidInput       = errors.New("invalid input")
)

type Options struct {
	// HeaderRepairEvery rewrites the stored WAV header after this many appends.
	HeaderRepairEvery int
	LinkWindow        time.Duration
	MinAudioBytes     int64

	TranscribeMaxTries uint
	RetryInterval      time.Duration
	MaxTranscriptChars int

	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration

	// CameraOwners maps camera addresses or ids to the microphone they belong to.
	CameraOwners map[string]string
}

func DefaultOptions() Options {
	return Options{
		HeaderRepairEvery:  10,
		LinkWindow:         5 * time.Minute,
		MinAudioBytes:      1024,
		TranscribeMaxTries: 3,
		RetryInterval:      time.Second,
		MaxTranscriptChars: 30000,
		IdleTimeout:        30 * time.Minute,
		IdleCheckInterval:  time.Minute,
	}
}

// Dependencies is everything the ingest components share. It is built once at
// startup and handed to every component.
type Dependencies struct {
	Repo        repository.Repository
	Storage     storage.Store
	Dispatcher  Dispatcher
	Transcriber Transcriber
	Summarizer  Summarizer
	Clock       func() time.Time
	Options     Options
}

type Services struct {
	Sessions  *SessionResolver
	Ingest    *Ingestor
	Linker    LinkPolicy
	Uploads   *Uploader
	Finalizer *Finalizer
	Meetings  *MeetingService
	Pipeline  Pipeline
	Recovery  *Recovery
	Idle      *IdleSweeper
	Direct    *DirectTranscriber
}

func New(deps Dependencies) *Services {
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if deps.Options.HeaderRepairEvery < 1 {
		deps.Options.HeaderRepairEvery = 1
	}

	locks := keylock.New()
	handoff := &handoff{repo: deps.Repo, dispatcher: deps.Dispatcher}
	ingest := &Ingestor{deps: deps, locks: locks}
	sessions := &SessionResolver{deps: deps, locks: locks}
	linker := LinkPolicy{
		Repo:         deps.Repo,
		Window:       deps.Options.LinkWindow,
		Now:          deps.Clock,
		CameraOwners: deps.Options.CameraOwners,
	}
	finalizer := &Finalizer{deps: deps, locks: locks, ingest: ingest, handoff: handoff}

	return &Services{
		Sessions:  sessions,
		Ingest:    ingest,
		Linker:    linker,
		Uploads:   &Uploader{deps: deps, sessions: sessions, ingest: ingest, linker: linker, handoff: handoff},
		Finalizer: finalizer,
		Meetings:  &MeetingService{deps: deps, locks: locks},
		Pipeline:  NewPipeline(deps),
		Recovery:  &Recovery{deps: deps, locks: locks, handoff: handoff},
		Idle:      &IdleSweeper{deps: deps, finalizer: finalizer},
		Direct:    &DirectTranscriber{deps: deps},
	}
}

func meetingLockKey(id uuid.UUID) string {
	return "meeting:" + id.String()
}

func deviceLockKey(mac string) string {
	return "device:" + mac
}

// NormalizeMac returns the form device addresses are stored and matched in.
func NormalizeMac(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// IsImage reports whether filename names a camera capture.
func IsImage(filename string) bool {
	return imageExtensions[strings.ToLower(path.Ext(filename))]
}

// IsLiveStream reports whether filename carries the live stream marker that
// recorders use for chunked session uploads (live.wav, live_mic.wav, ...).
func IsLiveStream(filename string) bool {
	base := strings.ToLower(path.Base(strings.ReplaceAll(filename, `\`, "/")))
	return strings.HasPrefix(base, "live") && !IsImage(base)
}
