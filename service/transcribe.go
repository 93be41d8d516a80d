package service

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"mime"
	"strings"
)

// MaxTranscribeBytes is the largest file the hosted speech model accepts.
const MaxTranscribeBytes = 25 << 20

var transcribableTypes = map[string]bool{
	"audio/wav":       true,
	"audio/x-wav":     true,
	"audio/mpeg":      true,
	"audio/mp3":       true,
	"audio/x-m4a":     true,
	"audio/webm":      true,
	"audio/mp4":       true,
	"audio/ogg":       true,
	"audio/flac":      true,
	"audio/aac":       true,
	"video/mp4":       true,
	"video/mpeg":      true,
	"video/webm":      true,
	"video/ogg":       true,
	"video/quicktime": true,
	"video/x-msvideo": true,
}

// IsTranscribable reports whether contentType is a media type the speech
// model can read. Parameters such as codecs are ignored.
func IsTranscribable(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return transcribableTypes[strings.ToLower(mediaType)]
}

// DirectTranscriber transcribes a caller-supplied file synchronously. Nothing
// is stored and no meeting is created.
type DirectTranscriber struct {
	deps Dependencies
}

func (d *DirectTranscriber) Transcribe(ctx context.Context, filename, contentType string, data []byte) (Transcript, error) {
	if !IsTranscribable(contentType) {
		return Transcript{}, fmt.Errorf("%w: unsupported file type %q", ErrInvalidInput, contentType)
	}
	if len(data) == 0 {
		return Transcript{}, fmt.Errorf("%w: empty file", ErrInvalidInput)
	}
	if len(data) > MaxTranscribeBytes {
		return Transcript{}, fmt.Errorf("%w: file too large, max 25MB", ErrInvalidInput)
	}

	transcript, err := d.deps.Transcriber.Transcribe(ctx, filename, data)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcribe %s: %w", filename, err)
	}
	zerolog.Ctx(ctx).Info().
		Str("filename", filename).
		Int("bytes", len(data)).
		Int("words", len(transcript.Words)).
		Msg("direct transcription finished")
	return transcript, nil
}
