package service

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"meeting-ingest/repository"
	"testing"
)

func TestIsTranscribable(t *testing.T) {
	assert.True(t, IsTranscribable("audio/wav"))
	assert.True(t, IsTranscribable("Audio/WEBM; codecs=opus"))
	assert.True(t, IsTranscribable("video/quicktime"))
	assert.False(t, IsTranscribable("text/plain"))
	assert.False(t, IsTranscribable("image/png"))
	assert.False(t, IsTranscribable(""))
}

func TestDirectTranscribe(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.transcriber.result = Transcript{
		Text:  "hi there",
		Words: []Word{{Word: "hi", Start: 0.1, End: 0.3}, {Word: "there", Start: 0.3, End: 0.7}},
	}

	transcript, err := env.svc.Direct.Transcribe(ctx, "clip.mp3", "audio/mpeg", audioBytes(64))
	require.NoError(t, err)
	assert.Equal(t, "hi there", transcript.Text)
	require.Len(t, transcript.Words, 2)
	assert.Equal(t, 0.7, transcript.Words[1].End)

	m, err := env.svc.Meetings.List(ctx, repository.MeetingFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestDirectTranscribeRejects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.Direct.Transcribe(ctx, "notes.txt", "text/plain", audioBytes(64))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.svc.Direct.Transcribe(ctx, "clip.wav", "audio/wav", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.svc.Direct.Transcribe(ctx, "clip.wav", "audio/wav", make([]byte, MaxTranscribeBytes+1))
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, env.transcriber.callCount())
}

func TestDirectTranscribeUpstreamError(t *testing.T) {
	env := newTestEnv(t)
	env.transcriber.err = errors.New("quota exceeded")

	_, err := env.svc.Direct.Transcribe(context.Background(), "clip.wav", "audio/wav", audioBytes(64))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "quota exceeded")
}
