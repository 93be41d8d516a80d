package service

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"meeting-ingest/constant"
	"meeting-ingest/dto"
	"meeting-ingest/entities"
	"strings"
	"testing"
	"unicode/utf8"
)

func endedMeeting(t *testing.T, env *testEnv, body []byte) *entities.Meeting {
	t.Helper()
	ctx := context.Background()
	res, err := env.svc.Uploads.Upload(ctx, liveUpload("AA:BB", body))
	require.NoError(t, err)
	_, err = env.svc.Finalizer.EndSession(ctx, res.Id)
	require.NoError(t, err)
	return env.meeting(t, res.Id)
}

func TestAckFollowsPipeline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.Meetings.Ack(ctx, "live.wav")
	require.Error(t, err)

	res, err := env.svc.Uploads.Upload(ctx, liveUpload("AA:BB", wavChunk(4000)))
	require.NoError(t, err)

	ack, err := env.svc.Meetings.Ack(ctx, "live.wav")
	require.NoError(t, err)
	assert.Equal(t, "processing", ack)

	_, err = env.svc.Finalizer.EndSession(ctx, res.Id)
	require.NoError(t, err)
	ack, err = env.svc.Meetings.Ack(ctx, "live.wav")
	require.NoError(t, err)
	assert.Equal(t, "processing", ack)

	assert.Equal(t, 1, env.processQueued(t))
	ack, err = env.svc.Meetings.Ack(ctx, "live.wav")
	require.NoError(t, err)
	assert.Equal(t, "done", ack)

	m := env.meeting(t, res.Id)
	require.NotNil(t, m.Transcript)
	assert.Equal(t, "hello team", *m.Transcript)
	require.Len(t, m.Segments, 1)
	require.NotNil(t, m.Language)
	assert.Equal(t, "english", *m.Language)
	require.NotNil(t, m.Summary)
	assert.Equal(t, "Team sync.", *m.Summary)
	require.NotNil(t, m.ActionItems)
	assert.Equal(t, "- ship it", *m.ActionItems)
	require.NotNil(t, m.DurationSeconds)
	assert.InDelta(t, 0.125, *m.DurationSeconds, 0.0001)
}

func TestShortAudioNeverTranscribed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.svc.Uploads.Upload(ctx, UploadRequest{Filename: "tiny.wav", Body: wavChunk(456)})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.FileSize)

	env.processQueued(t)

	m := env.meeting(t, res.Id)
	assert.Equal(t, constant.MeetingStatusFailed, m.Status)
	require.NotNil(t, m.Summary)
	assert.Contains(t, *m.Summary, "too short")
	assert.Equal(t, 0, env.transcriber.callCount())

	ack, err := env.svc.Meetings.Ack(ctx, "tiny.wav")
	require.NoError(t, err)
	assert.Equal(t, "failed", ack)
}

func TestTranscriberFailureRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.transcriber.err = errors.New("quota exceeded")

	m := endedMeeting(t, env, wavChunk(4000))
	env.processQueued(t)

	m = env.meeting(t, m.ID)
	assert.Equal(t, constant.MeetingStatusFailed, m.Status)
	require.NotNil(t, m.Summary)
	assert.True(t, strings.HasPrefix(*m.Summary, "Processing failed: "))
	assert.Contains(t, *m.Summary, "quota exceeded")
	assert.Equal(t, 3, env.transcriber.callCount())
}

func TestTranscriberRetriesTransientErrors(t *testing.T) {
	env := newTestEnv(t)
	env.transcriber.failures = 2

	m := endedMeeting(t, env, wavChunk(4000))
	env.processQueued(t)

	assert.Equal(t, constant.MeetingStatusCompleted, env.meeting(t, m.ID).Status)
	assert.Equal(t, 3, env.transcriber.callCount())
}

func TestSummarizerFailureRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.summarizer.err = errors.New("model overloaded")

	m := endedMeeting(t, env, wavChunk(4000))
	env.processQueued(t)

	m = env.meeting(t, m.ID)
	assert.Equal(t, constant.MeetingStatusFailed, m.Status)
	require.NotNil(t, m.Summary)
	assert.Contains(t, *m.Summary, "model overloaded")
}

func TestEmptyTranscriptSkipsSummarizer(t *testing.T) {
	env := newTestEnv(t)
	env.transcriber.result = Transcript{}

	m := endedMeeting(t, env, wavChunk(4000))
	env.processQueued(t)

	m = env.meeting(t, m.ID)
	assert.Equal(t, constant.MeetingStatusCompleted, m.Status)
	require.NotNil(t, m.Summary)
	assert.Equal(t, noSpeechSummary, *m.Summary)
	assert.Equal(t, 0, env.summarizer.calls)
}

func TestLongTranscriptTruncatedForSummary(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxTranscriptChars = 10 })
	env.transcriber.result = Transcript{Text: strings.Repeat("word ", 20)}

	endedMeeting(t, env, wavChunk(4000))
	env.processQueued(t)

	assert.Len(t, env.summarizer.input, 10)
}

func TestTruncationKeepsWholeCharacters(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxTranscriptChars = 5 })
	env.transcriber.result = Transcript{Text: strings.Repeat("é", 10)}

	endedMeeting(t, env, wavChunk(4000))
	env.processQueued(t)

	assert.Equal(t, strings.Repeat("é", 5), env.summarizer.input)
	assert.True(t, utf8.ValidString(env.summarizer.input))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "abc", truncateRunes("abc", 3))
	assert.Equal(t, "abc", truncateRunes("abc", 10))
	assert.Equal(t, "日本", truncateRunes("日本語", 2))
	assert.Equal(t, "", truncateRunes("日本語", 0))
}

func TestDuplicateDeliveryProcessedOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	m := endedMeeting(t, env, wavChunk(4000))
	messages := env.dispatcher.drain()
	require.Len(t, messages, 1)

	require.NoError(t, env.svc.Pipeline.Process(ctx, messages[0]))
	require.NoError(t, env.svc.Pipeline.Process(ctx, messages[0]))

	assert.Equal(t, 1, env.transcriber.callCount())
	assert.Equal(t, constant.MeetingStatusCompleted, env.meeting(t, m.ID).Status)

	job, err := env.repo.FindJobById(ctx, messages[0].JobId)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestMissingAudioFailsMeeting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	m := endedMeeting(t, env, wavChunk(4000))
	require.NoError(t, env.store.Delete(ctx, m.FilePath))
	env.processQueued(t)

	m = env.meeting(t, m.ID)
	assert.Equal(t, constant.MeetingStatusFailed, m.Status)
	require.NotNil(t, m.Summary)
	assert.Equal(t, "Audio file missing", *m.Summary)
}

func TestDeletedMeetingFailsJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	m := endedMeeting(t, env, wavChunk(4000))
	require.NoError(t, env.svc.Meetings.Delete(ctx, m.ID))

	messages := env.dispatcher.drain()
	require.Len(t, messages, 1)
	require.NoError(t, env.svc.Pipeline.Process(ctx, messages[0]))

	job, err := env.repo.FindJobById(ctx, messages[0].JobId)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusFailed, job.Status)
	assert.Equal(t, 0, env.transcriber.callCount())
}

func TestUnknownJobIgnored(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.svc.Pipeline.Process(context.Background(), dto.PipelineMessage{}))
}

func TestOutcomeReason(t *testing.T) {
	assert.Equal(t, "", Outcome{}.Reason())
	assert.False(t, Outcome{}.Failed())

	o := Outcome{Err: errors.New("boom")}
	assert.True(t, o.Failed())
	assert.Equal(t, "Processing failed: boom", o.Reason())
}
