package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
	"meeting-ingest/dto"
	"meeting-ingest/entities"
	"meeting-ingest/pkg/storage"
	"meeting-ingest/repository"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDispatcher struct {
	mu       sync.Mutex
	messages []dto.PipelineMessage
	err      error
}

func (d *recordingDispatcher) Publish(_ context.Context, message dto.PipelineMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.messages = append(d.messages, message)
	return nil
}

func (d *recordingDispatcher) drain() []dto.PipelineMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.messages
	d.messages = nil
	return out
}

type fakeTranscriber struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	result   Transcript
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string, _ []byte) (Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Transcript{}, f.err
	}
	if f.failures > 0 {
		f.failures--
		return Transcript{}, errors.New("upstream timeout")
	}
	return f.result, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls int
	input string
	err   error
}

func (f *fakeSummarizer) Summarize(_ context.Context, transcript string) (Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.input = transcript
	if f.err != nil {
		return Summary{}, f.err
	}
	return Summary{Summary: "Team sync.", ActionItems: "- ship it"}, nil
}

type testEnv struct {
	svc         *Services
	repo        repository.Repository
	store       storage.Store
	dispatcher  *recordingDispatcher
	transcriber *fakeTranscriber
	summarizer  *fakeSummarizer
	clock       *testClock
}

func newTestEnv(t *testing.T, tweak ...func(*Options)) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, storage.NewFileStore(afero.NewMemMapFs()), tweak...)
}

func newTestEnvWithStore(t *testing.T, store storage.Store, tweak ...func(*Options)) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := repository.OpenSqlite(dsn, logger.Silent)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(context.Background(), db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	opts := DefaultOptions()
	opts.RetryInterval = time.Millisecond
	for _, fn := range tweak {
		fn(&opts)
	}

	env := &testEnv{
		repo:       repository.NewRepo(db),
		store:      store,
		dispatcher: &recordingDispatcher{},
		transcriber: &fakeTranscriber{result: Transcript{
			Text:     "hello team",
			Language: "english",
			Segments: []entities.Segment{{Speaker: "Speaker 1", Text: "hello team", Start: 0, End: 1.2}},
		}},
		summarizer: &fakeSummarizer{},
		clock:      &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
	}
	env.svc = New(Dependencies{
		Repo:        env.repo,
		Storage:     env.store,
		Dispatcher:  env.dispatcher,
		Transcriber: env.transcriber,
		Summarizer:  env.summarizer,
		Clock:       env.clock.Now,
		Options:     opts,
	})
	return env
}

// processQueued runs every queued pipeline message and returns how many ran.
func (e *testEnv) processQueued(t *testing.T) int {
	t.Helper()
	messages := e.dispatcher.drain()
	for _, msg := range messages {
		require.NoError(t, e.svc.Pipeline.Process(context.Background(), msg))
	}
	return len(messages)
}

func (e *testEnv) meeting(t *testing.T, id uuid.UUID) *entities.Meeting {
	t.Helper()
	m, err := e.repo.FindMeetingById(context.Background(), id)
	require.NoError(t, err)
	return m
}

// wavChunk builds a 16 kHz mono 16-bit WAV header with placeholder sizes
// followed by dataLen bytes of audio.
func wavChunk(dataLen int) []byte {
	header := make([]byte, 44)
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], 0xFFFFFFFF)
	copy(header[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1)
	binary.LittleEndian.PutUint16(header[22:], 1)
	binary.LittleEndian.PutUint32(header[24:], 16000)
	binary.LittleEndian.PutUint32(header[28:], 32000)
	binary.LittleEndian.PutUint16(header[32:], 2)
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], 0xFFFFFFFF)
	return append(header, audioBytes(dataLen)...)
}

// failingAppendStore accepts the first write of a recording and rejects every
// append after it.
type failingAppendStore struct {
	storage.Store
}

func (failingAppendStore) Append(context.Context, string, []byte) (int64, error) {
	return 0, errors.New("disk gone")
}

func audioBytes(n int) []byte {
	return bytes.Repeat([]byte{0x01}, n)
}
