package handler

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
	"meeting-ingest/dto"
	"meeting-ingest/entities"
	"meeting-ingest/pkg/storage"
	"meeting-ingest/repository"
	"meeting-ingest/service"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"
)

type queuedDispatcher struct {
	mu       sync.Mutex
	messages []dto.PipelineMessage
}

func (d *queuedDispatcher) Publish(_ context.Context, message dto.PipelineMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, message)
	return nil
}

func (d *queuedDispatcher) drain() []dto.PipelineMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.messages
	d.messages = nil
	return out
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(context.Context, string, []byte) (service.Transcript, error) {
	return service.Transcript{
		Text:     "hello team",
		Segments: []entities.Segment{{Speaker: "Speaker 1", Text: "hello team", End: 1}},
		Words: []service.Word{
			{Word: "hello", Start: 0, End: 0.4},
			{Word: "team", Start: 0.4, End: 1},
		},
	}, nil
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(context.Context, string) (service.Summary, error) {
	return service.Summary{Summary: "Greeting.", ActionItems: "None"}, nil
}

type testServer struct {
	router     *gin.Engine
	services   *service.Services
	dispatcher *queuedDispatcher
}

func newTestServer(t *testing.T, tweak ...func(*service.Dependencies)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := repository.OpenSqlite(dsn, logger.Silent)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(context.Background(), db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	dispatcher := &queuedDispatcher{}
	deps := service.Dependencies{
		Repo:        repository.NewRepo(db),
		Storage:     storage.NewFileStore(afero.NewMemMapFs()),
		Dispatcher:  dispatcher,
		Transcriber: stubTranscriber{},
		Summarizer:  stubSummarizer{},
		Clock:       func() time.Time { return time.Now().UTC() },
		Options:     service.DefaultOptions(),
	}
	for _, fn := range tweak {
		fn(&deps)
	}
	services := service.New(deps)

	r := gin.New()
	NewHTTPHandler(services, 4096).Register(r)
	return &testServer{router: r, services: services, dispatcher: dispatcher}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

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
	return append(header, bytes.Repeat([]byte{0x01}, dataLen)...)
}

type appendFailingStore struct {
	storage.Store
}

func (appendFailingStore) Append(context.Context, string, []byte) (int64, error) {
	return 0, errors.New("disk gone")
}

// transcribeRequest builds a multipart request whose file part carries the
// given content type.
func transcribeRequest(t *testing.T, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestLiveUploadAckAndEndSession(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/ack?file=live.wav", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", w.Body.String())

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/upload?filename=live.wav&mac_address=AA:BB", bytes.NewReader(wavChunk(1000))))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[dto.UploadResponse](t, w)
	assert.Equal(t, "success", first.Status)
	assert.Equal(t, int64(1044), first.FileSize)

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/upload?filename=live.wav&mac_address=AA:BB", bytes.NewReader(wavChunk(500))))
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[dto.UploadResponse](t, w)
	assert.Equal(t, first.Id, second.Id)
	assert.Equal(t, int64(1544), second.FileSize)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/ack?file=live.wav", nil))
	assert.Equal(t, "processing", w.Body.String())

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/end_session_by_mac?mac_address=AA:BB", nil))
	require.Equal(t, http.StatusOK, w.Code)
	ended := decode[dto.EndSessionResponse](t, w)
	assert.Equal(t, first.Id, ended.Id)
	assert.NotNil(t, ended.SessionEndedAt)

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/meetings/"+first.Id.String()+"/end_session", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	for _, msg := range s.dispatcher.drain() {
		require.NoError(t, ProcessPipeline(context.Background(), msg, ServiceDependencies{Pipeline: s.services.Pipeline}))
	}
	w = s.do(t, httptest.NewRequest(http.MethodGet, "/ack?file=live.wav", nil))
	assert.Equal(t, "done", w.Body.String())

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/meetings/"+first.Id.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	meeting := decode[entities.Meeting](t, w)
	assert.Equal(t, "completed", string(meeting.Status))
	require.NotNil(t, meeting.Summary)
	assert.Equal(t, "Greeting.", *meeting.Summary)
}

func TestMultipartUpload(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "standup.wav")
	require.NoError(t, err)
	_, err = part.Write(wavChunk(2000))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := s.do(t, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[dto.UploadResponse](t, w)
	assert.Equal(t, "standup.wav", res.Filename)
	assert.Equal(t, int64(2044), res.FileSize)
	assert.Len(t, s.dispatcher.drain(), 1)
}

func TestUploadTooLarge(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, httptest.NewRequest(http.MethodPost, "/upload?filename=big.wav", bytes.NewReader(wavChunk(8000))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestAudioSupportsRanges(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, httptest.NewRequest(http.MethodPost, "/upload?filename=live.wav&mac_address=AA:BB", bytes.NewReader(wavChunk(1000))))
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[dto.UploadResponse](t, w)

	req := httptest.NewRequest(http.MethodGet, "/meetings/"+res.Id.String()+"/audio", nil)
	req.Header.Set("Range", "bytes=0-7")
	w = s.do(t, req)
	require.Equal(t, http.StatusPartialContent, w.Code)
	body := w.Body.Bytes()
	require.Len(t, body, 8)
	assert.Equal(t, "RIFF", string(body[:4]))
	assert.Equal(t, uint32(1036), binary.LittleEndian.Uint32(body[4:]))
	assert.Equal(t, "audio/wav", w.Header().Get("Content-Type"))
}

func TestImagesRoutes(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, httptest.NewRequest(http.MethodPost, "/upload?filename=live.wav&mac_address=AA:BB", bytes.NewReader(wavChunk(100))))
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[dto.UploadResponse](t, w)

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/upload_image?mac_address=AA:BB&filename=frame.jpg", bytes.NewReader([]byte("jpeg"))))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	image := decode[entities.MeetingImage](t, w)
	require.NotNil(t, image.MeetingID)
	assert.Equal(t, res.Id, *image.MeetingID)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/meetings/"+res.Id.String()+"/images", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]entities.MeetingImage](t, w), 1)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/images/"+image.ID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg", w.Body.String())
}

func TestMeetingCrud(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, httptest.NewRequest(http.MethodPost, "/upload?filename=a.wav", bytes.NewReader(wavChunk(2000))))
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[dto.UploadResponse](t, w)
	path := "/meetings/" + res.Id.String()

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/meetings?status=processing", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]entities.Meeting](t, w), 1)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/meetings?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPatch, path, bytes.NewReader([]byte(`{"filename":"Retro.wav"}`)))
	req.Header.Set("Content-Type", "application/json")
	w = s.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Retro.wav", decode[entities.Meeting](t, w).Filename)

	w = s.do(t, httptest.NewRequest(http.MethodPost, path+"/reprocess", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodDelete, path, nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, httptest.NewRequest(http.MethodGet, "/meetings/not-a-uuid", nil)).Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(repository.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, statusFor(storage.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(service.ErrNoActiveSession))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("wrap: %w", service.ErrInvalidState)))
	assert.Equal(t, http.StatusBadRequest, statusFor(service.ErrInvalidInput))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(service.ErrStorageUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestUploadStorageFailure(t *testing.T) {
	s := newTestServer(t, func(deps *service.Dependencies) {
		deps.Storage = appendFailingStore{Store: deps.Storage}
	})

	req := httptest.NewRequest(http.MethodPost, "/upload?filename=live.wav&mac_address=AA:BB", bytes.NewReader(wavChunk(100)))
	w := s.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/upload?filename=live.wav&mac_address=AA:BB", bytes.NewReader(wavChunk(100)))
	w = s.do(t, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decode[dto.ErrorResponse](t, w).Error, "storage unavailable")
}

func TestInfo(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/info", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"status": "ok",
		"service": "meeting-ingest",
		"endpoints": {"health": "/health", "transcribe": "/api/transcribe"}
	}`, w.Body.String())
}

func TestTranscribe(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, transcribeRequest(t, "clip.mp3", "audio/mpeg", []byte("ID3 audio")))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"transcription": "hello team",
		"words": [
			{"word": "hello", "start": 0, "end": 0.4},
			{"word": "team", "start": 0.4, "end": 1}
		]
	}`, w.Body.String())

	meetings, err := s.services.Meetings.List(context.Background(), repository.MeetingFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, meetings)
	assert.Empty(t, s.dispatcher.drain())
}

func TestTranscribeRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, transcribeRequest(t, "notes.txt", "text/plain", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[dto.ErrorResponse](t, w).Error, "unsupported file type")

	w = s.do(t, transcribeRequest(t, "empty.wav", "audio/wav", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", bytes.NewReader([]byte("raw")))
	req.Header.Set("Content-Type", "audio/wav")
	w = s.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing file", decode[dto.ErrorResponse](t, w).Error)
}
