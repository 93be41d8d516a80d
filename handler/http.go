package handler

import (
	"errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"io"
	"meeting-ingest/constant"
	"meeting-ingest/dto"
	"meeting-ingest/pkg/storage"
	"meeting-ingest/repository"
	"meeting-ingest/service"
	"mime/multipart"
	"net/http"
	"strings"
)

const (
	defaultListLimit = 100
	serviceName      = "meeting-ingest"
	// multipart framing around the transcribed file
	multipartOverhead = 1 << 20
)

type HTTPHandler struct {
	services       *service.Services
	maxUploadBytes int64
}

func NewHTTPHandler(services *service.Services, maxUploadBytes int64) *HTTPHandler {
	return &HTTPHandler{services: services, maxUploadBytes: maxUploadBytes}
}

func (h *HTTPHandler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.POST("/upload", h.Upload)
	r.GET("/ack", h.Ack)
	r.POST("/upload_image", h.UploadImage)
	r.POST("/end_session_by_mac", h.EndSessionByMac)
	r.GET("/images/:id", h.Image)

	api := r.Group("/api")
	api.GET("/info", h.Info)
	api.POST("/transcribe", h.Transcribe)

	meetings := r.Group("/meetings")
	meetings.GET("", h.ListMeetings)
	meetings.GET("/:id", h.GetMeeting)
	meetings.PATCH("/:id", h.UpdateMeeting)
	meetings.DELETE("/:id", h.DeleteMeeting)
	meetings.POST("/:id/end_session", h.EndSession)
	meetings.POST("/:id/reprocess", h.Reprocess)
	meetings.GET("/:id/audio", h.Audio)
	meetings.GET("/:id/images", h.MeetingImages)
}

func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, dto.InfoResponse{
		Status:  "ok",
		Service: serviceName,
		Endpoints: map[string]string{
			"health":     "/health",
			"transcribe": "/api/transcribe",
		},
	})
}

// Transcribe runs speech-to-text on the multipart "file" field and answers with
// the text and word timings. Nothing is stored.
func (h *HTTPHandler) Transcribe(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, service.MaxTranscribeBytes+multipartOverhead)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "file too large, max 25MB"})
			return
		}
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "missing file"})
		return
	}
	contentType := header.Header.Get("Content-Type")
	if !service.IsTranscribable(contentType) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unsupported file type, use .wav, .mp3, .m4a or .webm"})
		return
	}
	data, err := readFormFile(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	transcript, err := h.services.Direct.Transcribe(c.Request.Context(), header.Filename, contentType, data)
	if err != nil {
		h.abort(c, err)
		return
	}

	words := make([]dto.Word, 0, len(transcript.Words))
	for _, w := range transcript.Words {
		words = append(words, dto.Word{Word: w.Word, Start: w.Start, End: w.End})
	}
	c.JSON(http.StatusOK, dto.TranscribeResponse{Transcription: transcript.Text, Words: words})
}

func (h *HTTPHandler) Upload(c *gin.Context) {
	filename, body, ok := h.readUpload(c)
	if !ok {
		return
	}

	result, err := h.services.Uploads.Upload(c.Request.Context(), service.UploadRequest{
		Filename:   filename,
		MacAddress: c.Query("mac_address"),
		CameraID:   c.Query("camera_id"),
		Body:       body,
	})
	if err != nil {
		h.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.UploadResponse{
		Status:   "success",
		Filename: result.Filename,
		Id:       result.Id,
		FileSize: result.FileSize,
	})
}

func (h *HTTPHandler) UploadImage(c *gin.Context) {
	filename, body, ok := h.readUpload(c)
	if !ok {
		return
	}

	image, err := h.services.Uploads.UploadImage(c.Request.Context(), c.Query("mac_address"), c.Query("camera_id"), filename, body)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, image)
}

// Ack answers recorders in plain text.
func (h *HTTPHandler) Ack(c *gin.Context) {
	file := c.Query("file")
	if file == "" {
		c.String(http.StatusBadRequest, "missing file")
		return
	}

	status, err := h.services.Meetings.Ack(c.Request.Context(), file)
	if errors.Is(err, repository.ErrNotFound) {
		c.String(http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("file", file).Msg("ack lookup failed")
		c.String(http.StatusInternalServerError, "error")
		return
	}
	c.String(http.StatusOK, status)
}

func (h *HTTPHandler) EndSession(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	meeting, err := h.services.Finalizer.EndSession(c.Request.Context(), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.EndSessionResponse{Status: "session_ended", Id: meeting.ID, SessionEndedAt: meeting.SessionEndedAt})
}

func (h *HTTPHandler) EndSessionByMac(c *gin.Context) {
	meeting, err := h.services.Finalizer.EndSessionByMac(c.Request.Context(), c.Query("mac_address"))
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.EndSessionResponse{Status: "session_ended", Id: meeting.ID, SessionEndedAt: meeting.SessionEndedAt})
}

func (h *HTTPHandler) Reprocess(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	meeting, err := h.services.Finalizer.Reprocess(c.Request.Context(), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.StatusResponse{Status: string(meeting.Status), Id: meeting.ID})
}

func (h *HTTPHandler) ListMeetings(c *gin.Context) {
	var query dto.ListMeetingsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultListLimit
	}

	meetings, err := h.services.Meetings.List(c.Request.Context(), repository.MeetingFilter{
		Status: constant.MeetingStatus(query.Status),
		Limit:  query.Limit,
		Offset: query.Offset,
	})
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, meetings)
}

func (h *HTTPHandler) GetMeeting(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	meeting, err := h.services.Meetings.Get(c.Request.Context(), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, meeting)
}

func (h *HTTPHandler) UpdateMeeting(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req dto.UpdateMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	meeting, err := h.services.Meetings.Update(c.Request.Context(), id, repository.MeetingUpdate{
		Filename:    req.Filename,
		Summary:     req.Summary,
		ActionItems: req.ActionItems,
	})
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, meeting)
}

func (h *HTTPHandler) DeleteMeeting(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	if err := h.services.Meetings.Delete(c.Request.Context(), id); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.StatusResponse{Status: "deleted", Id: id})
}

func (h *HTTPHandler) Audio(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	media, err := h.services.Meetings.OpenAudio(c.Request.Context(), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	serveMedia(c, media)
}

func (h *HTTPHandler) MeetingImages(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	images, err := h.services.Meetings.Images(c.Request.Context(), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, images)
}

func (h *HTTPHandler) Image(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	media, err := h.services.Meetings.OpenImage(c.Request.Context(), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	serveMedia(c, media)
}

// readUpload returns the request payload, taken from the multipart "file"
// field when present and from the raw body otherwise.
func (h *HTTPHandler) readUpload(c *gin.Context) (string, []byte, bool) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}
	filename := c.Query("filename")

	var (
		body []byte
		err  error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		var header *multipart.FileHeader
		header, err = c.FormFile("file")
		if err == nil {
			if filename == "" {
				filename = header.Filename
			}
			body, err = readFormFile(header)
		}
	} else {
		body, err = io.ReadAll(c.Request.Body)
	}

	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: "file too large"})
			return "", nil, false
		}
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return "", nil, false
	}
	return filename, body, true
}

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func serveMedia(c *gin.Context, media *service.Media) {
	defer media.Close()
	c.Header("Content-Type", media.ContentType)
	c.Header("Accept-Ranges", "bytes")
	http.ServeContent(c.Writer, c.Request, media.Name, media.ModTime, media)
}

func pathId(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *HTTPHandler) abort(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, dto.ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoActiveSession), errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
