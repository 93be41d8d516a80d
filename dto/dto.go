package dto

import (
	"github.com/google/uuid"
	"time"
)

type PipelineMessage struct {
	JobId     uuid.UUID `json:"jobId"`
	MeetingId uuid.UUID `json:"meetingId"`
}

type UploadResponse struct {
	Status   string    `json:"status"`
	Filename string    `json:"filename"`
	Id       uuid.UUID `json:"id"`
	FileSize int64     `json:"file_size"`
}

type EndSessionResponse struct {
	Status         string     `json:"status"`
	Id             uuid.UUID  `json:"id"`
	SessionEndedAt *time.Time `json:"session_end_timestamp"`
}

type UpdateMeetingRequest struct {
	Filename    *string `json:"filename" binding:"omitempty,min=1,max=255"`
	Summary     *string `json:"summary"`
	ActionItems *string `json:"action_items"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ListMeetingsQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=processing completed failed"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

type StatusResponse struct {
	Status string    `json:"status"`
	Id     uuid.UUID `json:"id"`
}

type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type TranscribeResponse struct {
	Transcription string `json:"transcription"`
	Words         []Word `json:"words"`
}

type InfoResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Endpoints map[string]string `json:"endpoints"`
}
