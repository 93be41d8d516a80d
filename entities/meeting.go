package entities

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"meeting-ingest/constant"
	"time"
)

type Segment struct {
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

type Meeting struct {
	ID              uuid.UUID                    `json:"id" gorm:"type:uuid;primaryKey"`
	Filename        string                       `json:"filename" gorm:"type:varchar(255);not null;index"`
	FilePath        string                       `json:"file_path" gorm:"type:varchar(500);not null;index"`
	Status          constant.MeetingStatus       `json:"status" gorm:"type:varchar(50);not null;default:'processing';index;index:idx_active_sessions,priority:3"`
	FileSize        int64                        `json:"file_size" gorm:"not null;default:0"`
	ChunkCount      int                          `json:"chunk_count" gorm:"not null;default:0"`
	DurationSeconds *float64                     `json:"duration_seconds"`
	MacAddress      string                       `json:"mac_address" gorm:"type:varchar(50);index:idx_active_sessions,priority:1"`
	DeviceType      constant.DeviceType          `json:"device_type" gorm:"type:varchar(20);default:'mic'"`
	SessionActive   bool                         `json:"session_active" gorm:"not null;default:false;index:idx_active_sessions,priority:2"`
	SessionEndedAt  *time.Time                   `json:"session_end_timestamp" gorm:"column:session_end_timestamp"`
	LastActivityAt  time.Time                    `json:"last_activity_at" gorm:"not null;index"`
	Transcript      *string                      `json:"transcription_text" gorm:"column:transcription_text;type:text"`
	Segments        datatypes.JSONSlice[Segment] `json:"transcription_json" gorm:"column:transcription_json"`
	Language        *string                      `json:"language" gorm:"type:varchar(50)"`
	Summary         *string                      `json:"summary" gorm:"type:text"`
	ActionItems     *string                      `json:"action_items" gorm:"type:text"`
	CreatedAt       time.Time                    `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time                    `json:"updated_at" gorm:"not null"`

	Images []MeetingImage `json:"images,omitempty" gorm:"-"`
}

func (Meeting) TableName() string {
	return "meetings"
}
