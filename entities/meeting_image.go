package entities

import (
	"github.com/google/uuid"
	"time"
)

// MeetingImage is a camera capture. A nil MeetingID means no session could be
// matched when the frame arrived.
type MeetingImage struct {
	ID         uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	MeetingID  *uuid.UUID `json:"meeting_id" gorm:"type:uuid;index"`
	Filename   string     `json:"filename" gorm:"type:varchar(255)"`
	FilePath   string     `json:"file_path" gorm:"type:varchar(500);not null;index"`
	MacAddress string     `json:"mac_address" gorm:"type:varchar(50)"`
	DeviceType string     `json:"device_type" gorm:"type:varchar(20)"`
	CreatedAt  time.Time  `json:"created_at" gorm:"not null"`
}

func (MeetingImage) TableName() string {
	return "meeting_images"
}
