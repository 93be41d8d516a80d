package entities

import (
	"github.com/google/uuid"
	"meeting-ingest/constant"
	"time"
)

type Job struct {
	ID        uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey"`
	MeetingID uuid.UUID          `json:"meeting_id" gorm:"type:uuid;not null;index"`
	Status    constant.JobStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	JobType   constant.JobType   `json:"job_type" gorm:"type:varchar(50);not null"`
	Attempts  int                `json:"attempts" gorm:"not null;default:0"`
	LastError *string            `json:"last_error" gorm:"type:text"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}
