package repository

import (
	"context"
	"database/sql"
	"errors"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"meeting-ingest/constant"
	"meeting-ingest/entities"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

type MeetingFilter struct {
	Status constant.MeetingStatus
	Limit  int
	Offset int
}

// MeetingResult is the terminal payload of a successful pipeline run.
type MeetingResult struct {
	Transcript  string
	Segments    []entities.Segment
	Language    string
	Summary     string
	ActionItems string
	Duration    *float64
}

type MeetingUpdate struct {
	Filename    *string
	Summary     *string
	ActionItems *string
}

type Repository interface {
	Transaction(ctx context.Context, callback func(ctx context.Context) error, opts ...*sql.TxOptions) error
	GetDB() *gorm.DB

	CreateMeeting(ctx context.Context, meeting *entities.Meeting) error
	FindMeetingById(ctx context.Context, id uuid.UUID) (*entities.Meeting, error)
	FindActiveSession(ctx context.Context, mac string) (*entities.Meeting, error)
	FindLatestProcessingSince(ctx context.Context, since time.Time) (*entities.Meeting, error)
	FindLatestByFilename(ctx context.Context, filename string) (*entities.Meeting, error)
	ListMeetings(ctx context.Context, filter MeetingFilter) ([]*entities.Meeting, error)
	ListMeetingsByStatus(ctx context.Context, status constant.MeetingStatus) ([]*entities.Meeting, error)
	ListIdleSessions(ctx context.Context, before time.Time) ([]*entities.Meeting, error)
	RecordAppend(ctx context.Context, id uuid.UUID, size int64, at time.Time) error
	UpdateDuration(ctx context.Context, id uuid.UUID, seconds float64) error
	EndSession(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	DeactivateSession(ctx context.Context, id uuid.UUID, at time.Time) error
	CompleteMeeting(ctx context.Context, id uuid.UUID, result MeetingResult) (bool, error)
	FailMeeting(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	RearmMeeting(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	UpdateMeeting(ctx context.Context, id uuid.UUID, update MeetingUpdate) error
	DeleteMeeting(ctx context.Context, id uuid.UUID) error
	CountMeetingsByFilePath(ctx context.Context, filePath string) (int64, error)
	StorageKeys(ctx context.Context) (map[string]struct{}, error)

	CreateImage(ctx context.Context, image *entities.MeetingImage) error
	FindImageById(ctx context.Context, id uuid.UUID) (*entities.MeetingImage, error)
	ListImagesByMeeting(ctx context.Context, meetingId uuid.UUID) ([]*entities.MeetingImage, error)

	CreateJob(ctx context.Context, job *entities.Job) error
	FindJobById(ctx context.Context, id uuid.UUID) (*entities.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateStatusJob(ctx context.Context, status constant.JobStatus, id uuid.UUID) error
	FailJob(ctx context.Context, id uuid.UUID, reason string) error
	SupersedeJobs(ctx context.Context, meetingId uuid.UUID, reason string) (int64, error)
}

type repo struct {
	db *gorm.DB
}

type txKey struct{}

func NewRepo(db *gorm.DB) Repository {
	return &repo{
		db: db,
	}
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

// conn returns the transaction bound to ctx, or the pool.
func (r *repo) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

func (r *repo) Transaction(ctx context.Context, callback func(ctx context.Context) error, opts ...*sql.TxOptions) error {
	return r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return callback(context.WithValue(ctx, txKey{}, tx))
	}, opts...)
}

func (r *repo) CreateMeeting(ctx context.Context, meeting *entities.Meeting) error {
	if meeting.ID == uuid.Nil {
		meeting.ID = uuid.New()
	}
	return mapError(r.conn(ctx).Create(meeting).Error)
}

func (r *repo) FindMeetingById(ctx context.Context, id uuid.UUID) (*entities.Meeting, error) {
	meeting := &entities.Meeting{}
	err := r.conn(ctx).First(meeting, "id = ?", id).Error
	if err != nil {
		return nil, mapError(err)
	}

	return meeting, nil
}

func (r *repo) FindActiveSession(ctx context.Context, mac string) (*entities.Meeting, error) {
	meeting := &entities.Meeting{}
	err := r.conn(ctx).
		Where("mac_address = ? AND session_active = ? AND status = ?", mac, true, constant.MeetingStatusProcessing).
		Order("created_at DESC").
		First(meeting).Error
	if err != nil {
		return nil, mapError(err)
	}

	return meeting, nil
}

func (r *repo) FindLatestProcessingSince(ctx context.Context, since time.Time) (*entities.Meeting, error) {
	meeting := &entities.Meeting{}
	err := r.conn(ctx).
		Where("status = ? AND last_activity_at >= ?", constant.MeetingStatusProcessing, since).
		Order("last_activity_at DESC").
		First(meeting).Error
	if err != nil {
		return nil, mapError(err)
	}

	return meeting, nil
}

func (r *repo) FindLatestByFilename(ctx context.Context, filename string) (*entities.Meeting, error) {
	meeting := &entities.Meeting{}
	err := r.conn(ctx).
		Where("filename = ?", filename).
		Order("created_at DESC").
		First(meeting).Error
	if err != nil {
		return nil, mapError(err)
	}

	return meeting, nil
}

func (r *repo) ListMeetings(ctx context.Context, filter MeetingFilter) ([]*entities.Meeting, error) {
	var meetings []*entities.Meeting
	q := r.conn(ctx).Order("created_at DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if err := q.Find(&meetings).Error; err != nil {
		return nil, err
	}
	return meetings, nil
}

func (r *repo) ListMeetingsByStatus(ctx context.Context, status constant.MeetingStatus) ([]*entities.Meeting, error) {
	var meetings []*entities.Meeting
	err := r.conn(ctx).Where("status = ?", status).Order("created_at ASC").Find(&meetings).Error
	if err != nil {
		return nil, err
	}
	return meetings, nil
}

func (r *repo) ListIdleSessions(ctx context.Context, before time.Time) ([]*entities.Meeting, error) {
	var meetings []*entities.Meeting
	err := r.conn(ctx).
		Where("session_active = ? AND status = ? AND last_activity_at < ?", true, constant.MeetingStatusProcessing, before).
		Order("last_activity_at ASC").
		Find(&meetings).Error
	if err != nil {
		return nil, err
	}
	return meetings, nil
}

// RecordAppend stores the size reported by the blob store after a write. The
// guard keeps file_size monotonic when a stale writer reports late.
func (r *repo) RecordAppend(ctx context.Context, id uuid.UUID, size int64, at time.Time) error {
	res := r.conn(ctx).Model(&entities.Meeting{}).
		Where("id = ? AND file_size <= ?", id, size).
		Updates(map[string]interface{}{
			"file_size":        size,
			"chunk_count":      gorm.Expr("chunk_count + 1"),
			"last_activity_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		_, err := r.FindMeetingById(ctx, id)
		return err
	}
	return nil
}

func (r *repo) UpdateDuration(ctx context.Context, id uuid.UUID, seconds float64) error {
	return r.conn(ctx).Model(&entities.Meeting{}).Where("id = ?", id).Update("duration_seconds", seconds).Error
}

// EndSession flips session_active to false. It reports false when the session
// was already inactive or the meeting does not exist.
func (r *repo) EndSession(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.conn(ctx).Model(&entities.Meeting{}).
		Where("id = ? AND session_active = ?", id, true).
		Updates(map[string]interface{}{
			"session_active":        false,
			"session_end_timestamp": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) DeactivateSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.conn(ctx).Model(&entities.Meeting{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"session_active":        false,
			"session_end_timestamp": gorm.Expr("COALESCE(session_end_timestamp, ?)", at),
		}).Error
}

func (r *repo) CompleteMeeting(ctx context.Context, id uuid.UUID, result MeetingResult) (bool, error) {
	updates := map[string]interface{}{
		"status":             constant.MeetingStatusCompleted,
		"session_active":     false,
		"transcription_text": result.Transcript,
		"transcription_json": entitiesSegments(result.Segments),
		"summary":            result.Summary,
		"action_items":       result.ActionItems,
	}
	if result.Language != "" {
		updates["language"] = result.Language
	}
	if result.Duration != nil {
		updates["duration_seconds"] = *result.Duration
	}
	res := r.conn(ctx).Model(&entities.Meeting{}).
		Where("id = ? AND status = ?", id, constant.MeetingStatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FailMeeting(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	res := r.conn(ctx).Model(&entities.Meeting{}).
		Where("id = ? AND status = ?", id, constant.MeetingStatusProcessing).
		Updates(map[string]interface{}{
			"status":         constant.MeetingStatusFailed,
			"session_active": false,
			"summary":        reason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RearmMeeting moves a failed meeting, or a processing meeting whose session
// already ended, back to processing with its AI fields cleared.
func (r *repo) RearmMeeting(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.conn(ctx).Model(&entities.Meeting{}).
		Where("id = ? AND (status = ? OR (status = ? AND session_active = ?))",
			id, constant.MeetingStatusFailed, constant.MeetingStatusProcessing, false).
		Updates(map[string]interface{}{
			"status":                constant.MeetingStatusProcessing,
			"session_active":        false,
			"session_end_timestamp": gorm.Expr("COALESCE(session_end_timestamp, ?)", at),
			"summary":               nil,
			"action_items":          nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdateMeeting(ctx context.Context, id uuid.UUID, update MeetingUpdate) error {
	updates := map[string]interface{}{}
	if update.Filename != nil {
		updates["filename"] = *update.Filename
	}
	if update.Summary != nil {
		updates["summary"] = *update.Summary
	}
	if update.ActionItems != nil {
		updates["action_items"] = *update.ActionItems
	}
	if len(updates) == 0 {
		_, err := r.FindMeetingById(ctx, id)
		return err
	}

	res := r.conn(ctx).Model(&entities.Meeting{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMeeting removes the meeting row and its image rows.
func (r *repo) DeleteMeeting(ctx context.Context, id uuid.UUID) error {
	return r.Transaction(ctx, func(ctx context.Context) error {
		if err := r.conn(ctx).Where("meeting_id = ?", id).Delete(&entities.MeetingImage{}).Error; err != nil {
			return err
		}
		res := r.conn(ctx).Where("id = ?", id).Delete(&entities.Meeting{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *repo) CountMeetingsByFilePath(ctx context.Context, filePath string) (int64, error) {
	var count int64
	err := r.conn(ctx).Model(&entities.Meeting{}).Where("file_path = ?", filePath).Count(&count).Error
	return count, err
}

// StorageKeys returns every blob key referenced by a meeting or an image.
func (r *repo) StorageKeys(ctx context.Context) (map[string]struct{}, error) {
	var meetingKeys, imageKeys []string
	if err := r.conn(ctx).Model(&entities.Meeting{}).Pluck("file_path", &meetingKeys).Error; err != nil {
		return nil, err
	}
	if err := r.conn(ctx).Model(&entities.MeetingImage{}).Pluck("file_path", &imageKeys).Error; err != nil {
		return nil, err
	}

	keys := make(map[string]struct{}, len(meetingKeys)+len(imageKeys))
	for _, k := range meetingKeys {
		keys[k] = struct{}{}
	}
	for _, k := range imageKeys {
		keys[k] = struct{}{}
	}
	return keys, nil
}

func (r *repo) CreateImage(ctx context.Context, image *entities.MeetingImage) error {
	if image.ID == uuid.Nil {
		image.ID = uuid.New()
	}
	return mapError(r.conn(ctx).Create(image).Error)
}

func (r *repo) FindImageById(ctx context.Context, id uuid.UUID) (*entities.MeetingImage, error) {
	image := &entities.MeetingImage{}
	if err := r.conn(ctx).First(image, "id = ?", id).Error; err != nil {
		return nil, mapError(err)
	}
	return image, nil
}

func (r *repo) ListImagesByMeeting(ctx context.Context, meetingId uuid.UUID) ([]*entities.MeetingImage, error) {
	var images []*entities.MeetingImage
	err := r.conn(ctx).Where("meeting_id = ?", meetingId).Order("created_at ASC").Find(&images).Error
	if err != nil {
		return nil, err
	}
	return images, nil
}

func (r *repo) CreateJob(ctx context.Context, job *entities.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = constant.JobStatusPending
	}
	if job.JobType == "" {
		job.JobType = constant.JobTypeMeetingPipeline
	}
	return mapError(r.conn(ctx).Create(job).Error)
}

func (r *repo) FindJobById(ctx context.Context, id uuid.UUID) (*entities.Job, error) {
	job := &entities.Job{}
	err := r.conn(ctx).First(job, "id = ?", id).Error
	if err != nil {
		return nil, mapError(err)
	}

	return job, nil
}

// ClaimJob moves a job from PENDING to PROCESSING. Only one caller wins.
func (r *repo) ClaimJob(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.conn(ctx).Model(&entities.Job{}).
		Where("id = ? AND status = ?", id, constant.JobStatusPending).
		Updates(map[string]interface{}{
			"status":   constant.JobStatusProcessing,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdateStatusJob(ctx context.Context, status constant.JobStatus, id uuid.UUID) error {
	res := r.conn(ctx).Model(&entities.Job{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repo) FailJob(ctx context.Context, id uuid.UUID, reason string) error {
	return r.conn(ctx).Model(&entities.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     constant.JobStatusFailed,
			"last_error": reason,
		}).Error
}

// SupersedeJobs fails every open job of a meeting so that late deliveries of
// their messages become no-ops.
func (r *repo) SupersedeJobs(ctx context.Context, meetingId uuid.UUID, reason string) (int64, error) {
	res := r.conn(ctx).Model(&entities.Job{}).
		Where("meeting_id = ? AND status IN ?", meetingId, []constant.JobStatus{constant.JobStatusPending, constant.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":     constant.JobStatusFailed,
			"last_error": reason,
		})
	return res.RowsAffected, res.Error
}

func entitiesSegments(segments []entities.Segment) datatypes.JSONSlice[entities.Segment] {
	if segments == nil {
		segments = []entities.Segment{}
	}
	return datatypes.JSONSlice[entities.Segment](segments)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Join(ErrNotFound, err)
	}
	if isDuplicate(err) {
		return errors.Join(ErrDuplicate, err)
	}
	return err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}
