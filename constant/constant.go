package constant

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCompleted  JobStatus = "COMPLETED"
)

type JobType string

const (
	JobTypeMeetingPipeline JobType = "meeting_pipeline"
)

type MeetingStatus string

const (
	MeetingStatusProcessing MeetingStatus = "processing"
	MeetingStatusCompleted  MeetingStatus = "completed"
	MeetingStatusFailed     MeetingStatus = "failed"
)

// Ack is the plain-text status polled by recorders.
func (s MeetingStatus) Ack() string {
	switch s {
	case MeetingStatusCompleted:
		return "done"
	case MeetingStatusFailed:
		return "failed"
	default:
		return "processing"
	}
}

type DeviceType string

const (
	DeviceTypeMic    DeviceType = "mic"
	DeviceTypeUpload DeviceType = "upload"
	DeviceTypeCamera DeviceType = "cam"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}

type StorageDriver string

const (
	StorageDriverMinio StorageDriver = "minio"
	StorageDriverFile  StorageDriver = "file"
)

type DatabaseDriver string

const (
	DatabaseDriverPostgres DatabaseDriver = "postgres"
	DatabaseDriverSqlite   DatabaseDriver = "sqlite"
)
