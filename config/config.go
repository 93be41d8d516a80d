package config

import (
	"database/sql"
	"errors"
	"fmt"
	"github.com/go-playground/validator/v10"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"
	"meeting-ingest/constant"
	"strings"
	"time"
)

type Config struct {
	App      App       `mapstructure:"app"`
	Server   Server    `mapstructure:"server"`
	Database Database  `mapstructure:"database"`
	Storage  Storage   `mapstructure:"storage"`
	Queue    *RabbitMQ `mapstructure:"rabbitmq"`
	Session  Session   `mapstructure:"session"`
	Ingest   Ingest    `mapstructure:"ingest"`
	Pipeline Pipeline  `mapstructure:"pipeline"`
	AI       AI        `mapstructure:"ai"`
	Devices  Devices   `mapstructure:"devices"`
}

type App struct {
	Environment string `mapstructure:"environment" validate:"oneof=production staging develop"`
	Host        string `mapstructure:"host"`
	Protocol    string `mapstructure:"protocol"`
}

type Server struct {
	HttpPort string `mapstructure:"port" validate:"required"`
	Workers  int    `mapstructure:"workers" validate:"gte=1"`
	// MaxUploadBytes bounds a single request body.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes" validate:"gt=0"`
}

type Database struct {
	Driver constant.DatabaseDriver `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN    string                  `mapstructure:"dsn" validate:"required"`
	Conn   *sql.DB                 `mapstructure:"-"`
}

type Storage struct {
	Driver          constant.StorageDriver `mapstructure:"driver" validate:"oneof=minio file"`
	Dir             string                 `mapstructure:"dir" validate:"required_if=Driver file"`
	Bucket          string                 `mapstructure:"bucket" validate:"required_if=Driver minio"`
	URL             string                 `mapstructure:"url" validate:"required_if=Driver minio"`
	AccessID        string                 `mapstructure:"access_id"`
	SecretAccessKey string                 `mapstructure:"secret_access_key"`
	Secure          bool                   `mapstructure:"secure"`
	Client          *minio.Client          `mapstructure:"-"`
}

type RabbitMQ struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host" validate:"required_if=Enabled true"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Pass         string `mapstructure:"pass"`
	ExchangeName string `mapstructure:"exchange_name" validate:"required_if=Enabled true"`
	Kind         string `mapstructure:"kind" validate:"required_if=Enabled true"`
	QueueName    string `mapstructure:"queue_name" validate:"required_if=Enabled true"`
	RoutingKey   string `mapstructure:"routing_key" validate:"required_if=Enabled true"`
	MaxRetries   uint   `mapstructure:"max_retries"`
}

func (r *RabbitMQ) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", r.User, r.Pass, r.Host, r.Port)
}

type Session struct {
	// IdleTimeout ends sessions without appends for this long. Zero disables.
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	IdleCheckInterval time.Duration `mapstructure:"idle_check_interval" validate:"gt=0"`
}

type Ingest struct {
	HeaderRepairEvery int           `mapstructure:"header_repair_every" validate:"gte=1"`
	LinkWindow        time.Duration `mapstructure:"link_window" validate:"gte=0"`
}

type Pipeline struct {
	MinAudioBytes      int64 `mapstructure:"min_audio_bytes" validate:"gte=0"`
	TranscribeMaxTries uint  `mapstructure:"transcribe_max_tries" validate:"gte=1"`
	// MaxTranscriptChars truncates the text sent to the summarizer.
	MaxTranscriptChars int `mapstructure:"max_transcript_chars" validate:"gt=0"`
}

type AI struct {
	OpenAIKey     string `mapstructure:"openai_api_key"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
	WhisperModel  string `mapstructure:"whisper_model" validate:"required"`
	GoogleKey     string `mapstructure:"google_api_key"`
	GeminiModel   string `mapstructure:"gemini_model" validate:"required"`
}

type Devices struct {
	// CameraOwners maps a camera device address to the microphone it films for.
	CameraOwners map[string]string `mapstructure:"camera_owners"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", constant.EnvironmentDevelop.String())
	v.SetDefault("app.host", "localhost")
	v.SetDefault("app.protocol", "http")

	v.SetDefault("server.port", "8000")
	v.SetDefault("server.workers", 2)
	v.SetDefault("server.max_upload_bytes", 25<<20)

	v.SetDefault("database.driver", string(constant.DatabaseDriverSqlite))
	v.SetDefault("database.dsn", "meetings.db")

	v.SetDefault("storage.driver", string(constant.StorageDriverFile))
	v.SetDefault("storage.dir", "uploads")
	v.SetDefault("storage.bucket", "meetings")
	v.SetDefault("storage.url", "")
	v.SetDefault("storage.access_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.secure", false)

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.pass", "guest")
	v.SetDefault("rabbitmq.exchange_name", "meeting_exchange")
	v.SetDefault("rabbitmq.kind", "direct")
	v.SetDefault("rabbitmq.queue_name", "meeting_pipeline_queue")
	v.SetDefault("rabbitmq.routing_key", "meeting.pipeline.request")
	v.SetDefault("rabbitmq.max_retries", 5)

	v.SetDefault("session.idle_timeout", 30*time.Minute)
	v.SetDefault("session.idle_check_interval", time.Minute)

	v.SetDefault("ingest.header_repair_every", 10)
	v.SetDefault("ingest.link_window", 5*time.Minute)

	v.SetDefault("pipeline.min_audio_bytes", 1024)
	v.SetDefault("pipeline.transcribe_max_tries", 3)
	v.SetDefault("pipeline.max_transcript_chars", 30000)

	v.SetDefault("ai.openai_api_key", "")
	v.SetDefault("ai.openai_base_url", "")
	v.SetDefault("ai.whisper_model", "whisper-1")
	v.SetDefault("ai.google_api_key", "")
	v.SetDefault("ai.gemini_model", "gemini-2.0-flash")

	v.SetDefault("devices.camera_owners", map[string]string{})
}

// Read loads config.yaml from path, falling back to defaults when the file is
// absent. Environment variables override both (storage.dir -> STORAGE_DIR).
func Read(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	_ = v.BindEnv("ai.openai_api_key", "AI_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("ai.google_api_key", "AI_GOOGLE_API_KEY", "GOOGLE_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Load reads the config and builds the database and object storage clients.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if cfg.Database.Driver == constant.DatabaseDriverPostgres {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		cfg.Database.Conn = db
	}

	if cfg.Storage.Driver == constant.StorageDriverMinio {
		minioClient, err := minio.New(cfg.Storage.URL, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Storage.AccessID, cfg.Storage.SecretAccessKey, ""),
			Secure: cfg.Storage.Secure,
		})
		if err != nil {
			return nil, err
		}
		cfg.Storage.Client = minioClient
	}

	return cfg, nil
}
