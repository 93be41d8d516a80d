package server

import (
	"context"
	"errors"
	"fmt"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"meeting-ingest/config"
	"meeting-ingest/constant"
	"meeting-ingest/dto"
	jobHandler "meeting-ingest/handler"
	"meeting-ingest/pkg/ai"
	"meeting-ingest/pkg/jobqueue"
	"meeting-ingest/pkg/rabbitmq"
	"meeting-ingest/pkg/storage"
	"meeting-ingest/repository"
	"meeting-ingest/service"
	"os"
)

const localQueueCapacity = 256

// app holds everything the commands share once the config is loaded.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	services *service.Services

	// exactly one of these carries pipeline jobs
	queue     *jobqueue.Queue[dto.PipelineMessage]
	conn      *amqp.Connection
	publisher *rabbitmq.Publisher[dto.PipelineMessage]
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	transcriber := ai.NewWhisper(ai.WhisperConfig{
		APIKey:  cfg.AI.OpenAIKey,
		BaseURL: cfg.AI.OpenAIBaseURL,
		Model:   cfg.AI.WhisperModel,
	})
	summarizer, err := ai.NewGemini(ctx, ai.GeminiConfig{
		APIKey: cfg.AI.GoogleKey,
		Model:  cfg.AI.GeminiModel,
	})
	if err != nil {
		return nil, err
	}
	if cfg.AI.OpenAIKey == "" {
		zerolog.Ctx(ctx).Warn().Msg("OPENAI_API_KEY not set, transcription will fail")
	}
	if cfg.AI.GoogleKey == "" {
		zerolog.Ctx(ctx).Warn().Msg("GOOGLE_API_KEY not set, summarization will fail")
	}

	a := &app{cfg: cfg, db: db}

	var dispatcher service.Dispatcher
	if cfg.Queue != nil && cfg.Queue.Enabled {
		conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		publisher, err := rabbitmq.NewPublisher[dto.PipelineMessage](conn, cfg.Queue)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("rabbitmq publisher: %w", err)
		}
		a.conn = conn
		a.publisher = publisher
		dispatcher = publisher
	} else {
		a.queue = jobqueue.New(localQueueCapacity, cfg.Server.Workers, func(ctx context.Context, msg dto.PipelineMessage) error {
			return jobHandler.ProcessPipeline(ctx, msg, a.pipelineDeps())
		}, jobqueue.WithRetry(5, options(cfg).RetryInterval))
		dispatcher = a.queue
	}

	a.services = service.New(service.Dependencies{
		Repo:        repository.NewRepo(db),
		Storage:     store,
		Dispatcher:  dispatcher,
		Transcriber: transcriber,
		Summarizer:  summarizer,
		Options:     options(cfg),
	})
	return a, nil
}

func (a *app) pipelineDeps() jobHandler.ServiceDependencies {
	return jobHandler.ServiceDependencies{Pipeline: a.services.Pipeline}
}

// runWorkers consumes pipeline jobs until ctx is done or, for the local
// queue, until the queue is closed and drained.
func (a *app) runWorkers(ctx context.Context) error {
	if a.queue != nil {
		return a.queue.Run(ctx)
	}
	consumer := rabbitmq.NewConsumer(a.conn, a.cfg.Queue, a.cfg.Server.Workers, jobHandler.PipelineHandler)
	err := consumer.Consume(ctx, a.pipelineDeps())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("close rabbitmq publisher")
		}
	}
	if a.conn != nil && !a.conn.IsClosed() {
		if err := a.conn.Close(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("close rabbitmq connection")
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func options(cfg *config.Config) service.Options {
	opts := service.DefaultOptions()
	opts.HeaderRepairEvery = cfg.Ingest.HeaderRepairEvery
	opts.LinkWindow = cfg.Ingest.LinkWindow
	opts.MinAudioBytes = cfg.Pipeline.MinAudioBytes
	opts.TranscribeMaxTries = cfg.Pipeline.TranscribeMaxTries
	opts.MaxTranscriptChars = cfg.Pipeline.MaxTranscriptChars
	opts.IdleTimeout = cfg.Session.IdleTimeout
	opts.IdleCheckInterval = cfg.Session.IdleCheckInterval
	opts.CameraOwners = cfg.Devices.CameraOwners
	return opts
}

func openDatabase(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		level = logger.Info
	}
	db, err := repository.Open(cfg.Database, level)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repository.Migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case constant.StorageDriverMinio:
		if err := storage.EnsureBucket(ctx, cfg.Storage.Client, cfg.Storage.Bucket); err != nil {
			return nil, fmt.Errorf("storage unreachable: %w", err)
		}
		return storage.NewMinioStore(cfg.Storage.Client, cfg.Storage.Bucket), nil
	default:
		return storage.NewDiskStore(cfg.Storage.Dir)
	}
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
