package repository

import (
	"context"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"meeting-ingest/config"
	"meeting-ingest/constant"
	"meeting-ingest/entities"
	"time"
)

const activeSessionIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_session_per_device
ON meetings (mac_address) WHERE session_active AND status = 'processing'`

func gormConfig(level logger.LogLevel) *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}
}

// Open connects gorm to the configured database.
func Open(cfg config.Database, level logger.LogLevel) (*gorm.DB, error) {
	switch cfg.Driver {
	case constant.DatabaseDriverPostgres:
		if cfg.Conn == nil {
			return nil, fmt.Errorf("postgres connection is not configured")
		}
		return gorm.Open(postgres.New(postgres.Config{
			Conn: cfg.Conn,
		}), gormConfig(level))
	case constant.DatabaseDriverSqlite:
		return OpenSqlite(cfg.DSN, level)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenSqlite opens a single-connection SQLite database. SQLite allows one
// writer at a time and in-memory databases live as long as their connection.
func OpenSqlite(dsn string, level logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(level))
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return db, nil
}

// Migrate creates the tables and the index that allows at most one active
// session per device.
func Migrate(ctx context.Context, db *gorm.DB) error {
	db = db.WithContext(ctx)
	if err := db.AutoMigrate(&entities.Meeting{}, &entities.MeetingImage{}, &entities.Job{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec(activeSessionIndex).Error; err != nil {
		return fmt.Errorf("create active session index: %w", err)
	}
	return nil
}
