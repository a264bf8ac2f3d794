package database

import (
	"fmt"
	"time"

	"livechat-presence/internal/domain"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewPostgres opens the record store and runs migrations.
func NewPostgres(dsn string, development bool, zlog *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	logLevel := logger.Silent
	if development {
		logLevel = logger.Info
	}

	gormLogger := logger.New(
		zap.NewStdLog(zlog.Named("gorm")),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.ChatSession{},
		&domain.PresenceRecord{},
		&domain.ViewingPresence{},
		&domain.ReassignmentLogEntry{},
		&domain.AgentPseudonym{},
		&domain.AgentProfile{},
		&domain.ChatMessage{},
	); err != nil {
		return err
	}

	// latest-session lookups per customer
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_chat_sessions_customer_updated
		ON chat_sessions (customer_id, updated_at DESC)`).Error
}
