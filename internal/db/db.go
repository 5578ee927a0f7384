package db

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"transit-analytics/internal/config"
)

// New opens the PostgreSQL pool described by cfg and applies migrations.
func New(cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	database, err := gorm.Open(postgres.Open(cfg.DB.DSN), Options(cfg.Environment))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if cfg.DB.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	}
	if cfg.DB.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	}
	if cfg.DB.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.DB.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
		}
		sqlDB.SetConnMaxLifetime(lifetime)
	}

	if err := Migrate(database); err != nil {
		return nil, err
	}

	log.Info().
		Int("max_open_conns", cfg.DB.MaxOpenConns).
		Msg("database ready")

	return database, nil
}

// Options is the gorm configuration shared by every dialect. TranslateError
// turns driver specific unique violations into gorm.ErrDuplicatedKey.
func Options(environment string) *gorm.Config {
	level := gormlogger.Warn
	if environment == "production" {
		level = gormlogger.Error
	}
	return &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(level),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}
