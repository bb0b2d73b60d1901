package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/burrowlabs/burrow/internal/db/models"
)

// Config holds database configuration.
type Config struct {
	// URL is a Postgres-compatible connection string (DATABASE_URL). When
	// empty, Path selects an on-disk sqlite database for local runs.
	URL  string
	Path string
}

// Connect establishes a connection to the database.
func Connect(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch {
	case cfg.URL != "":
		if !strings.HasPrefix(cfg.URL, "postgres://") && !strings.HasPrefix(cfg.URL, "postgresql://") {
			return nil, fmt.Errorf("unsupported database url scheme in %q (expected postgres://)", cfg.URL)
		}
		dialector = postgres.Open(cfg.URL)

	case cfg.Path != "":
		dialector = sqlite.Open(cfg.Path + "?_time_format=sqlite")

	default:
		return nil, fmt.Errorf("no database configured: set DATABASE_URL or a sqlite path")
	}

	database, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return database, nil
}

// AutoMigrate runs automatic migrations for all models.
func AutoMigrate(database *gorm.DB) error {
	return database.AutoMigrate(
		&models.User{}, // Must be first (parent table)
		&models.Tunnel{},
		&models.DeviceAuthCode{},
		&models.LiveStats{},
		&models.HourlyStats{},
		&models.DailyStats{},
		&models.RequestLog{},
	)
}
