package database

import (
	"fmt"

	"github.com/fieldquote/bookd/backend/internal/booking"
	"github.com/fieldquote/bookd/backend/internal/calendar"
	"github.com/fieldquote/bookd/backend/internal/leads"
	"github.com/fieldquote/bookd/backend/internal/slots"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&slots.AvailabilitySlot{},
		&leads.Lead{},
		&booking.AppointmentEvent{},
		&calendar.EventMirror{},
		&calendar.SyncStateEntry{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
