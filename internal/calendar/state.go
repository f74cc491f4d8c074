package calendar

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateStore persists the sync cursor and push channel identifiers.
// Writes are last-writer-wins; the only periodic writer is the daily
// renewal job, so no mutual exclusion is attempted (documented limitation).
type StateStore struct {
	db *gorm.DB
}

// NewStateStore returns a StateStore over the given database handle.
func NewStateStore(db *gorm.DB) (*StateStore, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	return &StateStore{db: db}, nil
}

// Get returns the stored value for key, or "" when absent.
func (s *StateStore) Get(ctx context.Context, key string) (string, error) {
	var entry SyncStateEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("calendar: state get %q: %w", key, err)
	}
	return entry.Value, nil
}

// Set upserts the value for key.
func (s *StateStore) Set(ctx context.Context, key, value string) error {
	entry := SyncStateEntry{Key: key, Value: value}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("calendar: state set %q: %w", key, err)
	}
	return nil
}

// Clear removes the value for key. Missing keys are not an error.
func (s *StateStore) Clear(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&SyncStateEntry{}).Error
	if err != nil {
		return fmt.Errorf("calendar: state clear %q: %w", key, err)
	}
	return nil
}
