package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues identifiers for new slots.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig configures the slot store.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store owns all reads and writes of availability slots. Capacity is
// guarded by single-statement conditional updates; there is no
// application-level locking.
type Store struct {
	db         *gorm.DB
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Reserve takes one unit of the slot's capacity. The increment and the
// capacity check happen in one conditional UPDATE so that two concurrent
// reservations of the last unit resolve to exactly one success. Returns
// ErrSlotFull when the slot exists but is full, closed, or retired.
func (s *Store) Reserve(ctx context.Context, slotID string) (Reservation, error) {
	result := s.db.WithContext(ctx).
		Model(&AvailabilitySlot{}).
		Where("id = ? AND booked_count < capacity AND is_open = ? AND retired = ?", slotID, true, false).
		UpdateColumn("booked_count", gorm.Expr("booked_count + 1"))
	if result.Error != nil {
		return Reservation{}, fmt.Errorf("slots: reserve update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		exists, err := s.exists(ctx, slotID)
		if err != nil {
			return Reservation{}, err
		}
		if !exists {
			return Reservation{}, ErrSlotNotFound
		}
		return Reservation{}, ErrSlotFull
	}

	var slot AvailabilitySlot
	if err := s.db.WithContext(ctx).Where("id = ?", slotID).Take(&slot).Error; err != nil {
		return Reservation{}, fmt.Errorf("slots: reserve readback: %w", err)
	}
	return Reservation{SlotID: slot.ID, Date: slot.Date, Time: slot.Time}, nil
}

// Release returns one unit of capacity, floored at zero. Callers release
// at most once per held reservation; the booking layer tracks that through
// the lead's slot_id field.
func (s *Store) Release(ctx context.Context, slotID string) error {
	result := s.db.WithContext(ctx).
		Model(&AvailabilitySlot{}).
		Where("id = ? AND booked_count > 0", slotID).
		UpdateColumn("booked_count", gorm.Expr("booked_count - 1"))
	if result.Error != nil {
		return fmt.Errorf("slots: release update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		exists, err := s.exists(ctx, slotID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrSlotNotFound
		}
		s.logger.Warn("release on empty slot ignored", zap.String("slot_id", slotID))
	}
	return nil
}

// Create inserts a single staff-defined slot.
func (s *Store) Create(ctx context.Context, input NewSlotInput) (AvailabilitySlot, error) {
	if err := input.validate(); err != nil {
		return AvailabilitySlot{}, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return AvailabilitySlot{}, fmt.Errorf("slots: id generation: %w", err)
	}
	slot := AvailabilitySlot{
		ID:       id,
		Date:     input.Date,
		Time:     input.Time,
		Capacity: input.Capacity,
		IsOpen:   true,
		Notes:    input.Notes,
	}
	if err := s.db.WithContext(ctx).Create(&slot).Error; err != nil {
		return AvailabilitySlot{}, fmt.Errorf("slots: create: %w", err)
	}
	return slot, nil
}

// GetByID loads a slot.
func (s *Store) GetByID(ctx context.Context, slotID string) (AvailabilitySlot, error) {
	var slot AvailabilitySlot
	err := s.db.WithContext(ctx).Where("id = ?", slotID).Take(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AvailabilitySlot{}, ErrSlotNotFound
	}
	if err != nil {
		return AvailabilitySlot{}, fmt.Errorf("slots: get: %w", err)
	}
	return slot, nil
}

// ListOpen returns open, unretired slots with remaining capacity between
// from (inclusive) and from+days, ordered by date then time.
func (s *Store) ListOpen(ctx context.Context, from time.Time, days int) ([]AvailabilitySlot, error) {
	start := from.Format(DateLayout)
	end := from.AddDate(0, 0, days).Format(DateLayout)
	var list []AvailabilitySlot
	err := s.db.WithContext(ctx).
		Where("date >= ? AND date < ? AND is_open = ? AND retired = ? AND booked_count < capacity", start, end, true, false).
		Order("date ASC, time ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("slots: list open: %w", err)
	}
	return list, nil
}

// SetOpen flips the staff-facing open flag.
func (s *Store) SetOpen(ctx context.Context, slotID string, open bool) error {
	result := s.db.WithContext(ctx).
		Model(&AvailabilitySlot{}).
		Where("id = ?", slotID).
		UpdateColumn("is_open", open)
	if result.Error != nil {
		return fmt.Errorf("slots: set open: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// Retire marks a slot as no longer bookable while keeping it for
// appointment history. Retired slots are never hard-deleted.
func (s *Store) Retire(ctx context.Context, slotID string) error {
	result := s.db.WithContext(ctx).
		Model(&AvailabilitySlot{}).
		Where("id = ?", slotID).
		UpdateColumns(map[string]interface{}{"retired": true, "is_open": false})
	if result.Error != nil {
		return fmt.Errorf("slots: retire: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (s *Store) exists(ctx context.Context, slotID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&AvailabilitySlot{}).
		Where("id = ?", slotID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("slots: existence check: %w", err)
	}
	return count > 0, nil
}
