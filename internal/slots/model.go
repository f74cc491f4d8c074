package slots

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DateLayout is the canonical storage form for slot dates.
	DateLayout = "2006-01-02"
	// TimeLayout is the canonical storage form for slot start times.
	TimeLayout = "15:04"
)

var (
	// ErrSlotFull indicates the slot has no remaining capacity or is closed.
	ErrSlotFull = errors.New("slots: slot full or closed")
	// ErrSlotNotFound indicates the slot identifier is unknown.
	ErrSlotNotFound = errors.New("slots: slot not found")
	// ErrInvalidSlotDate indicates a date outside the canonical layout.
	ErrInvalidSlotDate = errors.New("slots: invalid slot date")
	// ErrInvalidSlotTime indicates a time outside the canonical layout.
	ErrInvalidSlotTime = errors.New("slots: invalid slot time")
	// ErrInvalidCapacity indicates a capacity below one.
	ErrInvalidCapacity = errors.New("slots: capacity must be at least 1")
)

// AvailabilitySlot is a bookable date/time unit with finite capacity.
// BookedCount is mutated exclusively through the store's conditional
// reserve/release statements; application code never read-then-writes it.
type AvailabilitySlot struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	Date        string    `gorm:"column:date;size:10;not null;index:idx_slots_date_time,priority:1"`
	Time        string    `gorm:"column:time;size:5;not null;index:idx_slots_date_time,priority:2"`
	Capacity    int       `gorm:"column:capacity;not null"`
	BookedCount int       `gorm:"column:booked_count;not null;default:0"`
	IsOpen      bool      `gorm:"column:is_open;not null;default:true"`
	Retired     bool      `gorm:"column:retired;not null;default:false"`
	Notes       string    `gorm:"column:notes;type:text;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (AvailabilitySlot) TableName() string {
	return "availability_slots"
}

// Remaining reports the number of unreserved units.
func (s AvailabilitySlot) Remaining() int {
	remaining := s.Capacity - s.BookedCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NewSlotInput carries validated fields for slot creation.
type NewSlotInput struct {
	Date     string
	Time     string
	Capacity int
	Notes    string
}

func (in NewSlotInput) validate() error {
	if _, err := time.Parse(DateLayout, strings.TrimSpace(in.Date)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidSlotDate, in.Date)
	}
	if _, err := time.Parse(TimeLayout, strings.TrimSpace(in.Time)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidSlotTime, in.Time)
	}
	if in.Capacity < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, in.Capacity)
	}
	return nil
}

// Reservation is the proof of a successful reserve call.
type Reservation struct {
	SlotID string
	Date   string
	Time   string
}
