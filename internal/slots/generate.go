package slots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrInvalidTemplate indicates a bulk template with no weekdays or times.
	ErrInvalidTemplate = errors.New("slots: template needs at least one weekday and one time")
	// ErrInvalidRange indicates an empty or inverted generation range.
	ErrInvalidRange = errors.New("slots: invalid generation range")
)

// WeekTemplate describes a recurring weekly pattern of bookable slots.
type WeekTemplate struct {
	Weekdays []time.Weekday
	Times    []string
	Capacity int
	Notes    string
}

// GenerateResult reports the outcome of a bulk generation run.
type GenerateResult struct {
	Created int
	Skipped int
}

// Generate materializes the template across [from, until] inclusive,
// skipping dates and times that already have a slot so re-running the same
// template is harmless.
func (s *Store) Generate(ctx context.Context, template WeekTemplate, from, until string) (GenerateResult, error) {
	if len(template.Weekdays) == 0 || len(template.Times) == 0 {
		return GenerateResult{}, ErrInvalidTemplate
	}
	if template.Capacity < 1 {
		return GenerateResult{}, fmt.Errorf("%w: %d", ErrInvalidCapacity, template.Capacity)
	}
	for _, value := range template.Times {
		if _, err := time.Parse(TimeLayout, strings.TrimSpace(value)); err != nil {
			return GenerateResult{}, fmt.Errorf("%w: %q", ErrInvalidSlotTime, value)
		}
	}

	start, err := time.Parse(DateLayout, strings.TrimSpace(from))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("%w: %q", ErrInvalidSlotDate, from)
	}
	end, err := time.Parse(DateLayout, strings.TrimSpace(until))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("%w: %q", ErrInvalidSlotDate, until)
	}
	if end.Before(start) {
		return GenerateResult{}, ErrInvalidRange
	}

	wanted := make(map[time.Weekday]bool, len(template.Weekdays))
	for _, day := range template.Weekdays {
		wanted[day] = true
	}

	result := GenerateResult{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
			if !wanted[day.Weekday()] {
				continue
			}
			date := day.Format(DateLayout)
			for _, slotTime := range template.Times {
				var count int64
				if err := tx.Model(&AvailabilitySlot{}).
					Where("date = ? AND time = ?", date, slotTime).
					Count(&count).Error; err != nil {
					return fmt.Errorf("slots: generate existence check: %w", err)
				}
				if count > 0 {
					result.Skipped++
					continue
				}
				id, err := s.idProvider.NewID()
				if err != nil {
					return fmt.Errorf("slots: id generation: %w", err)
				}
				slot := AvailabilitySlot{
					ID:       id,
					Date:     date,
					Time:     slotTime,
					Capacity: template.Capacity,
					IsOpen:   true,
					Notes:    template.Notes,
				}
				if err := tx.Create(&slot).Error; err != nil {
					return fmt.Errorf("slots: generate create: %w", err)
				}
				result.Created++
			}
		}
		return nil
	})
	if txErr != nil {
		return GenerateResult{}, txErr
	}
	return result, nil
}
