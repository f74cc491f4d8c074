package slots

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	mu    sync.Mutex
	next  int
	stamp string
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("slot-%s-%d", g.stamp, g.next), nil
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:slots_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&AvailabilitySlot{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database:   db,
		IDProvider: &sequenceIDGenerator{stamp: fmt.Sprint(time.Now().UnixNano())},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func seedSlot(t *testing.T, db *gorm.DB, id string, capacity, booked int, open bool) {
	t.Helper()
	slot := AvailabilitySlot{
		ID:          id,
		Date:        "2026-09-01",
		Time:        "09:00",
		Capacity:    capacity,
		BookedCount: booked,
		IsOpen:      open,
	}
	if err := db.Create(&slot).Error; err != nil {
		t.Fatalf("failed to seed slot: %v", err)
	}
	// GORM substitutes the column default for zero-valued fields on Create,
	// so a closed slot must be flipped with an explicit update.
	if !open {
		if err := db.Model(&AvailabilitySlot{}).Where("id = ?", id).Update("is_open", false).Error; err != nil {
			t.Fatalf("failed to close seeded slot: %v", err)
		}
	}
}

func loadSlot(t *testing.T, db *gorm.DB, id string) AvailabilitySlot {
	t.Helper()
	var slot AvailabilitySlot
	if err := db.Where("id = ?", id).Take(&slot).Error; err != nil {
		t.Fatalf("failed to load slot: %v", err)
	}
	return slot
}

func TestReserveTakesOneUnit(t *testing.T) {
	store, db := newTestStore(t)
	seedSlot(t, db, "slot-1", 2, 0, true)

	reservation, err := store.Reserve(context.Background(), "slot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reservation.Date != "2026-09-01" || reservation.Time != "09:00" {
		t.Fatalf("unexpected reservation: %+v", reservation)
	}
	if got := loadSlot(t, db, "slot-1").BookedCount; got != 1 {
		t.Fatalf("expected booked count 1, got %d", got)
	}
}

func TestReserveFullSlotReturnsSlotFull(t *testing.T) {
	store, db := newTestStore(t)
	seedSlot(t, db, "slot-1", 1, 1, true)

	_, err := store.Reserve(context.Background(), "slot-1")
	if !errors.Is(err, ErrSlotFull) {
		t.Fatalf("expected ErrSlotFull, got %v", err)
	}
	if got := loadSlot(t, db, "slot-1").BookedCount; got != 1 {
		t.Fatalf("booked count should be unchanged, got %d", got)
	}
}

func TestReserveClosedSlotReturnsSlotFull(t *testing.T) {
	store, db := newTestStore(t)
	seedSlot(t, db, "slot-1", 3, 0, false)

	_, err := store.Reserve(context.Background(), "slot-1")
	if !errors.Is(err, ErrSlotFull) {
		t.Fatalf("expected ErrSlotFull for closed slot, got %v", err)
	}
}

func TestReserveRetiredSlotReturnsSlotFull(t *testing.T) {
	store, db := newTestStore(t)
	seedSlot(t, db, "slot-1", 3, 0, true)
	if err := store.Retire(context.Background(), "slot-1"); err != nil {
		t.Fatalf("unexpected retire error: %v", err)
	}

	_, err := store.Reserve(context.Background(), "slot-1")
	if !errors.Is(err, ErrSlotFull) {
		t.Fatalf("expected ErrSlotFull for retired slot, got %v", err)
	}
}

func TestReserveUnknownSlotReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Reserve(context.Background(), "missing")
	if !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestConcurrentReserveOnLastUnitYieldsOneSuccess(t *testing.T) {
	store, db := newTestStore(t)
	seedSlot(t, db, "slot-1", 1, 0, true)

	const attempts = 8
	results := make(chan error, attempts)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < attempts; i++ {
		go func() {
			start.Wait()
			_, err := store.Reserve(context.Background(), "slot-1")
			results <- err
		}()
	}
	start.Done()

	successes, fulls := 0, 0
	for i := 0; i < attempts; i++ {
		err := <-results
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrSlotFull):
			fulls++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 success, got %d", successes)
	}
	if fulls != attempts-1 {
		t.Fatalf("expected %d SLOT_FULL results, got %d", attempts-1, fulls)
	}
	if got := loadSlot(t, db, "slot-1").BookedCount; got != 1 {
		t.Fatalf("booked count must equal capacity, got %d", got)
	}
}

func TestReleaseReturnsOneUnit(t *testing.T) {
	store, db := newTestStore(t)
	seedSlot(t, db, "slot-1", 2, 2, true)

	if err := store.Release(context.Background(), "slot-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := loadSlot(t, db, "slot-1").BookedCount; got != 1 {
		t.Fatalf("expected booked count 1, got %d", got)
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	store, db := newTestStore(t)
	seedSlot(t, db, "slot-1", 2, 0, true)

	if err := store.Release(context.Background(), "slot-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := loadSlot(t, db, "slot-1").BookedCount; got != 0 {
		t.Fatalf("expected booked count 0, got %d", got)
	}
}

func TestReleaseUnknownSlotReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Release(context.Background(), "missing"); !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Create(context.Background(), NewSlotInput{Date: "2026-13-01", Time: "09:00", Capacity: 1})
	if !errors.Is(err, ErrInvalidSlotDate) {
		t.Fatalf("expected ErrInvalidSlotDate, got %v", err)
	}
	_, err = store.Create(context.Background(), NewSlotInput{Date: "2026-09-01", Time: "25:00", Capacity: 1})
	if !errors.Is(err, ErrInvalidSlotTime) {
		t.Fatalf("expected ErrInvalidSlotTime, got %v", err)
	}
	_, err = store.Create(context.Background(), NewSlotInput{Date: "2026-09-01", Time: "09:00", Capacity: 0})
	if !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
}

func TestListOpenSkipsFullClosedAndRetired(t *testing.T) {
	store, db := newTestStore(t)
	seedSlot(t, db, "open", 2, 1, true)
	seedSlot(t, db, "full", 1, 1, true)
	seedSlot(t, db, "closed", 2, 0, false)
	seedSlot(t, db, "retired", 2, 0, true)
	if err := store.Retire(context.Background(), "retired"); err != nil {
		t.Fatalf("unexpected retire error: %v", err)
	}

	from, err := time.Parse(DateLayout, "2026-08-25")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	open, err := store.ListOpen(context.Background(), from, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 1 || open[0].ID != "open" {
		t.Fatalf("expected only the open slot, got %+v", open)
	}
	if open[0].Remaining() != 1 {
		t.Fatalf("expected 1 remaining unit, got %d", open[0].Remaining())
	}
}
