package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fieldquote/bookd/backend/internal/leads"
	"github.com/fieldquote/bookd/backend/internal/slots"
	"github.com/fieldquote/bookd/backend/internal/tasks"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

// exhaustingIDGenerator issues a fixed number of identifiers and then fails,
// which aborts the first transaction that needs an audit id beyond the budget.
type exhaustingIDGenerator struct {
	mu        sync.Mutex
	remaining int
	next      int
}

func (g *exhaustingIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.remaining <= 0 {
		return "", fmt.Errorf("id budget exhausted")
	}
	g.remaining--
	g.next++
	return fmt.Sprintf("budget-id-%d", g.next), nil
}

type recordingMirror struct {
	mu      sync.Mutex
	creates []string
	updates []string
	deletes []string
}

func (m *recordingMirror) CreateFor(_ context.Context, leadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates = append(m.creates, leadID)
	return nil
}

func (m *recordingMirror) UpdateFor(_ context.Context, leadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, leadID)
	return nil
}

func (m *recordingMirror) DeleteFor(_ context.Context, leadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, leadID)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (n *recordingNotifier) NotifyOpsAlert(_ context.Context, source, message string, _ error, _ map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, source+": "+message)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type testFixture struct {
	service  *Service
	db       *gorm.DB
	slots    *slots.Store
	leads    *leads.Service
	mirror   *recordingMirror
	notifier *recordingNotifier
	runner   *tasks.Runner
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:booking_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&slots.AvailabilitySlot{}, &leads.Lead{}, &AppointmentEvent{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	idProvider := &sequenceIDGenerator{}
	slotStore, err := slots.NewStore(slots.StoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct slot store: %v", err)
	}
	leadService, err := leads.NewService(leads.ServiceConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct lead service: %v", err)
	}

	mirror := &recordingMirror{}
	notifier := &recordingNotifier{}
	runner := tasks.NewRunner(tasks.RunnerConfig{Notifier: notifier})

	service, err := NewService(ServiceConfig{
		Database:   db,
		Slots:      slotStore,
		Leads:      leadService,
		IDProvider: idProvider,
		Clock:      func() time.Time { return time.Unix(1790000000, 0).UTC() },
		Runner:     runner,
		Mirror:     mirror,
		Notifier:   notifier,
	})
	if err != nil {
		t.Fatalf("failed to construct booking service: %v", err)
	}

	return &testFixture{
		service:  service,
		db:       db,
		slots:    slotStore,
		leads:    leadService,
		mirror:   mirror,
		notifier: notifier,
		runner:   runner,
	}
}

// serviceWithIDProvider builds a second lifecycle service over the same
// database and stores so tests can swap in a misbehaving audit id provider.
func (f *testFixture) serviceWithIDProvider(t *testing.T, provider IDProvider) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   f.db,
		Slots:      f.slots,
		Leads:      f.leads,
		IDProvider: provider,
		Clock:      func() time.Time { return time.Unix(1790000000, 0).UTC() },
		Runner:     f.runner,
		Mirror:     f.mirror,
		Notifier:   f.notifier,
	})
	if err != nil {
		t.Fatalf("failed to construct booking service: %v", err)
	}
	return service
}

func (f *testFixture) seedSlot(t *testing.T, id string, capacity, booked int) {
	t.Helper()
	slot := slots.AvailabilitySlot{
		ID:          id,
		Date:        "2026-09-01",
		Time:        "09:00",
		Capacity:    capacity,
		BookedCount: booked,
		IsOpen:      true,
	}
	if id == "slot-t" {
		slot.Date = "2026-09-02"
		slot.Time = "14:00"
	}
	if err := f.db.Create(&slot).Error; err != nil {
		t.Fatalf("failed to seed slot: %v", err)
	}
}

func (f *testFixture) seedLead(t *testing.T, id, token string, stage leads.Stage) leads.Lead {
	t.Helper()
	lead := leads.Lead{
		ID:          id,
		Name:        "Dana Wells",
		Phone:       "555-0101",
		Address:     "12 Elm St",
		ProblemType: "roof leak",
		Stage:       stage,
		AccessToken: token,
	}
	if err := f.db.Create(&lead).Error; err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}
	return lead
}

func (f *testFixture) loadLead(t *testing.T, id string) leads.Lead {
	t.Helper()
	var lead leads.Lead
	if err := f.db.Where("id = ?", id).Take(&lead).Error; err != nil {
		t.Fatalf("failed to load lead: %v", err)
	}
	return lead
}

func (f *testFixture) loadSlot(t *testing.T, id string) slots.AvailabilitySlot {
	t.Helper()
	var slot slots.AvailabilitySlot
	if err := f.db.Where("id = ?", id).Take(&slot).Error; err != nil {
		t.Fatalf("failed to load slot: %v", err)
	}
	return slot
}

func (f *testFixture) eventTypes(t *testing.T, leadID string) []EventType {
	t.Helper()
	events, err := f.service.EventsForLead(context.Background(), leadID)
	if err != nil {
		t.Fatalf("failed to load events: %v", err)
	}
	types := make([]EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.EventType)
	}
	return types
}
