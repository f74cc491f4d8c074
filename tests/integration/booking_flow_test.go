package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fieldquote/bookd/backend/internal/auth"
	"github.com/fieldquote/bookd/backend/internal/booking"
	"github.com/fieldquote/bookd/backend/internal/calendar"
	"github.com/fieldquote/bookd/backend/internal/database"
	"github.com/fieldquote/bookd/backend/internal/ids"
	"github.com/fieldquote/bookd/backend/internal/leads"
	"github.com/fieldquote/bookd/backend/internal/server"
	"github.com/fieldquote/bookd/backend/internal/slots"
	"github.com/fieldquote/bookd/backend/internal/tasks"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// providerEvent is what the fake external calendar stores per event.
type providerEvent struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Start       struct {
		DateTime string `json:"dateTime"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
	} `json:"end"`
}

// fakeCalendarServer emulates the provider's REST surface in memory so the
// whole outbound path runs: booking service, detached runner, mirror
// adapter, REST client, HTTP.
type fakeCalendarServer struct {
	mu      sync.Mutex
	events  map[string]providerEvent
	counter int
}

func newFakeCalendarServer() *fakeCalendarServer {
	return &fakeCalendarServer{events: map[string]providerEvent{}}
}

func (f *fakeCalendarServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		const eventsPath = "/calendars/primary/events"
		switch {
		case r.Method == http.MethodGet && r.URL.Path == eventsPath:
			type wireItem struct {
				ID string `json:"id"`
				providerEvent
			}
			items := make([]wireItem, 0, len(f.events))
			for id, event := range f.events {
				items = append(items, wireItem{ID: id, providerEvent: event})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items":         items,
				"nextSyncToken": fmt.Sprintf("cursor-%d", f.counter),
			})
		case r.Method == http.MethodPost && r.URL.Path == eventsPath:
			var event providerEvent
			_ = json.NewDecoder(r.Body).Decode(&event)
			f.counter++
			id := fmt.Sprintf("evt-%d", f.counter)
			f.events[id] = event
			_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, eventsPath+"/"):
			id := strings.TrimPrefix(r.URL.Path, eventsPath+"/")
			if _, ok := f.events[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			var event providerEvent
			_ = json.NewDecoder(r.Body).Decode(&event)
			f.events[id] = event
			_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, eventsPath+"/"):
			id := strings.TrimPrefix(r.URL.Path, eventsPath+"/")
			if _, ok := f.events[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.events, id)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == eventsPath+"/watch":
			var body struct {
				ID string `json:"id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"id":         body.ID,
				"resourceId": "resource-1",
			})
		case r.Method == http.MethodPost && r.URL.Path == "/channels/stop":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeCalendarServer) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeCalendarServer) singleEvent(t *testing.T) providerEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) != 1 {
		t.Fatalf("expected exactly one provider event, got %d", len(f.events))
	}
	for _, event := range f.events {
		return event
	}
	return providerEvent{}
}

type stack struct {
	api      http.Handler
	db       *gorm.DB
	runner   *tasks.Runner
	provider *fakeCalendarServer
}

func newStack(t *testing.T) *stack {
	t.Helper()

	provider := newFakeCalendarServer()
	providerServer := httptest.NewServer(provider.handler())
	t.Cleanup(providerServer.Close)

	dsn := fmt.Sprintf("file:integration_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	idProvider := ids.NewUUIDProvider()

	slotStore, err := slots.NewStore(slots.StoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct slot store: %v", err)
	}
	leadService, err := leads.NewService(leads.ServiceConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct lead service: %v", err)
	}

	client, err := calendar.NewClient(calendar.ClientConfig{
		BaseURL:    providerServer.URL,
		CalendarID: "primary",
	})
	if err != nil {
		t.Fatalf("failed to construct calendar client: %v", err)
	}
	state, err := calendar.NewStateStore(db)
	if err != nil {
		t.Fatalf("failed to construct state store: %v", err)
	}
	engine, err := calendar.NewEngine(calendar.EngineConfig{
		Database:   db,
		Provider:   client,
		State:      state,
		WebhookURL: "https://bookd.example/calendar/webhook",
		Secret:     "hook-secret",
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	mirror, err := calendar.NewMirrorAdapter(calendar.MirrorAdapterConfig{Database: db, Provider: client})
	if err != nil {
		t.Fatalf("failed to construct mirror adapter: %v", err)
	}

	runner := tasks.NewRunner(tasks.RunnerConfig{Timeout: 10 * time.Second})
	bookingService, err := booking.NewService(booking.ServiceConfig{
		Database:   db,
		Slots:      slotStore,
		Leads:      leadService,
		IDProvider: idProvider,
		Runner:     runner,
		Mirror:     mirror,
	})
	if err != nil {
		t.Fatalf("failed to construct booking service: %v", err)
	}

	tokens := auth.NewStaffTokenManager(auth.StaffTokenManagerConfig{
		SigningSecret: []byte("integration-secret"),
		StaffUser:     "owner",
		StaffPassword: "correct horse",
	})

	api, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:  tokens,
		Slots:         slotStore,
		Leads:         leadService,
		Booking:       bookingService,
		Engine:        engine,
		WebhookSecret: "hook-secret",
	})
	if err != nil {
		t.Fatalf("failed to construct api handler: %v", err)
	}

	return &stack{api: api, db: db, runner: runner, provider: provider}
}

func (s *stack) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	s.api.ServeHTTP(recorder, request)

	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder.Code, decoded
}

func (s *stack) mustDo(t *testing.T, method, path string, body any, headers map[string]string) map[string]any {
	t.Helper()
	status, decoded := s.do(t, method, path, body, headers)
	if status != http.StatusOK {
		t.Fatalf("%s %s: unexpected status %d: %v", method, path, status, decoded)
	}
	return decoded
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	s := newStack(t)

	login := s.mustDo(t, http.MethodPost, "/staff/login", gin.H{"user": "owner", "password": "correct horse"}, nil)
	staff := map[string]string{"Authorization": "Bearer " + login["access_token"].(string)}

	// Dates sit inside the public listing window, which is anchored to the
	// wall clock.
	firstDate := time.Now().UTC().AddDate(0, 0, 7).Format(slots.DateLayout)
	secondDate := time.Now().UTC().AddDate(0, 0, 8).Format(slots.DateLayout)
	s.mustDo(t, http.MethodPost, "/staff/slots", gin.H{"date": firstDate, "time": "09:00", "capacity": 1}, staff)
	s.mustDo(t, http.MethodPost, "/staff/slots", gin.H{"date": secondDate, "time": "14:00", "capacity": 1}, staff)

	listed := s.mustDo(t, http.MethodGet, "/slots", nil, nil)
	open := listed["slots"].([]any)
	if len(open) != 2 {
		t.Fatalf("expected 2 open slots, got %d", len(open))
	}
	firstSlot := open[0].(map[string]any)["id"].(string)
	secondSlot := open[1].(map[string]any)["id"].(string)

	created := s.mustDo(t, http.MethodPost, "/staff/leads", gin.H{
		"name":         "Dana Smith",
		"phone":        "555-0101",
		"address":      "12 Oak Lane",
		"problem_type": "foundation crack",
	}, staff)
	customerToken := created["access_token"].(string)

	// Customer books the first slot; the external event appears through the
	// detached mirror task.
	booked := s.mustDo(t, http.MethodPost, "/bookings", gin.H{"token": customerToken, "slot_id": firstSlot}, nil)
	if booked["date"] != firstDate || booked["time"] != "09:00" {
		t.Fatalf("unexpected booking response: %v", booked)
	}
	s.runner.Wait()

	event := s.provider.singleEvent(t)
	if !strings.Contains(event.Summary, "Dana Smith") {
		t.Fatalf("unexpected provider event summary %q", event.Summary)
	}
	if !strings.HasPrefix(event.Start.DateTime, firstDate+"T09:00") {
		t.Fatalf("unexpected provider event start %q", event.Start.DateTime)
	}

	// The slot is gone for everyone else.
	status, body := s.do(t, http.MethodPost, "/staff/leads", gin.H{"name": "Riley Jones"}, staff)
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	otherToken := body["access_token"].(string)
	status, body = s.do(t, http.MethodPost, "/bookings", gin.H{"token": otherToken, "slot_id": firstSlot}, nil)
	if status != http.StatusConflict || body["error"] != "SLOT_FULL" {
		t.Fatalf("expected SLOT_FULL conflict, got %d %v", status, body)
	}

	// Reschedule moves the reservation and rewrites the provider event.
	moved := s.mustDo(t, http.MethodPost, "/bookings/reschedule", gin.H{"token": customerToken, "new_slot_id": secondSlot}, nil)
	if moved["date"] != secondDate || moved["time"] != "14:00" {
		t.Fatalf("unexpected reschedule response: %v", moved)
	}
	s.runner.Wait()

	event = s.provider.singleEvent(t)
	if !strings.HasPrefix(event.Start.DateTime, secondDate+"T14:00") {
		t.Fatalf("provider event not moved, start %q", event.Start.DateTime)
	}

	// The freed slot is immediately bookable by the other customer.
	s.mustDo(t, http.MethodPost, "/bookings", gin.H{"token": otherToken, "slot_id": firstSlot}, nil)
	s.runner.Wait()

	// Cancel releases the slot and removes the provider event.
	s.mustDo(t, http.MethodPost, "/bookings/cancel", gin.H{"token": customerToken}, nil)
	s.runner.Wait()
	if count := s.provider.eventCount(); count != 1 {
		t.Fatalf("expected only the other customer's event to remain, got %d", count)
	}

	var slot slots.AvailabilitySlot
	if err := s.db.Where("id = ?", secondSlot).Take(&slot).Error; err != nil {
		t.Fatalf("failed to load slot: %v", err)
	}
	if slot.BookedCount != 0 {
		t.Fatalf("expected cancelled slot released, got booked_count %d", slot.BookedCount)
	}

	var lead leads.Lead
	if err := s.db.Where("access_token = ?", customerToken).Take(&lead).Error; err != nil {
		t.Fatalf("failed to load lead: %v", err)
	}
	if lead.HasAppointment() || lead.ExternalEventID != "" {
		t.Fatalf("expected appointment fields cleared, got %+v", lead)
	}
}

func TestWebhookRedeliveryIsIdempotent(t *testing.T) {
	s := newStack(t)

	login := s.mustDo(t, http.MethodPost, "/staff/login", gin.H{"user": "owner", "password": "correct horse"}, nil)
	staff := map[string]string{"Authorization": "Bearer " + login["access_token"].(string)}

	// Seed one event at the provider directly, as if a human created it.
	start := time.Now().UTC().AddDate(0, 0, 7).Truncate(time.Hour)
	s.provider.mu.Lock()
	event := providerEvent{Summary: "Manual entry"}
	event.Start.DateTime = start.Format(time.RFC3339)
	event.End.DateTime = start.Add(time.Hour).Format(time.RFC3339)
	s.provider.events["evt-manual"] = event
	s.provider.mu.Unlock()

	hook := map[string]string{
		"X-Goog-Channel-Token":  "hook-secret",
		"X-Goog-Resource-State": "exists",
	}
	for i := 0; i < 3; i++ {
		status, _ := s.do(t, http.MethodPost, "/calendar/webhook", nil, hook)
		if status != http.StatusOK {
			t.Fatalf("webhook delivery %d: unexpected status %d", i, status)
		}
	}

	var count int64
	if err := s.db.Model(&calendar.EventMirror{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count mirrors: %v", err)
	}
	if count != 1 {
		t.Fatalf("redelivered webhooks must not duplicate mirrors, got %d", count)
	}

	mirrors := s.mustDo(t, http.MethodGet, "/staff/calendar/events", nil, staff)
	listed, ok := mirrors["events"].([]any)
	if !ok || len(listed) != 1 {
		t.Fatalf("expected one mirrored event, got %v", mirrors["events"])
	}
	if listed[0].(map[string]any)["summary"] != "Manual entry" {
		t.Fatalf("unexpected mirror payload: %v", listed[0])
	}
}
