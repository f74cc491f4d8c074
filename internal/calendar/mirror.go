package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldquote/bookd/backend/internal/leads"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Length of an inspection visit on the external calendar.
const inspectionDuration = 90 * time.Minute

// ErrNoAppointmentToMirror indicates the lead holds no appointment when a
// mirror write was requested.
var ErrNoAppointmentToMirror = errors.New("calendar: lead has no appointment to mirror")

// MirrorAdapterConfig configures the outbound mirror adapter.
type MirrorAdapterConfig struct {
	Database *gorm.DB
	Provider Provider
	Logger   *zap.Logger
}

// MirrorAdapter maintains exactly one external calendar event per lead
// appointment. It is strictly best-effort: callers invoke it only through
// the detached task runner after their own transaction has committed, and
// its errors are turned into ops alerts there.
type MirrorAdapter struct {
	db       *gorm.DB
	provider Provider
	logger   *zap.Logger
}

// NewMirrorAdapter validates the configuration and returns a MirrorAdapter.
func NewMirrorAdapter(cfg MirrorAdapterConfig) (*MirrorAdapter, error) {
	if cfg.Database == nil {
		return nil, errMissingEngineDatabase
	}
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &MirrorAdapter{db: cfg.Database, provider: cfg.Provider, logger: logger}, nil
}

// CreateFor inserts the external event for the lead's appointment and
// stores the provider id on the lead.
func (m *MirrorAdapter) CreateFor(ctx context.Context, leadID string) error {
	lead, err := m.loadLead(ctx, leadID)
	if err != nil {
		return err
	}
	mutation, err := mutationForLead(lead)
	if err != nil {
		return err
	}
	eventID, err := m.provider.InsertEvent(ctx, mutation)
	if err != nil {
		return fmt.Errorf("calendar: mirror create for lead %s: %w", leadID, err)
	}
	return m.storeEventID(ctx, leadID, eventID)
}

// UpdateFor rewrites the lead's external event. When no event id is stored,
// or the provider no longer has the event (a human may have removed it by
// hand), it falls back to a fresh create.
func (m *MirrorAdapter) UpdateFor(ctx context.Context, leadID string) error {
	lead, err := m.loadLead(ctx, leadID)
	if err != nil {
		return err
	}
	mutation, err := mutationForLead(lead)
	if err != nil {
		return err
	}
	if lead.ExternalEventID == "" {
		eventID, err := m.provider.InsertEvent(ctx, mutation)
		if err != nil {
			return fmt.Errorf("calendar: mirror update-create for lead %s: %w", leadID, err)
		}
		return m.storeEventID(ctx, leadID, eventID)
	}

	err = m.provider.UpdateEvent(ctx, lead.ExternalEventID, mutation)
	if errors.Is(err, ErrEventNotFound) {
		m.logger.Info("external event missing on update, recreating",
			zap.String("lead_id", leadID),
			zap.String("external_event_id", lead.ExternalEventID))
		eventID, insertErr := m.provider.InsertEvent(ctx, mutation)
		if insertErr != nil {
			return fmt.Errorf("calendar: mirror recreate for lead %s: %w", leadID, insertErr)
		}
		return m.storeEventID(ctx, leadID, eventID)
	}
	if err != nil {
		return fmt.Errorf("calendar: mirror update for lead %s: %w", leadID, err)
	}
	return nil
}

// DeleteFor removes the lead's external event and clears the stored id.
// An event already gone at the provider counts as deleted.
func (m *MirrorAdapter) DeleteFor(ctx context.Context, leadID string) error {
	lead, err := m.loadLead(ctx, leadID)
	if err != nil {
		return err
	}
	if lead.ExternalEventID == "" {
		return nil
	}
	err = m.provider.DeleteEvent(ctx, lead.ExternalEventID)
	if err != nil && !errors.Is(err, ErrEventNotFound) {
		return fmt.Errorf("calendar: mirror delete for lead %s: %w", leadID, err)
	}
	return m.storeEventID(ctx, leadID, "")
}

func (m *MirrorAdapter) loadLead(ctx context.Context, leadID string) (leads.Lead, error) {
	var lead leads.Lead
	err := m.db.WithContext(ctx).Where("id = ?", leadID).Take(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return leads.Lead{}, leads.ErrLeadNotFound
	}
	if err != nil {
		return leads.Lead{}, fmt.Errorf("calendar: load lead %s: %w", leadID, err)
	}
	return lead, nil
}

func (m *MirrorAdapter) storeEventID(ctx context.Context, leadID, eventID string) error {
	err := m.db.WithContext(ctx).
		Model(&leads.Lead{}).
		Where("id = ?", leadID).
		UpdateColumn("external_event_id", eventID).Error
	if err != nil {
		return fmt.Errorf("calendar: store event id for lead %s: %w", leadID, err)
	}
	return nil
}

func mutationForLead(lead leads.Lead) (EventMutation, error) {
	if !lead.HasAppointment() {
		return EventMutation{}, ErrNoAppointmentToMirror
	}
	start, err := time.Parse("2006-01-02 15:04", lead.AppointmentDate+" "+lead.AppointmentTime)
	if err != nil {
		return EventMutation{}, fmt.Errorf("calendar: lead %s appointment time: %w", lead.ID, err)
	}
	start = start.UTC()

	summary := "Inspection - " + lead.Name
	if lead.ProblemType != "" {
		summary = fmt.Sprintf("Inspection - %s (%s)", lead.Name, lead.ProblemType)
	}
	description := ""
	if lead.Phone != "" {
		description = "Phone: " + lead.Phone
	}
	if lead.Email != "" {
		if description != "" {
			description += "\n"
		}
		description += "Email: " + lead.Email
	}

	return EventMutation{
		Summary:     summary,
		Description: description,
		Location:    lead.Address,
		Start:       start,
		End:         start.Add(inspectionDuration),
	}, nil
}
