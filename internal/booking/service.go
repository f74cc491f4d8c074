package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldquote/bookd/backend/internal/alerting"
	"github.com/fieldquote/bookd/backend/internal/leads"
	"github.com/fieldquote/bookd/backend/internal/slots"
	"github.com/fieldquote/bookd/backend/internal/tasks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrAlreadyBooked indicates the lead already holds an appointment.
	ErrAlreadyBooked = errors.New("booking: lead already has an appointment")
	// ErrNoAppointment indicates the lead holds no appointment to act on.
	ErrNoAppointment = errors.New("booking: lead has no active appointment")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingSlotStore  = errors.New("slot store dependency required")
	errMissingLeads      = errors.New("lead service dependency required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps lifecycle failures with a stable dotted code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opConfirm    = "booking.confirm"
	opReschedule = "booking.reschedule"
	opCancel     = "booking.cancel"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for audit events.
type IDProvider interface {
	NewID() (string, error)
}

// Mirror is the best-effort external calendar adapter. Implementations are
// invoked only through the detached task runner, after the lifecycle
// transaction has committed; their errors surface via ops alerts, never
// here.
type Mirror interface {
	CreateFor(ctx context.Context, leadID string) error
	UpdateFor(ctx context.Context, leadID string) error
	DeleteFor(ctx context.Context, leadID string) error
}

// ServiceConfig configures the appointment lifecycle service.
type ServiceConfig struct {
	Database   *gorm.DB
	Slots      *slots.Store
	Leads      *leads.Service
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	Runner     *tasks.Runner
	Mirror     Mirror
	Notifier   alerting.Notifier
}

// Service orchestrates book / reschedule / cancel transitions on a lead's
// appointment. Capacity correctness lives entirely in the slot store's
// conditional updates; this layer owns ordering and compensation.
type Service struct {
	db         *gorm.DB
	slots      *slots.Store
	leads      *leads.Service
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	runner     *tasks.Runner
	mirror     Mirror
	notifier   alerting.Notifier
}

// NewService validates the configuration and returns a Service. Runner,
// Mirror, and Notifier are optional; without them the lifecycle still
// works, just without the external mirror.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Slots == nil {
		return nil, errMissingSlotStore
	}
	if cfg.Leads == nil {
		return nil, errMissingLeads
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
	return &Service{
		db:         cfg.Database,
		slots:      cfg.Slots,
		leads:      cfg.Leads,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		runner:     cfg.Runner,
		mirror:     cfg.Mirror,
		notifier:   cfg.Notifier,
	}, nil
}

// ConfirmBooking books the slot for the lead identified by its self-service
// token. The actor is recorded as "customer".
func (s *Service) ConfirmBooking(ctx context.Context, token, slotID string) (BookingResult, error) {
	lead, err := s.leads.ByToken(ctx, token)
	if err != nil {
		return BookingResult{}, err
	}
	return s.confirm(ctx, lead, slotID, ActorCustomer)
}

// ConfirmBookingForLead is the staff-facing variant; actor is the staff
// identity from the authenticated session.
func (s *Service) ConfirmBookingForLead(ctx context.Context, leadID, slotID, actor string) (BookingResult, error) {
	lead, err := s.leads.ByID(ctx, leadID)
	if err != nil {
		return BookingResult{}, err
	}
	return s.confirm(ctx, lead, slotID, actor)
}

// Reschedule moves the lead's appointment to a new slot. The new slot is
// reserved before the old one is released: releasing first would open a
// window where a third party claims the old slot's last unit and the
// customer ends up holding nothing.
func (s *Service) Reschedule(ctx context.Context, token, newSlotID string) (BookingResult, error) {
	lead, err := s.leads.ByToken(ctx, token)
	if err != nil {
		return BookingResult{}, err
	}
	return s.reschedule(ctx, lead, newSlotID, ActorCustomer)
}

// RescheduleForLead is the staff-facing variant of Reschedule.
func (s *Service) RescheduleForLead(ctx context.Context, leadID, newSlotID, actor string) (BookingResult, error) {
	lead, err := s.leads.ByID(ctx, leadID)
	if err != nil {
		return BookingResult{}, err
	}
	return s.reschedule(ctx, lead, newSlotID, actor)
}

// Cancel releases the lead's appointment and regresses the stage to its
// pre-booking value.
func (s *Service) Cancel(ctx context.Context, token string) error {
	lead, err := s.leads.ByToken(ctx, token)
	if err != nil {
		return err
	}
	return s.cancel(ctx, lead, ActorCustomer)
}

// CancelForLead is the staff-facing variant of Cancel.
func (s *Service) CancelForLead(ctx context.Context, leadID, actor string) error {
	lead, err := s.leads.ByID(ctx, leadID)
	if err != nil {
		return err
	}
	return s.cancel(ctx, lead, actor)
}

func (s *Service) confirm(ctx context.Context, lead leads.Lead, slotID, actor string) (BookingResult, error) {
	if lead.HasAppointment() {
		return BookingResult{}, ErrAlreadyBooked
	}

	reservation, err := s.slots.Reserve(ctx, slotID)
	if err != nil {
		return BookingResult{}, err
	}

	stageBefore := lead.Stage
	stageAfter := lead.Stage.AtLeast(leads.StageBooked)
	now := s.clock().UTC()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"appointment_date":     reservation.Date,
			"appointment_time":     reservation.Time,
			"slot_id":              reservation.SlotID,
			"stage":                stageAfter,
			"stage_before_booking": stageBefore,
		}
		result := tx.Model(&leads.Lead{}).Where("id = ? AND slot_id = ''", lead.ID).Updates(updates)
		if result.Error != nil {
			return newServiceError(opConfirm, "lead_write_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			// Lost a race with a concurrent booking for the same lead.
			return ErrAlreadyBooked
		}
		if err := s.appendEvent(tx, lead.ID, reservation.SlotID, EventSlotBooked, actor, now, map[string]string{
			"date": reservation.Date,
			"time": reservation.Time,
		}); err != nil {
			return err
		}
		if stageAfter != stageBefore {
			if err := s.appendEvent(tx, lead.ID, reservation.SlotID, EventStatusChange, actor, now, map[string]string{
				"from": string(stageBefore),
				"to":   string(stageAfter),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		// The slot was reserved before the lead write; give the unit back
		// rather than leaking a hold nobody owns.
		if releaseErr := s.slots.Release(ctx, slotID); releaseErr != nil {
			s.alert(ctx, opConfirm, "compensating release failed", releaseErr, map[string]string{
				"lead_id": lead.ID,
				"slot_id": slotID,
			})
		}
		return BookingResult{}, txErr
	}

	s.mirrorAsync("booking.mirror.create", lead.ID, func(mirror Mirror, taskCtx context.Context) error {
		return mirror.CreateFor(taskCtx, lead.ID)
	})

	return BookingResult{LeadID: lead.ID, SlotID: reservation.SlotID, Date: reservation.Date, Time: reservation.Time}, nil
}

func (s *Service) reschedule(ctx context.Context, lead leads.Lead, newSlotID, actor string) (BookingResult, error) {
	if !lead.HasAppointment() {
		return BookingResult{}, ErrNoAppointment
	}
	oldSlotID := lead.SlotID
	if newSlotID == oldSlotID {
		return BookingResult{LeadID: lead.ID, SlotID: oldSlotID, Date: lead.AppointmentDate, Time: lead.AppointmentTime}, nil
	}

	reservation, err := s.slots.Reserve(ctx, newSlotID)
	if err != nil {
		// Old slot untouched; the caller keeps the appointment they had.
		return BookingResult{}, err
	}

	now := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"appointment_date": reservation.Date,
			"appointment_time": reservation.Time,
			"slot_id":          reservation.SlotID,
		}
		result := tx.Model(&leads.Lead{}).Where("id = ? AND slot_id = ?", lead.ID, oldSlotID).Updates(updates)
		if result.Error != nil {
			return newServiceError(opReschedule, "lead_write_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			// The appointment changed under us.
			return ErrNoAppointment
		}
		return s.appendEvent(tx, lead.ID, reservation.SlotID, EventRescheduled, actor, now, map[string]string{
			"old_slot_id": oldSlotID,
			"new_slot_id": reservation.SlotID,
			"date":        reservation.Date,
			"time":        reservation.Time,
		})
	})
	if txErr != nil {
		// The old reservation was never given up, so the lead still holds
		// its original appointment; only the new slot's unit goes back.
		if err := s.slots.Release(ctx, newSlotID); err != nil {
			s.alert(ctx, opReschedule, "compensating release of new slot failed", err, map[string]string{
				"lead_id": lead.ID,
				"slot_id": newSlotID,
			})
		}
		return BookingResult{}, txErr
	}

	if err := s.slots.Release(ctx, oldSlotID); err != nil {
		s.alert(ctx, opReschedule, "old slot release failed", err, map[string]string{
			"lead_id": lead.ID,
			"slot_id": oldSlotID,
		})
	}

	s.mirrorAsync("booking.mirror.update", lead.ID, func(mirror Mirror, taskCtx context.Context) error {
		return mirror.UpdateFor(taskCtx, lead.ID)
	})

	return BookingResult{LeadID: lead.ID, SlotID: reservation.SlotID, Date: reservation.Date, Time: reservation.Time}, nil
}

func (s *Service) cancel(ctx context.Context, lead leads.Lead, actor string) error {
	if !lead.HasAppointment() {
		return ErrNoAppointment
	}
	slotID := lead.SlotID
	restoredStage := lead.StageBeforeBooking
	if restoredStage == "" || restoredStage.Rank() < 0 {
		restoredStage = leads.StageRequested
	}
	now := s.clock().UTC()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"appointment_date":     "",
			"appointment_time":     "",
			"slot_id":              "",
			"stage":                restoredStage,
			"stage_before_booking": "",
		}
		result := tx.Model(&leads.Lead{}).Where("id = ? AND slot_id = ?", lead.ID, slotID).Updates(updates)
		if result.Error != nil {
			return newServiceError(opCancel, "lead_write_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			// A concurrent cancel or reschedule got there first; releasing
			// here would return a unit nobody holds.
			return ErrNoAppointment
		}
		if err := s.appendEvent(tx, lead.ID, slotID, EventSlotReleased, actor, now, nil); err != nil {
			return err
		}
		if err := s.appendEvent(tx, lead.ID, slotID, EventCancelled, actor, now, map[string]string{
			"date": lead.AppointmentDate,
			"time": lead.AppointmentTime,
		}); err != nil {
			return err
		}
		if restoredStage != lead.Stage {
			if err := s.appendEvent(tx, lead.ID, slotID, EventStatusChange, actor, now, map[string]string{
				"from": string(lead.Stage),
				"to":   string(restoredStage),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	if err := s.slots.Release(ctx, slotID); err != nil {
		s.alert(ctx, opCancel, "slot release failed after cancel", err, map[string]string{
			"lead_id": lead.ID,
			"slot_id": slotID,
		})
	}

	s.mirrorAsync("booking.mirror.delete", lead.ID, func(mirror Mirror, taskCtx context.Context) error {
		return mirror.DeleteFor(taskCtx, lead.ID)
	})

	return nil
}

// EventsForLead returns the audit trail for a lead, oldest first.
func (s *Service) EventsForLead(ctx context.Context, leadID string) ([]AppointmentEvent, error) {
	var events []AppointmentEvent
	if err := s.db.WithContext(ctx).
		Where("lead_id = ?", leadID).
		Order("occurred_at_s ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("booking: events for lead: %w", err)
	}
	return events, nil
}

func (s *Service) appendEvent(tx *gorm.DB, leadID, slotID string, eventType EventType, actor string, occurredAt time.Time, metadata map[string]string) error {
	eventID, err := s.idProvider.NewID()
	if err != nil {
		return newServiceError("booking.audit", "id_generation_failed", err)
	}
	metadataJSON := ""
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return newServiceError("booking.audit", "metadata_encode_failed", err)
		}
		metadataJSON = string(encoded)
	}
	event := AppointmentEvent{
		EventID:           eventID,
		LeadID:            leadID,
		SlotID:            slotID,
		EventType:         eventType,
		Actor:             actor,
		MetadataJSON:      metadataJSON,
		OccurredAtSeconds: occurredAt.Unix(),
	}
	if err := tx.Create(&event).Error; err != nil {
		return newServiceError("booking.audit", "insert_failed", err)
	}
	return nil
}

func (s *Service) mirrorAsync(source, leadID string, call func(Mirror, context.Context) error) {
	if s.mirror == nil || s.runner == nil {
		return
	}
	mirror := s.mirror
	s.runner.Go(source, map[string]string{"lead_id": leadID}, func(taskCtx context.Context) error {
		return call(mirror, taskCtx)
	})
}

func (s *Service) alert(ctx context.Context, source, message string, cause error, alertContext map[string]string) {
	s.logger.Error("booking lifecycle alert",
		zap.String("source", source),
		zap.String("message", message),
		zap.Error(cause))
	if s.notifier != nil {
		s.notifier.NotifyOpsAlert(ctx, source, message, cause, alertContext)
	}
}
