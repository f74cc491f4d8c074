package booking

// EventType enumerates the append-only appointment audit events.
type EventType string

const (
	EventSlotBooked   EventType = "slot_booked"
	EventSlotReleased EventType = "slot_released"
	EventRescheduled  EventType = "appointment_rescheduled"
	EventCancelled    EventType = "appointment_cancelled"
	EventStatusChange EventType = "status_change"
)

// ActorCustomer is recorded for unauthenticated token-bearing actions.
// Staff actions record the authenticated staff identity instead.
const ActorCustomer = "customer"

// AppointmentEvent is the append-only audit trail for appointment
// transitions. Rows are never mutated or deleted; this table is the system
// of record for what happened.
type AppointmentEvent struct {
	EventID           string    `gorm:"column:event_id;primaryKey;size:190;not null" json:"event_id"`
	LeadID            string    `gorm:"column:lead_id;size:190;not null;index:idx_appt_events_lead_time,priority:1" json:"lead_id"`
	SlotID            string    `gorm:"column:slot_id;size:190;not null;default:''" json:"slot_id"`
	EventType         EventType `gorm:"column:event_type;size:64;not null" json:"event_type"`
	Actor             string    `gorm:"column:actor;size:190;not null" json:"actor"`
	MetadataJSON      string    `gorm:"column:metadata_json;type:text;not null;default:''" json:"metadata,omitempty"`
	OccurredAtSeconds int64     `gorm:"column:occurred_at_s;not null;index:idx_appt_events_lead_time,priority:2" json:"occurred_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (AppointmentEvent) TableName() string {
	return "appointment_events"
}

// BookingResult is returned to the caller on a successful transition.
type BookingResult struct {
	LeadID string
	SlotID string
	Date   string
	Time   string
}
