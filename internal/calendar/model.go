package calendar

import "time"

// Mirror status values. Provider cancellations flip the status; mirror rows
// are never deleted so the local history stays intact.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// EventMirror is the local copy of one external calendar event, keyed by
// the provider's event id so redelivery upserts instead of duplicating.
type EventMirror struct {
	ExternalEventID string    `gorm:"column:external_event_id;primaryKey;size:190;not null" json:"external_event_id"`
	Summary         string    `gorm:"column:summary;size:512;not null;default:''" json:"summary"`
	Description     string    `gorm:"column:description;type:text;not null;default:''" json:"description,omitempty"`
	Location        string    `gorm:"column:location;size:512;not null;default:''" json:"location,omitempty"`
	Start           time.Time `gorm:"column:start;not null;index" json:"start"`
	End             time.Time `gorm:"column:end;not null" json:"end"`
	AllDay          bool      `gorm:"column:all_day;not null;default:false" json:"all_day"`
	Status          string    `gorm:"column:status;size:32;not null;default:'confirmed'" json:"status"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"-"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (EventMirror) TableName() string {
	return "calendar_event_mirrors"
}

// SyncStateEntry is one key/value row of the engine's persisted state.
// Persisting in the database lets any handler instance resume the cursor
// and channel identifiers.
type SyncStateEntry struct {
	Key       string    `gorm:"column:key;primaryKey;size:190;not null"`
	Value     string    `gorm:"column:value;type:text;not null;default:''"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (SyncStateEntry) TableName() string {
	return "calendar_sync_state"
}

// Persisted state keys.
const (
	StateKeySyncToken         = "sync_token"
	StateKeyChannelID         = "channel_id"
	StateKeyChannelResourceID = "channel_resource_id"
	StateKeyChannelExpiration = "channel_expiration"
)

// Event is the provider-neutral representation of one external calendar
// event after normalization: all-day and timed provider forms both collapse
// to a single start/end pair.
type Event struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Cancelled   bool
	UpdatedAt   time.Time
}

// EventMutation carries the fields this system writes to the provider when
// mirroring a lead appointment outward.
type EventMutation struct {
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
}

// Channel identifies a push-notification subscription at the provider.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}
