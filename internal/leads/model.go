package leads

import (
	"time"
)

// Stage enumerates the pipeline stages a lead moves through.
type Stage string

const (
	StageNew            Stage = "new"
	StageRequested      Stage = "requested"
	StageBooked         Stage = "booked"
	StageVisited        Stage = "visited"
	StageQuoted         Stage = "quoted"
	StageAccepted       Stage = "accepted"
	StageDeclined       Stage = "declined"
	StageNeedsAttention Stage = "needs_attention"
)

var stageRank = map[Stage]int{
	StageNew:       0,
	StageRequested: 1,
	StageBooked:    2,
	StageVisited:   3,
	StageQuoted:    4,
	StageAccepted:  5,
	StageDeclined:  5,
}

// Rank returns the forward-ordering rank of a stage. StageNeedsAttention
// sits outside the funnel and ranks below everything so staff triage always
// wins a forward-only comparison.
func (s Stage) Rank() int {
	rank, ok := stageRank[s]
	if !ok {
		return -1
	}
	return rank
}

// AtLeast returns the later of the two stages under pipeline ordering.
// Stages never regress through booking transitions; cancellation restores
// an explicitly remembered prior stage instead.
func (s Stage) AtLeast(floor Stage) Stage {
	if s.Rank() >= floor.Rank() {
		return s
	}
	return floor
}

// Lead is a prospective customer progressing through the sales pipeline.
// The appointment lives directly on the lead: SlotID present means exactly
// one unit of that slot's booked_count belongs to this lead, and
// AppointmentDate/AppointmentTime mirror the slot's date and time.
type Lead struct {
	ID                 string    `gorm:"column:id;primaryKey;size:190;not null"`
	Name               string    `gorm:"column:name;size:320;not null"`
	Email              string    `gorm:"column:email;size:320;not null;default:''"`
	Phone              string    `gorm:"column:phone;size:64;not null;default:''"`
	Address            string    `gorm:"column:address;size:512;not null;default:''"`
	ProblemType        string    `gorm:"column:problem_type;size:190;not null;default:''"`
	Stage              Stage     `gorm:"column:stage;size:32;not null;default:'new'"`
	StageBeforeBooking Stage     `gorm:"column:stage_before_booking;size:32;not null;default:''"`
	AccessToken        string    `gorm:"column:access_token;size:190;not null;uniqueIndex"`
	AppointmentDate    string    `gorm:"column:appointment_date;size:10;not null;default:''"`
	AppointmentTime    string    `gorm:"column:appointment_time;size:5;not null;default:''"`
	SlotID             string    `gorm:"column:slot_id;size:190;not null;default:'';index"`
	ExternalEventID    string    `gorm:"column:external_event_id;size:190;not null;default:''"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Lead) TableName() string {
	return "leads"
}

// HasAppointment reports whether the lead currently holds a slot.
func (l Lead) HasAppointment() bool {
	return l.SlotID != ""
}
