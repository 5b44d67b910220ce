package consultation

import (
	"time"

	"github.com/google/uuid"

	"github.com/scof256/hellodoctor-sub007/internal/intake"
)

// Mode selects who is talking to the agents.
type Mode string

const (
	ModePatient Mode = "patient"
	ModeDoctor  Mode = "doctor"
)

// Status is the lifecycle state of a consultation.
type Status string

const (
	StatusActive     Status = "active"
	StatusHandedOver Status = "handed_over"
	StatusCancelled  Status = "cancelled"
)

// BookingStatus tracks the follow-up appointment attached to a consultation.
type BookingStatus string

const (
	BookingNone        BookingStatus = ""
	BookingScheduled   BookingStatus = "scheduled"
	BookingRescheduled BookingStatus = "rescheduled"
	BookingCancelled   BookingStatus = "cancelled"
)

// Active reports whether the booking still holds an appointment slot.
func (b BookingStatus) Active() bool {
	return b == BookingScheduled || b == BookingRescheduled
}

// StoredMessage is a persisted history entry.
type StoredMessage struct {
	ID              uuid.UUID `json:"id"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	intake.Message
}

// Consultation is the aggregate root: the append-only history plus the single
// mutable medical-record row of one intake session.
type Consultation struct {
	ID        uuid.UUID `json:"id" db:"id"`
	PatientID uuid.UUID `json:"patientId" db:"patient_id"`

	History     []StoredMessage    `json:"history" db:"-"`
	MedicalData intake.MedicalData `json:"medicalData" db:"medical_data"`

	Status             Status        `json:"status" db:"status"`
	Booking            BookingStatus `json:"bookingStatus" db:"booking_status"`
	AppointmentAt      *time.Time    `json:"appointmentAt,omitempty" db:"appointment_at"`
	HandoverReportedAt *time.Time    `json:"handoverReportedAt,omitempty" db:"handover_reported_at"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Messages returns the history without storage metadata.
func (c *Consultation) Messages() []intake.Message {
	out := make([]intake.Message, 0, len(c.History))
	for _, m := range c.History {
		out = append(out, m.Message)
	}
	return out
}

// TurnRequest is one conversation turn as submitted by the UI. History must
// already end with the patient's newest message.
type TurnRequest struct {
	SessionID       string                 `json:"sessionId,omitempty"`
	ClientMessageID string                 `json:"clientMessageId,omitempty"`
	History         []intake.Message       `json:"history"`
	MedicalData     intake.MedicalData     `json:"medicalData"`
	Mode            Mode                   `json:"mode"`
	Vitals          *intake.VitalsDecision `json:"vitals,omitempty"`
}

// LastUtterance is the content of the newest user message.
func (r TurnRequest) LastUtterance() string {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Role == intake.RoleUser {
			return r.History[i].Content
		}
	}
	return ""
}

// TurnResult is the outcome of a processed turn.
type TurnResult struct {
	Reply           string               `json:"reply"`
	MedicalData     intake.MedicalData   `json:"medicalData"`
	ActiveAgent     intake.AgentRole     `json:"activeAgent"`
	Tracking        intake.TrackingState `json:"tracking"`
	Recovered       bool                 `json:"recovered"`
	Fallback        bool                 `json:"fallback"`
	Attempts        int                  `json:"attempts"`
	Termination     *intake.Decision     `json:"termination,omitempty"`
	Transition      intake.Transition    `json:"transition"`
	TransitionError string               `json:"transitionError,omitempty"`
	MessageID       string               `json:"messageId,omitempty"`
	Duplicate       bool                 `json:"duplicate,omitempty"`
}

// RecordedTurn is a stored user message together with the reply to it.
type RecordedTurn struct {
	UserMessageID uuid.UUID
	Reply         string
	Agent         intake.AgentRole
}

// Validate checks the decoded request. Field presence that only the raw
// JSON can reveal is checked by the handler.
func (r TurnRequest) Validate() error {
	if r.History == nil {
		return invalid("history", "history must be an array of messages")
	}
	if r.Mode != ModePatient && r.Mode != ModeDoctor {
		return invalid("mode", `mode must be "patient" or "doctor"`)
	}
	return nil
}
