package consultation

import "errors"

var (
	ErrNotFound           = errors.New("consultation not found")
	ErrSessionClosed      = errors.New("consultation is cancelled")
	ErrBookingExists      = errors.New("an appointment is already booked")
	ErrNoBooking          = errors.New("no appointment is booked")
	ErrInvalidAppointment = errors.New("appointment time must be in the future")
	ErrDuplicateMessage   = errors.New("message was already recorded")
)

// ValidationError rejects a malformed request. Message is shown to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
