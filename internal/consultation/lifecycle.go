package consultation

import (
	"fmt"
	"time"
)

// Book attaches an appointment to the consultation.
func (c *Consultation) Book(at, now time.Time) error {
	if c.Status == StatusCancelled {
		return ErrSessionClosed
	}
	if c.Booking.Active() {
		return ErrBookingExists
	}
	if !at.After(now) {
		return ErrInvalidAppointment
	}
	c.setBooking(BookingScheduled, &at)
	return nil
}

// Reschedule moves an existing appointment.
func (c *Consultation) Reschedule(at, now time.Time) error {
	if c.Status == StatusCancelled {
		return ErrSessionClosed
	}
	if !c.Booking.Active() {
		return ErrNoBooking
	}
	if !at.After(now) {
		return ErrInvalidAppointment
	}
	c.setBooking(BookingRescheduled, &at)
	return nil
}

// CancelBooking releases the appointment slot but keeps the consultation.
func (c *Consultation) CancelBooking() error {
	if !c.Booking.Active() {
		return ErrNoBooking
	}
	c.setBooking(BookingCancelled, nil)
	return nil
}

// Cancel terminates the consultation and releases any appointment. Calling
// it again is a no-op.
func (c *Consultation) Cancel() {
	if c.Status == StatusCancelled {
		return
	}
	if c.Booking.Active() {
		c.setBooking(BookingCancelled, nil)
	}
	c.Status = StatusCancelled
}

// HandOver marks the interview as handed to a clinician.
func (c *Consultation) HandOver() {
	if c.Status == StatusActive {
		c.Status = StatusHandedOver
	}
}

func (c *Consultation) setBooking(b BookingStatus, at *time.Time) {
	c.Booking = b
	if at != nil {
		t := *at
		c.AppointmentAt = &t
	} else {
		c.AppointmentAt = nil
	}
	status := string(b)
	c.MedicalData.BookingStatus = &status
}

// CheckInvariants verifies that the consultation status, the booking and the
// medical record agree with each other.
func (c *Consultation) CheckInvariants() error {
	if c.Status == StatusCancelled && c.Booking.Active() {
		return fmt.Errorf("cancelled consultation %s still holds a %s booking", c.ID, c.Booking)
	}
	if c.Booking.Active() != (c.AppointmentAt != nil) {
		return fmt.Errorf("booking %q inconsistent with appointment time", c.Booking)
	}
	if c.Booking != BookingNone {
		if c.MedicalData.BookingStatus == nil || *c.MedicalData.BookingStatus != string(c.Booking) {
			return fmt.Errorf("medical record booking status out of sync with %q", c.Booking)
		}
	}
	return nil
}
