package lifecycle

import (
	"time"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/model"
)

// CancelBooking releases a scheduled booking. Cancelling an already cancelled
// booking is a no-op and reports changed=false.
func CancelBooking(b *model.Booking, now time.Time) (changed bool, err error) {
	switch b.Status {
	case model.BookingCancelled:
		return false, nil
	case model.BookingScheduled:
		b.Status = model.BookingCancelled
		b.UpdatedAt = now
		return true, nil
	default:
		return false, apperr.InvalidState("booking", b.ID, string(b.Status), "cancel")
	}
}

// MarkRescheduled records that a released booking was replaced by a new one
func MarkRescheduled(b *model.Booking, now time.Time) error {
	if b.Status != model.BookingCancelled {
		return apperr.InvalidState("booking", b.ID, string(b.Status), "mark rescheduled")
	}
	b.Status = model.BookingRescheduled
	b.UpdatedAt = now
	return nil
}

// CompleteBooking records that the donation took place
func CompleteBooking(b *model.Booking, now time.Time) error {
	if b.Status != model.BookingScheduled {
		return apperr.InvalidState("booking", b.ID, string(b.Status), "complete")
	}
	b.Status = model.BookingCompleted
	b.UpdatedAt = now
	return nil
}

// MarkNoShow records that the donor did not turn up
func MarkNoShow(b *model.Booking, now time.Time) error {
	if b.Status != model.BookingScheduled {
		return apperr.InvalidState("booking", b.ID, string(b.Status), "mark no-show")
	}
	b.Status = model.BookingNoShow
	b.UpdatedAt = now
	return nil
}
