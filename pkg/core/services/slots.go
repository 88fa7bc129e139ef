package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/lifecycle"
	"github.com/jakechorley/blood-match/pkg/core/model"
	"github.com/jakechorley/blood-match/pkg/db"
)

// recomputeConcurrency bounds parallel slot reconciliation in RecomputeAll
const recomputeConcurrency = 4

// Slots manages donation slot capacity and the bookings made against it.
// Every booked-count change happens in the same transaction as the booking
// change that causes it, under the slot's lock.
type Slots struct {
	deps Deps
}

// NewSlots creates the slot capacity manager
func NewSlots(deps Deps) *Slots {
	return &Slots{deps: deps.withDefaults()}
}

// CreateSlotInput describes a new donation slot
type CreateSlotInput struct {
	FacilityID string `validate:"required"`
	Window     model.SlotWindow
	Capacity   int `validate:"gt=0"`
}

// CreateSlot creates an empty donation slot
func (s *Slots) CreateSlot(ctx context.Context, input CreateSlotInput) (*model.DonationSlot, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if err := input.Window.Validate(); err != nil {
		return nil, apperr.Validation("window", "%v", err)
	}

	now := s.deps.Clock.Now()
	slot := &model.DonationSlot{
		ID:         uuid.New().String(),
		FacilityID: input.FacilityID,
		Window:     input.Window,
		Capacity:   input.Capacity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.deps.inTx(ctx, "create slot", func(tx db.Tx) error {
		return tx.InsertSlot(ctx, slot)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create slot: %w", err)
	}

	s.deps.Logger.Info("Created donation slot",
		zap.String("slot_id", slot.ID),
		zap.String("facility_id", slot.FacilityID),
		zap.String("window", slot.Window.String()),
		zap.Int("capacity", slot.Capacity))
	return slot, nil
}

// ListSlots returns every slot. The snapshot is not locked.
func (s *Slots) ListSlots(ctx context.Context) ([]model.DonationSlot, error) {
	slots, err := s.deps.Store.ListSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	return slots, nil
}

// BookingView is a booking together with the facts derived from its donor
type BookingView struct {
	Booking                    model.Booking
	NeedsBloodTypeVerification bool
}

// GetBooking returns a booking and whether its donation still needs the
// donor's blood type verified
func (s *Slots) GetBooking(ctx context.Context, bookingID string) (*BookingView, error) {
	booking, err := s.deps.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	donor, err := s.deps.Store.GetDonor(ctx, booking.DonorID)
	var notFound *apperr.NotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return nil, fmt.Errorf("failed to load donor: %w", err)
	}
	return &BookingView{
		Booking:                    *booking,
		NeedsBloodTypeVerification: booking.NeedsBloodTypeVerification(donor),
	}, nil
}

// Book reserves a place in a slot for a voluntary donation
func (s *Slots) Book(ctx context.Context, slotID, donorID string) (*model.Booking, error) {
	return s.BookForRequest(ctx, slotID, donorID, "")
}

// BookForRequest reserves a place in a slot. When requestID is set the request
// must be in progress with donorID as its accepted donor.
func (s *Slots) BookForRequest(ctx context.Context, slotID, donorID, requestID string) (*model.Booking, error) {
	if slotID == "" {
		return nil, apperr.Validation("slotId", "required")
	}
	if donorID == "" {
		return nil, apperr.Validation("donorId", "required")
	}

	unlock := s.deps.Locks.LockAll(requestKey(requestID), slotKey(slotID))
	defer unlock()

	booking, err := s.bookLocked(ctx, bookParams{slotID: slotID, donorID: donorID, requestID: requestID})
	if err != nil {
		return nil, err
	}

	unlock()
	s.deps.publish(ctx, s.bookingCreatedEvent(booking))
	return booking, nil
}

type bookParams struct {
	slotID          string
	donorID         string
	requestID       string
	rescheduledFrom string
}

// bookLocked is the check-and-increment. The caller holds the slot lock (and
// the request lock when requestID is set).
func (s *Slots) bookLocked(ctx context.Context, p bookParams) (*model.Booking, error) {
	var booking *model.Booking
	err := s.deps.inTx(ctx, "book", func(tx db.Tx) error {
		now := s.deps.Clock.Now()

		if p.requestID != "" {
			req, err := tx.GetRequest(ctx, p.requestID)
			if err != nil {
				return err
			}
			if req.Status != model.RequestInProgress {
				return apperr.InvalidState("request", req.ID, string(req.Status), "book a slot for")
			}
			if req.AcceptedDonorID != p.donorID {
				return apperr.Conflict("request", req.ID, "donor %s is not the accepted donor", p.donorID)
			}
		}

		slot, err := tx.GetSlot(ctx, p.slotID)
		if err != nil {
			return err
		}
		if _, err := tx.GetDonor(ctx, p.donorID); err != nil {
			return err
		}

		existing, err := tx.ListBookingsBySlot(ctx, slot.ID)
		if err != nil {
			return err
		}
		for _, b := range existing {
			if b.DonorID == p.donorID && b.Status == model.BookingScheduled {
				return apperr.Conflict("slot", slot.ID, "donor %s already booked as %s", p.donorID, b.ID)
			}
		}

		if slot.BookedCount >= slot.Capacity {
			return &apperr.CapacityExceededError{SlotID: slot.ID, Capacity: slot.Capacity}
		}

		slot.BookedCount++
		slot.UpdatedAt = now
		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}

		booking = &model.Booking{
			ID:                uuid.New().String(),
			SlotID:            slot.ID,
			DonorID:           p.donorID,
			RequestID:         p.requestID,
			Status:            model.BookingScheduled,
			RescheduledFromID: p.rescheduledFrom,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.InsertBooking(ctx, booking); err != nil {
			return err
		}

		if p.rescheduledFrom != "" {
			old, err := tx.GetBooking(ctx, p.rescheduledFrom)
			if err != nil {
				return err
			}
			if err := lifecycle.MarkRescheduled(old, now); err != nil {
				return err
			}
			if err := tx.UpdateBooking(ctx, old); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deps.Logger.Info("Booked donation slot",
		zap.String("booking_id", booking.ID),
		zap.String("slot_id", booking.SlotID),
		zap.String("donor_id", booking.DonorID),
		zap.String("request_id", booking.RequestID))
	return booking, nil
}

// CancelBooking releases a booking's place in its slot. Cancelling an
// already cancelled booking returns it unchanged.
//
// Cancelling a booking made for an emergency request counts against the
// donor's reliability and reopens the request to other offers.
func (s *Slots) CancelBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	current, err := s.deps.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	unlock := s.deps.Locks.LockAll(requestKey(current.RequestID), slotKey(current.SlotID))
	defer unlock()

	booking, changed, requesterID, err := s.cancelLocked(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !changed {
		s.deps.Logger.Debug("Booking already cancelled", zap.String("booking_id", bookingID))
		return booking, nil
	}

	s.deps.Logger.Info("Cancelled booking",
		zap.String("booking_id", booking.ID),
		zap.String("slot_id", booking.SlotID),
		zap.String("request_id", booking.RequestID))

	event := s.deps.newEvent(model.EventBookingCancelled, booking.DonorID, requesterID)
	event.SlotID = booking.SlotID
	event.BookingID = booking.ID
	event.DonorID = booking.DonorID
	event.RequestID = booking.RequestID

	unlock()
	s.deps.publish(ctx, event)
	return booking, nil
}

// cancelLocked cancels in one transaction. The caller holds the slot lock.
func (s *Slots) cancelLocked(ctx context.Context, bookingID string) (booking *model.Booking, changed bool, requesterID string, err error) {
	err = s.deps.inTx(ctx, "cancel booking", func(tx db.Tx) error {
		now := s.deps.Clock.Now()

		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		booking = b

		changed, err = lifecycle.CancelBooking(b, now)
		if err != nil || !changed {
			return err
		}

		slot, err := tx.GetSlot(ctx, b.SlotID)
		if err != nil {
			return err
		}
		if slot.BookedCount > 0 {
			slot.BookedCount--
		} else {
			s.deps.Logger.Warn("Slot booked count already zero on cancel",
				zap.String("slot_id", slot.ID), zap.String("booking_id", b.ID))
		}
		slot.UpdatedAt = now
		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}

		if b.RequestID == "" {
			return nil
		}
		req, err := tx.GetRequest(ctx, b.RequestID)
		if err != nil {
			return err
		}
		requesterID = req.RequesterID
		return adjustDonor(ctx, tx, b.DonorID, lifecycle.OutcomeBookingCancelled, now)
	})
	if err != nil {
		return nil, false, "", err
	}
	return booking, changed, requesterID, nil
}

// Reschedule moves a booking to another slot: the old booking is cancelled,
// then a new one is booked and the old one marked rescheduled.
//
// The two steps are separate transactions. If booking the new slot fails the
// old booking stays cancelled and the error is returned; calling Reschedule
// again with another slot completes the move.
func (s *Slots) Reschedule(ctx context.Context, bookingID, newSlotID string) (*model.Booking, error) {
	if newSlotID == "" {
		return nil, apperr.Validation("newSlotId", "required")
	}
	old, err := s.deps.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if old.SlotID == newSlotID {
		return nil, apperr.Validation("newSlotId", "booking %s is already in slot %s", old.ID, newSlotID)
	}
	if old.Status != model.BookingScheduled && old.Status != model.BookingCancelled {
		return nil, apperr.InvalidState("booking", old.ID, string(old.Status), "reschedule")
	}

	unlock := s.deps.Locks.LockAll(requestKey(old.RequestID), slotKey(old.SlotID), slotKey(newSlotID))
	defer unlock()

	if _, err := s.deps.Store.GetSlot(ctx, newSlotID); err != nil {
		return nil, err
	}

	// A reschedule is not a donor cancellation, so the reliability penalty is
	// skipped by releasing the place directly.
	released, requesterID, err := s.releaseForReschedule(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	booking, err := s.bookLocked(ctx, bookParams{
		slotID:          newSlotID,
		donorID:         old.DonorID,
		requestID:       old.RequestID,
		rescheduledFrom: old.ID,
	})
	if err != nil {
		s.deps.Logger.Warn("Reschedule left original booking cancelled",
			zap.String("booking_id", old.ID),
			zap.String("new_slot_id", newSlotID),
			zap.Error(err))
		unlock()

		if released {
			event := s.deps.newEvent(model.EventBookingCancelled, old.DonorID, requesterID)
			event.SlotID = old.SlotID
			event.BookingID = old.ID
			event.DonorID = old.DonorID
			event.RequestID = old.RequestID
			event.Attributes = map[string]string{"reason": "reschedule_failed", "targetSlotId": newSlotID}
			s.deps.publish(ctx, event)
		}
		return nil, fmt.Errorf("booking %s was cancelled but slot %s could not be booked: %w", old.ID, newSlotID, err)
	}

	event := s.deps.newEvent(model.EventBookingRescheduled, booking.DonorID)
	event.SlotID = booking.SlotID
	event.BookingID = booking.ID
	event.DonorID = booking.DonorID
	event.RequestID = booking.RequestID
	event.Attributes = map[string]string{"previousBookingId": old.ID, "previousSlotId": old.SlotID}

	unlock()
	s.deps.publish(ctx, event)

	s.deps.Logger.Info("Rescheduled booking",
		zap.String("old_booking_id", old.ID),
		zap.String("booking_id", booking.ID),
		zap.String("slot_id", booking.SlotID))
	return booking, nil
}

// releaseForReschedule cancels the booking without the donor penalty. It
// reports whether the booking changed and the linked request's requester.
func (s *Slots) releaseForReschedule(ctx context.Context, bookingID string) (released bool, requesterID string, err error) {
	err = s.deps.inTx(ctx, "release booking", func(tx db.Tx) error {
		now := s.deps.Clock.Now()
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		released, err = lifecycle.CancelBooking(b, now)
		if err != nil || !released {
			return err
		}
		slot, err := tx.GetSlot(ctx, b.SlotID)
		if err != nil {
			return err
		}
		if slot.BookedCount > 0 {
			slot.BookedCount--
		}
		slot.UpdatedAt = now
		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		if b.RequestID == "" {
			return nil
		}
		req, err := tx.GetRequest(ctx, b.RequestID)
		if err != nil {
			return err
		}
		requesterID = req.RequesterID
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return released, requesterID, nil
}

// CompleteBooking records the donation, stamps the donor's last donation and
// fulfils the linked request when the donor is its accepted donor
func (s *Slots) CompleteBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	current, err := s.deps.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	unlock := s.deps.Locks.LockAll(requestKey(current.RequestID), slotKey(current.SlotID))
	defer unlock()

	var booking *model.Booking
	var fulfilled *model.EmergencyRequest
	err = s.deps.inTx(ctx, "complete booking", func(tx db.Tx) error {
		now := s.deps.Clock.Now()
		fulfilled = nil

		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := lifecycle.CompleteBooking(b, now); err != nil {
			return err
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		booking = b

		donor, err := tx.GetDonor(ctx, b.DonorID)
		if err != nil {
			return err
		}
		donor.LastDonationAt = &now
		donor.ReliabilityScore = lifecycle.AdjustReliability(donor.ReliabilityScore, lifecycle.OutcomeDonationCompleted)
		donor.UpdatedAt = now
		if err := tx.UpdateDonor(ctx, donor); err != nil {
			return err
		}

		if b.RequestID == "" {
			return nil
		}
		req, err := tx.GetRequest(ctx, b.RequestID)
		if err != nil {
			return err
		}
		if req.Status != model.RequestInProgress || req.AcceptedDonorID != b.DonorID {
			return nil
		}
		if err := lifecycle.Fulfil(req, now); err != nil {
			return err
		}
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		fulfilled = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deps.Logger.Info("Completed booking",
		zap.String("booking_id", booking.ID),
		zap.String("donor_id", booking.DonorID),
		zap.Bool("request_fulfilled", fulfilled != nil))

	completed := s.deps.newEvent(model.EventBookingCompleted, booking.DonorID)
	completed.BookingID = booking.ID
	completed.SlotID = booking.SlotID
	completed.DonorID = booking.DonorID
	completed.RequestID = booking.RequestID
	evts := []model.Event{completed}
	if fulfilled != nil {
		evts = append(evts, requestFulfilledEvent(s.deps, fulfilled))
	}

	unlock()
	s.deps.publish(ctx, evts...)
	return booking, nil
}

// MarkNoShow records that the donor missed the booking. The place stays
// consumed.
func (s *Slots) MarkNoShow(ctx context.Context, bookingID string) (*model.Booking, error) {
	current, err := s.deps.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	unlock := s.deps.Locks.LockAll(requestKey(current.RequestID), slotKey(current.SlotID))
	defer unlock()

	var booking *model.Booking
	err = s.deps.inTx(ctx, "mark no-show", func(tx db.Tx) error {
		now := s.deps.Clock.Now()
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := lifecycle.MarkNoShow(b, now); err != nil {
			return err
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		booking = b
		return adjustDonor(ctx, tx, b.DonorID, lifecycle.OutcomeNoShow, now)
	})
	if err != nil {
		return nil, err
	}

	s.deps.Logger.Info("Marked booking as no-show",
		zap.String("booking_id", booking.ID), zap.String("donor_id", booking.DonorID))

	event := s.deps.newEvent(model.EventBookingNoShow, booking.DonorID)
	event.BookingID = booking.ID
	event.SlotID = booking.SlotID
	event.DonorID = booking.DonorID
	event.RequestID = booking.RequestID

	unlock()
	s.deps.publish(ctx, event)
	return booking, nil
}

// RecomputeResult reports one slot's reconciliation
type RecomputeResult struct {
	SlotID   string
	Previous int
	Actual   int
	// Corrected is set when the stored count was rewritten
	Corrected bool
	// Overbooked is set when more bookings hold places than the slot has.
	// The stored count is clamped to capacity and the surplus needs manual attention.
	Overbooked bool
}

// Recompute rewrites a slot's booked count from the bookings that hold a
// place in it (scheduled, completed and no-show)
func (s *Slots) Recompute(ctx context.Context, slotID string) (*RecomputeResult, error) {
	unlock := s.deps.Locks.Lock(slotKey(slotID))
	defer unlock()

	var result *RecomputeResult
	err := s.deps.inTx(ctx, "recompute slot", func(tx db.Tx) error {
		slot, err := tx.GetSlot(ctx, slotID)
		if err != nil {
			return err
		}
		bookings, err := tx.ListBookingsBySlot(ctx, slotID)
		if err != nil {
			return err
		}

		actual := 0
		for _, b := range bookings {
			if b.Status.HoldsCapacity() {
				actual++
			}
		}

		result = &RecomputeResult{SlotID: slot.ID, Previous: slot.BookedCount, Actual: actual}
		target := actual
		if target > slot.Capacity {
			result.Overbooked = true
			target = slot.Capacity
		}
		if target == slot.BookedCount {
			return nil
		}

		result.Corrected = true
		slot.BookedCount = target
		slot.UpdatedAt = s.deps.Clock.Now()
		return tx.UpdateSlot(ctx, slot)
	})
	if err != nil {
		return nil, err
	}

	if result.Corrected || result.Overbooked {
		s.deps.Logger.Warn("Slot booked count drifted",
			zap.String("slot_id", result.SlotID),
			zap.Int("previous", result.Previous),
			zap.Int("actual", result.Actual),
			zap.Bool("overbooked", result.Overbooked))
	}
	return result, nil
}

// RecomputeAll reconciles every slot, a few at a time. Results are in slot
// listing order.
func (s *Slots) RecomputeAll(ctx context.Context) ([]RecomputeResult, error) {
	slots, err := s.ListSlots(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]RecomputeResult, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recomputeConcurrency)
	for i := range slots {
		i := i
		g.Go(func() error {
			r, err := s.Recompute(gctx, slots[i].ID)
			if err != nil {
				return fmt.Errorf("failed to recompute slot %s: %w", slots[i].ID, err)
			}
			results[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Slots) bookingCreatedEvent(b *model.Booking) model.Event {
	event := s.deps.newEvent(model.EventBookingCreated, b.DonorID)
	event.BookingID = b.ID
	event.SlotID = b.SlotID
	event.DonorID = b.DonorID
	event.RequestID = b.RequestID
	return event
}

// adjustDonor applies a reliability outcome inside tx
func adjustDonor(ctx context.Context, tx db.Tx, donorID string, outcome lifecycle.Outcome, now time.Time) error {
	donor, err := tx.GetDonor(ctx, donorID)
	if err != nil {
		return err
	}
	donor.ReliabilityScore = lifecycle.AdjustReliability(donor.ReliabilityScore, outcome)
	donor.UpdatedAt = now
	return tx.UpdateDonor(ctx, donor)
}
