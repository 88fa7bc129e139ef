package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/model"
	"github.com/jakechorley/blood-match/pkg/db"
)

// pgTx implements db.Tx on top of a pgx transaction
type pgTx struct {
	queries
}

var _ db.Tx = (*pgTx)(nil)

// InsertDonor inserts a new donor record
func (t *pgTx) InsertDonor(ctx context.Context, d *model.Donor) error {
	lat, lng := latLng(d.Location)
	_, err := t.q.Exec(ctx, `
		INSERT INTO donor (`+donorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, d.ID, d.FirstName, d.LastName, d.Email, d.Phone, nullable(string(d.BloodType)), d.Address,
		lat, lng, d.Available, d.LastDonationAt, d.ReliabilityScore, d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert donor: %w", err)
	}
	return nil
}

// UpdateDonor overwrites a donor's mutable fields
func (t *pgTx) UpdateDonor(ctx context.Context, d *model.Donor) error {
	lat, lng := latLng(d.Location)
	tag, err := t.q.Exec(ctx, `
		UPDATE donor SET first_name = $2, last_name = $3, email = $4, phone = $5, blood_type = $6,
			address = $7, lat = $8, lng = $9, available = $10, last_donation_at = $11,
			reliability_score = $12, updated_at = $13
		WHERE id = $1
	`, d.ID, d.FirstName, d.LastName, d.Email, d.Phone, nullable(string(d.BloodType)), d.Address,
		lat, lng, d.Available, d.LastDonationAt, d.ReliabilityScore, d.UpdatedAt.UTC())
	return checkUpdated(tag, err, "donor", d.ID)
}

// InsertRequest inserts a new emergency request record
func (t *pgTx) InsertRequest(ctx context.Context, r *model.EmergencyRequest) error {
	lat, lng := latLng(r.HospitalLocation)
	_, err := t.q.Exec(ctx, `
		INSERT INTO emergency_request (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, r.ID, r.RequesterID, string(r.BloodType), r.UnitsRequired, string(r.Urgency), r.HospitalName, r.Address,
		lat, lng, r.LocationUnknown, string(r.Status), nullable(r.AcceptedDonorID), nullable(r.AcceptedOfferID),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// UpdateRequest persists a request's status and acceptance
func (t *pgTx) UpdateRequest(ctx context.Context, r *model.EmergencyRequest) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE emergency_request SET status = $2, accepted_donor_id = $3, accepted_offer_id = $4, updated_at = $5
		WHERE id = $1
	`, r.ID, string(r.Status), nullable(r.AcceptedDonorID), nullable(r.AcceptedOfferID), r.UpdatedAt.UTC())
	return checkUpdated(tag, err, "request", r.ID)
}

// InsertOffer inserts a new offer. A second pending offer from the same donor
// for the same request violates a partial unique index and is a conflict.
func (t *pgTx) InsertOffer(ctx context.Context, o *model.Offer) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO offer (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, o.RequestID, o.DonorID, string(o.Status), o.CreatedAt.UTC(), o.AcceptedAt, o.RejectedAt, o.DeclinedAt)
	if isCode(err, codeUniqueViolation) {
		return apperr.Conflict("offer", o.ID, "donor %s already has a pending offer for request %s", o.DonorID, o.RequestID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

// UpdateOffer persists an offer's status and timestamps
func (t *pgTx) UpdateOffer(ctx context.Context, o *model.Offer) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE offer SET status = $2, accepted_at = $3, rejected_at = $4, declined_at = $5
		WHERE id = $1
	`, o.ID, string(o.Status), o.AcceptedAt, o.RejectedAt, o.DeclinedAt)
	return checkUpdated(tag, err, "offer", o.ID)
}

// InsertSlot inserts a new donation slot
func (t *pgTx) InsertSlot(ctx context.Context, s *model.DonationSlot) error {
	var windowDate *time.Time
	if s.Window.Date != "" {
		date, err := time.Parse("2006-01-02", s.Window.Date)
		if err != nil {
			return apperr.Validation("window.date", "invalid date %q", s.Window.Date)
		}
		windowDate = &date
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO donation_slot (`+slotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.FacilityID, windowDate, nullable(s.Window.Recurrence), s.Window.StartTime, s.Window.EndTime,
		s.Capacity, s.BookedCount, s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert slot: %w", err)
	}
	return nil
}

// UpdateSlot persists a slot's capacity and booked count. The table's check
// constraint rejects a booked count outside 0..capacity.
func (t *pgTx) UpdateSlot(ctx context.Context, s *model.DonationSlot) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE donation_slot SET capacity = $2, booked_count = $3, updated_at = $4
		WHERE id = $1
	`, s.ID, s.Capacity, s.BookedCount, s.UpdatedAt.UTC())
	if isCode(err, codeCheckViolation) {
		return fmt.Errorf("slot %s booked count %d outside 0..%d: %w", s.ID, s.BookedCount, s.Capacity, err)
	}
	return checkUpdated(tag, err, "slot", s.ID)
}

// InsertBooking inserts a new booking
func (t *pgTx) InsertBooking(ctx context.Context, b *model.Booking) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO booking (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, b.SlotID, b.DonorID, nullable(b.RequestID), string(b.Status), nullable(b.RescheduledFromID),
		b.CreatedAt.UTC(), b.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

// UpdateBooking persists a booking's status
func (t *pgTx) UpdateBooking(ctx context.Context, b *model.Booking) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE booking SET status = $2, updated_at = $3 WHERE id = $1
	`, b.ID, string(b.Status), b.UpdatedAt.UTC())
	return checkUpdated(tag, err, "booking", b.ID)
}

func checkUpdated(tag pgconn.CommandTag, err error, entity, id string) error {
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
