package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries implements db.Reader. Inside a transaction forUpdate is set and
// every read locks the rows it returns.
type queries struct {
	q         querier
	forUpdate bool
}

func (r queries) lockClause() string {
	if r.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

const donorColumns = `id, first_name, last_name, email, phone, blood_type, address, lat, lng,
	available, last_donation_at, reliability_score, created_at, updated_at`

const requestColumns = `id, requester_id, blood_type, units_required, urgency, hospital_name, address,
	lat, lng, location_unknown, status, accepted_donor_id, accepted_offer_id, created_at, updated_at`

const offerColumns = `id, request_id, donor_id, status, created_at, accepted_at, rejected_at, declined_at`

const slotColumns = `id, facility_id, window_date, recurrence, start_time, end_time, capacity,
	booked_count, created_at, updated_at`

const bookingColumns = `id, slot_id, donor_id, request_id, status, rescheduled_from_id, created_at, updated_at`

// GetDonor retrieves a donor by id
func (r queries) GetDonor(ctx context.Context, id string) (*model.Donor, error) {
	row := r.q.QueryRow(ctx, `SELECT `+donorColumns+` FROM donor WHERE id = $1`+r.lockClause(), id)
	donor, err := scanDonor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("donor", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query donor: %w", err)
	}
	return donor, nil
}

// ListDonors retrieves all donor records
func (r queries) ListDonors(ctx context.Context) ([]model.Donor, error) {
	rows, err := r.q.Query(ctx, `SELECT `+donorColumns+` FROM donor ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query donors: %w", err)
	}
	defer rows.Close()

	var donors []model.Donor
	for rows.Next() {
		donor, err := scanDonor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan donor: %w", err)
		}
		donors = append(donors, *donor)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating donors: %w", err)
	}

	return donors, nil
}

// GetRequest retrieves an emergency request by id
func (r queries) GetRequest(ctx context.Context, id string) (*model.EmergencyRequest, error) {
	row := r.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM emergency_request WHERE id = $1`+r.lockClause(), id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query request: %w", err)
	}
	return req, nil
}

// GetOffer retrieves an offer by id
func (r queries) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	row := r.q.QueryRow(ctx, `SELECT `+offerColumns+` FROM offer WHERE id = $1`+r.lockClause(), id)
	offer, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("offer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query offer: %w", err)
	}
	return offer, nil
}

// ListOffersByRequest retrieves every offer made for a request, oldest first
func (r queries) ListOffersByRequest(ctx context.Context, requestID string) ([]model.Offer, error) {
	rows, err := r.q.Query(ctx, `SELECT `+offerColumns+` FROM offer WHERE request_id = $1
		ORDER BY created_at, id`+r.lockClause(), requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()

	offers := make([]model.Offer, 0)
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, *offer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offers: %w", err)
	}

	return offers, nil
}

// GetSlot retrieves a donation slot by id
func (r queries) GetSlot(ctx context.Context, id string) (*model.DonationSlot, error) {
	row := r.q.QueryRow(ctx, `SELECT `+slotColumns+` FROM donation_slot WHERE id = $1`+r.lockClause(), id)
	slot, err := scanSlot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("slot", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query slot: %w", err)
	}
	return slot, nil
}

// ListSlots retrieves all donation slots grouped by facility
func (r queries) ListSlots(ctx context.Context) ([]model.DonationSlot, error) {
	rows, err := r.q.Query(ctx, `SELECT `+slotColumns+` FROM donation_slot ORDER BY facility_id, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query slots: %w", err)
	}
	defer rows.Close()

	slots := make([]model.DonationSlot, 0)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, *slot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slots: %w", err)
	}

	return slots, nil
}

// GetBooking retrieves a booking by id
func (r queries) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	row := r.q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM booking WHERE id = $1`+r.lockClause(), id)
	booking, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("booking", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query booking: %w", err)
	}
	return booking, nil
}

// ListBookingsBySlot retrieves every booking ever made against a slot
func (r queries) ListBookingsBySlot(ctx context.Context, slotID string) ([]model.Booking, error) {
	return r.listBookings(ctx, `slot_id = $1`, slotID)
}

// ListBookingsByRequest retrieves every booking made to fulfil a request
func (r queries) ListBookingsByRequest(ctx context.Context, requestID string) ([]model.Booking, error) {
	return r.listBookings(ctx, `request_id = $1`, requestID)
}

func (r queries) listBookings(ctx context.Context, where string, arg string) ([]model.Booking, error) {
	rows, err := r.q.Query(ctx, `SELECT `+bookingColumns+` FROM booking WHERE `+where+`
		ORDER BY created_at, id`+r.lockClause(), arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	bookings := make([]model.Booking, 0)
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, *booking)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bookings: %w", err)
	}

	return bookings, nil
}

func scanDonor(row pgx.Row) (*model.Donor, error) {
	var d model.Donor
	var bloodType *string
	var lat, lng *float64
	if err := row.Scan(&d.ID, &d.FirstName, &d.LastName, &d.Email, &d.Phone, &bloodType, &d.Address,
		&lat, &lng, &d.Available, &d.LastDonationAt, &d.ReliabilityScore, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if bloodType != nil {
		d.BloodType = model.BloodType(*bloodType)
	}
	d.Location = coordinate(lat, lng)
	return &d, nil
}

func scanRequest(row pgx.Row) (*model.EmergencyRequest, error) {
	var r model.EmergencyRequest
	var bloodType, urgency, status string
	var lat, lng *float64
	var acceptedDonorID, acceptedOfferID *string
	if err := row.Scan(&r.ID, &r.RequesterID, &bloodType, &r.UnitsRequired, &urgency, &r.HospitalName, &r.Address,
		&lat, &lng, &r.LocationUnknown, &status, &acceptedDonorID, &acceptedOfferID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.BloodType = model.BloodType(bloodType)
	r.Urgency = model.Urgency(urgency)
	r.Status = model.RequestStatus(status)
	r.HospitalLocation = coordinate(lat, lng)
	r.AcceptedDonorID = deref(acceptedDonorID)
	r.AcceptedOfferID = deref(acceptedOfferID)
	return &r, nil
}

func scanOffer(row pgx.Row) (*model.Offer, error) {
	var o model.Offer
	var status string
	if err := row.Scan(&o.ID, &o.RequestID, &o.DonorID, &status, &o.CreatedAt,
		&o.AcceptedAt, &o.RejectedAt, &o.DeclinedAt); err != nil {
		return nil, err
	}
	o.Status = model.OfferStatus(status)
	return &o, nil
}

func scanSlot(row pgx.Row) (*model.DonationSlot, error) {
	var s model.DonationSlot
	var windowDate *time.Time
	var recurrence *string
	if err := row.Scan(&s.ID, &s.FacilityID, &windowDate, &recurrence, &s.Window.StartTime, &s.Window.EndTime,
		&s.Capacity, &s.BookedCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if windowDate != nil {
		s.Window.Date = windowDate.Format("2006-01-02")
	}
	s.Window.Recurrence = deref(recurrence)
	return &s, nil
}

func scanBooking(row pgx.Row) (*model.Booking, error) {
	var b model.Booking
	var status string
	var requestID, rescheduledFromID *string
	if err := row.Scan(&b.ID, &b.SlotID, &b.DonorID, &requestID, &status, &rescheduledFromID,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = model.BookingStatus(status)
	b.RequestID = deref(requestID)
	b.RescheduledFromID = deref(rescheduledFromID)
	return &b, nil
}

func coordinate(lat, lng *float64) *model.Coordinate {
	if lat == nil || lng == nil {
		return nil
	}
	return &model.Coordinate{Lat: *lat, Lng: *lng}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nullable maps the empty string to SQL NULL
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func latLng(c *model.Coordinate) (lat, lng *float64) {
	if c == nil {
		return nil, nil
	}
	return &c.Lat, &c.Lng
}
