package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/clients/geocoder"
	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/compatibility"
	"github.com/jakechorley/blood-match/pkg/core/lifecycle"
	"github.com/jakechorley/blood-match/pkg/core/model"
	"github.com/jakechorley/blood-match/pkg/core/ranking"
	"github.com/jakechorley/blood-match/pkg/db"
)

// Coordinator is the entry point for every change that spans requests,
// offers and bookings. Mutations on one request are serialised through the
// request's lock; slot bookings go through Slots.
type Coordinator struct {
	deps  Deps
	slots *Slots
}

// NewCoordinator creates a Coordinator and the Slots manager it drives
func NewCoordinator(deps Deps) *Coordinator {
	deps = deps.withDefaults()
	return &Coordinator{deps: deps, slots: NewSlots(deps)}
}

// Slots returns the slot capacity manager sharing this coordinator's locks
func (c *Coordinator) Slots() *Slots {
	return c.slots
}

// NewRequestInput describes an emergency request. Either Address or
// Location must be given; Location wins when both are.
type NewRequestInput struct {
	RequesterID   string `validate:"required"`
	BloodType     string `validate:"required"`
	UnitsRequired int    `validate:"gt=0"`
	Urgency       string `validate:"omitempty,oneof=normal urgent critical"`
	HospitalName  string
	Address       string
	Location      *model.Coordinate `validate:"-"`
}

// SubmitResult is a stored request and its advisory candidate list
type SubmitResult struct {
	Request    *model.EmergencyRequest
	Candidates []model.MatchCandidate
}

// SubmitRequest stores a new emergency request and ranks donors for it.
//
// An address the geocoder cannot place is a ValidationError. Any other
// geocoder failure stores the request with LocationUnknown set and no
// candidates, so the request is never blocked on the provider.
func (c *Coordinator) SubmitRequest(ctx context.Context, input NewRequestInput) (*SubmitResult, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	bloodType, err := model.ParseBloodType(input.BloodType)
	if err != nil {
		return nil, apperr.Validation("bloodType", "%v", err)
	}
	urgency := model.Urgency(input.Urgency)
	if urgency == "" {
		urgency = model.UrgencyNormal
	}
	if input.Location == nil && input.Address == "" {
		return nil, apperr.Validation("address", "an address or location is required")
	}

	location, unknown, err := c.resolve(ctx, input.Address, input.Location)
	if err != nil {
		return nil, err
	}

	now := c.deps.Clock.Now()
	req := &model.EmergencyRequest{
		ID:               uuid.New().String(),
		RequesterID:      input.RequesterID,
		BloodType:        bloodType,
		UnitsRequired:    input.UnitsRequired,
		Urgency:          urgency,
		HospitalName:     input.HospitalName,
		Address:          input.Address,
		HospitalLocation: location,
		LocationUnknown:  unknown,
		Status:           model.RequestPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = c.deps.inTx(ctx, "submit request", func(tx db.Tx) error {
		return tx.InsertRequest(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store request: %w", err)
	}

	c.deps.Logger.Info("Emergency request submitted",
		zap.String("request_id", req.ID),
		zap.String("blood_type", string(req.BloodType)),
		zap.String("urgency", string(req.Urgency)),
		zap.Bool("location_unknown", req.LocationUnknown))

	candidates, err := c.rank(ctx, req)
	if err != nil {
		// The request is stored; ranking can be rerun with RankDonors
		c.deps.Logger.Error("Failed to rank donors for new request",
			zap.String("request_id", req.ID), zap.Error(err))
		candidates = []model.MatchCandidate{}
	}

	created := c.deps.newEvent(model.EventRequestCreated, req.RequesterID)
	created.RequestID = req.ID
	created.Attributes = map[string]string{
		"bloodType":  string(req.BloodType),
		"urgency":    string(req.Urgency),
		"candidates": strconv.Itoa(len(candidates)),
	}
	evts := []model.Event{created}
	for _, cand := range candidates {
		matched := c.deps.newEvent(model.EventDonorMatched, cand.Donor.ID)
		matched.RequestID = req.ID
		matched.DonorID = cand.Donor.ID
		matched.Attributes = map[string]string{
			"bloodType":      string(req.BloodType),
			"urgency":        string(req.Urgency),
			"hospital":       req.HospitalName,
			"distanceKm":     strconv.FormatFloat(cand.DistanceKm, 'f', 1, 64),
			"arrivalMinutes": strconv.Itoa(cand.ArrivalMinutes),
		}
		evts = append(evts, matched)
	}
	c.deps.publish(ctx, evts...)

	return &SubmitResult{Request: req, Candidates: candidates}, nil
}

// resolve returns the location to store. unknown is set when the geocoder
// failed for a reason other than an unplaceable address.
func (c *Coordinator) resolve(ctx context.Context, address string, given *model.Coordinate) (*model.Coordinate, bool, error) {
	return resolveLocation(ctx, c.deps, address, given)
}

func resolveLocation(ctx context.Context, deps Deps, address string, given *model.Coordinate) (*model.Coordinate, bool, error) {
	if given != nil {
		if err := validate.Struct(given); err != nil {
			return nil, false, apperr.Validation("location", "coordinate out of range")
		}
		loc := *given
		return &loc, false, nil
	}
	if address == "" {
		return nil, false, nil
	}

	coord, err := deps.Geocoder.Resolve(ctx, address)
	if errors.Is(err, geocoder.ErrAddressNotFound) {
		return nil, false, apperr.Validation("address", "address %q could not be located", address)
	}
	if err != nil {
		depErr := &apperr.DependencyError{Dependency: "geocoder", Err: err}
		deps.Logger.Warn("Geocoding failed, storing location as unknown",
			zap.String("address", address), zap.Error(depErr))
		return nil, true, nil
	}
	return &coord, false, nil
}

// RankDonors returns the current ranked candidates for a request. The donor
// pool is read without locks, so the list is advisory.
func (c *Coordinator) RankDonors(ctx context.Context, requestID string) ([]model.MatchCandidate, error) {
	req, err := c.deps.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return c.rank(ctx, req)
}

func (c *Coordinator) rank(ctx context.Context, req *model.EmergencyRequest) ([]model.MatchCandidate, error) {
	if req.HospitalLocation == nil {
		return []model.MatchCandidate{}, nil
	}
	donors, err := c.deps.Store.ListDonors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list donors: %w", err)
	}
	opts := c.deps.Ranking
	opts.Now = c.deps.Clock.Now()
	candidates := ranking.RankDonors(req, donors, opts)

	c.deps.Logger.Debug("Ranked donors",
		zap.String("request_id", req.ID),
		zap.Int("pool", len(donors)),
		zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// SubmitOffer records a donor's offer to help with a request. The donor must
// have a verified, compatible blood type and no other live offer for it.
func (c *Coordinator) SubmitOffer(ctx context.Context, requestID, donorID string) (*model.Offer, error) {
	if requestID == "" {
		return nil, apperr.Validation("requestId", "required")
	}
	if donorID == "" {
		return nil, apperr.Validation("donorId", "required")
	}

	unlock := c.deps.Locks.Lock(requestKey(requestID))
	defer unlock()

	var offer *model.Offer
	var requesterID string
	err := c.deps.inTx(ctx, "submit offer", func(tx db.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := lifecycle.CheckAcceptsOffers(req); err != nil {
			return err
		}
		requesterID = req.RequesterID

		donor, err := tx.GetDonor(ctx, donorID)
		if err != nil {
			return err
		}
		if donor.BloodType == "" {
			return apperr.Validation("donorId", "donor %s has no verified blood type", donor.ID)
		}
		if !compatibility.CanDonateTo(donor.BloodType, req.BloodType) {
			return apperr.Validation("donorId", "donor blood type %s cannot donate to %s", donor.BloodType, req.BloodType)
		}

		offers, err := tx.ListOffersByRequest(ctx, requestID)
		if err != nil {
			return err
		}
		for _, o := range offers {
			if o.DonorID == donorID && (o.Status == model.OfferPending || o.Status == model.OfferAccepted) {
				return apperr.Conflict("offer", o.ID, "donor %s already has a %s offer for this request", donorID, o.Status)
			}
		}

		offer = &model.Offer{
			ID:        uuid.New().String(),
			RequestID: requestID,
			DonorID:   donorID,
			Status:    model.OfferPending,
			CreatedAt: c.deps.Clock.Now(),
		}
		return tx.InsertOffer(ctx, offer)
	})
	if err != nil {
		return nil, err
	}

	c.deps.Logger.Info("Offer submitted",
		zap.String("offer_id", offer.ID),
		zap.String("request_id", requestID),
		zap.String("donor_id", donorID))

	event := c.deps.newEvent(model.EventOfferSubmitted, requesterID)
	event.RequestID = requestID
	event.OfferID = offer.ID
	event.DonorID = donorID

	unlock()
	c.deps.publish(ctx, event)
	return offer, nil
}

// AcceptOptions extend an accept with a follow-up booking
type AcceptOptions struct {
	// SlotID books the accepted donor into this slot after the accept commits
	SlotID string
}

// AcceptResult is the outcome of AcceptOffer. Offer and Request always
// reflect the committed accept. RejectErr and BookingErr report follow-up
// steps that failed after it; neither undoes the accept.
type AcceptResult struct {
	Offer    *model.Offer
	Request  *model.EmergencyRequest
	Rejected []model.Offer
	Booking  *model.Booking

	// Superseded is the previously accepted offer, rejected when this accept
	// replaced a donor whose booking was cancelled
	Superseded *model.Offer

	// RejectErr is an *apperr.ReconciliationError when the losing offers
	// could not all be rejected
	RejectErr error

	// BookingErr is the error from booking AcceptOptions.SlotID
	BookingErr error
}

// AcceptOffer accepts one offer and moves its request to in_progress, then
// rejects the request's other pending offers and optionally books the donor.
//
// Concurrent accepts on one request are linearised: the first wins and the
// rest get a ConflictError (request in progress) or InvalidStateError
// (request finished, or offer no longer pending).
func (c *Coordinator) AcceptOffer(ctx context.Context, offerID string, opts AcceptOptions) (*AcceptResult, error) {
	current, err := c.deps.Store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}

	unlock := c.deps.Locks.LockAll(requestKey(current.RequestID), slotKey(opts.SlotID))
	defer unlock()

	result := &AcceptResult{}
	err = c.deps.inTx(ctx, "accept offer", func(tx db.Tx) error {
		now := c.deps.Clock.Now()

		req, err := tx.GetRequest(ctx, current.RequestID)
		if err != nil {
			return err
		}
		offer, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}

		previousCancelled := false
		previousOfferID := ""
		if req.Status == model.RequestInProgress {
			previousCancelled, err = acceptedDonorReleased(ctx, tx, req)
			if err != nil {
				return err
			}
			previousOfferID = req.AcceptedOfferID
		}

		if err := lifecycle.AcceptOffer(req, offer, previousCancelled, now); err != nil {
			return err
		}
		if err := tx.UpdateOffer(ctx, offer); err != nil {
			return err
		}

		result.Superseded = nil
		if previousOfferID != "" && previousOfferID != offer.ID {
			previous, err := tx.GetOffer(ctx, previousOfferID)
			if err != nil {
				return err
			}
			if err := lifecycle.SupersedeOffer(previous, now); err != nil {
				return err
			}
			if err := tx.UpdateOffer(ctx, previous); err != nil {
				return err
			}
			result.Superseded = previous
		}
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		result.Offer = offer
		result.Request = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.deps.Logger.Info("Offer accepted",
		zap.String("offer_id", result.Offer.ID),
		zap.String("request_id", result.Request.ID),
		zap.String("donor_id", result.Offer.DonorID))

	accepted := c.deps.newEvent(model.EventOfferAccepted, result.Offer.DonorID, result.Request.RequesterID)
	accepted.RequestID = result.Request.ID
	accepted.OfferID = result.Offer.ID
	accepted.DonorID = result.Offer.DonorID
	evts := []model.Event{accepted}
	if result.Superseded != nil {
		evts = append(evts, offerRejectedEvent(c.deps, *result.Superseded))
	}

	rejected, err := c.rejectOthers(ctx, result.Request.ID, result.Offer.ID)
	result.Rejected = rejected
	if err != nil {
		result.RejectErr = &apperr.ReconciliationError{Step: "reject other offers", Err: err}
		c.deps.Logger.Error("Offer accepted but other offers were not rejected",
			zap.String("request_id", result.Request.ID),
			zap.String("offer_id", result.Offer.ID),
			zap.Error(err))
	}
	for _, o := range rejected {
		evts = append(evts, offerRejectedEvent(c.deps, o))
	}

	if opts.SlotID != "" {
		booking, err := c.slots.bookLocked(ctx, bookParams{
			slotID:    opts.SlotID,
			donorID:   result.Offer.DonorID,
			requestID: result.Request.ID,
		})
		if err != nil {
			result.BookingErr = err
			c.deps.Logger.Warn("Offer accepted but slot booking failed",
				zap.String("request_id", result.Request.ID),
				zap.String("slot_id", opts.SlotID),
				zap.Error(err))
		} else {
			result.Booking = booking
			evts = append(evts, c.slots.bookingCreatedEvent(booking))
		}
	}

	unlock()
	c.deps.publish(ctx, evts...)
	return result, nil
}

// acceptedDonorReleased reports whether the request's accepted donor had a
// booking that has since been cancelled, with none still holding a place
func acceptedDonorReleased(ctx context.Context, tx db.Tx, req *model.EmergencyRequest) (bool, error) {
	bookings, err := tx.ListBookingsByRequest(ctx, req.ID)
	if err != nil {
		return false, err
	}
	found := false
	for _, b := range bookings {
		if b.DonorID != req.AcceptedDonorID {
			continue
		}
		if b.Status.HoldsCapacity() {
			return false, nil
		}
		found = true
	}
	return found, nil
}

// rejectOthers rejects every pending offer on the request except keepID
func (c *Coordinator) rejectOthers(ctx context.Context, requestID, keepID string) ([]model.Offer, error) {
	var rejected []model.Offer
	err := c.deps.inTx(ctx, "reject other offers", func(tx db.Tx) error {
		offers, err := tx.ListOffersByRequest(ctx, requestID)
		if err != nil {
			return err
		}
		rejected = lifecycle.RejectPending(offers, keepID, c.deps.Clock.Now())
		for i := range rejected {
			if err := tx.UpdateOffer(ctx, &rejected[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// DeclineOffer is the donor withdrawing a pending offer. The request is not
// affected, whatever its state.
func (c *Coordinator) DeclineOffer(ctx context.Context, offerID string) (*model.Offer, error) {
	current, err := c.deps.Store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}

	unlock := c.deps.Locks.Lock(requestKey(current.RequestID))
	defer unlock()

	var offer *model.Offer
	var requesterID string
	err = c.deps.inTx(ctx, "decline offer", func(tx db.Tx) error {
		now := c.deps.Clock.Now()
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if err := lifecycle.DeclineOffer(o, now); err != nil {
			return err
		}
		if err := tx.UpdateOffer(ctx, o); err != nil {
			return err
		}
		offer = o

		req, err := tx.GetRequest(ctx, o.RequestID)
		if err != nil {
			return err
		}
		requesterID = req.RequesterID
		return adjustDonor(ctx, tx, o.DonorID, lifecycle.OutcomeOfferDeclined, now)
	})
	if err != nil {
		return nil, err
	}

	c.deps.Logger.Info("Offer declined",
		zap.String("offer_id", offer.ID), zap.String("donor_id", offer.DonorID))

	event := c.deps.newEvent(model.EventOfferDeclined, requesterID)
	event.RequestID = offer.RequestID
	event.OfferID = offer.ID
	event.DonorID = offer.DonorID

	unlock()
	c.deps.publish(ctx, event)
	return offer, nil
}

// CancelResult is a cancelled request and the offers rejected with it
type CancelResult struct {
	Request  *model.EmergencyRequest
	Rejected []model.Offer
}

// CancelRequest cancels a pending or in-progress request and rejects its
// pending offers in the same transaction. Existing bookings are left for the
// facility to cancel.
func (c *Coordinator) CancelRequest(ctx context.Context, requestID string) (*CancelResult, error) {
	unlock := c.deps.Locks.Lock(requestKey(requestID))
	defer unlock()

	result := &CancelResult{}
	var notify []string
	err := c.deps.inTx(ctx, "cancel request", func(tx db.Tx) error {
		now := c.deps.Clock.Now()
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := lifecycle.CancelRequest(req, now); err != nil {
			return err
		}
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}

		offers, err := tx.ListOffersByRequest(ctx, requestID)
		if err != nil {
			return err
		}
		rejected := lifecycle.RejectPending(offers, "", now)
		for i := range rejected {
			if err := tx.UpdateOffer(ctx, &rejected[i]); err != nil {
				return err
			}
		}

		notify = []string{req.RequesterID, req.AcceptedDonorID}
		for _, o := range offers {
			notify = append(notify, o.DonorID)
		}
		result.Request = req
		result.Rejected = rejected
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.deps.Logger.Info("Request cancelled",
		zap.String("request_id", requestID), zap.Int("rejected_offers", len(result.Rejected)))

	cancelled := c.deps.newEvent(model.EventRequestCancelled, notify...)
	cancelled.RequestID = requestID
	evts := []model.Event{cancelled}
	for _, o := range result.Rejected {
		evts = append(evts, offerRejectedEvent(c.deps, o))
	}

	unlock()
	c.deps.publish(ctx, evts...)
	return result, nil
}

// ConfirmFulfilment is the requester confirming receipt of the blood
func (c *Coordinator) ConfirmFulfilment(ctx context.Context, requestID string) (*model.EmergencyRequest, error) {
	unlock := c.deps.Locks.Lock(requestKey(requestID))
	defer unlock()

	var req *model.EmergencyRequest
	err := c.deps.inTx(ctx, "confirm fulfilment", func(tx db.Tx) error {
		r, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := lifecycle.Fulfil(r, c.deps.Clock.Now()); err != nil {
			return err
		}
		req = r
		return tx.UpdateRequest(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	c.deps.Logger.Info("Request fulfilled", zap.String("request_id", req.ID))

	unlock()
	c.deps.publish(ctx, requestFulfilledEvent(c.deps, req))
	return req, nil
}

func offerRejectedEvent(deps Deps, o model.Offer) model.Event {
	event := deps.newEvent(model.EventOfferRejected, o.DonorID)
	event.RequestID = o.RequestID
	event.OfferID = o.ID
	event.DonorID = o.DonorID
	return event
}

func requestFulfilledEvent(deps Deps, req *model.EmergencyRequest) model.Event {
	event := deps.newEvent(model.EventRequestFulfilled, req.RequesterID, req.AcceptedDonorID)
	event.RequestID = req.ID
	event.DonorID = req.AcceptedDonorID
	return event
}
