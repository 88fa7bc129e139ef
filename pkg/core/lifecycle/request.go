// Package lifecycle holds the state machines for requests, offers and
// bookings. Every transition validates first and mutates only on success, so
// a failed transition leaves its arguments untouched.
package lifecycle

import (
	"time"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/model"
)

// AcceptOffer moves the request to in_progress with offer's donor as the
// accepted donor, and marks the offer accepted.
//
// A request already in progress may accept again only when the previously
// accepted donor's booking was cancelled (previousBookingCancelled); otherwise
// the caller lost the race and gets a ConflictError.
func AcceptOffer(req *model.EmergencyRequest, offer *model.Offer, previousBookingCancelled bool, now time.Time) error {
	switch req.Status {
	case model.RequestPending:
	case model.RequestInProgress:
		if !previousBookingCancelled {
			return apperr.Conflict("request", req.ID, "offer from donor %s already accepted", req.AcceptedDonorID)
		}
	default:
		return apperr.InvalidState("request", req.ID, string(req.Status), "accept offer on")
	}

	if offer.RequestID != req.ID {
		return apperr.Validation("offer", "offer %s belongs to request %s, not %s", offer.ID, offer.RequestID, req.ID)
	}
	if offer.Status != model.OfferPending {
		return apperr.InvalidState("offer", offer.ID, string(offer.Status), "accept")
	}

	offer.Status = model.OfferAccepted
	offer.AcceptedAt = &now

	req.Status = model.RequestInProgress
	req.AcceptedDonorID = offer.DonorID
	req.AcceptedOfferID = offer.ID
	req.UpdatedAt = now
	return nil
}

// Fulfil completes an in-progress request
func Fulfil(req *model.EmergencyRequest, now time.Time) error {
	if req.Status != model.RequestInProgress {
		return apperr.InvalidState("request", req.ID, string(req.Status), "fulfil")
	}
	req.Status = model.RequestFulfilled
	req.UpdatedAt = now
	return nil
}

// CancelRequest is the requester withdrawing the request. The caller is
// responsible for rejecting the request's pending offers in the same unit of work.
func CancelRequest(req *model.EmergencyRequest, now time.Time) error {
	if req.Status.IsTerminal() {
		return apperr.InvalidState("request", req.ID, string(req.Status), "cancel")
	}
	req.Status = model.RequestCancelled
	req.UpdatedAt = now
	return nil
}

// CheckAcceptsOffers returns an InvalidStateError once a request can no longer take offers
func CheckAcceptsOffers(req *model.EmergencyRequest) error {
	if req.Status.IsTerminal() {
		return apperr.InvalidState("request", req.ID, string(req.Status), "submit offer to")
	}
	return nil
}
