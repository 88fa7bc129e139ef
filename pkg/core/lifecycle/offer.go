package lifecycle

import (
	"time"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/model"
)

// RejectOffer is the system rejecting a pending offer, because another offer
// won or the request was cancelled
func RejectOffer(offer *model.Offer, now time.Time) error {
	if offer.Status != model.OfferPending {
		return apperr.InvalidState("offer", offer.ID, string(offer.Status), "reject")
	}
	offer.Status = model.OfferRejected
	offer.RejectedAt = &now
	return nil
}

// DeclineOffer is the donor withdrawing a pending offer. It never touches the request.
func DeclineOffer(offer *model.Offer, now time.Time) error {
	if offer.Status != model.OfferPending {
		return apperr.InvalidState("offer", offer.ID, string(offer.Status), "decline")
	}
	offer.Status = model.OfferDeclined
	offer.DeclinedAt = &now
	return nil
}

// SupersedeOffer rejects an accepted offer whose donor dropped out once the
// request has accepted a replacement, keeping one accepted offer per request
func SupersedeOffer(offer *model.Offer, now time.Time) error {
	if offer.Status != model.OfferAccepted {
		return apperr.InvalidState("offer", offer.ID, string(offer.Status), "supersede")
	}
	offer.Status = model.OfferRejected
	offer.RejectedAt = &now
	return nil
}

// RejectPending rejects every pending offer in offers except keepID and
// returns the ones it changed
func RejectPending(offers []model.Offer, keepID string, now time.Time) []model.Offer {
	rejected := make([]model.Offer, 0)
	for i := range offers {
		if offers[i].ID == keepID || offers[i].Status != model.OfferPending {
			continue
		}
		if err := RejectOffer(&offers[i], now); err == nil {
			rejected = append(rejected, offers[i])
		}
	}
	return rejected
}
