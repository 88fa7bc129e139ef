package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

func TestRejectOffer(t *testing.T) {
	offer := pendingOffer("offer-1", "donor-x")
	require.NoError(t, RejectOffer(offer, now))
	assert.Equal(t, model.OfferRejected, offer.Status)
	require.NotNil(t, offer.RejectedAt)

	assert.Error(t, RejectOffer(offer, now), "rejected offer cannot be rejected again")
}

func TestSupersedeOffer(t *testing.T) {
	offer := pendingOffer("offer-1", "donor-x")
	assert.Error(t, SupersedeOffer(offer, now), "pending offer is rejected through RejectOffer")

	offer.Status = model.OfferAccepted
	require.NoError(t, SupersedeOffer(offer, now))
	assert.Equal(t, model.OfferRejected, offer.Status)
	require.NotNil(t, offer.RejectedAt)
}

func TestDeclineOffer(t *testing.T) {
	offer := pendingOffer("offer-1", "donor-x")
	require.NoError(t, DeclineOffer(offer, now))
	assert.Equal(t, model.OfferDeclined, offer.Status)
	require.NotNil(t, offer.DeclinedAt)

	accepted := pendingOffer("offer-2", "donor-y")
	accepted.Status = model.OfferAccepted
	assert.Error(t, DeclineOffer(accepted, now))
	assert.Equal(t, model.OfferAccepted, accepted.Status)
}

func TestRejectPending(t *testing.T) {
	offers := []model.Offer{
		*pendingOffer("winner", "donor-x"),
		*pendingOffer("loser-1", "donor-y"),
		{ID: "declined", RequestID: "req-1", DonorID: "donor-z", Status: model.OfferDeclined},
		*pendingOffer("loser-2", "donor-w"),
	}
	offers[0].Status = model.OfferAccepted

	rejected := RejectPending(offers, "winner", now)

	require.Len(t, rejected, 2)
	assert.Equal(t, "loser-1", rejected[0].ID)
	assert.Equal(t, "loser-2", rejected[1].ID)
	assert.Equal(t, model.OfferAccepted, offers[0].Status)
	assert.Equal(t, model.OfferRejected, offers[1].Status)
	assert.Equal(t, model.OfferDeclined, offers[2].Status)
	assert.Equal(t, model.OfferRejected, offers[3].Status)
}
