package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakechorley/blood-match/pkg/clients/geocoder"
	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/model"
	"github.com/jakechorley/blood-match/pkg/core/ranking"
)

type failingGeocoder struct{}

func (failingGeocoder) Resolve(ctx context.Context, address string) (model.Coordinate, error) {
	return model.Coordinate{}, errors.New("provider unavailable")
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(ctx context.Context, evts ...model.Event) error {
	p.calls++
	return errors.New("broker down")
}

func TestSubmitRequest_RanksCompatibleDonorsWithinRadius(t *testing.T) {
	f := newFixture(t)
	f.deps.Ranking = ranking.Options{RadiusKm: 5}
	f.rebuild()

	f.addDonor(t, "D1", model.BloodTypeONeg, north(hospital, 2))
	f.addDonor(t, "D2", model.BloodTypeOPos, north(hospital, 3))
	f.addDonor(t, "D3", model.BloodTypeONeg, north(hospital, 10))

	loc := hospital
	res, err := f.coord.SubmitRequest(f.ctx, NewRequestInput{
		RequesterID:   "hospital-1",
		BloodType:     "O neg",
		UnitsRequired: 2,
		Urgency:       "critical",
		Location:      &loc,
	})
	require.NoError(t, err)

	assert.Equal(t, model.RequestPending, res.Request.Status)
	assert.Equal(t, model.BloodTypeONeg, res.Request.BloodType)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "D1", res.Candidates[0].Donor.ID)
	assert.InDelta(t, 2.0, res.Candidates[0].DistanceKm, 0.01)
	assert.Equal(t, 16, res.Candidates[0].ArrivalMinutes)

	assert.Len(t, f.recorder.OfType(model.EventRequestCreated), 1)
	matched := f.recorder.OfType(model.EventDonorMatched)
	require.Len(t, matched, 1)
	assert.Equal(t, []string{"D1"}, matched[0].Recipients)

	again, err := f.coord.RankDonors(f.ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Candidates, again)
}

func TestSubmitRequest_Validation(t *testing.T) {
	f := newFixture(t)
	loc := hospital

	tests := []struct {
		name  string
		input NewRequestInput
		field string
	}{
		{"unknown blood type", NewRequestInput{RequesterID: "r", BloodType: "C+", UnitsRequired: 1, Location: &loc}, "bloodType"},
		{"zero units", NewRequestInput{RequesterID: "r", BloodType: "A+", Location: &loc}, "UnitsRequired"},
		{"bad urgency", NewRequestInput{RequesterID: "r", BloodType: "A+", UnitsRequired: 1, Urgency: "soon", Location: &loc}, "Urgency"},
		{"no location", NewRequestInput{RequesterID: "r", BloodType: "A+", UnitsRequired: 1}, "address"},
		{"unplaceable address", NewRequestInput{RequesterID: "r", BloodType: "A+", UnitsRequired: 1, Address: "nowhere"}, "address"},
		{"coordinate out of range", NewRequestInput{RequesterID: "r", BloodType: "A+", UnitsRequired: 1, Location: &model.Coordinate{Lat: 91}}, "location"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.SubmitRequest(f.ctx, tt.input)
			var validation *apperr.ValidationError
			require.True(t, errors.As(err, &validation), "got %v", err)
			assert.Equal(t, tt.field, validation.Field)
		})
	}
	assert.Empty(t, f.recorder.Events())
}

func TestSubmitRequest_GeocodesAddress(t *testing.T) {
	f := newFixture(t)
	f.deps.Geocoder = geocoder.NewStatic(map[string]model.Coordinate{"King George Hospital, Ilford": hospital})
	f.rebuild()
	f.addDonor(t, "D1", model.BloodTypeAPos, north(hospital, 1))

	res, err := f.coord.SubmitRequest(f.ctx, NewRequestInput{
		RequesterID: "r", BloodType: "A+", UnitsRequired: 1, Address: "king george hospital, ilford",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Request.HospitalLocation)
	assert.False(t, res.Request.LocationUnknown)
	assert.Len(t, res.Candidates, 1)
}

func TestSubmitRequest_GeocoderOutageMarksLocationUnknown(t *testing.T) {
	f := newFixture(t)
	f.deps.Geocoder = failingGeocoder{}
	f.rebuild()
	f.addDonor(t, "D1", model.BloodTypeAPos, north(hospital, 1))

	res, err := f.coord.SubmitRequest(f.ctx, NewRequestInput{
		RequesterID: "r", BloodType: "A+", UnitsRequired: 1, Address: "1 High Road",
	})
	require.NoError(t, err)
	assert.True(t, res.Request.LocationUnknown)
	assert.Nil(t, res.Request.HospitalLocation)
	assert.Empty(t, res.Candidates)
	assert.NotNil(t, res.Candidates)

	stored, err := f.store.GetRequest(f.ctx, res.Request.ID)
	require.NoError(t, err)
	assert.True(t, stored.LocationUnknown)
}

func TestSubmitOffer(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "compatible", model.BloodTypeONeg, nil)
	f.addDonor(t, "incompatible", model.BloodTypeABPos, nil)
	f.addDonor(t, "unverified", "", nil)
	req := f.submitRequest(t, model.BloodTypeAPos)

	offer, err := f.coord.SubmitOffer(f.ctx, req.ID, "compatible")
	require.NoError(t, err)
	assert.Equal(t, model.OfferPending, offer.Status)

	_, err = f.coord.SubmitOffer(f.ctx, req.ID, "compatible")
	var conflict *apperr.ConflictError
	assert.True(t, errors.As(err, &conflict), "second live offer: %v", err)

	for _, id := range []string{"incompatible", "unverified"} {
		_, err = f.coord.SubmitOffer(f.ctx, req.ID, id)
		var validation *apperr.ValidationError
		assert.True(t, errors.As(err, &validation), "%s: %v", id, err)
	}

	_, err = f.coord.SubmitOffer(f.ctx, "missing", "compatible")
	var notFound *apperr.NotFoundError
	assert.True(t, errors.As(err, &notFound))

	offers, err := f.store.ListOffersByRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, offers, 1)
	assert.Len(t, f.recorder.OfType(model.EventOfferSubmitted), 1)
}

func TestSubmitOffer_TerminalRequestIsInvalidState(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "donor", model.BloodTypeONeg, nil)
	req := f.submitRequest(t, model.BloodTypeAPos)
	_, err := f.coord.CancelRequest(f.ctx, req.ID)
	require.NoError(t, err)

	_, err = f.coord.SubmitOffer(f.ctx, req.ID, "donor")
	var invalid *apperr.InvalidStateError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, string(model.RequestCancelled), invalid.Current)
}

func TestAcceptOffer_RejectsOtherPendingOffers(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"X", "Y", "Z"} {
		f.addDonor(t, id, model.BloodTypeONeg, nil)
	}
	req := f.submitRequest(t, model.BloodTypeBPos)

	offers := map[string]*model.Offer{}
	for _, id := range []string{"X", "Y", "Z"} {
		o, err := f.coord.SubmitOffer(f.ctx, req.ID, id)
		require.NoError(t, err)
		offers[id] = o
	}
	_, err := f.coord.DeclineOffer(f.ctx, offers["Z"].ID)
	require.NoError(t, err)

	result, err := f.coord.AcceptOffer(f.ctx, offers["X"].ID, AcceptOptions{})
	require.NoError(t, err)
	assert.NoError(t, result.RejectErr)
	assert.Nil(t, result.Booking)

	assert.Equal(t, model.OfferAccepted, result.Offer.Status)
	assert.Equal(t, model.RequestInProgress, result.Request.Status)
	assert.Equal(t, "X", result.Request.AcceptedDonorID)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "Y", result.Rejected[0].DonorID)

	stored, err := f.store.ListOffersByRequest(f.ctx, req.ID)
	require.NoError(t, err)
	status := map[string]model.OfferStatus{}
	for _, o := range stored {
		status[o.DonorID] = o.Status
	}
	assert.Equal(t, map[string]model.OfferStatus{
		"X": model.OfferAccepted,
		"Y": model.OfferRejected,
		"Z": model.OfferDeclined,
	}, status)

	storedReq, err := f.store.GetRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestInProgress, storedReq.Status)
	assert.Equal(t, "X", storedReq.AcceptedDonorID)

	accepted := f.recorder.OfType(model.EventOfferAccepted)
	require.Len(t, accepted, 1)
	assert.ElementsMatch(t, []string{"X", "hospital-1"}, accepted[0].Recipients)
	assert.Len(t, f.recorder.OfType(model.EventOfferRejected), 1)
}

func TestAcceptOffer_ExactlyOneConcurrentAcceptWins(t *testing.T) {
	f := newFixture(t)
	req := f.submitRequest(t, model.BloodTypeABNeg)

	const n = 10
	offerIDs := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("donor-%d", i)
		f.addDonor(t, id, model.BloodTypeONeg, nil)
		o, err := f.coord.SubmitOffer(f.ctx, req.ID, id)
		require.NoError(t, err)
		offerIDs[i] = o.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.AcceptOffer(f.ctx, offerIDs[i], AcceptOptions{})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict *apperr.ConflictError
		var invalid *apperr.InvalidStateError
		assert.True(t, errors.As(err, &conflict) || errors.As(err, &invalid), "got %v", err)
	}
	assert.Equal(t, 1, wins)

	offers, err := f.store.ListOffersByRequest(f.ctx, req.ID)
	require.NoError(t, err)
	accepted := 0
	for _, o := range offers {
		if o.Status == model.OfferAccepted {
			accepted++
		} else {
			assert.Equal(t, model.OfferRejected, o.Status)
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestAcceptOffer_TerminalRequestIsInvalidStateAndMutatesNothing(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "A", model.BloodTypeONeg, nil)
	f.addDonor(t, "B", model.BloodTypeONeg, nil)
	req := f.submitRequest(t, model.BloodTypeAPos)
	a, err := f.coord.SubmitOffer(f.ctx, req.ID, "A")
	require.NoError(t, err)
	b, err := f.coord.SubmitOffer(f.ctx, req.ID, "B")
	require.NoError(t, err)
	_, err = f.coord.AcceptOffer(f.ctx, a.ID, AcceptOptions{})
	require.NoError(t, err)
	_, err = f.coord.ConfirmFulfilment(f.ctx, req.ID)
	require.NoError(t, err)

	_, err = f.coord.AcceptOffer(f.ctx, b.ID, AcceptOptions{})
	var invalid *apperr.InvalidStateError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, string(model.RequestFulfilled), invalid.Current)

	stored, err := f.store.GetRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", stored.AcceptedDonorID)
}

func TestAcceptOffer_ReentrantAfterAcceptedDonorCancels(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "flaky", model.BloodTypeONeg, nil)
	f.addDonor(t, "backup", model.BloodTypeONeg, nil)
	slot := f.createSlot(t, 2)
	req := f.submitRequest(t, model.BloodTypeONeg)

	first, err := f.coord.SubmitOffer(f.ctx, req.ID, "flaky")
	require.NoError(t, err)
	accepted, err := f.coord.AcceptOffer(f.ctx, first.ID, AcceptOptions{SlotID: slot.ID})
	require.NoError(t, err)
	require.NoError(t, accepted.BookingErr)

	// Request is in progress with a live booking: a second accept loses
	backup, err := f.coord.SubmitOffer(f.ctx, req.ID, "backup")
	require.NoError(t, err)
	_, err = f.coord.AcceptOffer(f.ctx, backup.ID, AcceptOptions{})
	var conflict *apperr.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)

	_, err = f.slots.CancelBooking(f.ctx, accepted.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultReliabilityScore-5, f.donor(t, "flaky").ReliabilityScore)

	second, err := f.coord.AcceptOffer(f.ctx, backup.ID, AcceptOptions{SlotID: slot.ID})
	require.NoError(t, err)
	require.NoError(t, second.BookingErr)
	assert.Equal(t, "backup", second.Request.AcceptedDonorID)
	assert.Equal(t, model.RequestInProgress, second.Request.Status)
	assert.Equal(t, 1, f.slot(t, slot.ID).BookedCount)

	// The dropped donor's offer is rejected so only one offer stays accepted
	require.NotNil(t, second.Superseded)
	assert.Equal(t, first.ID, second.Superseded.ID)
	offers, err := f.store.ListOffersByRequest(f.ctx, req.ID)
	require.NoError(t, err)
	acceptedCount := 0
	for _, o := range offers {
		if o.Status == model.OfferAccepted {
			acceptedCount++
			assert.Equal(t, backup.ID, o.ID)
		}
		if o.ID == first.ID {
			assert.Equal(t, model.OfferRejected, o.Status)
		}
	}
	assert.Equal(t, 1, acceptedCount)

	rejected := f.recorder.OfType(model.EventOfferRejected)
	require.NotEmpty(t, rejected)
	assert.Equal(t, first.ID, rejected[len(rejected)-1].OfferID)
}

func TestAcceptOffer_FullSlotKeepsAccept(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "donor", model.BloodTypeONeg, nil)
	f.addDonor(t, "other", model.BloodTypeONeg, nil)
	slot := f.createSlot(t, 1)
	_, err := f.slots.Book(f.ctx, slot.ID, "other")
	require.NoError(t, err)

	req := f.submitRequest(t, model.BloodTypeONeg)
	offer, err := f.coord.SubmitOffer(f.ctx, req.ID, "donor")
	require.NoError(t, err)

	result, err := f.coord.AcceptOffer(f.ctx, offer.ID, AcceptOptions{SlotID: slot.ID})
	require.NoError(t, err)
	var capErr *apperr.CapacityExceededError
	assert.True(t, errors.As(result.BookingErr, &capErr))
	assert.Nil(t, result.Booking)
	assert.Equal(t, model.RequestInProgress, result.Request.Status)
}

func TestAcceptOffer_BulkRejectFailureIsSurfaced(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "A", model.BloodTypeONeg, nil)
	f.addDonor(t, "B", model.BloodTypeONeg, nil)
	req := f.submitRequest(t, model.BloodTypeONeg)
	a, err := f.coord.SubmitOffer(f.ctx, req.ID, "A")
	require.NoError(t, err)
	_, err = f.coord.SubmitOffer(f.ctx, req.ID, "B")
	require.NoError(t, err)

	// The accept is the first transaction; the bulk reject is the second
	storeErr := errors.New("connection reset")
	f.deps.Store = &flakyStore{MemoryStore: f.store, failAt: map[int]error{2: storeErr}}
	f.rebuild()

	result, err := f.coord.AcceptOffer(f.ctx, a.ID, AcceptOptions{})
	require.NoError(t, err)

	var recon *apperr.ReconciliationError
	require.True(t, errors.As(result.RejectErr, &recon))
	assert.ErrorIs(t, result.RejectErr, storeErr)
	assert.Empty(t, result.Rejected)

	stored, err := f.store.GetRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestInProgress, stored.Status)
	assert.Equal(t, "A", stored.AcceptedDonorID)
}

func TestDeclineOffer(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "A", model.BloodTypeONeg, nil)
	req := f.submitRequest(t, model.BloodTypeONeg)
	offer, err := f.coord.SubmitOffer(f.ctx, req.ID, "A")
	require.NoError(t, err)

	declined, err := f.coord.DeclineOffer(f.ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OfferDeclined, declined.Status)
	assert.NotNil(t, declined.DeclinedAt)
	assert.Equal(t, model.DefaultReliabilityScore-2, f.donor(t, "A").ReliabilityScore)

	stored, err := f.store.GetRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, stored.Status)

	_, err = f.coord.DeclineOffer(f.ctx, offer.ID)
	var invalid *apperr.InvalidStateError
	assert.True(t, errors.As(err, &invalid))

	// A donor who declined may offer again
	_, err = f.coord.SubmitOffer(f.ctx, req.ID, "A")
	assert.NoError(t, err)
}

func TestDeclineOffer_AcceptedOfferIsInvalidState(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "A", model.BloodTypeONeg, nil)
	req := f.submitRequest(t, model.BloodTypeONeg)
	offer, err := f.coord.SubmitOffer(f.ctx, req.ID, "A")
	require.NoError(t, err)
	_, err = f.coord.AcceptOffer(f.ctx, offer.ID, AcceptOptions{})
	require.NoError(t, err)

	_, err = f.coord.DeclineOffer(f.ctx, offer.ID)
	var invalid *apperr.InvalidStateError
	require.True(t, errors.As(err, &invalid))

	stored, err := f.store.GetRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestInProgress, stored.Status)
}

func TestCancelRequest_RejectsPendingOffers(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "A", model.BloodTypeONeg, nil)
	f.addDonor(t, "B", model.BloodTypeONeg, nil)
	req := f.submitRequest(t, model.BloodTypeONeg)
	_, err := f.coord.SubmitOffer(f.ctx, req.ID, "A")
	require.NoError(t, err)
	_, err = f.coord.SubmitOffer(f.ctx, req.ID, "B")
	require.NoError(t, err)

	result, err := f.coord.CancelRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCancelled, result.Request.Status)
	assert.Len(t, result.Rejected, 2)

	offers, err := f.store.ListOffersByRequest(f.ctx, req.ID)
	require.NoError(t, err)
	for _, o := range offers {
		assert.Equal(t, model.OfferRejected, o.Status)
	}

	cancelled := f.recorder.OfType(model.EventRequestCancelled)
	require.Len(t, cancelled, 1)
	assert.ElementsMatch(t, []string{"hospital-1", "A", "B"}, cancelled[0].Recipients)

	_, err = f.coord.CancelRequest(f.ctx, req.ID)
	var invalid *apperr.InvalidStateError
	assert.True(t, errors.As(err, &invalid))
}

func TestConfirmFulfilment_RequiresInProgress(t *testing.T) {
	f := newFixture(t)
	req := f.submitRequest(t, model.BloodTypeONeg)

	_, err := f.coord.ConfirmFulfilment(f.ctx, req.ID)
	var invalid *apperr.InvalidStateError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, string(model.RequestPending), invalid.Current)
}

func TestPublisherFailureDoesNotUndoTransition(t *testing.T) {
	f := newFixture(t)
	publisher := &failingPublisher{}
	f.deps.Publisher = publisher
	f.rebuild()
	f.addDonor(t, "A", model.BloodTypeONeg, nil)

	req := f.submitRequest(t, model.BloodTypeONeg)
	offer, err := f.coord.SubmitOffer(f.ctx, req.ID, "A")
	require.NoError(t, err)
	result, err := f.coord.AcceptOffer(f.ctx, offer.ID, AcceptOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.RequestInProgress, result.Request.Status)
	assert.Equal(t, 3, publisher.calls)
}

func TestDeclineOffer_NotificationRunsAfterRequestLockIsReleased(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "donor-a", model.BloodTypeONeg, nil)
	f.addDonor(t, "donor-b", model.BloodTypeONeg, nil)
	req := f.submitRequest(t, model.BloodTypeONeg)
	offerA, err := f.coord.SubmitOffer(f.ctx, req.ID, "donor-a")
	require.NoError(t, err)
	offerB, err := f.coord.SubmitOffer(f.ctx, req.ID, "donor-b")
	require.NoError(t, err)

	pub := newGatedPublisher()
	f.deps.Publisher = pub
	f.rebuild()

	var wg sync.WaitGroup
	defer wg.Wait()
	defer close(pub.release)

	for _, id := range []string{offerA.ID, offerB.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.DeclineOffer(f.ctx, id)
			assert.NoError(t, err)
		}()
		pub.waitEntered(t, "decline of "+id+" waited on another decline's notification")
	}

	offers, err := f.store.ListOffersByRequest(f.ctx, req.ID)
	require.NoError(t, err)
	for _, o := range offers {
		assert.Equal(t, model.OfferDeclined, o.Status)
	}
}
