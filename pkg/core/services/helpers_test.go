package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/core/model"
	"github.com/jakechorley/blood-match/pkg/core/ranking"
	"github.com/jakechorley/blood-match/pkg/db"
	"github.com/jakechorley/blood-match/pkg/events"
	"github.com/jakechorley/blood-match/pkg/utils/clock"
)

var (
	testNow  = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	hospital = model.Coordinate{Lat: 51.5560, Lng: 0.0700}
)

// kmPerDegreeLat is the haversine length of one degree of latitude on a 6371km sphere
const kmPerDegreeLat = 111.19492664455873

// north returns the point km kilometres due north of c
func north(c model.Coordinate, km float64) *model.Coordinate {
	return &model.Coordinate{Lat: c.Lat + km/kmPerDegreeLat, Lng: c.Lng}
}

type fixture struct {
	ctx      context.Context
	store    *db.MemoryStore
	clock    *clock.Manual
	recorder *events.Recorder
	deps     Deps
	coord    *Coordinator
	slots    *Slots
	donors   *Donors
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewMemoryStore()
	f := &fixture{
		ctx:      context.Background(),
		store:    store,
		clock:    clock.NewManual(testNow),
		recorder: &events.Recorder{},
	}
	f.deps = Deps{
		Store:     store,
		Clock:     f.clock,
		Publisher: f.recorder,
		Ranking:   ranking.Options{RadiusKm: 20},
		Retry:     RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Logger:    zap.NewNop(),
	}
	f.rebuild()
	return f
}

// rebuild recreates the services after deps changed
func (f *fixture) rebuild() {
	f.coord = NewCoordinator(f.deps)
	f.slots = f.coord.Slots()
	f.donors = NewDonors(f.deps)
}

func (f *fixture) addDonor(t *testing.T, id string, bt model.BloodType, loc *model.Coordinate) {
	t.Helper()
	require.NoError(t, f.store.InTx(f.ctx, func(tx db.Tx) error {
		return tx.InsertDonor(f.ctx, &model.Donor{
			ID:               id,
			FirstName:        id,
			BloodType:        bt,
			Location:         loc,
			Available:        true,
			ReliabilityScore: model.DefaultReliabilityScore,
			CreatedAt:        testNow,
			UpdatedAt:        testNow,
		})
	}))
}

func (f *fixture) donor(t *testing.T, id string) *model.Donor {
	t.Helper()
	d, err := f.store.GetDonor(f.ctx, id)
	require.NoError(t, err)
	return d
}

func (f *fixture) submitRequest(t *testing.T, bt model.BloodType) *model.EmergencyRequest {
	t.Helper()
	loc := hospital
	res, err := f.coord.SubmitRequest(f.ctx, NewRequestInput{
		RequesterID:   "hospital-1",
		BloodType:     string(bt),
		UnitsRequired: 1,
		Urgency:       "critical",
		HospitalName:  "King George",
		Location:      &loc,
	})
	require.NoError(t, err)
	return res.Request
}

func (f *fixture) createSlot(t *testing.T, capacity int) *model.DonationSlot {
	t.Helper()
	slot, err := f.slots.CreateSlot(f.ctx, CreateSlotInput{
		FacilityID: "facility-1",
		Window:     model.SlotWindow{Date: "2026-03-05", StartTime: "09:00", EndTime: "12:00"},
		Capacity:   capacity,
	})
	require.NoError(t, err)
	return slot
}

func (f *fixture) slot(t *testing.T, id string) *model.DonationSlot {
	t.Helper()
	s, err := f.store.GetSlot(f.ctx, id)
	require.NoError(t, err)
	return s
}

// flakyStore fails the first n transactions with a transient error, or every
// transaction whose op index is listed in failAt with err
type flakyStore struct {
	*db.MemoryStore
	transientLeft int
	calls         int
	failAt        map[int]error
}

func (s *flakyStore) InTx(ctx context.Context, fn func(tx db.Tx) error) error {
	s.calls++
	if err, ok := s.failAt[s.calls]; ok {
		return err
	}
	if s.transientLeft > 0 {
		s.transientLeft--
		return errTransientForTest
	}
	return s.MemoryStore.InTx(ctx, fn)
}

// gatedPublisher holds every Publish call until release is closed and
// signals entered as each call starts
type gatedPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (p *gatedPublisher) Publish(ctx context.Context, evts ...model.Event) error {
	p.entered <- struct{}{}
	<-p.release
	return nil
}

// waitEntered fails the test unless a Publish call starts within a second
func (p *gatedPublisher) waitEntered(t *testing.T, msg string) {
	t.Helper()
	select {
	case <-p.entered:
	case <-time.After(time.Second):
		t.Fatal(msg)
	}
}
