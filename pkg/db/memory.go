package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/model"
)

// MemoryStore is an in-process Store. Transactions are serialized behind a
// single write lock and buffer their writes until commit, so a failed
// transaction leaves no trace. Used for tests and the CLI's memory mode.
type MemoryStore struct {
	mu       sync.RWMutex
	donors   map[string]model.Donor
	requests map[string]model.EmergencyRequest
	offers   map[string]model.Offer
	slots    map[string]model.DonationSlot
	bookings map[string]model.Booking
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		donors:   make(map[string]model.Donor),
		requests: make(map[string]model.EmergencyRequest),
		offers:   make(map[string]model.Offer),
		slots:    make(map[string]model.DonationSlot),
		bookings: make(map[string]model.Booking),
	}
}

// InTx runs fn against a buffered view of the store
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		donors:   newTxTable(s.donors),
		requests: newTxTable(s.requests),
		offers:   newTxTable(s.offers),
		slots:    newTxTable(s.slots),
		bookings: newTxTable(s.bookings),
	}
	if err := fn(tx); err != nil {
		return err
	}

	tx.donors.commit()
	tx.requests.commit()
	tx.offers.commit()
	tx.slots.commit()
	tx.bookings.commit()
	return nil
}

// read runs fn against committed state under the read lock
func (s *MemoryStore) read(fn func(tx *memoryTx)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&memoryTx{
		donors:   newTxTable(s.donors),
		requests: newTxTable(s.requests),
		offers:   newTxTable(s.offers),
		slots:    newTxTable(s.slots),
		bookings: newTxTable(s.bookings),
	})
}

func (s *MemoryStore) GetDonor(ctx context.Context, id string) (donor *model.Donor, err error) {
	s.read(func(tx *memoryTx) { donor, err = tx.GetDonor(ctx, id) })
	return donor, err
}

func (s *MemoryStore) ListDonors(ctx context.Context) (donors []model.Donor, err error) {
	s.read(func(tx *memoryTx) { donors, err = tx.ListDonors(ctx) })
	return donors, err
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (req *model.EmergencyRequest, err error) {
	s.read(func(tx *memoryTx) { req, err = tx.GetRequest(ctx, id) })
	return req, err
}

func (s *MemoryStore) GetOffer(ctx context.Context, id string) (offer *model.Offer, err error) {
	s.read(func(tx *memoryTx) { offer, err = tx.GetOffer(ctx, id) })
	return offer, err
}

func (s *MemoryStore) ListOffersByRequest(ctx context.Context, requestID string) (offers []model.Offer, err error) {
	s.read(func(tx *memoryTx) { offers, err = tx.ListOffersByRequest(ctx, requestID) })
	return offers, err
}

func (s *MemoryStore) GetSlot(ctx context.Context, id string) (slot *model.DonationSlot, err error) {
	s.read(func(tx *memoryTx) { slot, err = tx.GetSlot(ctx, id) })
	return slot, err
}

func (s *MemoryStore) ListSlots(ctx context.Context) (slots []model.DonationSlot, err error) {
	s.read(func(tx *memoryTx) { slots, err = tx.ListSlots(ctx) })
	return slots, err
}

func (s *MemoryStore) GetBooking(ctx context.Context, id string) (booking *model.Booking, err error) {
	s.read(func(tx *memoryTx) { booking, err = tx.GetBooking(ctx, id) })
	return booking, err
}

func (s *MemoryStore) ListBookingsBySlot(ctx context.Context, slotID string) (bookings []model.Booking, err error) {
	s.read(func(tx *memoryTx) { bookings, err = tx.ListBookingsBySlot(ctx, slotID) })
	return bookings, err
}

func (s *MemoryStore) ListBookingsByRequest(ctx context.Context, requestID string) (bookings []model.Booking, err error) {
	s.read(func(tx *memoryTx) { bookings, err = tx.ListBookingsByRequest(ctx, requestID) })
	return bookings, err
}

// txTable overlays uncommitted writes on a committed map
type txTable[T any] struct {
	base  map[string]T
	dirty map[string]T
}

func newTxTable[T any](base map[string]T) *txTable[T] {
	return &txTable[T]{base: base, dirty: make(map[string]T)}
}

func (t *txTable[T]) get(id string) (T, bool) {
	if v, ok := t.dirty[id]; ok {
		return v, true
	}
	v, ok := t.base[id]
	return v, ok
}

func (t *txTable[T]) put(id string, v T) {
	t.dirty[id] = v
}

func (t *txTable[T]) all() []T {
	result := make([]T, 0, len(t.base)+len(t.dirty))
	for id, v := range t.base {
		if _, overridden := t.dirty[id]; !overridden {
			result = append(result, v)
		}
	}
	for _, v := range t.dirty {
		result = append(result, v)
	}
	return result
}

func (t *txTable[T]) commit() {
	for id, v := range t.dirty {
		t.base[id] = v
	}
}

type memoryTx struct {
	donors   *txTable[model.Donor]
	requests *txTable[model.EmergencyRequest]
	offers   *txTable[model.Offer]
	slots    *txTable[model.DonationSlot]
	bookings *txTable[model.Booking]
}

func (tx *memoryTx) GetDonor(ctx context.Context, id string) (*model.Donor, error) {
	v, ok := tx.donors.get(id)
	if !ok {
		return nil, apperr.NotFound("donor", id)
	}
	return &v, nil
}

func (tx *memoryTx) ListDonors(ctx context.Context) ([]model.Donor, error) {
	donors := tx.donors.all()
	sort.Slice(donors, func(i, j int) bool { return donors[i].ID < donors[j].ID })
	return donors, nil
}

func (tx *memoryTx) GetRequest(ctx context.Context, id string) (*model.EmergencyRequest, error) {
	v, ok := tx.requests.get(id)
	if !ok {
		return nil, apperr.NotFound("request", id)
	}
	return &v, nil
}

func (tx *memoryTx) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	v, ok := tx.offers.get(id)
	if !ok {
		return nil, apperr.NotFound("offer", id)
	}
	return &v, nil
}

func (tx *memoryTx) ListOffersByRequest(ctx context.Context, requestID string) ([]model.Offer, error) {
	offers := make([]model.Offer, 0)
	for _, o := range tx.offers.all() {
		if o.RequestID == requestID {
			offers = append(offers, o)
		}
	}
	sort.Slice(offers, func(i, j int) bool {
		if !offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].CreatedAt.Before(offers[j].CreatedAt)
		}
		return offers[i].ID < offers[j].ID
	})
	return offers, nil
}

func (tx *memoryTx) GetSlot(ctx context.Context, id string) (*model.DonationSlot, error) {
	v, ok := tx.slots.get(id)
	if !ok {
		return nil, apperr.NotFound("slot", id)
	}
	return &v, nil
}

func (tx *memoryTx) ListSlots(ctx context.Context) ([]model.DonationSlot, error) {
	slots := tx.slots.all()
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].FacilityID != slots[j].FacilityID {
			return slots[i].FacilityID < slots[j].FacilityID
		}
		return slots[i].ID < slots[j].ID
	})
	return slots, nil
}

func (tx *memoryTx) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	v, ok := tx.bookings.get(id)
	if !ok {
		return nil, apperr.NotFound("booking", id)
	}
	return &v, nil
}

func (tx *memoryTx) ListBookingsBySlot(ctx context.Context, slotID string) ([]model.Booking, error) {
	return tx.filterBookings(func(b model.Booking) bool { return b.SlotID == slotID }), nil
}

func (tx *memoryTx) ListBookingsByRequest(ctx context.Context, requestID string) ([]model.Booking, error) {
	return tx.filterBookings(func(b model.Booking) bool { return b.RequestID == requestID }), nil
}

func (tx *memoryTx) filterBookings(keep func(model.Booking) bool) []model.Booking {
	bookings := make([]model.Booking, 0)
	for _, b := range tx.bookings.all() {
		if keep(b) {
			bookings = append(bookings, b)
		}
	}
	sort.Slice(bookings, func(i, j int) bool {
		if !bookings[i].CreatedAt.Equal(bookings[j].CreatedAt) {
			return bookings[i].CreatedAt.Before(bookings[j].CreatedAt)
		}
		return bookings[i].ID < bookings[j].ID
	})
	return bookings
}

func (tx *memoryTx) InsertDonor(ctx context.Context, donor *model.Donor) error {
	return insert(tx.donors, "donor", donor.ID, *donor)
}

func (tx *memoryTx) UpdateDonor(ctx context.Context, donor *model.Donor) error {
	return update(tx.donors, "donor", donor.ID, *donor)
}

func (tx *memoryTx) InsertRequest(ctx context.Context, req *model.EmergencyRequest) error {
	return insert(tx.requests, "request", req.ID, *req)
}

func (tx *memoryTx) UpdateRequest(ctx context.Context, req *model.EmergencyRequest) error {
	return update(tx.requests, "request", req.ID, *req)
}

func (tx *memoryTx) InsertOffer(ctx context.Context, offer *model.Offer) error {
	return insert(tx.offers, "offer", offer.ID, *offer)
}

func (tx *memoryTx) UpdateOffer(ctx context.Context, offer *model.Offer) error {
	return update(tx.offers, "offer", offer.ID, *offer)
}

func (tx *memoryTx) InsertSlot(ctx context.Context, slot *model.DonationSlot) error {
	return insert(tx.slots, "slot", slot.ID, *slot)
}

func (tx *memoryTx) UpdateSlot(ctx context.Context, slot *model.DonationSlot) error {
	if slot.BookedCount < 0 || slot.BookedCount > slot.Capacity {
		return fmt.Errorf("slot %s booked count %d outside 0..%d", slot.ID, slot.BookedCount, slot.Capacity)
	}
	return update(tx.slots, "slot", slot.ID, *slot)
}

func (tx *memoryTx) InsertBooking(ctx context.Context, booking *model.Booking) error {
	return insert(tx.bookings, "booking", booking.ID, *booking)
}

func (tx *memoryTx) UpdateBooking(ctx context.Context, booking *model.Booking) error {
	return update(tx.bookings, "booking", booking.ID, *booking)
}

func insert[T any](t *txTable[T], entity, id string, v T) error {
	if id == "" {
		return fmt.Errorf("failed to insert %s: empty id", entity)
	}
	if _, exists := t.get(id); exists {
		return fmt.Errorf("failed to insert %s: duplicate id %s", entity, id)
	}
	t.put(id, v)
	return nil
}

func update[T any](t *txTable[T], entity, id string, v T) error {
	if _, exists := t.get(id); !exists {
		return apperr.NotFound(entity, id)
	}
	t.put(id, v)
	return nil
}
