package db

import (
	"context"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

// Reader is the read side shared by a Store and its transactions.
// Get methods return an *apperr.NotFoundError when the row does not exist.
// Inside a transaction, Get and List calls lock the rows they return.
type Reader interface {
	GetDonor(ctx context.Context, id string) (*model.Donor, error)
	ListDonors(ctx context.Context) ([]model.Donor, error)
	GetRequest(ctx context.Context, id string) (*model.EmergencyRequest, error)
	GetOffer(ctx context.Context, id string) (*model.Offer, error)
	ListOffersByRequest(ctx context.Context, requestID string) ([]model.Offer, error)
	GetSlot(ctx context.Context, id string) (*model.DonationSlot, error)
	ListSlots(ctx context.Context) ([]model.DonationSlot, error)
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	ListBookingsBySlot(ctx context.Context, slotID string) ([]model.Booking, error)
	ListBookingsByRequest(ctx context.Context, requestID string) ([]model.Booking, error)
}

// Tx is a single atomic unit of work
type Tx interface {
	Reader
	InsertDonor(ctx context.Context, donor *model.Donor) error
	UpdateDonor(ctx context.Context, donor *model.Donor) error
	InsertRequest(ctx context.Context, req *model.EmergencyRequest) error
	UpdateRequest(ctx context.Context, req *model.EmergencyRequest) error
	InsertOffer(ctx context.Context, offer *model.Offer) error
	UpdateOffer(ctx context.Context, offer *model.Offer) error
	InsertSlot(ctx context.Context, slot *model.DonationSlot) error
	UpdateSlot(ctx context.Context, slot *model.DonationSlot) error
	InsertBooking(ctx context.Context, booking *model.Booking) error
	UpdateBooking(ctx context.Context, booking *model.Booking) error
}

// Store defines the interface for all database operations.
// Both the in-memory MemoryStore and postgres.DB implement this interface.
type Store interface {
	Reader

	// InTx runs fn in a transaction, committing if fn returns nil and rolling
	// back otherwise. Store contention is reported as apperr.ErrTransient.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
