package model

import "time"

// Coordinate is a WGS84 latitude/longitude pair in degrees
type Coordinate struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Urgency is the triage tier of an emergency request
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) IsValid() bool {
	return u == UrgencyNormal || u == UrgencyUrgent || u == UrgencyCritical
}

// RequestStatus is the state of an EmergencyRequest
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestInProgress RequestStatus = "in_progress"
	RequestFulfilled  RequestStatus = "fulfilled"
	RequestCancelled  RequestStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s RequestStatus) IsTerminal() bool {
	return s == RequestFulfilled || s == RequestCancelled
}

// OfferStatus is the state of a donor's response to a request
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferDeclined OfferStatus = "declined"
)

func (s OfferStatus) IsTerminal() bool {
	return s != OfferPending
}

// BookingStatus is the state of a scheduled donation
type BookingStatus string

const (
	BookingScheduled   BookingStatus = "scheduled"
	BookingCompleted   BookingStatus = "completed"
	BookingCancelled   BookingStatus = "cancelled"
	BookingRescheduled BookingStatus = "rescheduled"
	BookingNoShow      BookingStatus = "no_show"
)

// HoldsCapacity reports whether a booking in this status occupies a place in its slot.
// Cancelled and rescheduled bookings have released theirs.
func (s BookingStatus) HoldsCapacity() bool {
	return s == BookingScheduled || s == BookingCompleted || s == BookingNoShow
}

// Donor is a registered blood donor
type Donor struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
	Phone     string
	// BloodType is empty until the donor's type has been verified
	BloodType BloodType
	Address   string
	// Location is nil when the donor has no resolvable address
	Location         *Coordinate
	Available        bool
	LastDonationAt   *time.Time
	ReliabilityScore int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DefaultReliabilityScore is assigned to newly registered donors
const DefaultReliabilityScore = 50

// EmergencyRequest is a requester's call for blood at a hospital
type EmergencyRequest struct {
	ID            string
	RequesterID   string
	BloodType     BloodType
	UnitsRequired int
	Urgency       Urgency
	HospitalName  string
	Address       string
	// HospitalLocation is nil when LocationUnknown is set
	HospitalLocation *Coordinate
	LocationUnknown  bool
	Status           RequestStatus
	AcceptedDonorID  string
	AcceptedOfferID  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Offer is a donor's response to an emergency request
type Offer struct {
	ID         string
	RequestID  string
	DonorID    string
	Status     OfferStatus
	CreatedAt  time.Time
	AcceptedAt *time.Time
	RejectedAt *time.Time
	DeclinedAt *time.Time
}

// DonationSlot is a bookable window at a donation facility
type DonationSlot struct {
	ID          string
	FacilityID  string
	Window      SlotWindow
	Capacity    int
	BookedCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Remaining returns the number of free places in the slot
func (s *DonationSlot) Remaining() int {
	if s.BookedCount >= s.Capacity {
		return 0
	}
	return s.Capacity - s.BookedCount
}

// Booking is a donor's reservation in a slot
type Booking struct {
	ID      string
	SlotID  string
	DonorID string
	// RequestID is empty for voluntary donations
	RequestID string
	Status    BookingStatus
	// RescheduledFromID links a booking to the one it replaced
	RescheduledFromID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NeedsBloodTypeVerification reports whether a completed donation came from
// a donor whose blood type is still unverified
func (b *Booking) NeedsBloodTypeVerification(donor *Donor) bool {
	return b.Status == BookingCompleted && (donor == nil || donor.BloodType == "")
}

// MatchCandidate is one entry in a ranked donor list
type MatchCandidate struct {
	Donor          Donor
	DistanceKm     float64
	ArrivalMinutes int
}
