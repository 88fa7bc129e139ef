package ranking

import (
	"sort"
	"time"

	"github.com/jakechorley/blood-match/pkg/core/compatibility"
	"github.com/jakechorley/blood-match/pkg/core/geo"
	"github.com/jakechorley/blood-match/pkg/core/model"
)

// DefaultRadiusKm is the search radius used when none is configured
const DefaultRadiusKm = 20.0

// Options tune the ranking filters
type Options struct {
	// RadiusKm excludes donors further than this from the hospital (0 means DefaultRadiusKm)
	RadiusKm float64

	// DonationInterval excludes donors who donated more recently than this (0 disables)
	DonationInterval time.Duration

	// MaxCandidates truncates the ranked list (0 means unlimited)
	MaxCandidates int

	// Now is the reference time for the donation interval check
	Now time.Time
}

// RankDonors filters the pool to compatible, available donors within range of
// the request's hospital and orders them by distance, then reliability
// (highest first), then donor id. The pool is not modified.
//
// A request without a hospital location yields no candidates; so does an
// empty pool. Neither is an error.
func RankDonors(request *model.EmergencyRequest, pool []model.Donor, opts Options) []model.MatchCandidate {
	if request == nil || request.HospitalLocation == nil {
		return []model.MatchCandidate{}
	}

	radius := opts.RadiusKm
	if radius <= 0 {
		radius = DefaultRadiusKm
	}

	compatible := make(map[model.BloodType]bool)
	for _, bt := range compatibility.CompatibleDonors(request.BloodType) {
		compatible[bt] = true
	}

	candidates := make([]model.MatchCandidate, 0)
	for _, donor := range pool {
		if !isEligible(donor, compatible, opts) {
			continue
		}

		distance := geo.Distance(*request.HospitalLocation, *donor.Location)
		if distance > radius {
			continue
		}

		candidates = append(candidates, model.MatchCandidate{
			Donor:          donor,
			DistanceKm:     distance,
			ArrivalMinutes: geo.EstimateArrival(distance),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})

	if opts.MaxCandidates > 0 && len(candidates) > opts.MaxCandidates {
		candidates = candidates[:opts.MaxCandidates]
	}

	return candidates
}

// isEligible applies every filter that does not depend on distance
func isEligible(donor model.Donor, compatible map[model.BloodType]bool, opts Options) bool {
	if !donor.Available || donor.Location == nil {
		return false
	}
	if !compatible[donor.BloodType] {
		return false
	}
	if opts.DonationInterval > 0 && donor.LastDonationAt != nil {
		if opts.Now.Sub(*donor.LastDonationAt) < opts.DonationInterval {
			return false
		}
	}
	return true
}

func less(a, b model.MatchCandidate) bool {
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	if a.Donor.ReliabilityScore != b.Donor.ReliabilityScore {
		return a.Donor.ReliabilityScore > b.Donor.ReliabilityScore
	}
	return a.Donor.ID < b.Donor.ID
}
