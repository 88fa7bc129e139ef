package geo

import (
	"math"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

const (
	// EarthRadiusKm is the mean Earth radius used by the haversine formula
	EarthRadiusKm = 6371.0

	// PrepMinutes is the fixed time a donor needs before setting off
	PrepMinutes = 10.0

	// TravelSpeedKmh is the assumed average door-to-door speed
	TravelSpeedKmh = 20.0
)

// Distance returns the great-circle distance between a and b in kilometres
func Distance(a, b model.Coordinate) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Clamp for floating point drift on antipodal points
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// EstimateArrival returns the naive travel time in whole minutes for a
// donor distanceKm away: prep time plus a linear speed estimate
func EstimateArrival(distanceKm float64) int {
	if distanceKm < 0 {
		distanceKm = 0
	}
	return int(math.Round(PrepMinutes + distanceKm/TravelSpeedKmh*60))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
