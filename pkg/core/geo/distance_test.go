package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

func TestDistance_SamePoint(t *testing.T) {
	p := model.Coordinate{Lat: 51.5588, Lng: 0.0822}
	assert.Equal(t, 0.0, Distance(p, p))
}

func TestDistance_KnownPairs(t *testing.T) {
	tests := []struct {
		name string
		a, b model.Coordinate
		want float64
	}{
		{
			name: "one degree of latitude",
			a:    model.Coordinate{Lat: 0, Lng: 0},
			b:    model.Coordinate{Lat: 1, Lng: 0},
			want: 111.19,
		},
		{
			name: "london to paris",
			a:    model.Coordinate{Lat: 51.5074, Lng: -0.1278},
			b:    model.Coordinate{Lat: 48.8566, Lng: 2.3522},
			want: 343.56,
		},
		{
			name: "antipodes",
			a:    model.Coordinate{Lat: 0, Lng: 0},
			b:    model.Coordinate{Lat: 0, Lng: 180},
			want: 20015.09,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Distance(tt.a, tt.b), 0.5)
		})
	}
}

func TestDistance_Symmetric(t *testing.T) {
	a := model.Coordinate{Lat: 51.5588, Lng: 0.0822}
	b := model.Coordinate{Lat: 51.5450, Lng: 0.0500}
	assert.Equal(t, Distance(a, b), Distance(b, a))
}

func TestEstimateArrival(t *testing.T) {
	tests := []struct {
		distanceKm float64
		want       int
	}{
		{0, 10},
		{2, 16},
		{5, 25},
		{20, 70},
		// 10 + 0.5/20*60 = 11.5 rounds half away from zero
		{0.5, 12},
		{-3, 10},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateArrival(tt.distanceKm), "distance %.1f km", tt.distanceKm)
	}
}
