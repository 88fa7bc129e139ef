// Package geocoder resolves free-text addresses to coordinates.
package geocoder

import (
	"context"
	"errors"
	"strings"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

// ErrAddressNotFound means the provider answered but could not place the
// address. Any other error is a provider failure.
var ErrAddressNotFound = errors.New("address not found")

// Geocoder resolves an address to a coordinate
type Geocoder interface {
	Resolve(ctx context.Context, address string) (model.Coordinate, error)
}

// Static resolves addresses from a fixed table
type Static map[string]model.Coordinate

func (s Static) Resolve(ctx context.Context, address string) (model.Coordinate, error) {
	if c, ok := s[normalize(address)]; ok {
		return c, nil
	}
	return model.Coordinate{}, ErrAddressNotFound
}

// NewStatic builds a Static table with normalised keys
func NewStatic(entries map[string]model.Coordinate) Static {
	s := make(Static, len(entries))
	for addr, c := range entries {
		s[normalize(addr)] = c
	}
	return s
}

// normalize folds case and whitespace so equivalent spellings share a cache entry
func normalize(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}
