package geocoder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

const (
	googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"
	requestTimeout   = 10 * time.Second
)

// Google calls the Google Maps Geocoding API, limited to a fixed request rate
type Google struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewGoogle creates a Google geocoder allowing requestsPerSecond calls (burst 1)
func NewGoogle(apiKey string, requestsPerSecond float64) *Google {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &Google{
		apiKey:     apiKey,
		baseURL:    googleGeocodeURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

func (g *Google) Resolve(ctx context.Context, address string) (model.Coordinate, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return model.Coordinate{}, fmt.Errorf("geocoder rate limit wait: %w", err)
	}

	query := url.Values{}
	query.Set("address", address)
	query.Set("key", g.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("failed to build geocode request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("geocode request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Coordinate{}, fmt.Errorf("geocode request returned HTTP %d", resp.StatusCode)
	}

	var body googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.Coordinate{}, fmt.Errorf("failed to decode geocode response: %w", err)
	}

	switch body.Status {
	case "OK":
	case "ZERO_RESULTS":
		return model.Coordinate{}, ErrAddressNotFound
	default:
		return model.Coordinate{}, fmt.Errorf("geocode status %s: %s", body.Status, body.ErrorMessage)
	}
	if len(body.Results) == 0 {
		return model.Coordinate{}, ErrAddressNotFound
	}

	loc := body.Results[0].Geometry.Location
	return model.Coordinate{Lat: loc.Lat, Lng: loc.Lng}, nil
}
