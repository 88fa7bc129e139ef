package geocoder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

func TestStatic_NormalisesAddresses(t *testing.T) {
	g := NewStatic(map[string]model.Coordinate{
		"1 Hospital Road,  Lagos": {Lat: 6.45, Lng: 3.39},
	})

	c, err := g.Resolve(context.Background(), "1 hospital road, LAGOS")
	require.NoError(t, err)
	assert.Equal(t, 6.45, c.Lat)

	_, err = g.Resolve(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrAddressNotFound)
}

type countingGeocoder struct {
	calls int
	err   error
}

func (c *countingGeocoder) Resolve(ctx context.Context, address string) (model.Coordinate, error) {
	c.calls++
	if c.err != nil {
		return model.Coordinate{}, c.err
	}
	return model.Coordinate{Lat: 1, Lng: 2}, nil
}

func TestCaching_HitsCacheOnSecondLookup(t *testing.T) {
	next := &countingGeocoder{}
	g := NewCaching(next, NewMemoryCache(), time.Hour, zap.NewNop())
	ctx := context.Background()

	first, err := g.Resolve(ctx, "St Mary's")
	require.NoError(t, err)
	second, err := g.Resolve(ctx, "  st mary's ")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, next.calls)
}

func TestCaching_DoesNotCacheFailures(t *testing.T) {
	next := &countingGeocoder{err: errors.New("timeout")}
	g := NewCaching(next, NewMemoryCache(), time.Hour, zap.NewNop())
	ctx := context.Background()

	_, err := g.Resolve(ctx, "St Mary's")
	assert.Error(t, err)
	_, err = g.Resolve(ctx, "St Mary's")
	assert.Error(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestMemoryCache_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryCache()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok, _ := m.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestGoogle_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    model.Coordinate
		wantErr error
	}{
		{
			name: "ok",
			body: `{"status":"OK","results":[{"geometry":{"location":{"lat":6.5,"lng":3.4}}}]}`,
			want: model.Coordinate{Lat: 6.5, Lng: 3.4},
		},
		{
			name:    "zero results",
			body:    `{"status":"ZERO_RESULTS","results":[]}`,
			wantErr: ErrAddressNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "secret", r.URL.Query().Get("key"))
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			g := NewGoogle("secret", 100)
			g.baseURL = server.URL

			got, err := g.Resolve(context.Background(), "somewhere")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGoogle_ProviderErrorIsNotAddressNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"OVER_QUERY_LIMIT","error_message":"slow down"}`)
	}))
	defer server.Close()

	g := NewGoogle("secret", 100)
	g.baseURL = server.URL

	_, err := g.Resolve(context.Background(), "somewhere")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAddressNotFound)
}
