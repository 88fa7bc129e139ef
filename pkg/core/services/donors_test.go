package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakechorley/blood-match/pkg/clients/geocoder"
	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/model"
)

func TestRegisterDonor(t *testing.T) {
	f := newFixture(t)
	f.deps.Geocoder = geocoder.NewStatic(map[string]model.Coordinate{"12 Cranbrook Road": hospital})
	f.rebuild()

	donor, err := f.donors.RegisterDonor(f.ctx, DonorInput{
		FirstName: "Ada",
		LastName:  "Okafor",
		Email:     "ada@example.com",
		BloodType: "o positive",
		Address:   "12 Cranbrook Road",
		Available: true,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, donor.ID)
	assert.Equal(t, model.BloodTypeOPos, donor.BloodType)
	assert.Equal(t, model.DefaultReliabilityScore, donor.ReliabilityScore)
	require.NotNil(t, donor.Location)
	assert.Equal(t, hospital, *donor.Location)
}

func TestRegisterDonor_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		input DonorInput
	}{
		{"missing first name", DonorInput{BloodType: "A+"}},
		{"bad email", DonorInput{FirstName: "A", Email: "not-an-email"}},
		{"bad blood type", DonorInput{FirstName: "A", BloodType: "Q"}},
		{"unplaceable address", DonorInput{FirstName: "A", Address: "nowhere"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.donors.RegisterDonor(f.ctx, tt.input)
			var validation *apperr.ValidationError
			assert.True(t, errors.As(err, &validation), "got %v", err)
		})
	}
}

func TestRegisterDonor_GeocoderOutageRegistersWithoutLocation(t *testing.T) {
	f := newFixture(t)
	f.deps.Geocoder = failingGeocoder{}
	f.rebuild()

	donor, err := f.donors.RegisterDonor(f.ctx, DonorInput{FirstName: "Ada", Address: "12 Cranbrook Road"})
	require.NoError(t, err)
	assert.Nil(t, donor.Location)
	assert.Empty(t, donor.BloodType)
}

func TestUpdateDonor(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "donor", "", nil)

	_, err := f.donors.UpdateDonorLocation(f.ctx, "donor", *north(hospital, 1))
	require.NoError(t, err)
	_, err = f.donors.SetDonorAvailability(f.ctx, "donor", false)
	require.NoError(t, err)
	_, err = f.donors.VerifyBloodType(f.ctx, "donor", "AB-")
	require.NoError(t, err)

	got := f.donor(t, "donor")
	require.NotNil(t, got.Location)
	assert.False(t, got.Available)
	assert.Equal(t, model.BloodTypeABNeg, got.BloodType)

	_, err = f.donors.UpdateDonorLocation(f.ctx, "donor", model.Coordinate{Lat: 0, Lng: 200})
	var validation *apperr.ValidationError
	assert.True(t, errors.As(err, &validation))

	_, err = f.donors.SetDonorAvailability(f.ctx, "ghost", true)
	var notFound *apperr.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestImportDonors_CreatesThenUpdates(t *testing.T) {
	f := newFixture(t)
	f.deps.Geocoder = geocoder.NewStatic(map[string]model.Coordinate{"1 High Road": hospital})
	f.rebuild()

	inputs := []DonorInput{
		{ID: "d-1", FirstName: "Ada", BloodType: "O-", Address: "1 High Road", Available: true},
		{ID: "d-2", FirstName: "Ben", BloodType: "A+", Available: true},
		{ID: "d-3", FirstName: "Cy", BloodType: "purple"},
		{FirstName: "No ID"},
	}

	result, err := f.donors.ImportDonors(f.ctx, inputs)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 0, result.Updated)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, "d-3", result.Failed[0].ID)

	donor := f.donor(t, "d-1")
	require.NotNil(t, donor.Location)

	// Reliability survives a re-import
	offer, err := f.coord.SubmitOffer(f.ctx, f.submitRequest(t, model.BloodTypeONeg).ID, "d-1")
	require.NoError(t, err)
	_, err = f.coord.DeclineOffer(f.ctx, offer.ID)
	require.NoError(t, err)
	before := f.donor(t, "d-1").ReliabilityScore
	require.Equal(t, model.DefaultReliabilityScore-2, before)

	inputs[1].Available = false
	result, err = f.donors.ImportDonors(f.ctx, inputs[:2])
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 2, result.Updated)
	assert.False(t, f.donor(t, "d-2").Available)
	assert.Equal(t, before, f.donor(t, "d-1").ReliabilityScore)
}
