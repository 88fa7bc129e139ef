package compatibility

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

// expected lists, per donor, every recipient it may donate to
var expected = map[model.BloodType]map[model.BloodType]bool{
	"O-":  {"O-": true, "O+": true, "A-": true, "A+": true, "B-": true, "B+": true, "AB-": true, "AB+": true},
	"O+":  {"O+": true, "A+": true, "B+": true, "AB+": true},
	"A-":  {"A-": true, "A+": true, "AB-": true, "AB+": true},
	"A+":  {"A+": true, "AB+": true},
	"B-":  {"B-": true, "B+": true, "AB-": true, "AB+": true},
	"B+":  {"B+": true, "AB+": true},
	"AB-": {"AB-": true, "AB+": true},
	"AB+": {"AB+": true},
}

func TestCanDonateTo_AllPairs(t *testing.T) {
	pairs := 0
	for _, donor := range model.AllBloodTypes {
		for _, recipient := range model.AllBloodTypes {
			pairs++
			want := expected[donor][recipient]
			assert.Equal(t, want, CanDonateTo(donor, recipient), "donor %s -> recipient %s", donor, recipient)
		}
	}
	assert.Equal(t, 64, pairs)
}

func TestCanDonateTo_UniversalDonorAndRecipient(t *testing.T) {
	for _, bt := range model.AllBloodTypes {
		assert.True(t, CanDonateTo(model.BloodTypeONeg, bt), "O- should donate to %s", bt)
		assert.True(t, CanDonateTo(bt, model.BloodTypeABPos), "%s should donate to AB+", bt)
	}
}

func TestCompatibleDonors_MatchesTable(t *testing.T) {
	for _, recipient := range model.AllBloodTypes {
		donors := CompatibleDonors(recipient)
		for _, donor := range model.AllBloodTypes {
			assert.Equal(t, expected[donor][recipient], contains(donors, donor),
				"recipient %s, donor %s", recipient, donor)
		}
	}
}

func TestCompatibleDonors_ONegReceivesOnlyONeg(t *testing.T) {
	assert.Equal(t, []model.BloodType{model.BloodTypeONeg}, CompatibleDonors(model.BloodTypeONeg))
}

func TestCompatibleDonors_UnknownType(t *testing.T) {
	assert.Empty(t, CompatibleDonors(model.BloodType("Q+")))
	assert.False(t, CanDonateTo(model.BloodType("Q+"), model.BloodTypeABPos))
}

func TestCompatibleRecipients_ReturnsCopy(t *testing.T) {
	recipients := CompatibleRecipients(model.BloodTypeAPos)
	recipients[0] = model.BloodTypeONeg

	assert.Equal(t, []model.BloodType{model.BloodTypeAPos, model.BloodTypeABPos}, CompatibleRecipients(model.BloodTypeAPos))
}

func contains(types []model.BloodType, bt model.BloodType) bool {
	for _, t := range types {
		if t == bt {
			return true
		}
	}
	return false
}
