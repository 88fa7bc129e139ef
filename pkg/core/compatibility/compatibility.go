package compatibility

import "github.com/jakechorley/blood-match/pkg/core/model"

// donatesTo is the fixed red cell compatibility table: donor type -> recipient types
var donatesTo = map[model.BloodType][]model.BloodType{
	model.BloodTypeONeg:  {model.BloodTypeONeg, model.BloodTypeOPos, model.BloodTypeANeg, model.BloodTypeAPos, model.BloodTypeBNeg, model.BloodTypeBPos, model.BloodTypeABNeg, model.BloodTypeABPos},
	model.BloodTypeOPos:  {model.BloodTypeOPos, model.BloodTypeAPos, model.BloodTypeBPos, model.BloodTypeABPos},
	model.BloodTypeANeg:  {model.BloodTypeANeg, model.BloodTypeAPos, model.BloodTypeABNeg, model.BloodTypeABPos},
	model.BloodTypeAPos:  {model.BloodTypeAPos, model.BloodTypeABPos},
	model.BloodTypeBNeg:  {model.BloodTypeBNeg, model.BloodTypeBPos, model.BloodTypeABNeg, model.BloodTypeABPos},
	model.BloodTypeBPos:  {model.BloodTypeBPos, model.BloodTypeABPos},
	model.BloodTypeABNeg: {model.BloodTypeABNeg, model.BloodTypeABPos},
	model.BloodTypeABPos: {model.BloodTypeABPos},
}

// receivesFrom is the inverse of donatesTo, built once
var receivesFrom = invert(donatesTo)

func invert(table map[model.BloodType][]model.BloodType) map[model.BloodType][]model.BloodType {
	inverse := make(map[model.BloodType][]model.BloodType, len(table))
	// Iterate in AllBloodTypes order so the inverse lists are deterministic
	for _, donor := range model.AllBloodTypes {
		for _, recipient := range table[donor] {
			inverse[recipient] = append(inverse[recipient], donor)
		}
	}
	return inverse
}

// CanDonateTo reports whether blood from donor may be given to recipient
func CanDonateTo(donor, recipient model.BloodType) bool {
	for _, t := range donatesTo[donor] {
		if t == recipient {
			return true
		}
	}
	return false
}

// CompatibleDonors returns the donor blood types a recipient can receive.
// Unknown recipient types yield an empty set.
func CompatibleDonors(recipient model.BloodType) []model.BloodType {
	return append([]model.BloodType(nil), receivesFrom[recipient]...)
}

// CompatibleRecipients returns the recipient blood types a donor can give to
func CompatibleRecipients(donor model.BloodType) []model.BloodType {
	return append([]model.BloodType(nil), donatesTo[donor]...)
}
