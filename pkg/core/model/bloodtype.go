package model

import (
	"fmt"
	"strings"
)

// BloodType is an ABO group with its Rh factor
type BloodType string

const (
	BloodTypeAPos  BloodType = "A+"
	BloodTypeANeg  BloodType = "A-"
	BloodTypeBPos  BloodType = "B+"
	BloodTypeBNeg  BloodType = "B-"
	BloodTypeABPos BloodType = "AB+"
	BloodTypeABNeg BloodType = "AB-"
	BloodTypeOPos  BloodType = "O+"
	BloodTypeONeg  BloodType = "O-"
)

// AllBloodTypes lists every blood type in a stable order
var AllBloodTypes = []BloodType{
	BloodTypeAPos, BloodTypeANeg,
	BloodTypeBPos, BloodTypeBNeg,
	BloodTypeABPos, BloodTypeABNeg,
	BloodTypeOPos, BloodTypeONeg,
}

func (b BloodType) IsValid() bool {
	for _, t := range AllBloodTypes {
		if b == t {
			return true
		}
	}
	return false
}

func (b BloodType) String() string {
	return string(b)
}

// ParseBloodType accepts the canonical form plus the spelled-out variants
// people type into registration sheets ("O neg", "ab positive", "A POS").
func ParseBloodType(s string) (BloodType, error) {
	normalized := strings.ToUpper(strings.Join(strings.Fields(s), ""))
	for _, suffix := range []struct{ long, short string }{
		{"POSITIVE", "+"}, {"NEGATIVE", "-"}, {"POS", "+"}, {"NEG", "-"},
	} {
		if strings.HasSuffix(normalized, suffix.long) {
			normalized = strings.TrimSuffix(normalized, suffix.long) + suffix.short
			break
		}
	}
	// Letter O is often typed as a zero
	if strings.HasPrefix(normalized, "0") {
		normalized = "O" + normalized[1:]
	}

	bt := BloodType(normalized)
	if !bt.IsValid() {
		return "", fmt.Errorf("unknown blood type %q", s)
	}
	return bt, nil
}
