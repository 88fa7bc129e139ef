package lifecycle

// Outcome is a donor follow-through event that moves their reliability score
type Outcome int

const (
	OutcomeDonationCompleted Outcome = iota
	OutcomeNoShow
	OutcomeBookingCancelled
	OutcomeOfferDeclined
)

var reliabilityDelta = map[Outcome]int{
	OutcomeDonationCompleted: 5,
	OutcomeNoShow:            -15,
	OutcomeBookingCancelled:  -5,
	OutcomeOfferDeclined:     -2,
}

const (
	MinReliability = 0
	MaxReliability = 100
)

// AdjustReliability applies an outcome to a score, clamped to 0-100
func AdjustReliability(score int, outcome Outcome) int {
	score += reliabilityDelta[outcome]
	if score < MinReliability {
		return MinReliability
	}
	if score > MaxReliability {
		return MaxReliability
	}
	return score
}
