package lifecycle

import "franchise-onboarding/internal/models"

// allowedTransitions is the explicit legality table for the onboarding
// state machine. Anything not listed is rejected with a conflict error;
// repeating an already-applied transition is a no-op.
var allowedTransitions = map[models.OnboardingState][]models.OnboardingState{
	models.StateDraft:             {models.StatePendingReview},
	models.StatePendingReview:     {models.StateValidated, models.StateRejected},
	models.StateValidated:         {models.StateContractGenerated},
	models.StateContractGenerated: {models.StateContractViewed, models.StateContractSigned, models.StateContractExpired},
	models.StateContractViewed:    {models.StateContractSigned, models.StateContractExpired},
	models.StateContractSigned:    {models.StateEntryFeePending},
	models.StateEntryFeePending:   {models.StateEntryFeePaid},
	models.StateEntryFeePaid:      {models.StateActive},
	models.StateActive:            nil,
	models.StateRejected:          nil,
	models.StateContractExpired:   nil,
}

// CanTransition reports whether moving from one state to the other is a
// legal forward move.
func CanTransition(from, to models.OnboardingState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave the state.
// Administrative contract re-issue is a separate explicit operation, not a
// transition out of contract_expired.
func IsTerminal(s models.OnboardingState) bool {
	return len(allowedTransitions[s]) == 0
}

// stateRank orders states so "at or beyond" checks stay explicit. Terminal
// failure states are not ranked; they are compared by identity.
var stateRank = map[models.OnboardingState]int{
	models.StateDraft:             0,
	models.StatePendingReview:     1,
	models.StateValidated:         2,
	models.StateContractGenerated: 3,
	models.StateContractViewed:    4,
	models.StateContractSigned:    5,
	models.StateEntryFeePending:   6,
	models.StateEntryFeePaid:      7,
	models.StateActive:            8,
}

// reachedOrPassed reports whether current sits at or beyond target on the
// success path.
func reachedOrPassed(current, target models.OnboardingState) bool {
	cr, ok1 := stateRank[current]
	tr, ok2 := stateRank[target]
	return ok1 && ok2 && cr >= tr
}
