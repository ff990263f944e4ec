package lifecycle

import (
	"testing"

	"franchise-onboarding/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    models.OnboardingState
		to      models.OnboardingState
		allowed bool
	}{
		{"draft to pending review", models.StateDraft, models.StatePendingReview, true},
		{"pending review to validated", models.StatePendingReview, models.StateValidated, true},
		{"pending review to rejected", models.StatePendingReview, models.StateRejected, true},
		{"validated to contract generated", models.StateValidated, models.StateContractGenerated, true},
		{"generated to viewed", models.StateContractGenerated, models.StateContractViewed, true},
		{"generated straight to signed", models.StateContractGenerated, models.StateContractSigned, true},
		{"generated to expired", models.StateContractGenerated, models.StateContractExpired, true},
		{"viewed to signed", models.StateContractViewed, models.StateContractSigned, true},
		{"viewed to expired", models.StateContractViewed, models.StateContractExpired, true},
		{"signed to entry fee pending", models.StateContractSigned, models.StateEntryFeePending, true},
		{"entry fee pending to paid", models.StateEntryFeePending, models.StateEntryFeePaid, true},
		{"paid to active", models.StateEntryFeePaid, models.StateActive, true},

		{"no skipping review", models.StateDraft, models.StateValidated, false},
		{"no signing before generation", models.StateValidated, models.StateContractSigned, false},
		{"no payment before signature", models.StateContractViewed, models.StateEntryFeePending, false},
		{"signed cannot expire", models.StateContractSigned, models.StateContractExpired, false},
		{"no backward move", models.StateContractSigned, models.StateContractViewed, false},
		{"active is terminal", models.StateActive, models.StateEntryFeePaid, false},
		{"rejected is terminal", models.StateRejected, models.StateValidated, false},
		{"expired is terminal", models.StateContractExpired, models.StateContractViewed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(models.StateActive))
	assert.True(t, IsTerminal(models.StateRejected))
	assert.True(t, IsTerminal(models.StateContractExpired))

	assert.False(t, IsTerminal(models.StateDraft))
	assert.False(t, IsTerminal(models.StateEntryFeePending))
}

func TestReachedOrPassed(t *testing.T) {
	assert.True(t, reachedOrPassed(models.StateActive, models.StateContractSigned))
	assert.True(t, reachedOrPassed(models.StateContractSigned, models.StateContractSigned))
	assert.False(t, reachedOrPassed(models.StateContractViewed, models.StateContractSigned))

	// Off-track states never count as progress.
	assert.False(t, reachedOrPassed(models.StateRejected, models.StateValidated))
	assert.False(t, reachedOrPassed(models.StateContractExpired, models.StateContractViewed))
	assert.False(t, reachedOrPassed(models.StateActive, models.StateRejected))
}
