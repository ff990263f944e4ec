package validation

import (
	"testing"

	"franchise-onboarding/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPayload = `{
	"personalInfo": {
		"name": "Jane Doe",
		"email": "jane@example.com",
		"phone": "+15550100",
		"locationPreferences": ["austin", "dallas"]
	},
	"financialInfo": {"liquidCapital": 250000, "netWorth": 900000, "creditScore": 720},
	"experience": {"yearsInIndustry": 6, "managementExperience": true},
	"businessPlan": {"executiveSummary": "Multi-unit operator plan"}
}`

func TestValidateApplication_Valid(t *testing.T) {
	assert.NoError(t, ValidateApplication([]byte(validPayload)))
}

func TestValidateApplication_Violations(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantIn  string
	}{
		{
			name:    "missing sections",
			payload: `{"personalInfo": {"name": "Jane", "email": "jane@example.com", "phone": "+15550100"}}`,
			wantIn:  "financialInfo",
		},
		{
			name: "malformed email",
			payload: `{
				"personalInfo": {"name": "Jane", "email": "not-an-email", "phone": "+15550100"},
				"financialInfo": {"liquidCapital": 1, "netWorth": 1},
				"experience": {"yearsInIndustry": 1}
			}`,
			wantIn: "email",
		},
		{
			name: "credit score out of range",
			payload: `{
				"personalInfo": {"name": "Jane", "email": "jane@example.com", "phone": "+15550100"},
				"financialInfo": {"liquidCapital": 1, "netWorth": 1, "creditScore": 900},
				"experience": {"yearsInIndustry": 1}
			}`,
			wantIn: "creditScore",
		},
		{
			name: "negative capital",
			payload: `{
				"personalInfo": {"name": "Jane", "email": "jane@example.com", "phone": "+15550100"},
				"financialInfo": {"liquidCapital": -5, "netWorth": 1},
				"experience": {"yearsInIndustry": 1}
			}`,
			wantIn: "liquidCapital",
		},
		{
			name:    "not json",
			payload: `{{{`,
			wantIn:  "invalid payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateApplication([]byte(tt.payload))

			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))
			var stdErr *errors.StandardError
			require.ErrorAs(t, err, &stdErr)
			assert.Contains(t, stdErr.Details, tt.wantIn)
		})
	}
}

func TestValidateApplication_CollectsAllViolations(t *testing.T) {
	payload := `{
		"personalInfo": {"name": "", "email": "bad", "phone": "12"},
		"financialInfo": {"liquidCapital": -1, "netWorth": -1},
		"experience": {"yearsInIndustry": -1}
	}`

	err := ValidateApplication([]byte(payload))

	require.Error(t, err)
	var stdErr *errors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Contains(t, stdErr.Details, "email")
	assert.Contains(t, stdErr.Details, "liquidCapital")
	assert.Contains(t, stdErr.Details, "yearsInIndustry")
}
