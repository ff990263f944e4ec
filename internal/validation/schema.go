// Package validation checks submitted application payloads against a JSON
// schema before they enter the lifecycle.
package validation

import (
	"fmt"
	"strings"

	"franchise-onboarding/internal/common/errors"

	"github.com/xeipuuv/gojsonschema"
)

var applicationSchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"personalInfo", "financialInfo", "experience"},
	"properties": map[string]interface{}{
		"personalInfo": map[string]interface{}{
			"type":     "object",
			"required": []string{"name", "email", "phone"},
			"properties": map[string]interface{}{
				"name":    map[string]interface{}{"type": "string", "minLength": 1},
				"email":   map[string]interface{}{"type": "string", "pattern": `^[^@\s]+@[^@\s]+\.[^@\s]+$`},
				"phone":   map[string]interface{}{"type": "string", "minLength": 5},
				"address": map[string]interface{}{"type": "string"},
				"locationPreferences": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
			},
		},
		"financialInfo": map[string]interface{}{
			"type":     "object",
			"required": []string{"liquidCapital", "netWorth"},
			"properties": map[string]interface{}{
				"liquidCapital": map[string]interface{}{"type": "integer", "minimum": 0},
				"netWorth":      map[string]interface{}{"type": "integer", "minimum": 0},
				"creditScore":   map[string]interface{}{"type": "integer", "minimum": 300, "maximum": 850},
			},
		},
		"experience": map[string]interface{}{
			"type":     "object",
			"required": []string{"yearsInIndustry"},
			"properties": map[string]interface{}{
				"yearsInIndustry":      map[string]interface{}{"type": "integer", "minimum": 0},
				"managementExperience": map[string]interface{}{"type": "boolean"},
				"businessOwnership":    map[string]interface{}{"type": "boolean"},
			},
		},
		"businessPlan": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"executiveSummary":     map[string]interface{}{"type": "string"},
				"marketAnalysis":       map[string]interface{}{"type": "string"},
				"financialProjections": map[string]interface{}{"type": "string"},
			},
		},
	},
}

// ValidateApplication validates a raw application payload. The returned
// error carries every schema violation so the client can surface them all
// at once.
func ValidateApplication(raw []byte) error {
	schemaLoader := gojsonschema.NewGoLoader(applicationSchema)
	documentLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return errors.NewValidationFailedError(fmt.Sprintf("invalid payload: %v", err))
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return errors.NewValidationFailedError(strings.Join(msgs, "; "))
	}

	return nil
}
