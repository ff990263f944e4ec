package publicapi

import (
	"encoding/json"
	goerrors "errors"
	"net/http"

	"franchise-onboarding/internal/common/errors"
	"franchise-onboarding/internal/models"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps the error taxonomy to a status code and a sanitized body.
// Details are only surfaced for validation failures, where the client needs
// the violation list; everything else stays at code plus message so
// internal identifiers never leak through public responses.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	body := errorBody{
		Code:    string(code),
		Message: "Request failed",
	}

	var stdErr *errors.StandardError
	if goerrors.As(err, &stdErr) {
		body.Message = stdErr.Message
		if code == errors.ErrCodeValidationFailed {
			body.Details = stdErr.Details
		}
	}

	writeJSON(w, errors.HTTPStatus(code), map[string]errorBody{"error": body})
}

// publicStatus collapses internal states into the coarse progress words the
// applicant-facing pages show.
func publicStatus(state models.OnboardingState) string {
	switch state {
	case models.StateDraft, models.StatePendingReview:
		return "under_review"
	case models.StateValidated, models.StateContractGenerated, models.StateContractViewed:
		return "awaiting_signature"
	case models.StateContractSigned, models.StateEntryFeePending:
		return "awaiting_payment"
	case models.StateEntryFeePaid:
		return "processing"
	case models.StateActive:
		return "active"
	case models.StateContractExpired:
		return "expired"
	case models.StateRejected:
		return "closed"
	default:
		return "unknown"
	}
}
