// Package publicapi is the HTTP surface: the token-gated public endpoints
// the applicant follows, the signed gateway webhook, and the internal
// operator endpoints.
package publicapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"franchise-onboarding/internal/common/errors"
	"franchise-onboarding/internal/common/logger"
	"franchise-onboarding/internal/common/metrics"
	"franchise-onboarding/internal/models"

	"github.com/go-chi/chi/v5"
)

// maxBodyBytes bounds request bodies; application payloads are the largest
// accepted input.
const maxBodyBytes = 1 << 20

// signatureHeader carries the gateway's HMAC over the webhook body.
const signatureHeader = "X-Gateway-Signature"

// LifecycleAPI is the slice of the lifecycle engine the handlers call.
type LifecycleAPI interface {
	GetFranchisee(ctx context.Context, id string) (*models.Franchisee, error)
	SubmitApplication(ctx context.Context, raw []byte) (*models.Franchisee, error)
	ApplyReviewDecision(ctx context.Context, franchiseeID string, decision models.ReviewDecision, reviewer string) (*models.Franchisee, error)
	GenerateContract(ctx context.Context, franchiseeID, actor string) (*models.Contract, error)
	RecordView(ctx context.Context, contractID string) (*models.Contract, *models.Franchisee, error)
	FinalizeAcceptance(ctx context.Context, contractID, tokenValue string) (*models.Franchisee, error)
	ReissueContract(ctx context.Context, franchiseeID, actor string) (*models.Contract, error)
}

// TokenAPI resolves public bearer tokens.
type TokenAPI interface {
	Validate(ctx context.Context, value string, purpose models.TokenPurpose) (*models.PublicToken, error)
}

// PaymentAPI is the slice of the payment reconciler the handlers call.
type PaymentAPI interface {
	EnsureGatewayIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error)
	ApplyClientResult(ctx context.Context, intentID, reportedStatus string) (*models.PaymentIntent, error)
	ApplyGatewayConfirmation(ctx context.Context, body []byte, signature string) error
}

// Handler holds the wired dependencies for all routes.
type Handler struct {
	lifecycle LifecycleAPI
	tokens    TokenAPI
	payments  PaymentAPI
	logger    logger.Logger
}

func NewHandler(lifecycle LifecycleAPI, tokens TokenAPI, payments PaymentAPI, log logger.Logger) *Handler {
	return &Handler{
		lifecycle: lifecycle,
		tokens:    tokens,
		payments:  payments,
		logger:    log.WithFields(map[string]interface{}{"component": "http"}),
	}
}

// ViewContract handles GET /public/contract/{token}. The token value is the
// only credential; responses carry no internal identifiers.
func (h *Handler) ViewContract(w http.ResponseWriter, r *http.Request) {
	tokenValue := chi.URLParam(r, "token")

	tok, err := h.tokens.Validate(r.Context(), tokenValue, models.PurposeContractView)
	if err != nil {
		h.countPublic("view_contract", err)
		writeError(w, err)
		return
	}

	contract, fr, err := h.lifecycle.RecordView(r.Context(), tok.SubjectID)
	if err != nil {
		h.countPublic("view_contract", err)
		writeError(w, err)
		return
	}

	h.countPublic("view_contract", nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contractNumber": contract.ContractNumber,
		"artifactRef":    contract.ArtifactRef,
		"status":         publicStatus(fr.State),
		"expiresAt":      tok.ExpiresAt.Format(time.RFC3339),
	})
}

// AcceptContract handles POST /public/contract/{token}/accept. The accept
// token is single use; exactly one request wins, replays get a conflict and
// expired links a gone status.
func (h *Handler) AcceptContract(w http.ResponseWriter, r *http.Request) {
	tokenValue := chi.URLParam(r, "token")

	tok, err := h.tokens.Validate(r.Context(), tokenValue, models.PurposeContractAccept)
	if tok == nil {
		h.countPublic("accept_contract", err)
		writeError(w, err)
		return
	}
	// Expired and already-used tokens still route into the engine: the
	// expired path demotes the contract lazily, the replay path repairs
	// any half-finished follow-up work before reporting the reuse.

	fr, err := h.lifecycle.FinalizeAcceptance(r.Context(), tok.SubjectID, tokenValue)
	if err != nil {
		h.countPublic("accept_contract", err)
		writeError(w, err)
		return
	}

	h.countPublic("accept_contract", nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": publicStatus(fr.State),
	})
}

// CreatePaymentIntent handles POST /public/entry-fee/{token}/create-payment-intent.
// Reusable across page reloads; the gateway-side idempotency key guarantees
// at most one charge per attempt.
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	tokenValue := chi.URLParam(r, "token")

	tok, err := h.tokens.Validate(r.Context(), tokenValue, models.PurposeEntryFeePayment)
	if err != nil {
		h.countPublic("create_payment_intent", err)
		writeError(w, err)
		return
	}

	intent, err := h.payments.EnsureGatewayIntent(r.Context(), tok.SubjectID)
	if err != nil {
		h.countPublic("create_payment_intent", err)
		writeError(w, err)
		return
	}

	h.countPublic("create_payment_intent", nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gatewayIntentId": intent.GatewayIntentID,
		"clientSecret":    intent.ClientSecret,
		"amountCents":     intent.AmountCents,
		"currency":        intent.Currency,
		"status":          string(intent.Status),
	})
}

type clientResultRequest struct {
	Status string `json:"status"`
}

// RecordClientResult handles POST /public/entry-fee/{token}/client-result.
// The browser's report is advisory; the signed webhook remains the source
// of settled truth.
func (h *Handler) RecordClientResult(w http.ResponseWriter, r *http.Request) {
	tokenValue := chi.URLParam(r, "token")

	tok, err := h.tokens.Validate(r.Context(), tokenValue, models.PurposeEntryFeePayment)
	if err != nil {
		h.countPublic("client_result", err)
		writeError(w, err)
		return
	}

	var req clientResultRequest
	if err := decodeJSON(r, &req); err != nil {
		h.countPublic("client_result", err)
		writeError(w, err)
		return
	}

	intent, err := h.payments.ApplyClientResult(r.Context(), tok.SubjectID, req.Status)
	if err != nil {
		h.countPublic("client_result", err)
		writeError(w, err)
		return
	}

	h.countPublic("client_result", nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": string(intent.Status),
	})
}

// GatewayWebhook handles POST /webhooks/payment-gateway. Non-2xx responses
// make the gateway redeliver, which is the retry mechanism for transient
// application failures.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errors.NewValidationFailedError("read webhook body"))
		return
	}

	if err := h.payments.ApplyGatewayConfirmation(r.Context(), body, r.Header.Get(signatureHeader)); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

// SubmitApplication handles POST /internal/applications.
func (h *Handler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errors.NewValidationFailedError("read application body"))
		return
	}

	fr, err := h.lifecycle.SubmitApplication(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":    fr.ID,
		"state": string(fr.State),
	})
}

// GetApplication handles GET /internal/applications/{id}.
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	fr, err := h.lifecycle.GetFranchisee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fr)
}

type reviewRequest struct {
	Decision string `json:"decision"`
	Reviewer string `json:"reviewer"`
}

// ReviewApplication handles POST /internal/applications/{id}/review.
func (h *Handler) ReviewApplication(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Reviewer == "" {
		writeError(w, errors.NewValidationFailedError("reviewer is required"))
		return
	}

	fr, err := h.lifecycle.ApplyReviewDecision(r.Context(), chi.URLParam(r, "id"), models.ReviewDecision(req.Decision), req.Reviewer)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":    fr.ID,
		"state": string(fr.State),
	})
}

// GenerateContract handles POST /internal/contracts/{id}/generate, where id
// is the franchisee. Retries after success return the existing contract.
func (h *Handler) GenerateContract(w http.ResponseWriter, r *http.Request) {
	contract, err := h.lifecycle.GenerateContract(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, contract)
}

// ReissueContract handles POST /internal/contracts/{id}/reissue.
func (h *Handler) ReissueContract(w http.ResponseWriter, r *http.Request) {
	contract, err := h.lifecycle.ReissueContract(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, contract)
}

func (h *Handler) countPublic(action string, err error) {
	status := "ok"
	if err != nil {
		status = string(errors.CodeOf(err))
	}
	metrics.PublicRequests.WithLabelValues(action, status).Inc()
}

func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "operator"
}

func decodeJSON(r *http.Request, out interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.NewValidationFailedError("read request body")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewValidationFailedError("invalid JSON body: " + err.Error())
	}
	return nil
}
