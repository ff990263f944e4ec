// Package lifecycle owns the franchisee/contract/payment composite state
// and enforces legal transitions between onboarding states.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"franchise-onboarding/internal/audit"
	"franchise-onboarding/internal/common/errors"
	"franchise-onboarding/internal/common/logger"
	"franchise-onboarding/internal/common/metrics"
	"franchise-onboarding/internal/common/observability"
	"franchise-onboarding/internal/models"
	"franchise-onboarding/internal/token"
	"franchise-onboarding/internal/validation"

	"github.com/google/uuid"
)

// Renderer turns a contract into a viewable artifact. Invoked once per
// contract generation; how it renders is not this package's concern.
type Renderer interface {
	Render(ctx context.Context, contract *models.Contract) (string, error)
}

// Notifier receives domain events after committed transitions. Its failures
// are logged and never roll back the transition that produced the event.
type Notifier interface {
	Dispatch(ctx context.Context, event models.DomainEvent) error
}

// IntentMinter creates (or reuses) the local payment-intent record for a
// franchisee and purpose.
type IntentMinter interface {
	MintIntent(ctx context.Context, franchiseeID string, purpose models.PaymentPurpose, amountCents int64, currency string) (*models.PaymentIntent, error)
}

// Auditor records committed state changes.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Config carries the lifecycle-relevant settings.
type Config struct {
	ViewTTL       time.Duration
	AcceptTTL     time.Duration
	PaymentTTL    time.Duration
	EntryFeeCents int64
	Currency      string
	PublicBaseURL string
}

// Engine is the authoritative status tracker for a franchise application
// moving through review, signature and payment. All mutations are
// serialized per row via conditional updates on the current state.
type Engine struct {
	db       *sql.DB
	tokens   *token.Service
	renderer Renderer
	payments IntentMinter
	notifier Notifier
	auditor  Auditor
	obs      *observability.Observability
	logger   logger.Logger
	cfg      Config

	onActivate func(franchiseeID string)
	now        func() time.Time
}

func NewEngine(db *sql.DB, tokens *token.Service, renderer Renderer, payments IntentMinter, notifier Notifier, auditor Auditor, obs *observability.Observability, log logger.Logger, cfg Config) *Engine {
	return &Engine{
		db:       db,
		tokens:   tokens,
		renderer: renderer,
		payments: payments,
		notifier: notifier,
		auditor:  auditor,
		obs:      obs,
		logger:   log.WithFields(map[string]interface{}{"component": "lifecycle"}),
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithActivationHook registers a callback fired exactly once per account
// activation, after the active state commits.
func (e *Engine) WithActivationHook(fn func(franchiseeID string)) *Engine {
	e.onActivate = fn
	return e
}

// GetFranchisee loads one franchisee by id.
func (e *Engine) GetFranchisee(ctx context.Context, id string) (*models.Franchisee, error) {
	return getFranchisee(ctx, e.db, id)
}

// SubmitApplication validates the payload, creates the franchisee in draft
// and immediately moves it to pending_review.
func (e *Engine) SubmitApplication(ctx context.Context, raw []byte) (*models.Franchisee, error) {
	if err := validation.ValidateApplication(raw); err != nil {
		return nil, err
	}

	var data models.ApplicationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.NewValidationFailedError(fmt.Sprintf("parse payload: %v", err))
	}

	now := e.now().UTC()
	fr := &models.Franchisee{
		ID:        uuid.New().String(),
		Email:     data.PersonalInfo.Email,
		Phone:     data.PersonalInfo.Phone,
		Active:    false,
		State:     models.StateDraft,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO franchisees (id, email, phone, application_data, validated, active, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, false, false, $5, 1, $6, $6)`,
		fr.ID, fr.Email, fr.Phone, raw, string(fr.State), now,
	)
	if err != nil {
		return nil, errors.NewDatabaseError("insert franchisee", err)
	}

	if _, err := e.transition(ctx, e.db, fr, models.StatePendingReview, "system", nil); err != nil {
		return nil, err
	}

	e.emit(ctx, models.DomainEvent{
		Type:           models.EventApplicationReceived,
		FranchiseeID:   fr.ID,
		RecipientEmail: fr.Email,
		RecipientPhone: fr.Phone,
		Priority:       "normal",
	})

	return fr, nil
}

// ApplyReviewDecision records the internal reviewer's verdict. Repeating
// the same decision is a no-op; changing a settled decision is a conflict.
func (e *Engine) ApplyReviewDecision(ctx context.Context, franchiseeID string, decision models.ReviewDecision, reviewer string) (*models.Franchisee, error) {
	fr, err := getFranchisee(ctx, e.db, franchiseeID)
	if err != nil {
		return nil, err
	}

	var target models.OnboardingState
	switch decision {
	case models.DecisionValidate:
		target = models.StateValidated
	case models.DecisionReject:
		target = models.StateRejected
	default:
		return nil, errors.NewValidationFailedError(fmt.Sprintf("unknown decision %q", decision))
	}

	if fr.State == target {
		return fr, nil
	}

	if decision == models.DecisionValidate {
		return e.applyValidation(ctx, fr, reviewer)
	}

	applied, err := e.transition(ctx, e.db, fr, target, reviewer, map[string]interface{}{"decision": string(decision)})
	if err != nil {
		return nil, err
	}
	if applied {
		e.emit(ctx, models.DomainEvent{
			Type:           models.EventApplicationRejected,
			FranchiseeID:   fr.ID,
			RecipientEmail: fr.Email,
			Priority:       "normal",
		})
	}

	return fr, nil
}

// applyValidation moves pending_review to validated. The validated flag is
// set in the same conditional update as the state so the row can never hold
// one without the other.
func (e *Engine) applyValidation(ctx context.Context, fr *models.Franchisee, reviewer string) (*models.Franchisee, error) {
	from := fr.State
	if reachedOrPassed(from, models.StateValidated) {
		return fr, nil
	}
	if !CanTransition(from, models.StateValidated) {
		return nil, errors.NewConflictError(
			fmt.Sprintf("Transition %s -> %s not permitted", from, models.StateValidated),
			"franchiseeId: "+fr.ID)
	}

	now := e.now().UTC()
	res, err := e.db.ExecContext(ctx, `
		UPDATE franchisees SET state = $1, validated = true, version = version + 1, updated_at = $2
		WHERE id = $3 AND state = $4`,
		string(models.StateValidated), now, fr.ID, string(from),
	)
	if err != nil {
		return nil, errors.NewDatabaseError("update state", err)
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		cur, err := getFranchisee(ctx, e.db, fr.ID)
		if err != nil {
			return nil, err
		}
		if reachedOrPassed(cur.State, models.StateValidated) {
			return cur, nil
		}
		return nil, errors.NewConflictError(
			fmt.Sprintf("Transition %s -> %s lost to concurrent update", from, models.StateValidated),
			"current state: "+string(cur.State))
	}

	fr.State = models.StateValidated
	fr.Validated = true
	fr.Version++
	fr.UpdatedAt = now

	e.recordAudit(ctx, fr, from, models.StateValidated, reviewer, map[string]interface{}{
		"decision": string(models.DecisionValidate),
	})
	if e.obs != nil {
		e.obs.RecordTransition(ctx, string(from), string(models.StateValidated))
	}
	return fr, nil
}

// GenerateContract fires once the document artifact exists. The contract
// row, its view/accept tokens and the current-contract pointer commit in
// one transaction; there is no observable partial state. Retries after the
// transition return the existing contract.
func (e *Engine) GenerateContract(ctx context.Context, franchiseeID, actor string) (*models.Contract, error) {
	fr, err := getFranchisee(ctx, e.db, franchiseeID)
	if err != nil {
		return nil, err
	}

	if reachedOrPassed(fr.State, models.StateContractGenerated) {
		if fr.CurrentContractID == nil {
			return nil, errors.NewConflictError("Contract pointer missing", "state: "+string(fr.State))
		}
		return getContract(ctx, e.db, *fr.CurrentContractID)
	}
	if fr.State != models.StateValidated {
		return nil, errors.NewConflictError(
			fmt.Sprintf("Contract generation requires validated state, have %s", fr.State),
			"franchiseeId: "+fr.ID)
	}

	now := e.now().UTC()
	contract := &models.Contract{
		ID:             uuid.New().String(),
		FranchiseeID:   fr.ID,
		ContractNumber: e.contractNumber(now),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	artifactRef, err := e.renderer.Render(ctx, contract)
	if err != nil {
		if errors.CodeOf(err) != errors.ErrCodeInternal {
			return nil, err
		}
		return nil, errors.NewExternalServiceError("renderer", err)
	}
	contract.ArtifactRef = artifactRef

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewDatabaseError("begin generate contract", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contracts (id, franchisee_id, contract_number, artifact_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		contract.ID, contract.FranchiseeID, contract.ContractNumber, contract.ArtifactRef, now,
	)
	if err != nil {
		return nil, errors.NewDatabaseError("insert contract", err)
	}

	viewTok, err := e.tokens.IssueTx(ctx, tx, models.PurposeContractView, contract.ID, e.cfg.ViewTTL)
	if err != nil {
		return nil, err
	}
	acceptTok, err := e.tokens.IssueTx(ctx, tx, models.PurposeContractAccept, contract.ID, e.cfg.AcceptTTL)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE franchisees SET state = $1, current_contract_id = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND state = $5`,
		string(models.StateContractGenerated), contract.ID, now, fr.ID, string(models.StateValidated),
	)
	if err != nil {
		return nil, errors.NewDatabaseError("update state", err)
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		cur, err := getFranchisee(ctx, e.db, fr.ID)
		if err != nil {
			return nil, err
		}
		if reachedOrPassed(cur.State, models.StateContractGenerated) && cur.CurrentContractID != nil {
			return getContract(ctx, e.db, *cur.CurrentContractID)
		}
		return nil, errors.NewConflictError("Contract generation lost to concurrent update", "current state: "+string(cur.State))
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewDatabaseError("commit generate contract", err)
	}

	fr.State = models.StateContractGenerated
	fr.CurrentContractID = &contract.ID
	e.recordAudit(ctx, fr, models.StateValidated, models.StateContractGenerated, actor, map[string]interface{}{
		"contractNumber": contract.ContractNumber,
	})
	if e.obs != nil {
		e.obs.RecordTransition(ctx, string(models.StateValidated), string(models.StateContractGenerated))
	}

	e.emit(ctx, models.DomainEvent{
		Type:           models.EventContractGenerated,
		FranchiseeID:   fr.ID,
		ContractID:     contract.ID,
		RecipientEmail: fr.Email,
		RecipientPhone: fr.Phone,
		Priority:       "high",
		Metadata: map[string]interface{}{
			"contractNumber": contract.ContractNumber,
			"viewUrl":        e.publicURL("/public/contract/" + viewTok.Value),
			"acceptUrl":      e.publicURL("/public/contract/" + acceptTok.Value + "/accept"),
			"expiresAt":      acceptTok.ExpiresAt.Format(time.RFC3339),
		},
	})

	return contract, nil
}

// RecordView marks the first successful view-token validation. Subsequent
// views do not re-fire the transition.
func (e *Engine) RecordView(ctx context.Context, contractID string) (*models.Contract, *models.Franchisee, error) {
	contract, err := getContract(ctx, e.db, contractID)
	if err != nil {
		return nil, nil, err
	}
	fr, err := getFranchisee(ctx, e.db, contract.FranchiseeID)
	if err != nil {
		return nil, nil, err
	}

	if fr.CurrentContractID == nil || *fr.CurrentContractID != contract.ID {
		return nil, nil, errors.NewExpiredError("contract superseded")
	}

	switch {
	case fr.State == models.StateContractGenerated:
		if _, err := e.transition(ctx, e.db, fr, models.StateContractViewed, "applicant", nil); err != nil {
			return nil, nil, err
		}
	case fr.State == models.StateContractExpired:
		return nil, nil, errors.NewExpiredError("contract expired")
	case reachedOrPassed(fr.State, models.StateContractViewed):
		// repeat view, nothing to record
	default:
		return nil, nil, errors.NewConflictError("Contract not viewable", "current state: "+string(fr.State))
	}

	return contract, fr, nil
}

// FinalizeAcceptance consumes the single-use accept token and commits the
// signature in one transaction, then advances to entry_fee_pending. It is
// keyed by (contract id, token) and safe to retry: a retry after a crash
// repairs any half-applied follow-up work, while a true replay still
// reports the token as already used.
func (e *Engine) FinalizeAcceptance(ctx context.Context, contractID, tokenValue string) (*models.Franchisee, error) {
	contract, err := getContract(ctx, e.db, contractID)
	if err != nil {
		return nil, err
	}
	fr, err := getFranchisee(ctx, e.db, contract.FranchiseeID)
	if err != nil {
		return nil, err
	}
	if fr.CurrentContractID == nil || *fr.CurrentContractID != contract.ID {
		return nil, errors.NewExpiredError("contract superseded")
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewDatabaseError("begin finalize acceptance", err)
	}
	defer tx.Rollback()

	tok, consumeErr := e.tokens.ConsumeTx(ctx, tx, tokenValue)
	if consumeErr != nil {
		tx.Rollback()
		return nil, e.handleConsumeFailure(ctx, fr, consumeErr)
	}
	if tok.SubjectID != contract.ID || tok.Purpose != models.PurposeContractAccept {
		return nil, errors.NewNotFoundError("token does not govern this contract")
	}

	cur, err := getFranchisee(ctx, tx, fr.ID)
	if err != nil {
		return nil, err
	}
	if cur.State == models.StateContractGenerated {
		// Accepting without a prior recorded view still passes through
		// contract_viewed so the history stays forward-only.
		if _, err := e.transition(ctx, tx, cur, models.StateContractViewed, "applicant", nil); err != nil {
			return nil, err
		}
	}
	applied, err := e.transition(ctx, tx, cur, models.StateContractSigned, "applicant", map[string]interface{}{
		"contractNumber": contract.ContractNumber,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, errors.NewConflictError("Contract not signable", "current state: "+string(cur.State))
	}

	signedAt := e.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE contracts SET signed_at = $1, updated_at = $1 WHERE id = $2`,
		signedAt, contract.ID); err != nil {
		return nil, errors.NewDatabaseError("mark contract signed", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewDatabaseError("commit finalize acceptance", err)
	}

	cur.State = models.StateContractSigned
	if err := e.ensureEntryFeePending(ctx, cur); err != nil {
		// Signature is durable; a retry of this operation repairs the
		// entry-fee step.
		e.logger.Error("entry fee setup failed after signature", map[string]interface{}{
			"franchiseeId": cur.ID,
			"error":        err.Error(),
		})
		return cur, nil
	}

	return cur, nil
}

func (e *Engine) handleConsumeFailure(ctx context.Context, fr *models.Franchisee, consumeErr error) error {
	switch errors.CodeOf(consumeErr) {
	case errors.ErrCodeAlreadyConsumed:
		// Crash-recovery path: the consumption committed earlier but the
		// follow-up work may not have. Repair, then still report the
		// replay distinctly.
		cur, err := getFranchisee(ctx, e.db, fr.ID)
		if err == nil && cur.State == models.StateContractSigned {
			if repairErr := e.ensureEntryFeePending(ctx, cur); repairErr != nil {
				e.logger.Error("acceptance repair failed", map[string]interface{}{
					"franchiseeId": cur.ID,
					"error":        repairErr.Error(),
				})
			}
		}
		return consumeErr
	case errors.ErrCodeExpired:
		// Lazy expiry demotion on access.
		if _, expireErr := e.ExpireContract(ctx, fr.ID, "system"); expireErr != nil {
			e.logger.Warn("lazy expiry demotion failed", map[string]interface{}{
				"franchiseeId": fr.ID,
				"error":        expireErr.Error(),
			})
		}
		return consumeErr
	default:
		return consumeErr
	}
}

// ensureEntryFeePending mints the entry-fee intent and its payment token,
// then advances contract_signed to entry_fee_pending. Idempotent.
func (e *Engine) ensureEntryFeePending(ctx context.Context, fr *models.Franchisee) error {
	cur, err := getFranchisee(ctx, e.db, fr.ID)
	if err != nil {
		return err
	}
	*fr = *cur
	cur = fr
	if reachedOrPassed(cur.State, models.StateEntryFeePending) {
		return nil
	}
	if cur.State != models.StateContractSigned {
		return errors.NewConflictError("Entry fee setup requires signed contract", "current state: "+string(cur.State))
	}

	intent, err := e.payments.MintIntent(ctx, cur.ID, models.PurposeEntryFee, e.cfg.EntryFeeCents, e.cfg.Currency)
	if err != nil {
		return err
	}

	payTok, err := e.tokens.Issue(ctx, models.PurposeEntryFeePayment, intent.ID, e.cfg.PaymentTTL)
	if err != nil {
		return err
	}

	applied, err := e.transition(ctx, e.db, cur, models.StateEntryFeePending, "system", map[string]interface{}{
		"paymentIntentId": intent.ID,
	})
	if err != nil {
		return err
	}
	if applied {
		e.emit(ctx, models.DomainEvent{
			Type:           models.EventContractSigned,
			FranchiseeID:   cur.ID,
			ContractID:     deref(cur.CurrentContractID),
			RecipientEmail: cur.Email,
			RecipientPhone: cur.Phone,
			Priority:       "high",
			Metadata: map[string]interface{}{
				"paymentUrl":  e.publicURL("/public/entry-fee/" + payTok.Value + "/create-payment-intent"),
				"amountCents": intent.AmountCents,
				"currency":    intent.Currency,
			},
		})
	}
	return nil
}

// MarkEntryFeePaid applies the reconciled payment success. Only the caller
// whose conditional update wins performs the activation side effects, so
// racing confirmations converge on exactly one activation.
func (e *Engine) MarkEntryFeePaid(ctx context.Context, franchiseeID, intentID string) error {
	fr, err := getFranchisee(ctx, e.db, franchiseeID)
	if err != nil {
		return err
	}

	switch {
	case fr.State == models.StateEntryFeePending:
		applied, err := e.transition(ctx, e.db, fr, models.StateEntryFeePaid, "payment-gateway", map[string]interface{}{
			"paymentIntentId": intentID,
		})
		if err != nil {
			return err
		}
		if applied {
			e.emit(ctx, models.DomainEvent{
				Type:           models.EventEntryFeePaid,
				FranchiseeID:   fr.ID,
				ContractID:     deref(fr.CurrentContractID),
				RecipientEmail: fr.Email,
				Priority:       "normal",
				Metadata:       map[string]interface{}{"paymentIntentId": intentID},
			})
		}
		return e.activate(ctx, fr)
	case fr.State == models.StateEntryFeePaid:
		return e.activate(ctx, fr)
	case fr.State == models.StateActive:
		return nil
	default:
		return errors.NewConflictError("Payment success not applicable", "current state: "+string(fr.State))
	}
}

func (e *Engine) activate(ctx context.Context, fr *models.Franchisee) error {
	applied, err := e.transition(ctx, e.db, fr, models.StateActive, "system", nil)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if _, err := e.db.ExecContext(ctx,
		`UPDATE franchisees SET active = true WHERE id = $1`, fr.ID); err != nil {
		return errors.NewDatabaseError("mark active", err)
	}
	fr.Active = true

	if e.obs != nil {
		e.obs.RecordActivation(ctx)
	}
	if e.onActivate != nil {
		e.onActivate(fr.ID)
	}

	e.emit(ctx, models.DomainEvent{
		Type:           models.EventAccountActivated,
		FranchiseeID:   fr.ID,
		RecipientEmail: fr.Email,
		RecipientPhone: fr.Phone,
		Priority:       "high",
	})
	return nil
}

// ExpireContract demotes an unsigned contract whose governing token has
// lapsed and reports whether this call performed the demotion. A pure state
// demotion: if signature happened meanwhile this is a no-op, and nothing is
// ever deleted.
func (e *Engine) ExpireContract(ctx context.Context, franchiseeID, actor string) (bool, error) {
	fr, err := getFranchisee(ctx, e.db, franchiseeID)
	if err != nil {
		return false, err
	}

	switch {
	case fr.State == models.StateContractExpired:
		return false, nil
	case fr.State == models.StateContractGenerated || fr.State == models.StateContractViewed:
		applied, err := e.transition(ctx, e.db, fr, models.StateContractExpired, actor, nil)
		if err != nil {
			return false, err
		}
		if applied {
			metrics.SweepDemotions.Inc()
			e.emit(ctx, models.DomainEvent{
				Type:           models.EventContractExpired,
				FranchiseeID:   fr.ID,
				ContractID:     deref(fr.CurrentContractID),
				RecipientEmail: fr.Email,
				Priority:       "normal",
			})
		}
		return applied, nil
	case reachedOrPassed(fr.State, models.StateContractSigned):
		// Signature won the race; leave it be.
		return false, nil
	default:
		return false, errors.NewConflictError("Expiry not applicable", "current state: "+string(fr.State))
	}
}

// ReissueContract supersedes an expired contract with a wholly new one.
// The old contract row is retained and marked superseded.
func (e *Engine) ReissueContract(ctx context.Context, franchiseeID, actor string) (*models.Contract, error) {
	fr, err := getFranchisee(ctx, e.db, franchiseeID)
	if err != nil {
		return nil, err
	}
	if fr.State != models.StateContractExpired {
		return nil, errors.NewConflictError("Reissue requires an expired contract", "current state: "+string(fr.State))
	}

	oldContractID := deref(fr.CurrentContractID)

	now := e.now().UTC()
	res, err := e.db.ExecContext(ctx, `
		UPDATE franchisees SET state = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND state = $4`,
		string(models.StateValidated), now, fr.ID, string(models.StateContractExpired),
	)
	if err != nil {
		return nil, errors.NewDatabaseError("reset for reissue", err)
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		return nil, errors.NewConflictError("Reissue lost to concurrent update", "franchiseeId: "+fr.ID)
	}

	e.recordAudit(ctx, fr, models.StateContractExpired, models.StateValidated, actor, map[string]interface{}{
		"reissue": true,
	})

	contract, err := e.GenerateContract(ctx, fr.ID, actor)
	if err != nil {
		return nil, err
	}

	if oldContractID != "" {
		if _, err := e.db.ExecContext(ctx,
			`UPDATE contracts SET superseded_by = $1, updated_at = $2 WHERE id = $3`,
			contract.ID, now, oldContractID); err != nil {
			e.logger.Warn("mark superseded failed", map[string]interface{}{
				"oldContractId": oldContractID,
				"error":         err.Error(),
			})
		}
	}

	return contract, nil
}

// transition applies a single state change with a conditional update. It returns
// (true, nil) when this caller won the write, (false, nil) when the target
// state was already reached, and a conflict error otherwise.
func (e *Engine) transition(ctx context.Context, tx dbtx, fr *models.Franchisee, to models.OnboardingState, actor string, detail map[string]interface{}) (bool, error) {
	from := fr.State
	if from == to || reachedOrPassed(from, to) {
		return false, nil
	}
	if !CanTransition(from, to) {
		return false, errors.NewConflictError(
			fmt.Sprintf("Transition %s -> %s not permitted", from, to),
			"franchiseeId: "+fr.ID)
	}

	now := e.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE franchisees SET state = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND state = $4`,
		string(to), now, fr.ID, string(from),
	)
	if err != nil {
		return false, errors.NewDatabaseError("update state", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewDatabaseError("update state", err)
	}

	if aff == 0 {
		cur, err := getFranchisee(ctx, tx, fr.ID)
		if err != nil {
			return false, err
		}
		fr.State = cur.State
		fr.Version = cur.Version
		if cur.State == to || reachedOrPassed(cur.State, to) {
			return false, nil
		}
		return false, errors.NewConflictError(
			fmt.Sprintf("Transition %s -> %s lost to concurrent update", from, to),
			"current state: "+string(cur.State))
	}

	fr.State = to
	fr.Version++
	fr.UpdatedAt = now

	e.recordAudit(ctx, fr, from, to, actor, detail)
	if e.obs != nil {
		e.obs.RecordTransition(ctx, string(from), string(to))
	}
	return true, nil
}

func (e *Engine) recordAudit(ctx context.Context, fr *models.Franchisee, from, to models.OnboardingState, actor string, detail map[string]interface{}) {
	if e.auditor == nil {
		return
	}
	entry := audit.Entry{
		FranchiseeID: fr.ID,
		ContractID:   deref(fr.CurrentContractID),
		FromState:    string(from),
		ToState:      string(to),
		Actor:        actor,
		Detail:       detail,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.auditor.Record(ctx, entry); err != nil {
		e.logger.Warn("audit record failed", map[string]interface{}{
			"franchiseeId": fr.ID,
			"error":        err.Error(),
		})
	}
}

func (e *Engine) emit(ctx context.Context, event models.DomainEvent) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Dispatch(ctx, event); err != nil {
		e.logger.Warn("notification dispatch failed", map[string]interface{}{
			"eventType":    string(event.Type),
			"franchiseeId": event.FranchiseeID,
			"error":        err.Error(),
		})
	}
}

func (e *Engine) contractNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("FR-%d-%s", now.Year(), suffix)
}

func (e *Engine) publicURL(path string) string {
	return strings.TrimRight(e.cfg.PublicBaseURL, "/") + path
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
