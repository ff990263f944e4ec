package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"franchise-onboarding/internal/common/errors"
	"franchise-onboarding/internal/common/logger"
	"franchise-onboarding/internal/common/observability"
	"franchise-onboarding/internal/models"

	"github.com/google/uuid"
)

// Activator applies a reconciled payment success to the onboarding
// lifecycle. Implementations must be idempotent per (franchisee, intent).
type Activator interface {
	MarkEntryFeePaid(ctx context.Context, franchiseeID, intentID string) error
}

// WebhookEvent is the gateway's signed confirmation payload.
type WebhookEvent struct {
	EventID         string `json:"eventId"`
	GatewayIntentID string `json:"gatewayIntentId"`
	Status          string `json:"status"`
}

// Reconciler owns the payment_intents table. Gateway webhooks are the
// authoritative source of payment truth; browser-reported results are
// advisory only. Status moves forward through conditional updates keyed on
// the current status and version, so duplicate and out-of-order deliveries
// converge without double-applying anything.
type Reconciler struct {
	db        *sql.DB
	gateway   GatewayAPI
	secret    string
	obs       *observability.Observability
	logger    logger.Logger
	activator Activator
	now       func() time.Time
}

func NewReconciler(db *sql.DB, gateway GatewayAPI, webhookSecret string, obs *observability.Observability, log logger.Logger) *Reconciler {
	return &Reconciler{
		db:      db,
		gateway: gateway,
		secret:  webhookSecret,
		obs:     obs,
		logger:  log.WithFields(map[string]interface{}{"component": "payment-reconciler"}),
		now:     time.Now,
	}
}

// SetActivator wires the lifecycle side after both components exist.
func (r *Reconciler) SetActivator(a Activator) {
	r.activator = a
}

// WithClock overrides the time source. Tests only.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// MintIntent returns the open intent for (franchisee, purpose) or creates
// the next attempt. The idempotency key is derived from franchisee, purpose
// and attempt number, so retrying the same attempt can never double-charge
// while a fresh attempt after a terminal failure gets a fresh key.
func (r *Reconciler) MintIntent(ctx context.Context, franchiseeID string, purpose models.PaymentPurpose, amountCents int64, currency string) (*models.PaymentIntent, error) {
	if open, err := r.findOpenIntent(ctx, franchiseeID, purpose); err != nil {
		return nil, err
	} else if open != nil {
		return open, nil
	}

	var maxAttempt int
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt), 0) FROM payment_intents
		WHERE franchisee_id = $1 AND purpose = $2`,
		franchiseeID, string(purpose),
	).Scan(&maxAttempt)
	if err != nil {
		return nil, errors.NewDatabaseError("count payment attempts", err)
	}

	now := r.now().UTC()
	intent := &models.PaymentIntent{
		ID:             uuid.New().String(),
		FranchiseeID:   franchiseeID,
		Purpose:        purpose,
		AmountCents:    amountCents,
		Currency:       currency,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", franchiseeID, purpose, maxAttempt+1),
		Status:         models.PaymentCreated,
		Attempt:        maxAttempt + 1,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_intents (id, franchisee_id, purpose, amount_cents, currency, idempotency_key, status, attempt, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		intent.ID, intent.FranchiseeID, string(intent.Purpose), intent.AmountCents,
		intent.Currency, intent.IdempotencyKey, string(intent.Status), intent.Attempt, now,
	)
	if err != nil {
		return nil, errors.NewDatabaseError("insert payment intent", err)
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		// A concurrent mint won; adopt its row.
		return r.getIntentByIdempotencyKey(ctx, intent.IdempotencyKey)
	}

	return intent, nil
}

// EnsureGatewayIntent lazily registers the intent with the gateway on first
// payment-page load. Repeat calls return the already-registered intent; a
// call after a terminal failure rolls forward to a fresh attempt.
func (r *Reconciler) EnsureGatewayIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	intent, err := r.getIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}

	switch intent.Status {
	case models.PaymentSucceeded:
		return nil, errors.NewConflictError("Payment already settled", "intentId: "+intent.ID)
	case models.PaymentFailed, models.PaymentCanceled:
		intent, err = r.MintIntent(ctx, intent.FranchiseeID, intent.Purpose, intent.AmountCents, intent.Currency)
		if err != nil {
			return nil, err
		}
	}

	if intent.GatewayIntentID != "" {
		return intent, nil
	}

	resp, err := r.gateway.CreateIntent(ctx, GatewayIntentRequest{
		AmountCents:    intent.AmountCents,
		Currency:       intent.Currency,
		IdempotencyKey: intent.IdempotencyKey,
		Description:    fmt.Sprintf("franchise %s fee", intent.Purpose),
	})
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_intents SET gateway_intent_id = $1, client_secret = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND gateway_intent_id IS NULL`,
		resp.GatewayIntentID, resp.ClientSecret, now, intent.ID,
	)
	if err != nil {
		return nil, errors.NewDatabaseError("attach gateway intent", err)
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		// Another caller registered first. The shared idempotency key
		// means the gateway handed both callers the same intent.
		return r.getIntent(ctx, intent.ID)
	}

	intent.GatewayIntentID = resp.GatewayIntentID
	intent.ClientSecret = resp.ClientSecret
	intent.Version++
	intent.UpdatedAt = now
	return intent, nil
}

// ApplyClientResult records the browser's post-payment report. Only a
// success report moves created to requires_confirmation; failure reports
// are logged and leave the row untouched. Settled truth comes from the
// signed webhook and is never overwritten by a client claim either way.
func (r *Reconciler) ApplyClientResult(ctx context.Context, intentID, reportedStatus string) (*models.PaymentIntent, error) {
	intent, err := r.getIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}

	if intent.Status != models.PaymentCreated || reportedStatus != "succeeded" {
		r.logger.Info("client payment result recorded", map[string]interface{}{
			"intentId":       intent.ID,
			"status":         string(intent.Status),
			"reportedStatus": reportedStatus,
		})
		return intent, nil
	}

	now := r.now().UTC()
	if _, err := r.db.ExecContext(ctx, `
		UPDATE payment_intents SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(models.PaymentRequiresConfirmation), now, intent.ID, string(models.PaymentCreated),
	); err != nil {
		return nil, errors.NewDatabaseError("record client result", err)
	}

	r.logger.Info("client payment result recorded", map[string]interface{}{
		"intentId":       intent.ID,
		"reportedStatus": reportedStatus,
	})

	return r.getIntent(ctx, intent.ID)
}

// ApplyGatewayConfirmation verifies and applies one webhook delivery.
// Redeliveries of an already-applied event are acknowledged no-ops; a
// redelivered success additionally re-fires the lifecycle application so a
// crash between the status write and the lifecycle advance heals itself.
func (r *Reconciler) ApplyGatewayConfirmation(ctx context.Context, body []byte, signature string) error {
	if !VerifySignature(r.secret, body, signature) {
		r.recordWebhook(ctx, "signature_invalid")
		return errors.NewSignatureInvalidError("webhook signature mismatch")
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		r.recordWebhook(ctx, "malformed")
		return errors.NewValidationFailedError(fmt.Sprintf("parse webhook payload: %v", err))
	}
	if event.GatewayIntentID == "" {
		r.recordWebhook(ctx, "malformed")
		return errors.NewValidationFailedError("webhook payload missing gatewayIntentId")
	}

	target, known := mapGatewayStatus(event.Status)
	if !known {
		r.logger.Warn("unrecognized gateway status ignored", map[string]interface{}{
			"eventId": event.EventID,
			"status":  event.Status,
		})
		r.recordWebhook(ctx, "ignored")
		return nil
	}

	intent, err := r.getIntentByGatewayID(ctx, event.GatewayIntentID)
	if err != nil {
		r.recordWebhook(ctx, "unknown_intent")
		return err
	}

	if intent.Status == target {
		r.recordWebhook(ctx, "duplicate")
		if target == models.PaymentSucceeded {
			return r.applySuccess(ctx, intent)
		}
		return nil
	}

	if intent.Status.Terminal() {
		if target.Terminal() {
			r.recordWebhook(ctx, "conflict")
			return errors.NewConflictError(
				fmt.Sprintf("Settled intent reported %s, recorded %s", target, intent.Status),
				"intentId: "+intent.ID)
		}
		// Late non-terminal delivery after settlement. Nothing to do.
		r.recordWebhook(ctx, "stale")
		return nil
	}

	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_intents SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND status = $4 AND version = $5`,
		string(target), now, intent.ID, string(intent.Status), intent.Version,
	)
	if err != nil {
		return errors.NewDatabaseError("apply webhook status", err)
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		// Lost to a concurrent delivery. The gateway redelivers on
		// non-2xx, and the redelivery will hit a converged row.
		r.recordWebhook(ctx, "retry")
		return errors.NewConflictError("Concurrent webhook delivery", "intentId: "+intent.ID)
	}

	intent.Status = target
	r.recordWebhook(ctx, "applied")
	r.logger.Info("webhook applied", map[string]interface{}{
		"eventId":  event.EventID,
		"intentId": intent.ID,
		"status":   string(target),
	})

	if target == models.PaymentSucceeded {
		return r.applySuccess(ctx, intent)
	}
	return nil
}

// applySuccess forwards a settled success to the lifecycle. Returning the
// lifecycle error makes the gateway redeliver, and the duplicate path
// re-enters here until the advance sticks.
func (r *Reconciler) applySuccess(ctx context.Context, intent *models.PaymentIntent) error {
	if r.activator == nil {
		return nil
	}
	if err := r.activator.MarkEntryFeePaid(ctx, intent.FranchiseeID, intent.ID); err != nil {
		r.logger.Error("lifecycle application failed", map[string]interface{}{
			"intentId":     intent.ID,
			"franchiseeId": intent.FranchiseeID,
			"error":        err.Error(),
		})
		return err
	}
	return nil
}

func (r *Reconciler) recordWebhook(ctx context.Context, outcome string) {
	if r.obs != nil {
		r.obs.RecordWebhook(ctx, outcome)
	}
}

func mapGatewayStatus(s string) (models.PaymentStatus, bool) {
	switch s {
	case "succeeded":
		return models.PaymentSucceeded, true
	case "failed":
		return models.PaymentFailed, true
	case "canceled":
		return models.PaymentCanceled, true
	case "requires_confirmation", "processing":
		return models.PaymentRequiresConfirmation, true
	}
	return "", false
}

const intentColumns = `id, franchisee_id, purpose, amount_cents, currency, gateway_intent_id, client_secret, idempotency_key, status, attempt, version, created_at, updated_at`

func scanIntent(row *sql.Row) (*models.PaymentIntent, error) {
	var (
		in           models.PaymentIntent
		purpose      string
		gatewayID    sql.NullString
		clientSecret sql.NullString
		status       string
	)
	err := row.Scan(
		&in.ID, &in.FranchiseeID, &purpose, &in.AmountCents, &in.Currency,
		&gatewayID, &clientSecret, &in.IdempotencyKey, &status,
		&in.Attempt, &in.Version, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("payment intent not found")
		}
		return nil, errors.NewDatabaseError("select payment intent", err)
	}

	in.Purpose = models.PaymentPurpose(purpose)
	in.Status = models.PaymentStatus(status)
	if gatewayID.Valid {
		in.GatewayIntentID = gatewayID.String
	}
	if clientSecret.Valid {
		in.ClientSecret = clientSecret.String
	}
	return &in, nil
}

func (r *Reconciler) getIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	return scanIntent(r.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id))
}

func (r *Reconciler) getIntentByGatewayID(ctx context.Context, gatewayIntentID string) (*models.PaymentIntent, error) {
	return scanIntent(r.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE gateway_intent_id = $1`, gatewayIntentID))
}

func (r *Reconciler) getIntentByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	return scanIntent(r.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE idempotency_key = $1`, key))
}

func (r *Reconciler) findOpenIntent(ctx context.Context, franchiseeID string, purpose models.PaymentPurpose) (*models.PaymentIntent, error) {
	intent, err := scanIntent(r.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE franchisee_id = $1 AND purpose = $2 AND status NOT IN ($3, $4, $5)
		ORDER BY attempt DESC LIMIT 1`,
		franchiseeID, string(purpose),
		string(models.PaymentSucceeded), string(models.PaymentFailed), string(models.PaymentCanceled),
	))
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return intent, nil
}
