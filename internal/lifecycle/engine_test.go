package lifecycle

import (
	"context"
	"testing"
	"time"

	"franchise-onboarding/internal/common/errors"
	"franchise-onboarding/internal/common/logger"
	"franchise-onboarding/internal/models"
	"franchise-onboarding/internal/token"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRenderer struct {
	calls int
	err   error
}

func (f *fakeRenderer) Render(_ context.Context, contract *models.Contract) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "contracts/" + contract.FranchiseeID + "/" + contract.ContractNumber + ".pdf", nil
}

type fakeNotifier struct {
	events []models.DomainEvent
}

func (f *fakeNotifier) Dispatch(_ context.Context, event models.DomainEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) eventTypes() []models.EventType {
	types := make([]models.EventType, 0, len(f.events))
	for _, e := range f.events {
		types = append(types, e.Type)
	}
	return types
}

type fakeMinter struct {
	calls int
}

func (f *fakeMinter) MintIntent(_ context.Context, franchiseeID string, purpose models.PaymentPurpose, amountCents int64, currency string) (*models.PaymentIntent, error) {
	f.calls++
	return &models.PaymentIntent{
		ID:           "pi-1",
		FranchiseeID: franchiseeID,
		Purpose:      purpose,
		AmountCents:  amountCents,
		Currency:     currency,
		Status:       models.PaymentCreated,
		Attempt:      1,
	}, nil
}

type testEnv struct {
	engine      *Engine
	mock        sqlmock.Sqlmock
	renderer    *fakeRenderer
	notifier    *fakeNotifier
	minter      *fakeMinter
	activations int
}

func newTestEngine(t *testing.T) *testEnv {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.NewTestLogger(t)
	tokens := token.NewService(db, nil, log, time.Hour, 5*time.Minute).
		WithClock(func() time.Time { return testNow })

	env := &testEnv{
		mock:     mock,
		renderer: &fakeRenderer{},
		notifier: &fakeNotifier{},
		minter:   &fakeMinter{},
	}

	env.engine = NewEngine(db, tokens, env.renderer, env.minter, env.notifier, nil, nil, log, Config{
		ViewTTL:       30 * time.Minute,
		AcceptTTL:     30 * time.Minute,
		PaymentTTL:    30 * time.Minute,
		EntryFeeCents: 5000000,
		Currency:      "usd",
		PublicBaseURL: "https://onboard.example.com",
	}).WithClock(func() time.Time { return testNow }).
		WithActivationHook(func(string) { env.activations++ })

	return env
}

func franchiseeColumnsList() []string {
	return []string{
		"id", "email", "phone", "validated", "active", "state",
		"current_contract_id", "version", "created_at", "updated_at",
	}
}

func franchiseeRow(id string, state models.OnboardingState, contractID interface{}, version int) *sqlmock.Rows {
	return sqlmock.NewRows(franchiseeColumnsList()).AddRow(
		id, "jane@example.com", "+15550100", true, false,
		string(state), contractID, version, testNow, testNow,
	)
}

func contractRow(id, franchiseeID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "franchisee_id", "contract_number", "artifact_ref",
		"signed_at", "superseded_by", "created_at", "updated_at",
	}).AddRow(id, franchiseeID, "FR-2025-ABCD1234", "contracts/fr-1/FR-2025-ABCD1234.pdf",
		nil, nil, testNow, testNow)
}

func expectGetFranchisee(mock sqlmock.Sqlmock, id string, state models.OnboardingState, contractID interface{}, version int) {
	mock.ExpectQuery(`SELECT id, email, phone`).
		WithArgs(id).
		WillReturnRows(franchiseeRow(id, state, contractID, version))
}

func expectTransition(mock sqlmock.Sqlmock, id string, from, to models.OnboardingState, rows int64) {
	mock.ExpectExec(`UPDATE franchisees SET state`).
		WithArgs(string(to), testNow, id, string(from)).
		WillReturnResult(sqlmock.NewResult(0, rows))
}

const validApplication = `{
	"personalInfo": {"name": "Jane Doe", "email": "jane@example.com", "phone": "+15550100"},
	"financialInfo": {"liquidCapital": 250000, "netWorth": 900000, "creditScore": 720},
	"experience": {"yearsInIndustry": 6, "managementExperience": true}
}`

func TestSubmitApplication(t *testing.T) {
	env := newTestEngine(t)

	env.mock.ExpectExec(`INSERT INTO franchisees`).
		WithArgs(sqlmock.AnyArg(), "jane@example.com", "+15550100", sqlmock.AnyArg(), "draft", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(`UPDATE franchisees SET state`).
		WithArgs("pending_review", testNow, sqlmock.AnyArg(), "draft").
		WillReturnResult(sqlmock.NewResult(0, 1))

	fr, err := env.engine.SubmitApplication(context.Background(), []byte(validApplication))

	require.NoError(t, err)
	assert.Equal(t, models.StatePendingReview, fr.State)
	assert.Equal(t, "jane@example.com", fr.Email)
	assert.Equal(t, []models.EventType{models.EventApplicationReceived}, env.notifier.eventTypes())
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSubmitApplication_RejectsInvalidPayload(t *testing.T) {
	env := newTestEngine(t)

	_, err := env.engine.SubmitApplication(context.Background(), []byte(`{"personalInfo": {}}`))

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestApplyReviewDecision_Validate(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StatePendingReview, nil, 2)
	// State and the validated flag move in one statement; a crash can never
	// leave a validated state with the flag unset.
	env.mock.ExpectExec(`UPDATE franchisees SET state = \$1, validated = true`).
		WithArgs("validated", testNow, "fr-1", "pending_review").
		WillReturnResult(sqlmock.NewResult(0, 1))

	fr, err := env.engine.ApplyReviewDecision(context.Background(), "fr-1", models.DecisionValidate, "reviewer-7")

	require.NoError(t, err)
	assert.Equal(t, models.StateValidated, fr.State)
	assert.True(t, fr.Validated)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestApplyReviewDecision_ValidateLostRaceAdoptsCurrentRow(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StatePendingReview, nil, 2)
	env.mock.ExpectExec(`UPDATE franchisees SET state = \$1, validated = true`).
		WithArgs("validated", testNow, "fr-1", "pending_review").
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectGetFranchisee(env.mock, "fr-1", models.StateValidated, nil, 3)

	fr, err := env.engine.ApplyReviewDecision(context.Background(), "fr-1", models.DecisionValidate, "reviewer-7")

	require.NoError(t, err)
	assert.Equal(t, models.StateValidated, fr.State)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestApplyReviewDecision_Reject(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StatePendingReview, nil, 2)
	expectTransition(env.mock, "fr-1", models.StatePendingReview, models.StateRejected, 1)

	fr, err := env.engine.ApplyReviewDecision(context.Background(), "fr-1", models.DecisionReject, "reviewer-7")

	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, fr.State)
	assert.Equal(t, []models.EventType{models.EventApplicationRejected}, env.notifier.eventTypes())
}

func TestApplyReviewDecision_RepeatIsNoop(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateValidated, nil, 3)

	fr, err := env.engine.ApplyReviewDecision(context.Background(), "fr-1", models.DecisionValidate, "reviewer-7")

	require.NoError(t, err)
	assert.Equal(t, models.StateValidated, fr.State)
	assert.Empty(t, env.notifier.events)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestApplyReviewDecision_ChangingVerdictIsConflict(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateRejected, nil, 3)

	_, err := env.engine.ApplyReviewDecision(context.Background(), "fr-1", models.DecisionValidate, "reviewer-7")

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestGenerateContract(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateValidated, nil, 3)
	env.mock.ExpectBegin()
	env.mock.ExpectExec(`INSERT INTO contracts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(`INSERT INTO public_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(`INSERT INTO public_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(`UPDATE franchisees SET state`).
		WithArgs("contract_generated", sqlmock.AnyArg(), testNow, "fr-1", "validated").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	contract, err := env.engine.GenerateContract(context.Background(), "fr-1", "operator")

	require.NoError(t, err)
	assert.Equal(t, 1, env.renderer.calls)
	assert.Contains(t, contract.ContractNumber, "FR-2025-")
	assert.NotEmpty(t, contract.ArtifactRef)

	require.Equal(t, []models.EventType{models.EventContractGenerated}, env.notifier.eventTypes())
	meta := env.notifier.events[0].Metadata
	assert.Contains(t, meta["viewUrl"], "https://onboard.example.com/public/contract/")
	assert.Contains(t, meta["acceptUrl"], "/accept")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestGenerateContract_RetryReturnsExistingContract(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateContractGenerated, "contract-1", 4)
	env.mock.ExpectQuery(`SELECT id, franchisee_id`).
		WithArgs("contract-1").
		WillReturnRows(contractRow("contract-1", "fr-1"))

	contract, err := env.engine.GenerateContract(context.Background(), "fr-1", "operator")

	require.NoError(t, err)
	assert.Equal(t, "contract-1", contract.ID)
	assert.Equal(t, 0, env.renderer.calls)
	assert.Empty(t, env.notifier.events)
}

func TestGenerateContract_RequiresValidatedState(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StatePendingReview, nil, 2)

	_, err := env.engine.GenerateContract(context.Background(), "fr-1", "operator")

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
	assert.Equal(t, 0, env.renderer.calls)
}

func TestRecordView_FirstViewTransitions(t *testing.T) {
	env := newTestEngine(t)

	env.mock.ExpectQuery(`SELECT id, franchisee_id`).
		WithArgs("contract-1").
		WillReturnRows(contractRow("contract-1", "fr-1"))
	expectGetFranchisee(env.mock, "fr-1", models.StateContractGenerated, "contract-1", 4)
	expectTransition(env.mock, "fr-1", models.StateContractGenerated, models.StateContractViewed, 1)

	_, fr, err := env.engine.RecordView(context.Background(), "contract-1")

	require.NoError(t, err)
	assert.Equal(t, models.StateContractViewed, fr.State)
}

func TestRecordView_RepeatViewIsNoop(t *testing.T) {
	env := newTestEngine(t)

	env.mock.ExpectQuery(`SELECT id, franchisee_id`).
		WithArgs("contract-1").
		WillReturnRows(contractRow("contract-1", "fr-1"))
	expectGetFranchisee(env.mock, "fr-1", models.StateContractSigned, "contract-1", 6)

	_, fr, err := env.engine.RecordView(context.Background(), "contract-1")

	require.NoError(t, err)
	assert.Equal(t, models.StateContractSigned, fr.State)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRecordView_SupersededContractIsGone(t *testing.T) {
	env := newTestEngine(t)

	env.mock.ExpectQuery(`SELECT id, franchisee_id`).
		WithArgs("contract-1").
		WillReturnRows(contractRow("contract-1", "fr-1"))
	expectGetFranchisee(env.mock, "fr-1", models.StateContractViewed, "contract-2", 5)

	_, _, err := env.engine.RecordView(context.Background(), "contract-1")

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExpired))
}

func TestFinalizeAcceptance(t *testing.T) {
	env := newTestEngine(t)
	consumed := testNow

	env.mock.ExpectQuery(`SELECT id, franchisee_id`).
		WithArgs("contract-1").
		WillReturnRows(contractRow("contract-1", "fr-1"))
	expectGetFranchisee(env.mock, "fr-1", models.StateContractViewed, "contract-1", 5)

	env.mock.ExpectBegin()
	env.mock.ExpectExec(`UPDATE public_tokens SET consumed_at`).
		WithArgs("tok-accept", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery(`SELECT token, purpose, subject_id`).
		WithArgs("tok-accept").
		WillReturnRows(sqlmock.NewRows([]string{"token", "purpose", "subject_id", "issued_at", "expires_at", "consumed_at"}).
			AddRow("tok-accept", "contract_accept", "contract-1", testNow.Add(-time.Hour), testNow.Add(time.Hour), consumed))
	expectGetFranchisee(env.mock, "fr-1", models.StateContractViewed, "contract-1", 5)
	expectTransition(env.mock, "fr-1", models.StateContractViewed, models.StateContractSigned, 1)
	env.mock.ExpectExec(`UPDATE contracts SET signed_at`).
		WithArgs(testNow, "contract-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	// Follow-up entry-fee setup after the signature committed.
	expectGetFranchisee(env.mock, "fr-1", models.StateContractSigned, "contract-1", 6)
	env.mock.ExpectExec(`INSERT INTO public_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectTransition(env.mock, "fr-1", models.StateContractSigned, models.StateEntryFeePending, 1)

	fr, err := env.engine.FinalizeAcceptance(context.Background(), "contract-1", "tok-accept")

	require.NoError(t, err)
	assert.Equal(t, 1, env.minter.calls)
	assert.Equal(t, []models.EventType{models.EventContractSigned}, env.notifier.eventTypes())
	assert.Contains(t, env.notifier.events[0].Metadata["paymentUrl"], "/public/entry-fee/")
	assert.Equal(t, models.StateEntryFeePending, fr.State)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestFinalizeAcceptance_ReplayReportsAlreadyConsumed(t *testing.T) {
	env := newTestEngine(t)
	consumed := testNow.Add(-time.Minute)

	env.mock.ExpectQuery(`SELECT id, franchisee_id`).
		WithArgs("contract-1").
		WillReturnRows(contractRow("contract-1", "fr-1"))
	expectGetFranchisee(env.mock, "fr-1", models.StateEntryFeePending, "contract-1", 7)

	env.mock.ExpectBegin()
	env.mock.ExpectExec(`UPDATE public_tokens SET consumed_at`).
		WithArgs("tok-accept", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectQuery(`SELECT token, purpose, subject_id`).
		WithArgs("tok-accept").
		WillReturnRows(sqlmock.NewRows([]string{"token", "purpose", "subject_id", "issued_at", "expires_at", "consumed_at"}).
			AddRow("tok-accept", "contract_accept", "contract-1", testNow.Add(-time.Hour), testNow.Add(time.Hour), consumed))
	env.mock.ExpectRollback()

	// Replay repair check: progress already past contract_signed, nothing
	// to redo.
	expectGetFranchisee(env.mock, "fr-1", models.StateEntryFeePending, "contract-1", 7)

	_, err := env.engine.FinalizeAcceptance(context.Background(), "contract-1", "tok-accept")

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyConsumed))
	assert.Equal(t, 0, env.minter.calls)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestMarkEntryFeePaid_ActivatesExactlyOnce(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateEntryFeePending, "contract-1", 7)
	expectTransition(env.mock, "fr-1", models.StateEntryFeePending, models.StateEntryFeePaid, 1)
	expectTransition(env.mock, "fr-1", models.StateEntryFeePaid, models.StateActive, 1)
	env.mock.ExpectExec(`UPDATE franchisees SET active`).
		WithArgs("fr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := env.engine.MarkEntryFeePaid(context.Background(), "fr-1", "pi-1")

	require.NoError(t, err)
	assert.Equal(t, 1, env.activations)
	assert.Equal(t, []models.EventType{models.EventEntryFeePaid, models.EventAccountActivated}, env.notifier.eventTypes())

	// The repeated confirmation observes the settled state and does nothing.
	expectGetFranchisee(env.mock, "fr-1", models.StateActive, "contract-1", 9)

	err = env.engine.MarkEntryFeePaid(context.Background(), "fr-1", "pi-1")

	require.NoError(t, err)
	assert.Equal(t, 1, env.activations)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestMarkEntryFeePaid_ResumesAfterPartialAdvance(t *testing.T) {
	// A crash between entry_fee_paid and active leaves the row one step
	// short; the redelivered confirmation finishes the activation.
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateEntryFeePaid, "contract-1", 8)
	expectTransition(env.mock, "fr-1", models.StateEntryFeePaid, models.StateActive, 1)
	env.mock.ExpectExec(`UPDATE franchisees SET active`).
		WithArgs("fr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := env.engine.MarkEntryFeePaid(context.Background(), "fr-1", "pi-1")

	require.NoError(t, err)
	assert.Equal(t, 1, env.activations)
	assert.Equal(t, []models.EventType{models.EventAccountActivated}, env.notifier.eventTypes())
}

func TestMarkEntryFeePaid_BeforePendingIsConflict(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateContractViewed, "contract-1", 5)

	err := env.engine.MarkEntryFeePaid(context.Background(), "fr-1", "pi-1")

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
	assert.Equal(t, 0, env.activations)
}

func TestExpireContract(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateContractViewed, "contract-1", 5)
	expectTransition(env.mock, "fr-1", models.StateContractViewed, models.StateContractExpired, 1)

	applied, err := env.engine.ExpireContract(context.Background(), "fr-1", "sweeper")

	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, []models.EventType{models.EventContractExpired}, env.notifier.eventTypes())
}

func TestExpireContract_NeverClobbersSignature(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateContractSigned, "contract-1", 6)

	applied, err := env.engine.ExpireContract(context.Background(), "fr-1", "sweeper")

	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, env.notifier.events)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestExpireContract_RepeatIsNoop(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateContractExpired, "contract-1", 6)

	applied, err := env.engine.ExpireContract(context.Background(), "fr-1", "sweeper")

	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, env.notifier.events)
}

func TestReissueContract(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateContractExpired, "contract-1", 6)
	env.mock.ExpectExec(`UPDATE franchisees SET state`).
		WithArgs("validated", testNow, "fr-1", "contract_expired").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Fresh generation against the reset row.
	expectGetFranchisee(env.mock, "fr-1", models.StateValidated, nil, 7)
	env.mock.ExpectBegin()
	env.mock.ExpectExec(`INSERT INTO contracts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(`INSERT INTO public_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(`INSERT INTO public_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(`UPDATE franchisees SET state`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	env.mock.ExpectExec(`UPDATE contracts SET superseded_by`).
		WithArgs(sqlmock.AnyArg(), testNow, "contract-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	contract, err := env.engine.ReissueContract(context.Background(), "fr-1", "admin")

	require.NoError(t, err)
	assert.NotEqual(t, "contract-1", contract.ID)
	assert.Equal(t, 1, env.renderer.calls)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestReissueContract_RequiresExpiredState(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateContractViewed, "contract-1", 5)

	_, err := env.engine.ReissueContract(context.Background(), "fr-1", "admin")

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestTransition_LostRaceToSameTargetIsNoop(t *testing.T) {
	env := newTestEngine(t)

	expectGetFranchisee(env.mock, "fr-1", models.StateContractViewed, "contract-1", 5)
	// Conditional update misses because a concurrent caller already moved
	// the row to the same target.
	expectTransition(env.mock, "fr-1", models.StateContractViewed, models.StateContractExpired, 0)
	expectGetFranchisee(env.mock, "fr-1", models.StateContractExpired, "contract-1", 6)

	applied, err := env.engine.ExpireContract(context.Background(), "fr-1", "sweeper")

	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, env.notifier.events)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}
