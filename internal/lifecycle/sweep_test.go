package lifecycle

import (
	"context"
	"testing"
	"time"

	"franchise-onboarding/internal/common/logger"
	"franchise-onboarding/internal/models"
	"franchise-onboarding/internal/token"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSweeper(t *testing.T) (*Sweeper, sqlmock.Sqlmock, *fakeNotifier) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.NewTestLogger(t)
	tokens := token.NewService(db, nil, log, time.Hour, 5*time.Minute)
	notifier := &fakeNotifier{}

	engine := NewEngine(db, tokens, &fakeRenderer{}, &fakeMinter{}, notifier, nil, nil, log, Config{
		EntryFeeCents: 5000000,
		Currency:      "usd",
		PublicBaseURL: "https://onboard.example.com",
	}).WithClock(func() time.Time { return testNow })

	sweeper := NewSweeper(db, engine, log, time.Minute, 50).
		WithClock(func() time.Time { return testNow })
	return sweeper, mock, notifier
}

func TestRunOnce_DemotesLapsedContracts(t *testing.T) {
	sweeper, mock, notifier := newTestSweeper(t)

	mock.ExpectQuery(`SELECT f\.id`).
		WithArgs("contract_generated", "contract_viewed", "contract_accept", testNow, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("fr-1").AddRow("fr-2"))

	// fr-1 is still waiting on a signature and gets demoted.
	expectGetFranchisee(mock, "fr-1", models.StateContractViewed, "contract-1", 5)
	expectTransition(mock, "fr-1", models.StateContractViewed, models.StateContractExpired, 1)

	// fr-2 signed between the scan and the demotion; left untouched.
	expectGetFranchisee(mock, "fr-2", models.StateContractSigned, "contract-2", 6)

	demoted, err := sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, demoted)
	assert.Equal(t, []models.EventType{models.EventContractExpired}, notifier.eventTypes())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_EmptyScan(t *testing.T) {
	sweeper, mock, notifier := newTestSweeper(t)

	mock.ExpectQuery(`SELECT f\.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	demoted, err := sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, demoted)
	assert.Empty(t, notifier.events)
}
