package lifecycle

import (
	"context"
	"database/sql"

	"franchise-onboarding/internal/common/errors"
	"franchise-onboarding/internal/models"
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

const franchiseeColumns = `id, email, phone, validated, active, state, current_contract_id, version, created_at, updated_at`

func scanFranchisee(row *sql.Row) (*models.Franchisee, error) {
	var (
		fr         models.Franchisee
		phone      sql.NullString
		state      string
		contractID sql.NullString
	)
	err := row.Scan(
		&fr.ID, &fr.Email, &phone, &fr.Validated, &fr.Active,
		&state, &contractID, &fr.Version, &fr.CreatedAt, &fr.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("franchisee not found")
		}
		return nil, errors.NewDatabaseError("select franchisee", err)
	}

	fr.State = models.OnboardingState(state)
	if phone.Valid {
		fr.Phone = phone.String
	}
	if contractID.Valid {
		id := contractID.String
		fr.CurrentContractID = &id
	}
	return &fr, nil
}

func getFranchisee(ctx context.Context, tx dbtx, id string) (*models.Franchisee, error) {
	return scanFranchisee(tx.QueryRowContext(ctx,
		`SELECT `+franchiseeColumns+` FROM franchisees WHERE id = $1`, id))
}

const contractColumns = `id, franchisee_id, contract_number, artifact_ref, signed_at, superseded_by, created_at, updated_at`

func scanContract(row *sql.Row) (*models.Contract, error) {
	var (
		c            models.Contract
		artifactRef  sql.NullString
		signedAt     sql.NullTime
		supersededBy sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.FranchiseeID, &c.ContractNumber, &artifactRef,
		&signedAt, &supersededBy, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("contract not found")
		}
		return nil, errors.NewDatabaseError("select contract", err)
	}

	if artifactRef.Valid {
		c.ArtifactRef = artifactRef.String
	}
	if signedAt.Valid {
		t := signedAt.Time
		c.SignedAt = &t
	}
	if supersededBy.Valid {
		id := supersededBy.String
		c.SupersededBy = &id
	}
	return &c, nil
}

func getContract(ctx context.Context, tx dbtx, id string) (*models.Contract, error) {
	return scanContract(tx.QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
}
