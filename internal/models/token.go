package models

import "time"

// TokenPurpose scopes a public token to exactly one action. Dispatch on
// purpose is an explicit enum check, never runtime type inspection.
type TokenPurpose string

const (
	PurposeContractView    TokenPurpose = "contract_view"
	PurposeContractAccept  TokenPurpose = "contract_accept"
	PurposeEntryFeePayment TokenPurpose = "entry_fee_payment"
)

// SingleUse reports whether tokens of this purpose are consumed on first
// successful use. View links stay reusable until expiry.
func (p TokenPurpose) SingleUse() bool {
	return p == PurposeContractAccept
}

// PublicToken is an unguessable bearer credential granting narrow,
// purpose-scoped access without a login session. Subject is a contract id
// for view/accept purposes and a payment-intent id for payment purposes.
type PublicToken struct {
	Value      string       `json:"-"`
	Purpose    TokenPurpose `json:"purpose"`
	SubjectID  string       `json:"subjectId"`
	IssuedAt   time.Time    `json:"issuedAt"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	ConsumedAt *time.Time   `json:"consumedAt,omitempty"`
}

// Expired reports whether the token is past its ttl at the given instant.
func (t *PublicToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Consumed reports whether a single-use token has already been used.
func (t *PublicToken) Consumed() bool {
	return t.ConsumedAt != nil
}
