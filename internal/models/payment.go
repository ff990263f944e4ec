package models

import "time"

// PaymentPurpose identifies what a payment intent collects.
type PaymentPurpose string

const (
	PurposeEntryFee PaymentPurpose = "entry_fee"
	PurposeOtherFee PaymentPurpose = "other"
)

// PaymentStatus is the reconciled status of a payment intent.
type PaymentStatus string

const (
	PaymentCreated              PaymentStatus = "created"
	PaymentRequiresConfirmation PaymentStatus = "requires_confirmation"
	PaymentSucceeded            PaymentStatus = "succeeded"
	PaymentFailed               PaymentStatus = "failed"
	PaymentCanceled             PaymentStatus = "canceled"
)

// Terminal reports whether no further status change is legal.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentSucceeded, PaymentFailed, PaymentCanceled:
		return true
	}
	return false
}

// PaymentIntent tracks one attempt to collect money from a franchisee.
// Amounts are integer minor currency units end-to-end; rows are never
// deleted. Version is the optimistic-concurrency token resolving the
// webhook-vs-client-result race.
type PaymentIntent struct {
	ID              string         `json:"id"`
	FranchiseeID    string         `json:"franchiseeId"`
	Purpose         PaymentPurpose `json:"purpose"`
	AmountCents     int64          `json:"amountCents"`
	Currency        string         `json:"currency"`
	GatewayIntentID string         `json:"gatewayIntentId,omitempty"`
	ClientSecret    string         `json:"-"`
	IdempotencyKey  string         `json:"idempotencyKey"`
	Status          PaymentStatus  `json:"status"`
	Attempt         int            `json:"attempt"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}
