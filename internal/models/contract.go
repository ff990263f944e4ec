package models

import "time"

// Contract is the legal document instance bound to exactly one franchisee.
// Historical contracts are retained; re-issue creates a new row and marks
// the old one superseded.
type Contract struct {
	ID             string     `json:"id"`
	FranchiseeID   string     `json:"franchiseeId"`
	ContractNumber string     `json:"contractNumber"`
	ArtifactRef    string     `json:"artifactRef,omitempty"`
	SignedAt       *time.Time `json:"signedAt,omitempty"`
	SupersededBy   *string    `json:"supersededBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
