package models

import "time"

// OnboardingState is the authoritative lifecycle status of a franchisee
// application as it moves through review, signature and payment.
type OnboardingState string

const (
	StateDraft             OnboardingState = "draft"
	StatePendingReview     OnboardingState = "pending_review"
	StateValidated         OnboardingState = "validated"
	StateRejected          OnboardingState = "rejected"
	StateContractGenerated OnboardingState = "contract_generated"
	StateContractViewed    OnboardingState = "contract_viewed"
	StateContractSigned    OnboardingState = "contract_signed"
	StateEntryFeePending   OnboardingState = "entry_fee_pending"
	StateEntryFeePaid      OnboardingState = "entry_fee_paid"
	StateActive            OnboardingState = "active"
	StateContractExpired   OnboardingState = "contract_expired"
)

// Franchisee is the applicant/operator identity. Rows are never deleted,
// only deactivated.
type Franchisee struct {
	ID                string          `json:"id"`
	Email             string          `json:"email"`
	Phone             string          `json:"phone,omitempty"`
	Validated         bool            `json:"validated"`
	Active            bool            `json:"active"`
	State             OnboardingState `json:"state"`
	CurrentContractID *string         `json:"currentContractId,omitempty"`
	Version           int             `json:"version"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// ApplicationData is the structured payload submitted with a franchise
// application.
type ApplicationData struct {
	PersonalInfo  PersonalInfo  `json:"personalInfo"`
	FinancialInfo FinancialInfo `json:"financialInfo"`
	Experience    Experience    `json:"experience"`
	BusinessPlan  *BusinessPlan `json:"businessPlan,omitempty"`
}

type PersonalInfo struct {
	Name                string   `json:"name"`
	Email               string   `json:"email"`
	Phone               string   `json:"phone"`
	Address             string   `json:"address,omitempty"`
	LocationPreferences []string `json:"locationPreferences,omitempty"`
}

type FinancialInfo struct {
	LiquidCapital int `json:"liquidCapital"`
	NetWorth      int `json:"netWorth"`
	CreditScore   int `json:"creditScore,omitempty"`
}

type Experience struct {
	YearsInIndustry      int  `json:"yearsInIndustry"`
	ManagementExperience bool `json:"managementExperience"`
	BusinessOwnership    bool `json:"businessOwnership,omitempty"`
}

type BusinessPlan struct {
	ExecutiveSummary     string `json:"executiveSummary,omitempty"`
	MarketAnalysis       string `json:"marketAnalysis,omitempty"`
	FinancialProjections string `json:"financialProjections,omitempty"`
}

// ReviewDecision is the internal reviewer's verdict on a pending
// application.
type ReviewDecision string

const (
	DecisionValidate ReviewDecision = "validate"
	DecisionReject   ReviewDecision = "reject"
)
