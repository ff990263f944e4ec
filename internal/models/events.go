package models

// EventType names a domain event emitted after a committed lifecycle
// transition.
type EventType string

const (
	EventApplicationReceived EventType = "application_received"
	EventApplicationRejected EventType = "application_rejected"
	EventContractGenerated   EventType = "contract_generated"
	EventContractSigned      EventType = "contract_signed"
	EventContractExpired     EventType = "contract_expired"
	EventEntryFeePaid        EventType = "entry_fee_paid"
	EventAccountActivated    EventType = "account_activated"
)

// DomainEvent carries the subject identifiers and any public-token-derived
// URLs the notification dispatcher needs. The dispatcher alone owns message
// content and delivery; its failures never roll back the transition that
// produced the event.
type DomainEvent struct {
	Type           EventType              `json:"type"`
	FranchiseeID   string                 `json:"franchiseeId"`
	ContractID     string                 `json:"contractId,omitempty"`
	RecipientEmail string                 `json:"recipientEmail,omitempty"`
	RecipientPhone string                 `json:"recipientPhone,omitempty"`
	Priority       string                 `json:"priority,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}
