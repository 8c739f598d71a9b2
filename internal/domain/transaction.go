package domain

import (
	"time"
)

// Transaction is an immutable input to the risk analysis pipeline.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Customer who initiated the transaction
	CustomerID string `json:"customerId"`

	// Jurisdiction code of the transaction (ISO 3166-1 alpha-2)
	Jurisdiction string `json:"jurisdiction"`

	// Channel (e.g., "wire", "cash", "card", "ach")
	Channel string `json:"channel"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Counterparty details
	CounterpartyID           string `json:"counterpartyId"`
	CounterpartyJurisdiction string `json:"counterpartyJurisdiction"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TransactionRequest is the API request payload for transaction analysis.
type TransactionRequest struct {
	TenantID     string                 `json:"tenantId"`
	CustomerID   string                 `json:"customerId"`
	Jurisdiction string                 `json:"jurisdiction"`
	Channel      string                 `json:"channel"`
	Amount       Amount                 `json:"amount"`
	Counterparty Counterparty           `json:"counterparty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Amount represents a monetary value.
type Amount struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

// Counterparty represents the other side of a transaction.
type Counterparty struct {
	ID           string `json:"id"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction() *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		TenantID:                 r.TenantID,
		CustomerID:               r.CustomerID,
		Jurisdiction:             r.Jurisdiction,
		Channel:                  r.Channel,
		Amount:                   r.Amount.Value,
		Currency:                 r.Amount.Currency,
		CounterpartyID:           r.Counterparty.ID,
		CounterpartyJurisdiction: r.Counterparty.Jurisdiction,
		Timestamp:                now,
		CreatedAt:                now,
		Metadata:                 r.Metadata,
	}
}
