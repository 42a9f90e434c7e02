// Package domain holds the provisioning ledger and registration types.
package domain

import "time"

// TokenRecord is a ledger entry for an issued provisioning token.
type TokenRecord struct {
	TokenID       string
	Type          string
	Organization  string
	PublicBaseURL string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	// ConsumedAt is set once the token has been used for a registration.
	ConsumedAt *time.Time
}

// Registration is the outcome of a consumer or provider registration.
type Registration struct {
	Type          string   `json:"type"`
	WalletAddress string   `json:"walletAddress"`
	Organization  string   `json:"organization"`
	Name          string   `json:"name,omitempty"`
	BackendURL    string   `json:"backendUrl,omitempty"`
	Transactions  []string `json:"transactions,omitempty"`
}
