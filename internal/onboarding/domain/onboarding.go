// Package domain holds the onboarding ceremony types shared by the orchestrator, result store and handlers.
package domain

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a ceremony session at the institutional backend.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// ParseStatus normalizes a backend-reported status. Unknown values map to IN_PROGRESS so
// polling continues.
func ParseStatus(s string) Status {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusInProgress, StatusCompleted, StatusSuccess, StatusFailed, StatusExpired:
		return st
	case "":
		return StatusPending
	default:
		return StatusInProgress
	}
}

// Terminal reports whether s ends the session.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusSuccess, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Successful reports whether s is a successful terminal state.
func (s Status) Successful() bool {
	return s == StatusCompleted || s == StatusSuccess
}

// Session is a ceremony session created at the institutional backend.
type Session struct {
	SessionID     string    `json:"sessionId"`
	StableUserID  string    `json:"stableUserId"`
	InstitutionID string    `json:"institutionId"`
	BackendURL    string    `json:"backendUrl"`
	CeremonyURL   string    `json:"ceremonyUrl"`
	ExpiresAt     time.Time `json:"expiresAt,omitzero"`
}

// Result is the outcome of a ceremony, from a callback or a poll.
type Result struct {
	SessionID     string    `json:"sessionId,omitempty"`
	StableUserID  string    `json:"stableUserId,omitempty"`
	InstitutionID string    `json:"institutionId,omitempty"`
	Status        Status    `json:"status"`
	Success       bool      `json:"success"`
	CredentialID  string    `json:"credentialId,omitempty"`
	PublicKey     string    `json:"publicKey,omitempty"`
	Error         string    `json:"error,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt,omitzero"`
	ExpiresAt     time.Time `json:"expiresAt,omitzero"`
}

// CompositeKey is the store key "stableUserId:institutionId".
func CompositeKey(stableUserID, institutionID string) string {
	return stableUserID + ":" + strings.ToLower(institutionID)
}
