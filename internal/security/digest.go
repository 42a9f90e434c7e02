package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// AssertionRefPrefix prefixes every assertion reference.
const AssertionRefPrefix = "sha256:"

// AssertionReference returns "sha256:" followed by the hex SHA-256 of the federated assertion.
// Institutional backends receive this reference so they can bind a ceremony to an assertion
// without the raw value being used as an identifier. Returns "" for a blank assertion.
func AssertionReference(assertion string) string {
	if strings.TrimSpace(assertion) == "" {
		return ""
	}
	h := sha256.Sum256([]byte(assertion))
	return AssertionRefPrefix + hex.EncodeToString(h[:])
}

// ConstantTimeEqual compares two secrets (API keys, signatures) without leaking their common prefix length.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
