package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"trust-bridge/backend/internal/apperr"
	"trust-bridge/backend/internal/security"
)

// HMAC headers set by the institutional backend.
const (
	HeaderSignature = "x-onboarding-signature"
	HeaderTimestamp = "x-onboarding-timestamp"

	signaturePrefix = "sha256="
)

// Sign returns hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(secret, signature, timestamp string, body []byte, now time.Time, maxAge time.Duration) error {
	if len(secret) < security.MinSecretLength {
		return apperr.New(apperr.CodeHMACSecretUnavailable, "callback secret unavailable")
	}
	signature = strings.TrimSpace(signature)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return apperr.New(apperr.CodeMissingHMAC, "missing callback signature")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return apperr.New(apperr.CodeInvalidHMACTimestamp, "invalid callback timestamp")
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(maxAge/time.Second) {
		return apperr.New(apperr.CodeHMACTimestampExpired, "callback timestamp outside the accepted window")
	}
	if len(signature) >= len(signaturePrefix) && strings.EqualFold(signature[:len(signaturePrefix)], signaturePrefix) {
		signature = signature[len(signaturePrefix):]
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return apperr.New(apperr.CodeInvalidHMACSignatureFormat, "invalid callback signature format")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	if subtle.ConstantTimeCompare(provided, mac.Sum(nil)) != 1 {
		return apperr.New(apperr.CodeHMACMismatch, "callback signature mismatch")
	}
	return nil
}
