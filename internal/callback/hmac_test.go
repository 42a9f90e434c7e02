package callback

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"trust-bridge/backend/internal/apperr"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestVerifyHMAC_Valid(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"sessionId":"s-1","status":"SUCCESS"}`)
	sig := Sign(testSecret, ts, body)

	for _, header := range []string{sig, "sha256=" + sig, "SHA256=" + sig, strings.ToUpper(sig)} {
		if err := verifyHMAC(testSecret, header, ts, body, now, DefaultMaxAge); err != nil {
			t.Errorf("verifyHMAC(%q): %v", header, err)
		}
	}
}

func flipByte(s string, i int) string {
	b := []byte(s)
	b[i] ^= 0x01
	return string(b)
}

func TestVerifyHMAC_SingleByteFlipsFail(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := `{"sessionId":"s-1","status":"SUCCESS"}`
	sig := Sign(testSecret, ts, []byte(body))

	for i := range body {
		if err := verifyHMAC(testSecret, sig, ts, []byte(flipByte(body, i)), now, DefaultMaxAge); !apperr.HasCode(err, apperr.CodeHMACMismatch) {
			t.Fatalf("body flip at %d: code = %q, want HMAC_MISMATCH", i, apperr.CodeOf(err))
		}
	}
	// Flipping the last timestamp digit keeps it numeric and inside the window.
	if err := verifyHMAC(testSecret, sig, flipByte(ts, len(ts)-1), []byte(body), now, DefaultMaxAge); !apperr.HasCode(err, apperr.CodeHMACMismatch) {
		t.Errorf("timestamp flip: code = %q, want HMAC_MISMATCH", apperr.CodeOf(err))
	}
	for i := range sig {
		flipped := []byte(sig)
		if flipped[i] == '0' {
			flipped[i] = '1'
		} else {
			flipped[i] = '0'
		}
		if err := verifyHMAC(testSecret, string(flipped), ts, []byte(body), now, DefaultMaxAge); !apperr.HasCode(err, apperr.CodeHMACMismatch) {
			t.Fatalf("signature flip at %d: code = %q, want HMAC_MISMATCH", i, apperr.CodeOf(err))
		}
	}
}

func TestVerifyHMAC_Failures(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte("{}")
	sig := Sign(testSecret, ts, body)
	old := strconv.FormatInt(now.Add(-301*time.Second).Unix(), 10)
	future := strconv.FormatInt(now.Add(301*time.Second).Unix(), 10)
	edge := strconv.FormatInt(now.Add(-300*time.Second).Unix(), 10)

	testCases := []struct {
		name      string
		secret    string
		signature string
		timestamp string
		want      string
	}{
		{"short secret", "short", sig, ts, apperr.CodeHMACSecretUnavailable},
		{"missing signature", testSecret, "", ts, apperr.CodeMissingHMAC},
		{"missing timestamp", testSecret, sig, "", apperr.CodeMissingHMAC},
		{"non-numeric timestamp", testSecret, sig, "yesterday", apperr.CodeInvalidHMACTimestamp},
		{"too old", testSecret, Sign(testSecret, old, body), old, apperr.CodeHMACTimestampExpired},
		{"too far ahead", testSecret, Sign(testSecret, future, body), future, apperr.CodeHMACTimestampExpired},
		{"bad hex", testSecret, "sha256=zz" + sig[2:], ts, apperr.CodeInvalidHMACSignatureFormat},
		{"truncated", testSecret, sig[:32], ts, apperr.CodeHMACMismatch},
		{"wrong secret", testSecret, Sign(strings.Repeat("x", 32), ts, body), ts, apperr.CodeHMACMismatch},
		{"window edge accepted", testSecret, Sign(testSecret, edge, body), edge, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := verifyHMAC(tc.secret, tc.signature, tc.timestamp, body, now, DefaultMaxAge)
			if got := apperr.CodeOf(err); got != tc.want {
				t.Errorf("code = %q, want %q (err %v)", got, tc.want, err)
			}
		})
	}
}
