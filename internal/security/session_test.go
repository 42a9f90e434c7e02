package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"trust-bridge/backend/internal/apperr"
)

func TestSession_IssueAndVerify(t *testing.T) {
	issuer, verifier, err := NewTestSessionPair()
	if err != nil {
		t.Fatalf("NewTestSessionPair: %v", err)
	}
	token, err := issuer.Issue(SessionClaims{
		Email:                   "ada@uned.es",
		Name:                    "Ada",
		Affiliation:             "uned.es",
		SchacPersonalUniqueCode: "urn:schac:personalUniqueCode:es:uned:123",
		Role:                    "faculty",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Email != "ada@uned.es" || claims.Affiliation != "uned.es" || claims.Role != "faculty" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Subject != "ada@uned.es" {
		t.Errorf("Subject = %q, want email default", claims.Subject)
	}
	if claims.SchacPersonalUniqueCode != "urn:schac:personalUniqueCode:es:uned:123" {
		t.Errorf("SchacPersonalUniqueCode = %q", claims.SchacPersonalUniqueCode)
	}
}

func TestSession_VerifyInvalid(t *testing.T) {
	_, verifier, err := NewTestSessionPair()
	if err != nil {
		t.Fatalf("NewTestSessionPair: %v", err)
	}
	_, err = verifier.Verify("invalid-token")
	if !apperr.HasCode(err, apperr.CodeTokenInvalid) {
		t.Errorf("Verify invalid: code = %q, want %q", apperr.CodeOf(err), apperr.CodeTokenInvalid)
	}

	// An HS256 token must not be accepted by the asymmetric verifier.
	codec := NewTokenCodec(TokenCodecConfig{Secret: testSecret})
	issued, err := codec.Issue(consumerPayload(), IssueOptions{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err = verifier.Verify(issued.Token)
	if !apperr.HasCode(err, apperr.CodeTokenInvalid) {
		t.Errorf("Verify HS256: code = %q, want %q", apperr.CodeOf(err), apperr.CodeTokenInvalid)
	}
}

func TestSession_VerifyClaimMismatch(t *testing.T) {
	signer, err := ParsePrivateKey(testPrivateKeyPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	pub, err := ParsePublicKey(testPublicKeyPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	token, err := NewSessionIssuer(signer, "other-sso", TestSessionAudience, time.Minute).Issue(SessionClaims{Email: "a@b.c"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err = NewSessionVerifier(pub, TestSessionIssuer, TestSessionAudience).Verify(token)
	if !apperr.HasCode(err, apperr.CodeIssuerMismatch) {
		t.Errorf("code = %q, want %q", apperr.CodeOf(err), apperr.CodeIssuerMismatch)
	}

	token, err = NewSessionIssuer(signer, TestSessionIssuer, "elsewhere", time.Minute).Issue(SessionClaims{Email: "a@b.c"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err = NewSessionVerifier(pub, TestSessionIssuer, TestSessionAudience).Verify(token)
	if !apperr.HasCode(err, apperr.CodeAudienceMismatch) {
		t.Errorf("code = %q, want %q", apperr.CodeOf(err), apperr.CodeAudienceMismatch)
	}
}

func TestSession_VerifyExpired(t *testing.T) {
	issuer, verifier, err := NewTestSessionPair()
	if err != nil {
		t.Fatalf("NewTestSessionPair: %v", err)
	}
	token, err := issuer.Issue(SessionClaims{Email: "a@b.c"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	verifier.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = verifier.Verify(token)
	if !apperr.HasCode(err, apperr.CodeTokenExpired) {
		t.Errorf("code = %q, want %q", apperr.CodeOf(err), apperr.CodeTokenExpired)
	}
}

func TestSession_VerifyPinsKeyAlgorithm(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	token, err := NewSessionIssuer(ecKey, TestSessionIssuer, TestSessionAudience, time.Minute).Issue(SessionClaims{Email: "a@b.c"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := NewSessionVerifier(&ecKey.PublicKey, TestSessionIssuer, TestSessionAudience).Verify(token); err != nil {
		t.Fatalf("ES256 Verify: %v", err)
	}

	pub, err := ParsePublicKey(testPublicKeyPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if _, err := NewSessionVerifier(pub, TestSessionIssuer, TestSessionAudience).Verify(token); err == nil {
		t.Error("ES256 token accepted by an RSA verifier")
	}
}
