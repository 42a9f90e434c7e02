package security

import (
	"crypto"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"trust-bridge/backend/internal/apperr"
)

var (
	// ErrInvalidToken is returned when a session token cannot be signed with the configured key.
	ErrInvalidToken = errors.New("invalid token")
)

// SessionClaims is the authenticated SSO session handed over by the identity layer. The claim
// names follow the SAML attribute names released by the federation.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email                   string `json:"email,omitempty"`
	Name                    string `json:"name,omitempty"`
	Affiliation             string `json:"affiliation,omitempty"`
	SchacHomeOrganization   string `json:"schacHomeOrganization,omitempty"`
	SchacPersonalUniqueCode string `json:"schacPersonalUniqueCode,omitempty"`
	EduPersonTargetedID     string `json:"eduPersonTargetedID,omitempty"`
	EduPersonPrincipalName  string `json:"eduPersonPrincipalName,omitempty"`
	Role                    string `json:"role,omitempty"`
	ScopedRole              string `json:"scopedRole,omitempty"`
	SAMLAssertion           string `json:"samlAssertion,omitempty"`
}

// SessionVerifier validates SSO session tokens signed with RS256 or ES256.
type SessionVerifier struct {
	publicKey crypto.PublicKey
	issuer    string
	audience  string
	now       func() time.Time
}

// NewSessionVerifier returns a verifier for tokens signed by the key matching publicKey.
// Empty issuer or audience disables that check.
func NewSessionVerifier(publicKey crypto.PublicKey, issuer, audience string) *SessionVerifier {
	return &SessionVerifier{publicKey: publicKey, issuer: issuer, audience: audience, now: time.Now}
}

// Verify parses and validates the session token (signature, exp, iss, aud).
func (v *SessionVerifier) Verify(tokenString string) (*SessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{KeyAlg(v.publicKey)}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenString), &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return v.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return v.publicKey, nil
		}
		return nil, ErrInvalidToken
	}, opts...)
	if err != nil {
		return nil, TokenError(err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, apperr.New(apperr.CodeTokenInvalid, "invalid session token")
	}
	return claims, nil
}

// SessionIssuer signs session tokens. The identity layer owns production issuance; this is
// used by local tooling and tests.
type SessionIssuer struct {
	privateKey crypto.Signer
	issuer     string
	audience   string
	ttl        time.Duration
}

// NewSessionIssuer returns an issuer signing with privateKey (RS256 or ES256).
func NewSessionIssuer(privateKey crypto.Signer, issuer, audience string, ttl time.Duration) *SessionIssuer {
	return &SessionIssuer{privateKey: privateKey, issuer: issuer, audience: audience, ttl: ttl}
}

// Issue signs claims, filling the registered claims. Subject defaults to the email.
func (s *SessionIssuer) Issue(claims SessionClaims) (string, error) {
	now := time.Now().UTC()
	claims.ID = uuid.NewString()
	claims.Issuer = s.issuer
	claims.Audience = jwt.ClaimStrings{s.audience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	if claims.Subject == "" {
		claims.Subject = claims.Email
	}
	method := jwt.GetSigningMethod(KeyAlg(s.privateKey.Public()))
	if method == nil {
		return "", ErrInvalidToken
	}
	return jwt.NewWithClaims(method, &claims).SignedString(s.privateKey)
}
