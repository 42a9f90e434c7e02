package callback

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"trust-bridge/backend/internal/apperr"
	"trust-bridge/backend/internal/security"
)

// Callback token constants. Issuer, audience and type are fixed so a callback token can never be
// replayed as a provisioning or session token.
const (
	TokenType     = "onboarding-callback"
	TokenIssuer   = "marketplace-onboarding"
	TokenAudience = "institutional-backend-callback"

	// QueryParam is the query parameter carrying the token on signed callback URLs.
	QueryParam = "cb_token"
	// HeaderToken is the alternative header carrying the token.
	HeaderToken = "x-onboarding-callback-token"

	DefaultTokenTTL = 1200 * time.Second
	DefaultMaxAge   = 300 * time.Second
)

// Claims binds a callback to a user, institution and ceremony session. Empty fields are not bound.
type Claims struct {
	StableUserID  string `json:"stableUserId,omitempty"`
	InstitutionID string `json:"institutionId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
}

type tokenClaims struct {
	Type string `json:"type"`
	Claims
	jwt.RegisteredClaims
}

func (a *Authenticator) issueToken(c Claims) (string, time.Time, error) {
	now := a.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(a.cfg.TokenTTL)
	tc := &tokenClaims{
		Type:   TokenType,
		Claims: c,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{TokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString([]byte(a.cfg.Secret))
	if err != nil {
		return "", time.Time{}, apperr.Wrap(err, apperr.CodeInternal, "sign callback token")
	}
	return token, expiresAt, nil
}

func (a *Authenticator) verifyToken(token string, expected Claims) (*Claims, error) {
	tc := &tokenClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), tc, func(*jwt.Token) (interface{}, error) {
		return []byte(a.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, security.TokenError(err)
	}
	if tc.Type != TokenType {
		return nil, apperr.New(apperr.CodeInvalidTokenType, "token is not a callback token")
	}
	if err := checkBinding(tc.Claims, expected); err != nil {
		return nil, err
	}
	return &tc.Claims, nil
}

// checkBinding fails when both the token and the caller carry a value for a field and they differ.
func checkBinding(got, want Claims) error {
	if want.StableUserID != "" && got.StableUserID != "" && got.StableUserID != want.StableUserID {
		return apperr.New(apperr.CodeStableUserMismatch, "callback token bound to another user")
	}
	if want.InstitutionID != "" && got.InstitutionID != "" && !strings.EqualFold(got.InstitutionID, want.InstitutionID) {
		return apperr.New(apperr.CodeInstitutionMismatch, "callback token bound to another institution")
	}
	if want.SessionID != "" && got.SessionID != "" && got.SessionID != want.SessionID {
		return apperr.New(apperr.CodeSessionMismatch, "callback token bound to another session")
	}
	return nil
}
