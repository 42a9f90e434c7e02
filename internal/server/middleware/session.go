// Package middleware holds the HTTP middleware of the bridge: SSO session extraction and
// request logging.
package middleware

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"trust-bridge/backend/internal/apperr"
	"trust-bridge/backend/internal/httpx"
	"trust-bridge/backend/internal/identity"
	"trust-bridge/backend/internal/logging"
	"trust-bridge/backend/internal/security"
)

// Where the identity layer hands over the signed SSO session.
const (
	SessionCookie = "sso_session"
	SessionHeader = "x-sso-session"
)

// SessionVerifier validates an SSO session token.
type SessionVerifier interface {
	Verify(token string) (*security.SessionClaims, error)
}

// Session verifies the SSO session, when present, and stores the user in the request context.
// Requests without a valid session pass through anonymous; RequireSession rejects them.
func Session(verifier SessionVerifier, logger *logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := sessionToken(r)
			if token == "" || verifier == nil {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Security("sso session rejected",
					zap.String("code", apperr.CodeOf(err)),
					zap.String("client_ip", ClientIP(r)),
				)
				next.ServeHTTP(w, r)
				return
			}
			ctx := identity.WithUser(r.Context(), UserFromClaims(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSession responds 401 unless Session stored a user in the context.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity.UserFromContext(r.Context()); !ok {
			httpx.WriteError(w, http.StatusUnauthorized, apperr.CodeUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserFromClaims maps session claims onto the bridge's user data. The subject is the user id.
func UserFromClaims(c *security.SessionClaims) *identity.UserData {
	if c == nil {
		return nil
	}
	return &identity.UserData{
		ID:                      c.Subject,
		Email:                   c.Email,
		Name:                    c.Name,
		Affiliation:             c.Affiliation,
		SchacHomeOrganization:   c.SchacHomeOrganization,
		SchacPersonalUniqueCode: c.SchacPersonalUniqueCode,
		EduPersonTargetedID:     c.EduPersonTargetedID,
		EduPersonPrincipalName:  c.EduPersonPrincipalName,
		Role:                    c.Role,
		ScopedRole:              c.ScopedRole,
		SAMLAssertion:           c.SAMLAssertion,
	}
}

func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v
		}
	}
	return strings.TrimSpace(r.Header.Get(SessionHeader))
}
