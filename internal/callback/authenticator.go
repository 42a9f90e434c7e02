// Package callback authenticates asynchronous callbacks pushed by institutional backends. Two
// independent checks are supported: a short-lived bearer callback token bound to the onboarding
// session, and an HMAC over the timestamp and raw body.
package callback

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"trust-bridge/backend/internal/apperr"
	"trust-bridge/backend/internal/security"
)

// Config holds the callback verification policy.
type Config struct {
	// Secret signs callback tokens and keys the HMAC. Shorter than 32 bytes counts as unavailable.
	Secret string
	// SignatureRequired rejects callbacks carrying neither a valid token nor a valid HMAC, and makes
	// signed URL issuance fail when no secret is available.
	SignatureRequired bool
	// RequireToken rejects callbacks without a bearer callback token.
	RequireToken bool
	// RequireHMAC rejects callbacks without signature headers.
	RequireHMAC bool
	TokenTTL    time.Duration
	MaxAge      time.Duration
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Result reports which checks a callback passed.
type Result struct {
	TokenVerified bool
	HMACVerified  bool
	// Claims are the verified token claims; nil when no token was verified.
	Claims *Claims
}

// Authenticated reports whether at least one check passed.
func (r *Result) Authenticated() bool {
	return r != nil && (r.TokenVerified || r.HMACVerified)
}

// Authenticator issues callback tokens and verifies inbound callbacks.
type Authenticator struct {
	cfg Config
}

// New returns an Authenticator. Zero TTL and max age fall back to 1200s and 300s.
func New(cfg Config) *Authenticator {
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &Authenticator{cfg: cfg}
}

func (a *Authenticator) now() time.Time {
	if a.cfg.Now != nil {
		return a.cfg.Now()
	}
	return time.Now()
}

// SecretAvailable reports whether a usable secret is configured.
func (a *Authenticator) SecretAvailable() bool {
	return len(a.cfg.Secret) >= security.MinSecretLength
}

func (a *Authenticator) verificationRequired() bool {
	return a.cfg.SignatureRequired || a.cfg.RequireToken || a.cfg.RequireHMAC
}

// IssueToken signs a callback token bound to c.
func (a *Authenticator) IssueToken(c Claims) (string, time.Time, error) {
	if !a.SecretAvailable() {
		return "", time.Time{}, apperr.New(apperr.CodeConfiguration, "callback secret is not configured")
	}
	return a.issueToken(c)
}

// BuildSignedCallbackURL appends a fresh callback token to baseURL. Without a secret the
// unsigned URL is returned, unless signatures are required, which is a configuration error.
func (a *Authenticator) BuildSignedCallbackURL(baseURL string, c Claims) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", apperr.New(apperr.CodeInvalidRequest, "callback URL must be absolute")
	}
	if !a.SecretAvailable() {
		if a.verificationRequired() {
			return "", apperr.New(apperr.CodeConfiguration, "callback signatures are required but no secret is configured")
		}
		return u.String(), nil
	}
	token, _, err := a.issueToken(c)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(QueryParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify authenticates a callback request. body is the raw request body. Any check whose
// credentials are present must pass. Once a secret is configured at least one check must
// pass; without a secret unsigned callbacks are accepted unless verification is required.
func (a *Authenticator) Verify(r *http.Request, body []byte, expected Claims) (*Result, error) {
	res := &Result{}
	token := ExtractToken(r)
	signature := r.Header.Get(HeaderSignature)
	timestamp := r.Header.Get(HeaderTimestamp)
	hasHMAC := signature != "" || timestamp != ""

	if !a.SecretAvailable() {
		if a.verificationRequired() || token != "" || hasHMAC {
			return nil, apperr.New(apperr.CodeHMACSecretUnavailable, "callback secret unavailable")
		}
		return res, nil
	}

	if token != "" {
		claims, err := a.verifyToken(token, expected)
		if err != nil {
			return nil, err
		}
		res.TokenVerified = true
		res.Claims = claims
	} else if a.cfg.RequireToken {
		return nil, apperr.New(apperr.CodeUnauthorized, "missing callback token")
	}

	if hasHMAC {
		if err := verifyHMAC(a.cfg.Secret, signature, timestamp, body, a.now(), a.cfg.MaxAge); err != nil {
			return nil, err
		}
		res.HMACVerified = true
	} else if a.cfg.RequireHMAC {
		return nil, apperr.New(apperr.CodeMissingHMAC, "missing callback signature")
	}

	if !res.Authenticated() {
		return nil, apperr.New(apperr.CodeMissingHMAC, "callback is not signed")
	}
	return res, nil
}

// ExtractToken returns the callback token from the cb_token or token query parameter, the
// x-onboarding-callback-token header, or an Authorization Bearer header, in that order.
func ExtractToken(r *http.Request) string {
	q := r.URL.Query()
	if t := strings.TrimSpace(q.Get(QueryParam)); t != "" {
		return t
	}
	if t := strings.TrimSpace(q.Get("token")); t != "" {
		return t
	}
	if t := strings.TrimSpace(r.Header.Get(HeaderToken)); t != "" {
		return t
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
