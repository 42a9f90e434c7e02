package security

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"trust-bridge/backend/internal/apperr"
)

// Provisioning token types.
const (
	TokenTypeConsumer = "consumer"
	TokenTypeProvider = "provider"
)

// MinSecretLength is the minimum length in bytes of an HMAC signing secret.
const MinSecretLength = 32

// ProvisioningPayload is the claim set of a provisioning token. Identity fields are locked:
// registration takes them from the verified token only.
type ProvisioningPayload struct {
	Type                 string    `json:"type"`
	MarketplaceBaseURL   string    `json:"marketplaceBaseUrl"`
	PublicBaseURL        string    `json:"publicBaseUrl"`
	ProviderName         string    `json:"providerName,omitempty"`
	ProviderEmail        string    `json:"providerEmail,omitempty"`
	ProviderOrganization string    `json:"providerOrganization,omitempty"`
	ProviderCountry      string    `json:"providerCountry,omitempty"`
	ConsumerName         string    `json:"consumerName,omitempty"`
	ConsumerOrganization string    `json:"consumerOrganization,omitempty"`
	IssuedAt             time.Time `json:"issuedAt"`
	ExpiresAt            time.Time `json:"expiresAt"`
}

// Organization returns the locked organization for the payload's type.
func (p ProvisioningPayload) Organization() string {
	if p.Type == TokenTypeProvider {
		return p.ProviderOrganization
	}
	return p.ConsumerOrganization
}

// LockedFields returns the names of the identity fields present in p, in a stable order.
func (p ProvisioningPayload) LockedFields() []string {
	fields := []struct {
		name, value string
	}{
		{"providerName", p.ProviderName},
		{"providerEmail", p.ProviderEmail},
		{"providerOrganization", p.ProviderOrganization},
		{"providerCountry", p.ProviderCountry},
		{"consumerName", p.ConsumerName},
		{"consumerOrganization", p.ConsumerOrganization},
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f.value) != "" {
			out = append(out, f.name)
		}
	}
	return out
}

func (p ProvisioningPayload) missingFields() []string {
	var missing []string
	check := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	switch p.Type {
	case TokenTypeProvider:
		check("providerName", p.ProviderName)
		check("providerEmail", p.ProviderEmail)
		check("providerOrganization", p.ProviderOrganization)
	case TokenTypeConsumer:
		check("consumerOrganization", p.ConsumerOrganization)
	}
	check("marketplaceBaseUrl", p.MarketplaceBaseURL)
	check("publicBaseUrl", p.PublicBaseURL)
	return missing
}

type provisioningClaims struct {
	Type                 string `json:"type"`
	MarketplaceBaseURL   string `json:"marketplaceBaseUrl"`
	PublicBaseURL        string `json:"publicBaseUrl"`
	ProviderName         string `json:"providerName,omitempty"`
	ProviderEmail        string `json:"providerEmail,omitempty"`
	ProviderOrganization string `json:"providerOrganization,omitempty"`
	ProviderCountry      string `json:"providerCountry,omitempty"`
	ConsumerName         string `json:"consumerName,omitempty"`
	ConsumerOrganization string `json:"consumerOrganization,omitempty"`
	jwt.RegisteredClaims
}

func (c *provisioningClaims) payload() ProvisioningPayload {
	p := ProvisioningPayload{
		Type:                 c.Type,
		MarketplaceBaseURL:   c.MarketplaceBaseURL,
		PublicBaseURL:        c.PublicBaseURL,
		ProviderName:         c.ProviderName,
		ProviderEmail:        c.ProviderEmail,
		ProviderOrganization: c.ProviderOrganization,
		ProviderCountry:      c.ProviderCountry,
		ConsumerName:         c.ConsumerName,
		ConsumerOrganization: c.ConsumerOrganization,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time.UTC()
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return p
}

// TokenCodecConfig configures a TokenCodec.
type TokenCodecConfig struct {
	Secret     string
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// TokenCodec issues and verifies HS256 provisioning tokens.
type TokenCodec struct {
	secret     []byte
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
}

// IssueOptions overrides issuer, audience and lifetime for one token. Empty issuer/audience
// default to the payload's marketplaceBaseUrl and publicBaseUrl.
type IssueOptions struct {
	Issuer   string
	Audience string
	TTL      time.Duration
}

// VerifyOptions are the expected issuer and audience. Empty values are not checked.
type VerifyOptions struct {
	Issuer   string
	Audience string
}

// IssuedToken is a signed provisioning token with its metadata.
type IssuedToken struct {
	Token        string
	TokenID      string
	ExpiresAt    time.Time
	LockedFields []string
	Payload      ProvisioningPayload
}

// NewTokenCodec returns a codec. A missing or short secret is reported on first use.
func NewTokenCodec(cfg TokenCodecConfig) *TokenCodec {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 15 * time.Minute
	}
	if cfg.DefaultTTL > cfg.MaxTTL {
		cfg.DefaultTTL = cfg.MaxTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenCodec{
		secret:     []byte(strings.TrimSpace(cfg.Secret)),
		defaultTTL: cfg.DefaultTTL,
		maxTTL:     cfg.MaxTTL,
		now:        cfg.Now,
	}
}

// Configured reports whether the codec has a usable signing secret.
func (c *TokenCodec) Configured() bool {
	return len(c.secret) >= MinSecretLength
}

// Issue signs payload. Fails with CONFIGURATION_ERROR when no usable secret is configured or a
// required identity field is blank, and with INVALID_TOKEN_TYPE for an unknown type.
func (c *TokenCodec) Issue(payload ProvisioningPayload, opts IssueOptions) (*IssuedToken, error) {
	if !c.Configured() {
		return nil, apperr.New(apperr.CodeConfiguration, "provisioning secret is not configured")
	}
	if payload.Type != TokenTypeConsumer && payload.Type != TokenTypeProvider {
		return nil, apperr.New(apperr.CodeInvalidTokenType, "unknown provisioning token type")
	}
	if missing := payload.missingFields(); len(missing) > 0 {
		return nil, apperr.WithMetadata(
			apperr.New(apperr.CodeConfiguration, "provisioning payload is missing required fields"),
			map[string]any{"missing": missing},
		)
	}
	issuer := opts.Issuer
	if issuer == "" {
		issuer = payload.MarketplaceBaseURL
	}
	audience := opts.Audience
	if audience == "" {
		audience = payload.PublicBaseURL
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	now := c.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	jti := uuid.NewString()
	claims := &provisioningClaims{
		Type:                 payload.Type,
		MarketplaceBaseURL:   payload.MarketplaceBaseURL,
		PublicBaseURL:        payload.PublicBaseURL,
		ProviderName:         payload.ProviderName,
		ProviderEmail:        payload.ProviderEmail,
		ProviderOrganization: payload.ProviderOrganization,
		ProviderCountry:      payload.ProviderCountry,
		ConsumerName:         payload.ConsumerName,
		ConsumerOrganization: payload.ConsumerOrganization,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "sign provisioning token")
	}
	signed := claims.payload()
	return &IssuedToken{
		Token:        token,
		TokenID:      jti,
		ExpiresAt:    expiresAt,
		LockedFields: signed.LockedFields(),
		Payload:      signed,
	}, nil
}

// Verify checks signature, expiry, issuer and audience and returns the payload with the token id.
func (c *TokenCodec) Verify(token string, opts VerifyOptions) (ProvisioningPayload, string, error) {
	if !c.Configured() {
		return ProvisioningPayload{}, "", apperr.New(apperr.CodeConfiguration, "provisioning secret is not configured")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	claims := &provisioningClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, parserOpts...)
	if err != nil {
		return ProvisioningPayload{}, "", TokenError(err)
	}
	if !parsed.Valid {
		return ProvisioningPayload{}, "", apperr.New(apperr.CodeTokenInvalid, "invalid provisioning token")
	}
	if claims.Type != TokenTypeConsumer && claims.Type != TokenTypeProvider {
		return ProvisioningPayload{}, "", apperr.New(apperr.CodeTokenInvalid, "invalid provisioning token")
	}
	return claims.payload(), claims.ID, nil
}

// TokenError maps jwt parse and validation errors onto the taxonomy. Expiry wins over claim mismatches.
func TokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Wrap(err, apperr.CodeTokenExpired, "token expired")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return apperr.Wrap(err, apperr.CodeIssuerMismatch, "token issuer mismatch")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return apperr.Wrap(err, apperr.CodeAudienceMismatch, "token audience mismatch")
	default:
		return apperr.Wrap(err, apperr.CodeTokenInvalid, "invalid token")
	}
}
