// Package service issues provisioning tokens to signed-in institution staff and turns verified
// tokens (or the shared API key) into on-chain consumer and provider registrations.
package service

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"trust-bridge/backend/internal/apperr"
	"trust-bridge/backend/internal/identity"
	"trust-bridge/backend/internal/policy/engine"
	"trust-bridge/backend/internal/provisioning/domain"
	"trust-bridge/backend/internal/provisioning/repository"
	"trust-bridge/backend/internal/registry"
	"trust-bridge/backend/internal/security"
	"trust-bridge/backend/internal/telemetry"
)

var walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// CacheClearer drops cached backend resolutions after a backend is (re)registered.
type CacheClearer interface {
	Clear()
}

// Config wires a Gateway.
type Config struct {
	Codec     *security.TokenCodec
	Evaluator engine.Evaluator
	Registrar registry.Registrar
	Resolver  CacheClearer
	// Ledger records issued tokens; nil uses an in-memory ledger.
	Ledger repository.Repository
	// APIKey authorizes the shared-key registration variant. Empty disables it.
	APIKey             string
	MarketplaceBaseURL string
	// SingleUse rejects a second registration with the same token.
	SingleUse bool
	TokenTTL  time.Duration
	Emitter   telemetry.EventEmitter
	Logger    *zap.Logger
	Now       func() time.Time
}

// Gateway is the registration gateway.
type Gateway struct {
	codec              *security.TokenCodec
	evaluator          engine.Evaluator
	registrar          registry.Registrar
	resolver           CacheClearer
	ledger             repository.Repository
	apiKey             string
	marketplaceBaseURL string
	singleUse          bool
	tokenTTL           time.Duration
	emitter            telemetry.EventEmitter
	logger             *zap.Logger
	now                func() time.Time
}

// NewGateway returns a Gateway.
func NewGateway(cfg Config) *Gateway {
	if cfg.Ledger == nil {
		cfg.Ledger = repository.NewMemoryRepository()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gateway{
		codec:              cfg.Codec,
		evaluator:          cfg.Evaluator,
		registrar:          cfg.Registrar,
		resolver:           cfg.Resolver,
		ledger:             cfg.Ledger,
		apiKey:             strings.TrimSpace(cfg.APIKey),
		marketplaceBaseURL: strings.TrimRight(strings.TrimSpace(cfg.MarketplaceBaseURL), "/"),
		singleUse:          cfg.SingleUse,
		tokenTTL:           cfg.TokenTTL,
		emitter:            cfg.Emitter,
		logger:             cfg.Logger,
		now:                cfg.Now,
	}
}

// IssueRequest is the body of a provisioning token request.
type IssueRequest struct {
	PublicBaseURL   string `json:"publicBaseUrl"`
	ProviderCountry string `json:"providerCountry,omitempty"`
	Type            string `json:"type,omitempty"`
}

// IssueResponse is a signed provisioning token with the fields it locks.
type IssueResponse struct {
	Success      bool                         `json:"success"`
	Token        string                       `json:"token"`
	ExpiresAt    time.Time                    `json:"expiresAt"`
	LockedFields []string                     `json:"lockedFields"`
	Payload      security.ProvisioningPayload `json:"payload"`
}

// IssueToken signs a provisioning token for the signed-in user. Identity fields come from the
// SSO session; the caller chooses only the token type, its public base URL and a country.
func (g *Gateway) IssueToken(ctx context.Context, user *identity.UserData, req IssueRequest) (*IssueResponse, error) {
	if user == nil {
		return nil, apperr.New(apperr.CodeUnauthorized, "authentication required")
	}
	tokenType := strings.ToLower(strings.TrimSpace(req.Type))
	if tokenType == "" {
		tokenType = security.TokenTypeProvider
	}
	if tokenType != security.TokenTypeConsumer && tokenType != security.TokenTypeProvider {
		return nil, apperr.New(apperr.CodeInvalidTokenType, "type must be consumer or provider")
	}
	publicBaseURL, err := httpsBaseURL(req.PublicBaseURL)
	if err != nil {
		return nil, err
	}
	institutionID := user.InstitutionID()
	if institutionID == "" {
		return nil, apperr.New(apperr.CodeMissingUserData, "session has no institution affiliation")
	}
	email := strings.TrimSpace(user.Email)
	if tokenType == security.TokenTypeProvider && email == "" {
		return nil, apperr.New(apperr.CodeMissingUserData, "session has no email for provider registration")
	}

	if err := g.authorize(ctx, user, tokenType, publicBaseURL); err != nil {
		return nil, err
	}

	payload := security.ProvisioningPayload{
		Type:               tokenType,
		MarketplaceBaseURL: g.marketplaceBaseURL,
		PublicBaseURL:      publicBaseURL,
	}
	if tokenType == security.TokenTypeProvider {
		payload.ProviderName = user.DisplayName()
		payload.ProviderEmail = email
		payload.ProviderOrganization = institutionID
		payload.ProviderCountry = strings.ToUpper(strings.TrimSpace(req.ProviderCountry))
	} else {
		payload.ConsumerName = user.DisplayName()
		payload.ConsumerOrganization = institutionID
	}

	issued, err := g.codec.Issue(payload, security.IssueOptions{Issuer: g.marketplaceBaseURL, TTL: g.tokenTTL})
	if err != nil {
		return nil, err
	}
	rec := domain.TokenRecord{
		TokenID:       issued.TokenID,
		Type:          tokenType,
		Organization:  institutionID,
		PublicBaseURL: publicBaseURL,
		IssuedAt:      issued.Payload.IssuedAt,
		ExpiresAt:     issued.ExpiresAt,
	}
	if err := g.ledger.Record(ctx, rec); err != nil {
		g.logger.Warn("record provisioning token failed", zap.String("token_id", issued.TokenID), zap.Error(err))
	}
	g.logger.Info("provisioning token issued",
		zap.String("token_id", issued.TokenID),
		zap.String("type", tokenType),
		zap.String("institution_id", institutionID),
	)
	g.emit(telemetry.EventProvisionIssued, institutionID, user.StableUserID(), map[string]string{
		"type": tokenType, "tokenId": issued.TokenID, "publicBaseUrl": publicBaseURL,
	})
	return &IssueResponse{
		Success:      true,
		Token:        issued.Token,
		ExpiresAt:    issued.ExpiresAt,
		LockedFields: issued.LockedFields,
		Payload:      issued.Payload,
	}, nil
}

// authorize asks the policy whether user may request a token of tokenType. Evaluation
// failures deny.
func (g *Gateway) authorize(ctx context.Context, user *identity.UserData, tokenType, publicBaseURL string) error {
	if g.evaluator == nil {
		return nil
	}
	decision, err := g.evaluator.EvaluateProvisioning(ctx, engine.Input{
		TokenType:     tokenType,
		InstitutionID: user.InstitutionID(),
		Email:         user.Email,
		Affiliation:   user.Affiliation,
		Roles:         user.Roles(),
		PublicBaseURL: publicBaseURL,
	})
	if err != nil {
		g.logger.Error("provisioning policy evaluation failed", zap.Error(err))
		return apperr.Wrap(err, apperr.CodeInternal, "policy evaluation failed")
	}
	if !decision.Allowed {
		g.logger.Info("provisioning token denied by policy",
			zap.String("institution_id", user.InstitutionID()),
			zap.String("type", tokenType),
			zap.Strings("reasons", decision.Reasons),
		)
		return apperr.WithMetadata(
			apperr.New(apperr.CodeForbidden, "not allowed to request a "+tokenType+" token"),
			map[string]any{"reasons": decision.Reasons},
		)
	}
	return nil
}

// Credentials authenticate a registration call. BearerToken takes precedence over APIKey.
type Credentials struct {
	BearerToken string
	APIKey      string
}

// RegisterRequest is the body of a registration call. With a provisioning token only
// WalletAddress and BackendURL are read; identity fields come from the token.
type RegisterRequest struct {
	WalletAddress string `json:"walletAddress"`
	BackendURL    string `json:"backendUrl,omitempty"`
	Organization  string `json:"organization,omitempty"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	Country       string `json:"country,omitempty"`
}

// registrant is the verified identity a registration acts for.
type registrant struct {
	organization string
	name         string
	email        string
	country      string
	backendURL   string
	viaToken     bool
}

// RegisterConsumer grants the institution role to the wallet and records the backend URL.
func (g *Gateway) RegisterConsumer(ctx context.Context, creds Credentials, req RegisterRequest) (*domain.Registration, error) {
	account, err := parseWallet(req.WalletAddress)
	if err != nil {
		return nil, err
	}
	who, err := g.registrant(ctx, creds, req, security.TokenTypeConsumer)
	if err != nil {
		return nil, err
	}

	reg := &domain.Registration{
		Type:          security.TokenTypeConsumer,
		WalletAddress: account.Hex(),
		Organization:  who.organization,
		Name:          who.name,
		BackendURL:    who.backendURL,
	}
	tx, err := g.registrar.GrantInstitutionRole(ctx, account, who.organization)
	if err != nil {
		return nil, g.registrationError(err, "grant institution role", reg)
	}
	reg.Transactions = appendTx(reg.Transactions, tx)
	if err := g.setBackend(ctx, account, reg); err != nil {
		return nil, err
	}
	g.registered(reg, who.viaToken)
	return reg, nil
}

// RegisterProvider adds the wallet as a provider and records the backend URL.
func (g *Gateway) RegisterProvider(ctx context.Context, creds Credentials, req RegisterRequest) (*domain.Registration, error) {
	account, err := parseWallet(req.WalletAddress)
	if err != nil {
		return nil, err
	}
	who, err := g.registrant(ctx, creds, req, security.TokenTypeProvider)
	if err != nil {
		return nil, err
	}
	if who.name == "" || who.email == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "name and email are required for provider registration")
	}

	reg := &domain.Registration{
		Type:          security.TokenTypeProvider,
		WalletAddress: account.Hex(),
		Organization:  who.organization,
		Name:          who.name,
		BackendURL:    who.backendURL,
	}
	tx, err := g.registrar.AddProvider(ctx, registry.Provider{
		Name:         who.name,
		Account:      account,
		Email:        who.email,
		Country:      who.country,
		Organization: who.organization,
	})
	if err != nil {
		return nil, g.registrationError(err, "add provider", reg)
	}
	reg.Transactions = appendTx(reg.Transactions, tx)
	if err := g.setBackend(ctx, account, reg); err != nil {
		return nil, err
	}
	g.registered(reg, who.viaToken)
	return reg, nil
}

// registrant authenticates the call and returns whom it registers.
func (g *Gateway) registrant(ctx context.Context, creds Credentials, req RegisterRequest, wantType string) (*registrant, error) {
	backendURL, err := backendBaseURL(req.BackendURL)
	if err != nil {
		return nil, err
	}
	if token := strings.TrimSpace(creds.BearerToken); token != "" {
		who, err := g.fromToken(ctx, token, wantType)
		if err != nil {
			return nil, err
		}
		if backendURL != "" {
			who.backendURL = backendURL
		}
		return who, nil
	}
	if key := strings.TrimSpace(creds.APIKey); key != "" {
		if g.apiKey == "" {
			return nil, apperr.New(apperr.CodeConfiguration, "registration API key is not configured")
		}
		if !security.ConstantTimeEqual(key, g.apiKey) {
			g.logger.Warn("registration rejected: invalid api key", zap.String("type", wantType))
			return nil, apperr.New(apperr.CodeUnauthorized, "invalid api key")
		}
		org := strings.ToLower(strings.TrimSpace(req.Organization))
		if org == "" {
			return nil, apperr.New(apperr.CodeInvalidRequest, "organization is required")
		}
		return &registrant{
			organization: org,
			name:         strings.TrimSpace(req.Name),
			email:        strings.TrimSpace(req.Email),
			country:      strings.ToUpper(strings.TrimSpace(req.Country)),
			backendURL:   backendURL,
		}, nil
	}
	return nil, apperr.New(apperr.CodeUnauthorized, "provisioning token or api key required")
}

// fromToken verifies a provisioning token and takes the identity from its payload only.
func (g *Gateway) fromToken(ctx context.Context, token, wantType string) (*registrant, error) {
	payload, tokenID, err := g.codec.Verify(token, security.VerifyOptions{Issuer: g.marketplaceBaseURL})
	if err != nil {
		g.logger.Warn("registration rejected: provisioning token",
			zap.String("code", apperr.CodeOf(err)),
			zap.Error(err),
		)
		return nil, err
	}
	if payload.Type != wantType {
		return nil, apperr.New(apperr.CodeInvalidTokenType, "token is not valid for "+wantType+" registration")
	}
	if g.singleUse {
		consumed, err := g.ledger.Consume(ctx, domain.TokenRecord{
			TokenID:       tokenID,
			Type:          payload.Type,
			Organization:  strings.ToLower(payload.Organization()),
			PublicBaseURL: payload.PublicBaseURL,
			IssuedAt:      payload.IssuedAt,
			ExpiresAt:     payload.ExpiresAt,
		}, g.now().UTC())
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "consume provisioning token")
		}
		if !consumed {
			fields := []zap.Field{zap.String("token_id", tokenID)}
			if prior, err := g.ledger.Get(ctx, tokenID); err == nil && prior != nil && prior.ConsumedAt != nil {
				fields = append(fields, zap.Time("consumed_at", *prior.ConsumedAt))
			}
			g.logger.Warn("registration rejected: token replay", fields...)
			return nil, apperr.New(apperr.CodeTokenInvalid, "token already used")
		}
	}
	who := &registrant{
		organization: strings.ToLower(payload.Organization()),
		backendURL:   strings.TrimRight(payload.PublicBaseURL, "/"),
		viaToken:     true,
	}
	if payload.Type == security.TokenTypeProvider {
		who.name = payload.ProviderName
		who.email = payload.ProviderEmail
		who.country = payload.ProviderCountry
	} else {
		who.name = payload.ConsumerName
	}
	return who, nil
}

func (g *Gateway) setBackend(ctx context.Context, account common.Address, reg *domain.Registration) error {
	if reg.BackendURL == "" {
		return nil
	}
	tx, err := g.registrar.SetBackend(ctx, account, reg.Organization, reg.BackendURL)
	if err != nil {
		return g.registrationError(err, "set backend", reg)
	}
	reg.Transactions = appendTx(reg.Transactions, tx)
	if g.resolver != nil {
		g.resolver.Clear()
	}
	return nil
}

func (g *Gateway) registrationError(err error, step string, reg *domain.Registration) error {
	g.logger.Error("registration failed",
		zap.String("step", step),
		zap.String("type", reg.Type),
		zap.String("organization", reg.Organization),
		zap.String("wallet", reg.WalletAddress),
		zap.Error(err),
	)
	if apperr.CodeOf(err) != "" {
		return err
	}
	return apperr.Wrap(err, apperr.CodeRegistrationFailed, "registration transaction failed: "+step)
}

func (g *Gateway) registered(reg *domain.Registration, viaToken bool) {
	auth := "api_key"
	if viaToken {
		auth = "provisioning_token"
	}
	g.logger.Info("registration completed",
		zap.String("type", reg.Type),
		zap.String("organization", reg.Organization),
		zap.String("wallet", reg.WalletAddress),
		zap.String("auth", auth),
	)
	g.emit(telemetry.EventRegistration, reg.Organization, "", map[string]string{
		"type": reg.Type, "walletAddress": reg.WalletAddress, "backendUrl": reg.BackendURL, "auth": auth,
	})
}

func (g *Gateway) emit(eventType, institutionID, stableUserID string, meta map[string]string) {
	event := telemetry.NewEvent(eventType, "provisioning")
	event.InstitutionID = institutionID
	event.StableUserID = stableUserID
	event.Success = true
	event.Metadata, _ = json.Marshal(meta)
	telemetry.EmitAsync(g.emitter, g.logger, event)
}

// parseWallet accepts all-lowercase or all-uppercase hex as is; mixed case must carry a valid
// EIP-55 checksum.
func parseWallet(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !walletPattern.MatchString(raw) {
		return common.Address{}, apperr.New(apperr.CodeInvalidRequest, "walletAddress must be a 0x-prefixed 20-byte hex address")
	}
	account := common.HexToAddress(raw)
	digits := raw[2:]
	if digits != strings.ToLower(digits) && digits != strings.ToUpper(digits) && account.Hex() != raw {
		return common.Address{}, apperr.New(apperr.CodeInvalidRequest, "walletAddress checksum mismatch")
	}
	return account, nil
}

// httpsBaseURL requires an absolute https URL and strips trailing slashes.
func httpsBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if raw == "" || err != nil || u.Scheme != "https" || u.Host == "" {
		return "", apperr.New(apperr.CodeInvalidRequest, "publicBaseUrl must be an absolute https URL")
	}
	return strings.TrimRight(raw, "/"), nil
}

// backendBaseURL validates an optional backend URL and normalizes it the way the resolver does.
func backendBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", apperr.New(apperr.CodeInvalidRequest, "backendUrl must be an absolute http(s) URL")
	}
	return registry.NormalizeBackendURL(raw), nil
}

func appendTx(txs []string, tx string) []string {
	if tx == "" {
		return txs
	}
	return append(txs, tx)
}
