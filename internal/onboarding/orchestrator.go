package onboarding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"trust-bridge/backend/internal/apperr"
	"trust-bridge/backend/internal/identity"
	"trust-bridge/backend/internal/onboarding/domain"
	"trust-bridge/backend/internal/security"
)

const (
	defaultTimeout      = 15 * time.Second
	DefaultPollInterval = 2000 * time.Millisecond
	DefaultPollTimeout  = 120_000 * time.Millisecond

	// maxErrorBody bounds how much of a failed backend response is kept on the error.
	maxErrorBody = 512
)

// BackendResolver resolves an institution to its backend base URL.
type BackendResolver interface {
	Resolve(ctx context.Context, institutionID string) (string, bool, error)
}

// Config configures an Orchestrator.
type Config struct {
	// SPAPIKey is sent as x-api-key on every backend call when set.
	SPAPIKey     string
	PollInterval time.Duration
	PollTimeout  time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Orchestrator creates ceremony sessions at institutional backends and polls their status.
type Orchestrator struct {
	resolver     BackendResolver
	spAPIKey     string
	pollInterval time.Duration
	pollTimeout  time.Duration
	httpClient   *http.Client
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewOrchestrator returns an Orchestrator resolving backends through resolver.
func NewOrchestrator(resolver BackendResolver, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{
		resolver:     resolver,
		spAPIKey:     cfg.SPAPIKey,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		httpClient:   cfg.HTTPClient,
		logger:       cfg.Logger,
		tracer:       otel.Tracer("trust-bridge/onboarding"),
	}
}

type optionsRequest struct {
	StableUserID       string `json:"stableUserId"`
	InstitutionID      string `json:"institutionId"`
	DisplayName        string `json:"displayName"`
	Attributes         string `json:"attributes"`
	CallbackURL        string `json:"callbackUrl,omitempty"`
	Assertion          string `json:"assertion,omitempty"`
	AssertionReference string `json:"assertionReference,omitempty"`
}

type optionsResponse struct {
	SessionID   string          `json:"sessionId"`
	CeremonyURL string          `json:"ceremonyUrl"`
	ExpiresAt   json.RawMessage `json:"expiresAt"`
}

type statusResponse struct {
	SessionID     string `json:"sessionId"`
	StableUserID  string `json:"stableUserId"`
	InstitutionID string `json:"institutionId"`
	Status        string `json:"status"`
	Success       *bool  `json:"success"`
	CredentialID  string `json:"credentialId"`
	PublicKey     string `json:"publicKey"`
	Error         string `json:"error"`
}

// Initiate creates a ceremony session for user at their institution's backend. callbackURL is
// where the backend pushes the outcome.
func (o *Orchestrator) Initiate(ctx context.Context, user *identity.UserData, callbackURL string) (*domain.Session, error) {
	if user == nil || user.InstitutionID() == "" {
		return nil, apperr.New(apperr.CodeMissingUserData, "user data with an institution affiliation is required")
	}
	institutionID := user.InstitutionID()
	stableUserID := user.StableUserID()
	if stableUserID == "" {
		return nil, apperr.New(apperr.CodeMissingUserData, "no stable user identifier could be derived")
	}

	backendURL, found, err := o.resolver.Resolve(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.WithMetadata(
			apperr.New(apperr.CodeNoBackendConfigured, "no backend configured for institution"),
			map[string]any{"institutionId": institutionID},
		)
	}

	attrs, err := json.Marshal(user.Attributes())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "encode attributes")
	}
	body := optionsRequest{
		StableUserID:  stableUserID,
		InstitutionID: institutionID,
		DisplayName:   user.DisplayName(),
		Attributes:    string(attrs),
		CallbackURL:   callbackURL,
	}
	if assertion := strings.TrimSpace(user.SAMLAssertion); assertion != "" {
		body.Assertion = assertion
		body.AssertionReference = security.AssertionReference(assertion)
	}

	ctx, span := o.tracer.Start(ctx, "onboarding.Initiate", trace.WithAttributes(
		attribute.String("institution.id", institutionID),
		attribute.String("backend.url", backendURL),
	))
	defer span.End()

	var resp optionsResponse
	if _, err := o.do(ctx, http.MethodPost, backendURL+"/onboarding/webauthn/options", body, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.CodeOf(err))
		return nil, err
	}
	if strings.TrimSpace(resp.SessionID) == "" {
		err := apperr.New(apperr.CodeInvalidBackendResponse, "backend response is missing sessionId")
		span.SetStatus(codes.Error, apperr.CodeInvalidBackendResponse)
		return nil, err
	}

	session := &domain.Session{
		SessionID:     resp.SessionID,
		StableUserID:  stableUserID,
		InstitutionID: institutionID,
		BackendURL:    backendURL,
		CeremonyURL:   strings.TrimSpace(resp.CeremonyURL),
		ExpiresAt:     parseExpiry(resp.ExpiresAt),
	}
	if session.CeremonyURL == "" {
		session.CeremonyURL = backendURL + "/onboarding/webauthn/ceremony/" + url.PathEscape(resp.SessionID)
	}
	span.SetAttributes(attribute.String("onboarding.session_id", session.SessionID))
	o.logger.Info("onboarding session created",
		zap.String("session_id", session.SessionID),
		zap.String("institution_id", institutionID),
	)
	return session, nil
}

// PollStatus fetches the session status once. A 404 means the backend no longer knows the
// session and is reported as EXPIRED.
func (o *Orchestrator) PollStatus(ctx context.Context, sessionID, backendURL string) (*domain.Result, error) {
	ctx, span := o.tracer.Start(ctx, "onboarding.PollStatus", trace.WithAttributes(
		attribute.String("onboarding.session_id", sessionID),
	))
	defer span.End()

	var resp statusResponse
	status, err := o.do(ctx, http.MethodGet, strings.TrimRight(backendURL, "/")+"/onboarding/webauthn/status/"+url.PathEscape(sessionID), nil, &resp)
	if err != nil {
		if status == http.StatusNotFound {
			return &domain.Result{SessionID: sessionID, Status: domain.StatusExpired, Error: "session not found"}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.CodeOf(err))
		return nil, err
	}
	st := domain.ParseStatus(resp.Status)
	res := &domain.Result{
		SessionID:     sessionID,
		StableUserID:  resp.StableUserID,
		InstitutionID: strings.ToLower(resp.InstitutionID),
		Status:        st,
		Success:       st.Successful(),
		CredentialID:  resp.CredentialID,
		PublicKey:     resp.PublicKey,
		Error:         resp.Error,
	}
	if resp.Success != nil {
		res.Success = *resp.Success && st.Successful()
	}
	span.SetAttributes(attribute.String("onboarding.status", string(st)))
	return res, nil
}

// PollUntilTerminal polls until a terminal status or the poll timeout. A timeout yields an
// EXPIRED result, not an error; cancellation of ctx returns ctx's error. Backend failures are
// logged and retried on the next tick.
func (o *Orchestrator) PollUntilTerminal(ctx context.Context, sessionID, backendURL string) (*domain.Result, error) {
	pollCtx, cancel := context.WithTimeout(ctx, o.pollTimeout)
	defer cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()
	attempt := 0
	for {
		select {
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			o.logger.Info("onboarding poll timed out", zap.String("session_id", sessionID), zap.Int("attempts", attempt))
			return &domain.Result{SessionID: sessionID, Status: domain.StatusExpired, Error: "polling timed out"}, nil
		case <-timer.C:
		}

		attempt++
		res, err := o.PollStatus(pollCtx, sessionID, backendURL)
		switch {
		case err == nil && res.Status.Terminal():
			return res, nil
		case err != nil && pollCtx.Err() == nil:
			o.logger.Warn("onboarding poll failed, retrying",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt),
				zap.String("code", apperr.CodeOf(err)),
				zap.Error(err),
			)
		}
		timer.Reset(o.pollInterval)
	}
}

// do sends an optional JSON body and decodes a JSON response into out. The HTTP status is
// returned whenever a response was received.
func (o *Orchestrator) do(ctx context.Context, method, target string, in, out any) (int, error) {
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, apperr.Wrap(err, apperr.CodeInternal, "encode backend request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeBackendUnreachable, "build backend request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.spAPIKey != "" {
		req.Header.Set("x-api-key", o.spAPIKey)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeBackendUnreachable, "institutional backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, apperr.WithMetadata(
			apperr.New(apperr.CodeBackendUnreachable, "institutional backend returned status "+strconv.Itoa(resp.StatusCode)),
			map[string]any{"status": resp.StatusCode, "body": string(b)},
		)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, apperr.Wrap(err, apperr.CodeInvalidBackendResponse, "institutional backend returned invalid JSON")
	}
	return resp.StatusCode, nil
}

// parseExpiry accepts an RFC 3339 string or epoch seconds/milliseconds.
func parseExpiry(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
		return time.Time{}
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil || n <= 0 {
		return time.Time{}
	}
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
