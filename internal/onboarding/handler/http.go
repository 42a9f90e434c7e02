// Package handler exposes onboarding over HTTP: ceremony initiation and status for the signed-in
// user, the backend callback, and the correlated result lookup.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trust-bridge/backend/internal/apperr"
	"trust-bridge/backend/internal/callback"
	"trust-bridge/backend/internal/httpx"
	"trust-bridge/backend/internal/identity"
	"trust-bridge/backend/internal/logging"
	"trust-bridge/backend/internal/onboarding"
	"trust-bridge/backend/internal/onboarding/domain"
	"trust-bridge/backend/internal/server/middleware"
	"trust-bridge/backend/internal/telemetry"
)

// CallbackPath is where institutional backends push ceremony outcomes.
const CallbackPath = "/onboarding/callback"

// Orchestrator is the subset of *onboarding.Orchestrator used by the handler.
type Orchestrator interface {
	Initiate(ctx context.Context, user *identity.UserData, callbackURL string) (*domain.Session, error)
	PollStatus(ctx context.Context, sessionID, backendURL string) (*domain.Result, error)
	PollUntilTerminal(ctx context.Context, sessionID, backendURL string) (*domain.Result, error)
}

// Config wires a Handler.
type Config struct {
	Orchestrator  Orchestrator
	Resolver      onboarding.BackendResolver
	Authenticator *callback.Authenticator
	Store         *onboarding.ResultStore
	// PublicBaseURL is this service's external base URL; the callback URL is built from it.
	PublicBaseURL string
	// BackgroundPoll polls each initiated session until terminal and stores the outcome.
	BackgroundPoll bool
	// BaseContext bounds background polls; cancel it on shutdown. Nil uses context.Background.
	BaseContext context.Context
	Emitter     telemetry.EventEmitter
	Logger      *logging.Logger
}

// Handler serves the onboarding routes.
type Handler struct {
	orch           Orchestrator
	resolver       onboarding.BackendResolver
	auth           *callback.Authenticator
	store          *onboarding.ResultStore
	callbackURL    string
	backgroundPoll bool
	baseCtx        context.Context
	emitter        telemetry.EventEmitter
	logger         *logging.Logger
}

// New returns a Handler.
func New(cfg Config) *Handler {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	return &Handler{
		orch:           cfg.Orchestrator,
		resolver:       cfg.Resolver,
		auth:           cfg.Authenticator,
		store:          cfg.Store,
		callbackURL:    strings.TrimRight(cfg.PublicBaseURL, "/") + CallbackPath,
		backgroundPoll: cfg.BackgroundPoll,
		baseCtx:        cfg.BaseContext,
		emitter:        cfg.Emitter,
		logger:         logging.OrNop(cfg.Logger).Named("onboarding"),
	}
}

// Routes mounts the onboarding routes. All but the callback need an SSO session.
func (h *Handler) Routes(r chi.Router) {
	r.Post(CallbackPath, h.Callback)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession)
		r.Post("/onboarding/initiate", h.Initiate)
		r.Get("/onboarding/status/{sessionId}", h.Status)
		r.Get("/onboarding/result", h.Result)
	})
}

type initiateResponse struct {
	*domain.Session
	Success bool `json:"success"`
}

// Initiate creates a ceremony session at the user's institutional backend.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.UserFromContext(r.Context())
	callbackURL, err := h.auth.BuildSignedCallbackURL(h.callbackURL, callback.Claims{
		StableUserID:  user.StableUserID(),
		InstitutionID: user.InstitutionID(),
	})
	if err != nil {
		h.logger.Error("callback url", zap.String("code", apperr.CodeOf(err)), zap.Error(err))
		httpx.WriteAppError(w, err)
		return
	}
	session, err := h.orch.Initiate(r.Context(), user, callbackURL)
	if err != nil {
		h.logger.Warn("initiate onboarding failed",
			zap.String("institution_id", user.InstitutionID()),
			zap.String("code", apperr.CodeOf(err)),
			zap.Error(err),
		)
		httpx.WriteAppError(w, err)
		return
	}
	h.emit(telemetry.EventOnboardingInitiated, domain.Result{
		SessionID:     session.SessionID,
		StableUserID:  session.StableUserID,
		InstitutionID: session.InstitutionID,
		Status:        domain.StatusPending,
	})
	if h.backgroundPoll {
		go h.pollInBackground(*session)
	}
	httpx.WriteJSON(w, http.StatusOK, initiateResponse{Session: session, Success: true})
}

// Status returns the stored outcome for the session, or polls the user's backend once.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.UserFromContext(r.Context())
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	if sessionID == "" {
		httpx.WriteError(w, http.StatusBadRequest, apperr.CodeInvalidRequest, "sessionId is required")
		return
	}
	if res, ok := h.store.Get(r.Context(), sessionID); ok {
		if err := checkOwner(res, user); err != nil {
			httpx.WriteAppError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, res)
		return
	}

	backendURL, found, err := h.resolver.Resolve(r.Context(), user.InstitutionID())
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	if !found {
		httpx.WriteAppError(w, apperr.New(apperr.CodeNoBackendConfigured, "no backend configured for institution"))
		return
	}
	res, err := h.orch.PollStatus(r.Context(), sessionID, backendURL)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	if res.StableUserID == "" {
		res.StableUserID = user.StableUserID()
	}
	if res.InstitutionID == "" {
		res.InstitutionID = user.InstitutionID()
	}
	out := *res
	if res.Status.Terminal() {
		out = h.record(r.Context(), *res, telemetry.EventOnboardingPolled)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// checkOwner rejects a stored result bound to another user or institution. A result carrying
// no institution is only served when its stable user id matches.
func checkOwner(res domain.Result, user *identity.UserData) error {
	if res.StableUserID != "" && res.StableUserID != user.StableUserID() {
		return apperr.New(apperr.CodeStableUserMismatch, "session belongs to another user")
	}
	if res.InstitutionID == "" && res.StableUserID != "" {
		return nil
	}
	if res.InstitutionID == "" || !strings.EqualFold(res.InstitutionID, user.InstitutionID()) {
		return apperr.New(apperr.CodeInstitutionMismatch, "session belongs to another institution")
	}
	return nil
}

type resultResponse struct {
	Found  bool           `json:"found"`
	Result *domain.Result `json:"result,omitempty"`
}

// Result returns the most recent stored outcome for the signed-in user.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.UserFromContext(r.Context())
	res, ok := h.store.FindByUser(r.Context(), user.StableUserID(), user.InstitutionID())
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, resultResponse{Found: false})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resultResponse{Found: true, Result: &res})
}

type callbackRequest struct {
	SessionID     string `json:"sessionId"`
	StableUserID  string `json:"stableUserId"`
	InstitutionID string `json:"institutionId"`
	Status        string `json:"status"`
	Success       *bool  `json:"success"`
	CredentialID  string `json:"credentialId"`
	PublicKey     string `json:"publicKey"`
	Error         string `json:"error"`
}

// Callback accepts an outcome pushed by an institutional backend. Verification failures get a
// generic 401; the specific code is only logged.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := httpx.ReadBody(r)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	var req callbackRequest
	if err := httpx.DecodeJSON(body, &req); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)

	verified, err := h.auth.Verify(r, body, callback.Claims{
		StableUserID:  req.StableUserID,
		InstitutionID: req.InstitutionID,
		SessionID:     req.SessionID,
	})
	if err != nil {
		h.logger.WithSession(req.SessionID).Security("onboarding callback rejected",
			zap.String("code", apperr.CodeOf(err)),
			zap.String("client_ip", middleware.ClientIP(r)),
		)
		httpx.WriteError(w, http.StatusUnauthorized, "CALLBACK_UNAUTHORIZED", "callback verification failed")
		return
	}
	if verified.Claims != nil {
		if req.StableUserID == "" {
			req.StableUserID = verified.Claims.StableUserID
		}
		if req.InstitutionID == "" {
			req.InstitutionID = verified.Claims.InstitutionID
		}
		if req.SessionID == "" {
			req.SessionID = verified.Claims.SessionID
		}
	}
	if req.SessionID == "" {
		httpx.WriteError(w, http.StatusBadRequest, apperr.CodeInvalidRequest, "sessionId is required")
		return
	}

	status := domain.ParseStatus(req.Status)
	success := status.Successful()
	if req.Success != nil {
		success = *req.Success && success
	}
	stored := h.record(r.Context(), domain.Result{
		SessionID:     req.SessionID,
		StableUserID:  strings.TrimSpace(req.StableUserID),
		InstitutionID: strings.ToLower(strings.TrimSpace(req.InstitutionID)),
		Status:        status,
		Success:       success,
		CredentialID:  req.CredentialID,
		PublicKey:     req.PublicKey,
		Error:         req.Error,
	}, telemetry.EventOnboardingCallback)

	h.logger.WithSession(stored.SessionID).Info("onboarding callback accepted",
		zap.String("status", string(stored.Status)),
		zap.Bool("token_verified", verified.TokenVerified),
		zap.Bool("hmac_verified", verified.HMACVerified),
	)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": stored.SessionID})
}

// record stores res under its session id, stable user id and composite key and emits an event.
func (h *Handler) record(ctx context.Context, res domain.Result, eventType string) domain.Result {
	keys := []string{res.SessionID, res.StableUserID}
	if res.StableUserID != "" && res.InstitutionID != "" {
		keys = append(keys, domain.CompositeKey(res.StableUserID, res.InstitutionID))
	}
	stored := h.store.PutAll(ctx, res, keys...)
	h.emit(eventType, stored)
	return stored
}

func (h *Handler) pollInBackground(session domain.Session) {
	res, err := h.orch.PollUntilTerminal(h.baseCtx, session.SessionID, session.BackendURL)
	if err != nil {
		h.logger.WithSession(session.SessionID).Debug("background poll stopped", zap.Error(err))
		return
	}
	if existing, ok := h.store.Get(h.baseCtx, session.SessionID); ok && existing.Status.Terminal() {
		return
	}
	if res.StableUserID == "" {
		res.StableUserID = session.StableUserID
	}
	if res.InstitutionID == "" {
		res.InstitutionID = session.InstitutionID
	}
	h.record(h.baseCtx, *res, telemetry.EventOnboardingPolled)
}

func (h *Handler) emit(eventType string, res domain.Result) {
	event := telemetry.NewEvent(eventType, "onboarding")
	event.SessionID = res.SessionID
	event.StableUserID = res.StableUserID
	event.InstitutionID = res.InstitutionID
	event.Status = string(res.Status)
	event.Success = res.Success
	if res.CredentialID != "" || res.Error != "" {
		event.Metadata, _ = json.Marshal(map[string]string{
			"credentialId": res.CredentialID,
			"error":        res.Error,
		})
	}
	telemetry.EmitAsync(h.emitter, h.logger.Logger, event)
}
