// Package handler exposes provisioning token issuance and wallet registration over HTTP.
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trust-bridge/backend/internal/apperr"
	"trust-bridge/backend/internal/httpx"
	"trust-bridge/backend/internal/identity"
	"trust-bridge/backend/internal/logging"
	"trust-bridge/backend/internal/provisioning/domain"
	"trust-bridge/backend/internal/provisioning/service"
	"trust-bridge/backend/internal/server/middleware"
)

// APIKeyHeader carries the shared institutional services key.
const APIKeyHeader = "x-api-key"

// Gateway is the subset of *service.Gateway used by the handler.
type Gateway interface {
	IssueToken(ctx context.Context, user *identity.UserData, req service.IssueRequest) (*service.IssueResponse, error)
	RegisterConsumer(ctx context.Context, creds service.Credentials, req service.RegisterRequest) (*domain.Registration, error)
	RegisterProvider(ctx context.Context, creds service.Credentials, req service.RegisterRequest) (*domain.Registration, error)
}

// Handler serves the provisioning routes.
type Handler struct {
	gateway Gateway
	logger  *logging.Logger
}

// New returns a Handler.
func New(gateway Gateway, logger *logging.Logger) *Handler {
	return &Handler{gateway: gateway, logger: logging.OrNop(logger).Named("provisioning")}
}

// Routes mounts the provisioning routes. Token issuance needs an SSO session; registration
// authenticates with the token itself or the API key.
func (h *Handler) Routes(r chi.Router) {
	r.With(middleware.RequireSession).Post("/provisionToken", h.ProvisionToken)
	r.Post("/registerConsumer", h.RegisterConsumer)
	r.Post("/registerProvider", h.RegisterProvider)
}

// ProvisionToken issues a provisioning token for the signed-in user.
func (h *Handler) ProvisionToken(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.UserFromContext(r.Context())
	var req service.IssueRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	resp, err := h.gateway.IssueToken(r.Context(), user, req)
	if err != nil {
		h.logger.Warn("provision token failed",
			zap.String("institution_id", user.InstitutionID()),
			zap.String("code", apperr.CodeOf(err)),
			zap.Error(err),
		)
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type registrationResponse struct {
	*domain.Registration
	Success bool `json:"success"`
}

// RegisterConsumer registers a consumer wallet.
func (h *Handler) RegisterConsumer(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, h.gateway.RegisterConsumer)
}

// RegisterProvider registers a provider wallet.
func (h *Handler) RegisterProvider(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, h.gateway.RegisterProvider)
}

type registerFunc func(ctx context.Context, creds service.Credentials, req service.RegisterRequest) (*domain.Registration, error)

func (h *Handler) register(w http.ResponseWriter, r *http.Request, fn registerFunc) {
	var req service.RegisterRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	reg, err := fn(r.Context(), credentials(r), req)
	if err != nil {
		fields := []zap.Field{
			zap.String("path", r.URL.Path),
			zap.String("code", apperr.CodeOf(err)),
			zap.String("client_ip", middleware.ClientIP(r)),
		}
		if status := apperr.StatusOf(err); status == http.StatusUnauthorized || status == http.StatusForbidden {
			h.logger.Security("registration rejected", fields...)
		} else {
			h.logger.Warn("registration failed", append(fields, zap.Error(err))...)
		}
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, registrationResponse{Registration: reg, Success: true})
}

// credentials reads the bearer provisioning token and the API key.
func credentials(r *http.Request) service.Credentials {
	var creds service.Credentials
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		creds.BearerToken = strings.TrimSpace(auth[7:])
	}
	creds.APIKey = strings.TrimSpace(r.Header.Get(APIKeyHeader))
	return creds
}
