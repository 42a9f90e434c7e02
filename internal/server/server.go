// Package server assembles the HTTP router of the bridge and its http.Server.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	healthhandler "trust-bridge/backend/internal/health/handler"
	"trust-bridge/backend/internal/logging"
	onboardinghandler "trust-bridge/backend/internal/onboarding/handler"
	provisioninghandler "trust-bridge/backend/internal/provisioning/handler"
	"trust-bridge/backend/internal/security"
	"trust-bridge/backend/internal/server/middleware"
)

// PublicKeyPath serves the key that verifies tokens issued by this marketplace.
const PublicKeyPath = "/.well-known/public-key.pem"

// Deps holds the handlers and collaborators mounted on the router. Nil handlers are not mounted.
type Deps struct {
	Logger          *logging.Logger
	SessionVerifier middleware.SessionVerifier
	Onboarding      *onboardinghandler.Handler
	Provisioning    *provisioninghandler.Handler
	Health          *healthhandler.Server
	// PublicKeyPEM is the inline PEM served at PublicKeyPath; PublicKeyFile is the fallback.
	PublicKeyPEM  string
	PublicKeyFile string
}

// NewRouter returns the HTTP handler of the bridge.
//
// Route → handler mapping:
//   - /provisionToken, /registerConsumer, /registerProvider → internal/provisioning/handler
//   - /onboarding/*                                          → internal/onboarding/handler
//   - /healthz, /livez                                       → internal/health/handler
//   - /.well-known/public-key.pem                            → publicKey
func NewRouter(deps Deps) http.Handler {
	logger := logging.OrNop(deps.Logger)
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Trace)
	r.Use(middleware.RequestLog(logger.Named("http"), "/healthz", "/livez"))
	r.Use(middleware.Session(deps.SessionVerifier, logger.Named("session")))

	health := deps.Health
	if health == nil {
		health = healthhandler.NewServer(nil, nil)
	}
	r.Get("/healthz", health.Ready)
	r.Get("/livez", health.Live)
	r.Get(PublicKeyPath, publicKey(deps.PublicKeyPEM, deps.PublicKeyFile, logger))

	if deps.Provisioning != nil {
		deps.Provisioning.Routes(r)
	}
	if deps.Onboarding != nil {
		deps.Onboarding.Routes(r)
	}
	return r
}

// publicKey serves the configured PEM: 404 when none is configured, 500 when it is malformed.
func publicKey(inline, path string, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pemBytes, err := security.PublicKeyPEM(inline, path)
		switch {
		case errors.Is(err, security.ErrKeyNotFound):
			http.Error(w, "public key not configured", http.StatusNotFound)
			return
		case err != nil:
			logger.Error("public key unavailable", zap.Error(err))
			http.Error(w, "public key unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(pemBytes)
	}
}

// New returns an http.Server for handler with conservative timeouts.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
