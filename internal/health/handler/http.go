// Package handler serves liveness and readiness for load balancers and orchestrators.
package handler

import (
	"context"
	"net/http"
	"time"

	"trust-bridge/backend/internal/httpx"
)

const checkTimeout = 2 * time.Second

// Pinger checks a dependency connection (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks the policy engine (e.g. *engine.OPAEvaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server reports health. Nil dependencies are skipped.
type Server struct {
	pinger Pinger
	policy PolicyChecker
}

// NewServer returns a health server.
func NewServer(pinger Pinger, policy PolicyChecker) *Server {
	return &Server{pinger: pinger, policy: policy}
}

// Response is the health body.
type Response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Live always reports ok while the process serves requests.
func (s *Server) Live(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, Response{Status: "ok"})
}

// Ready checks the database and the policy engine; any failure yields 503.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := Response{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK
	check := func(name string, err error) {
		if err != nil {
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			return
		}
		resp.Checks[name] = "ok"
	}
	if s.pinger != nil {
		check("database", s.pinger.PingContext(ctx))
	}
	if s.policy != nil {
		check("policy", s.policy.HealthCheck(ctx))
	}
	httpx.WriteJSON(w, status, resp)
}
