// Package server exposes the engine over HTTP: policy administration,
// token issuance, access validation, session control, key rotation, and
// the usage reports.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	keysdomain "rights-control-engine/internal/keys/domain"
	keysservice "rights-control-engine/internal/keys/service"
	policydomain "rights-control-engine/internal/policy/domain"
	policyservice "rights-control-engine/internal/policy/service"
	"rights-control-engine/internal/session"
	"rights-control-engine/internal/token"
	"rights-control-engine/internal/usage"
	"rights-control-engine/internal/validate"
)

// HealthChecker reports whether the policy evaluator is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	keys      *keysservice.Manager
	policies  *policyservice.Store
	issuer    *token.Issuer
	validator *validate.Validator
	sessions  *session.Manager
	monitor   *usage.Monitor
	health    HealthChecker
}

// New wires the HTTP server. health may be nil.
func New(
	keys *keysservice.Manager,
	policies *policyservice.Store,
	issuer *token.Issuer,
	validator *validate.Validator,
	sessions *session.Manager,
	monitor *usage.Monitor,
	health HealthChecker,
) *Server {
	return &Server{
		keys:      keys,
		policies:  policies,
		issuer:    issuer,
		validator: validator,
		sessions:  sessions,
		monitor:   monitor,
		health:    health,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/policies", s.handleCreatePolicy)
		r.Get("/policies/{id}", s.handleGetPolicy)
		r.Patch("/policies/{id}", s.handleUpdatePolicy)
		r.Post("/policies/{id}/suspend", s.handleSuspendPolicy)
		r.Post("/policies/{id}/resume", s.handleResumePolicy)
		r.Post("/policies/{id}/revoke", s.handleRevokePolicy)

		r.Post("/tokens", s.handleIssueToken)
		r.Post("/validate", s.handleValidate)

		r.Post("/sessions/{id}/terminate", s.handleTerminateSession)
		r.Post("/sessions/{id}/heartbeat", s.handleHeartbeat)

		r.Post("/keys/rotate", s.handleRotateKeys)

		r.Get("/threats", s.handleThreats)
		r.Post("/violations/{id}/resolve", s.handleResolveViolation)
		r.Get("/compliance/report", s.handleComplianceReport)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Printf("http: %s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeDomainError maps service errors to HTTP statuses. Anything not
// recognized is treated as an infrastructure failure, which fails closed.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policyservice.ErrPolicyNotFound),
		errors.Is(err, keysservice.ErrKeyNotFound),
		errors.Is(err, usage.ErrViolationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, policydomain.ErrInvalidPolicyConfig),
		errors.Is(err, keysdomain.ErrUnsupportedConfiguration),
		errors.Is(err, token.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, policyservice.ErrPolicyRevoked),
		errors.Is(err, token.ErrPolicyNotActive),
		errors.Is(err, keysservice.ErrKeyDestroyed),
		errors.Is(err, keysservice.ErrNoActiveKey):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("http: internal error: %v", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	}
}

// clientIP prefers the X-Forwarded-For chain head, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
