// Package server is the thin HTTP surface over the hub core. It
// deserializes the protocol operations, resolves the caller through the
// auth collaborator, and forwards to the engines; no business rule lives
// here that the core does not also enforce.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"geohub/clearing"
	"geohub/core/errors"
	"geohub/core/events"
	"geohub/gateway/auth"
	"geohub/gateway/middleware"
	"geohub/invariant"
	"geohub/payment"
	"geohub/router"
	"geohub/storage"
)

// Server wires the engines behind the HTTP routes.
type Server struct {
	store    *storage.Store
	routes   *router.Router
	payments *payment.Engine
	clearing *clearing.Engine
	auth     *auth.Service
	nonces   payment.NonceStore
	emitter  events.Emitter
	obs      *middleware.Observability
	limiter  *middleware.RateLimiter
	cors     middleware.CORSConfig
	log      *slog.Logger
	now      func() time.Time
}

// Config collects the server dependencies.
type Config struct {
	Store    *storage.Store
	Router   *router.Router
	Payments *payment.Engine
	Clearing *clearing.Engine
	Auth     *auth.Service
	Nonces   payment.NonceStore
	Emitter  events.Emitter
	Obs      *middleware.Observability
	Limiter  *middleware.RateLimiter
	CORS     middleware.CORSConfig
	Logger   *slog.Logger
}

// New constructs the gateway server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Server{
		store:    cfg.Store,
		routes:   cfg.Router,
		payments: cfg.Payments,
		clearing: cfg.Clearing,
		auth:     cfg.Auth,
		nonces:   cfg.Nonces,
		emitter:  emitter,
		obs:      cfg.Obs,
		limiter:  cfg.Limiter,
		cors:     cfg.CORS,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handler assembles the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cors))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.observe("auth"), s.throttle("auth"))
			r.Post("/auth/challenge", s.handleChallenge)
			r.Post("/auth/login", s.handleLogin)
			r.Post("/participants", s.handleRegister)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Bearer(s.auth, false, s.log))
			r.Use(s.observe("api"), s.throttle("api"))

			r.Post("/trustlines", s.handleTrustLineCreate)
			r.Put("/trustlines", s.handleTrustLineUpdate)
			r.Post("/trustlines/close", s.handleTrustLineClose)

			r.Get("/capacity", s.handleCapacity)
			r.Post("/payments", s.handlePaymentCreate)
			r.Get("/payments", s.handlePaymentList)
			r.Get("/payments/{txID}", s.handlePaymentRead)
			r.Post("/payments/{txID}/cancel", s.handlePaymentCancel)

			r.Get("/balances", s.handleBalances)
			r.Get("/debts", s.handleDebts)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Bearer(s.auth, true, s.log))
			r.Use(s.observe("admin"))

			r.Post("/admin/equivalents", s.handleEquivalentCreate)
			r.Post("/admin/equivalents/{code}/deactivate", s.handleEquivalentDeactivate)
			r.Post("/admin/participants/{pid}/suspend", s.handleParticipantSuspend)
			r.Get("/admin/cycles", s.handleCycleList)
			r.Post("/admin/clearing/run", s.handleClearingRun)
			r.Get("/admin/integrity", s.handleIntegrity)
		})
	})
	return r
}

func (s *Server) observe(route string) func(http.Handler) http.Handler {
	if s.obs == nil {
		return passthrough
	}
	return s.obs.Middleware(route)
}

func (s *Server) throttle(key string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return passthrough
	}
	return s.limiter.Middleware(key)
}

func passthrough(next http.Handler) http.Handler { return next }

// identity returns the authenticated caller; the bearer middleware
// guarantees presence on protected routes.
func (s *Server) identity(r *http.Request) auth.Identity {
	identity, _ := middleware.IdentityFrom(r.Context())
	return identity
}

// errorEnvelope is the single domain error wire shape.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain codes onto HTTP statuses and hides infrastructure
// details behind a generic envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var coded *errors.Error
	if !errors.AsDomain(err, &coded) {
		s.log.Error("internal error", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{
			Code:    string(errors.CodeInternal),
			Message: "internal error",
		}})
		return
	}
	status := http.StatusBadRequest
	switch coded.Code {
	case errors.CodeNotFound:
		status = http.StatusNotFound
	case errors.CodeInvalidSignature, errors.CodeReplayNonce:
		status = http.StatusUnauthorized
	case errors.CodePolicyDenied, errors.CodeInactiveParticipant:
		status = http.StatusForbidden
	case errors.CodeIdempotencyConflict:
		status = http.StatusConflict
	case errors.CodeInsufficientCapacity, errors.CodeEquivalentInactive:
		status = http.StatusUnprocessableEntity
	case errors.CodeTimeout:
		status = http.StatusRequestTimeout
	case errors.CodeInvariantViolation, errors.CodeInternal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    string(coded.Code),
		Message: coded.Message,
		Details: coded.Details,
	}})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.CodeValidation, "request body", err)
	}
	return nil
}

// runIntegrity executes a full-graph audit for the integrity endpoint.
func (s *Server) runIntegrity(r *http.Request) (invariant.Report, error) {
	return invariant.FullAudit(s.store.DB().WithContext(r.Context()))
}
