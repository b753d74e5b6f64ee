package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"milestonescrow/native/escrow"
	"milestonescrow/services/escrowd/registry"
	"milestonescrow/services/escrowd/store"
)

// Agreements is the registry surface the HTTP API drives.
type Agreements interface {
	Create(ctx context.Context, req registry.CreateRequest) (escrow.Snapshot, error)
	Stake(ctx context.Context, id, caller string, amount uint64) (escrow.Snapshot, error)
	Cancel(ctx context.Context, id, caller string) (escrow.Snapshot, error)
	Revoke(ctx context.Context, id, caller string) (escrow.Snapshot, error)
	Withdraw(ctx context.Context, id, caller string) (escrow.Snapshot, error)
	PayByMilestones(ctx context.Context, id, caller string) (escrow.Snapshot, error)
	PayAtOnce(ctx context.Context, id, caller string) (escrow.Snapshot, error)
	Get(ctx context.Context, id string) (escrow.Snapshot, error)
	Status(ctx context.Context, id string) (escrow.Status, error)
	List(ctx context.Context, filter registry.ListFilter) ([]escrow.Snapshot, error)
	Events(ctx context.Context, id string) ([]store.JournalEntry, error)
}

// HealthChecker reports backend readiness for /healthz.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Config wires the HTTP API.
type Config struct {
	Auth      AuthConfig
	RateLimit RateLimit
	Health    HealthChecker
	Logger    *slog.Logger
}

// Server exposes agreement operations over HTTP.
type Server struct {
	agreements Agreements
	auth       *Authenticator
	limiter    *RateLimiter
	health     HealthChecker
	logger     *slog.Logger
	router     chi.Router
}

// New constructs the server and its routes.
func New(agreements Agreements, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		agreements: agreements,
		auth:       NewAuthenticator(cfg.Auth, logger),
		limiter:    NewRateLimiter(cfg.RateLimit),
		health:     cfg.Health,
		logger:     logger,
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/agreements", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Use(s.identified)
		r.Use(s.limiter.Middleware)
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/status", s.handleStatus)
			r.Get("/events", s.handleEvents)
			r.Post("/stake", s.handleStake)
			r.Post("/cancel", s.callerOp(s.agreements.Cancel))
			r.Post("/revoke", s.callerOp(s.agreements.Revoke))
			r.Post("/withdraw", s.callerOp(s.agreements.Withdraw))
			r.Post("/payouts/milestones", s.callerOp(s.agreements.PayByMilestones))
			r.Post("/payouts/lump-sum", s.callerOp(s.agreements.PayAtOnce))
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// identified rejects requests whose caller could not be resolved.
func (s *Server) identified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.requireCaller(w, r); !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "caller identity required")
		return "", false
	}
	return caller, true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body createRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	req, err := body.toRegistry()
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if caller != req.Client && caller != req.Freelancer {
		s.writeDomainError(w, escrow.ErrUnauthorized)
		return
	}
	snap, err := s.agreements.Create(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	filter, err := parseListFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if filter.Party != "" && filter.Party != caller {
		s.writeDomainError(w, fmt.Errorf("%w: agreements of another party", escrow.ErrUnauthorized))
		return
	}
	filter.Party = caller
	snaps, err := s.agreements.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agreements": snaps})
}

// readable loads the agreement addressed by the request and checks that the
// caller is one of its parties.
func (s *Server) readable(w http.ResponseWriter, r *http.Request) (escrow.Snapshot, bool) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return escrow.Snapshot{}, false
	}
	snap, err := s.agreements.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return escrow.Snapshot{}, false
	}
	if caller != snap.Client && caller != snap.Freelancer {
		s.writeDomainError(w, fmt.Errorf("%w: not a party to the agreement", escrow.ErrUnauthorized))
		return escrow.Snapshot{}, false
	}
	return snap, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.readable(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.readable(w, r)
	if !ok {
		return
	}
	status, err := s.agreements.Status(r.Context(), snap.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": snap.ID, "status": status})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.readable(w, r)
	if !ok {
		return
	}
	entries, err := s.agreements.Events(r.Context(), snap.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body stakeRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	snap, err := s.agreements.Stake(r.Context(), chi.URLParam(r, "id"), caller, amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type callerFunc func(ctx context.Context, id, caller string) (escrow.Snapshot, error)

func (s *Server) callerOp(op callerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.requireCaller(w, r)
		if !ok {
			return
		}
		snap, err := op(r.Context(), chi.URLParam(r, "id"), caller)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := registry.Code(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.Any("error", err))
		code = "INTERNAL"
		message = "internal error"
	}
	writeError(w, status, code, message)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrAgreementNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAgreementExists):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrIncorrectProjectState),
		errors.Is(err, escrow.ErrAlreadyStaked),
		errors.Is(err, escrow.ErrAgreementNotCancelled),
		errors.Is(err, escrow.ErrAlreadyRefunded),
		errors.Is(err, escrow.ErrNothingStaked):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidParties),
		errors.Is(err, escrow.ErrInvalidMilestoneCount),
		errors.Is(err, escrow.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrIncorrectStakingAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrDepositFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, escrow.ErrNotImplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
