package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"settleflow/auth"
	"settleflow/catalog"
	"settleflow/orchestrator"
	"settleflow/settlement"
)

// Accounts registers users and issues tokens.
type Accounts interface {
	Register(ctx context.Context, req auth.RegisterRequest) (auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (auth.User, error)
	VerifyToken(token string) (auth.Identity, error)
}

// Catalog is the read-only product surface.
type Catalog interface {
	GetByID(ctx context.Context, id string) (catalog.Product, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]catalog.Product, error)
}

// Server adapts the orchestrator to HTTP.
type Server struct {
	settlements *orchestrator.Service
	accounts    Accounts
	catalog     Catalog
	logger      *slog.Logger
	ready       func(ctx context.Context) error
}

func NewServer(settlements *orchestrator.Service, accounts Accounts, products Catalog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		settlements: settlements,
		accounts:    accounts,
		catalog:     products,
		logger:      logger.With("module", "http", "layer", "adapter"),
	}
}

// WithReadiness installs the check behind /readyz.
func (s *Server) WithReadiness(check func(ctx context.Context) error) *Server {
	s.ready = check
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/me", s.handleMe)

			r.Get("/products/{id}", s.handleProduct)
			r.Get("/sellers/{id}/products", s.handleSellerProducts)

			r.Post("/escrows", s.handleCreateEscrow)
			r.Get("/escrows/{id}", s.handleEscrow)
			r.Post("/escrows/{id}/confirm", s.handleConfirmEscrow)
			r.Post("/escrows/{id}/dispute", s.handleDisputeEscrow)

			r.Post("/barters", s.handleProposeBarter)
			r.Get("/barters/{id}", s.handleBarter)
			r.Post("/barters/{id}/respond", s.handleRespondToBarter)
			r.Post("/barters/{id}/confirm", s.handleConfirmBarter)
		})
	})
	return r
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", "operation", "readyz", "outcome", "failure", "error", err)
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		outcome := "success"
		if status >= 400 {
			outcome = "failure"
		}
		fields := []any{
			"operation", "http_request",
			"outcome", outcome,
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case status >= 500:
			s.logger.ErrorContext(r.Context(), "http request completed", fields...)
		case status >= 400:
			s.logger.WarnContext(r.Context(), "http request completed", fields...)
		default:
			s.logger.InfoContext(r.Context(), "http request completed", fields...)
		}
	})
}

type ctxKey string

const ctxKeyIdentity ctxKey = "identity"

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		id, err := s.accounts.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyIdentity, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(auth.Identity)
	return id
}

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encode response", "module", "http", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Status: "error", Code: code, Message: message})
}

// fail maps err onto a status and writes it. Server faults are logged with
// the operation; client faults are not.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status, code, message := mapError(err)
	if status >= 500 {
		s.logger.ErrorContext(r.Context(), "http operation failed",
			"operation", operation,
			"outcome", "failure",
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeError(w, status, code, message)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, settlement.ErrValidation),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password"
	case errors.Is(err, settlement.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "caller is not a party to this record"
	case errors.Is(err, settlement.ErrNotFound),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.Is(err, settlement.ErrAlreadyDisputed):
		return http.StatusConflict, "ALREADY_DISPUTED", "settlement is under dispute"
	case errors.Is(err, settlement.ErrAlreadyFinalized):
		return http.StatusConflict, "ALREADY_FINALIZED", "record is already finalized"
	case errors.Is(err, settlement.ErrAlreadyExists),
		errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict, "ALREADY_EXISTS", "resource already exists"
	case errors.Is(err, settlement.ErrProposalExpired):
		return http.StatusGone, "PROPOSAL_EXPIRED", "proposal has expired"
	case errors.Is(err, settlement.ErrPaymentCaptureFailed):
		return http.StatusPaymentRequired, "PAYMENT_CAPTURE_FAILED", "payment could not be captured"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

// decode reads a JSON body, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return settlement.Invalid("body", "malformed JSON: %v", err)
	}
	return nil
}
